package unread

import (
	"maps"

	"bizchat/server/chat/domain"
)

// Derive counts unread inbound messages per sender for localID.
func Derive(localID string, timeline []domain.Message) map[string]int {
	counts := map[string]int{}
	if localID == "" {
		return counts
	}
	for _, m := range timeline {
		if m.UnreadFor(localID) {
			counts[m.SenderID]++
		}
	}
	return counts
}

// Counter exposes Derive over the latest timeline plus optimistic resets.
// A reset hides the messages that were unread at that moment until the
// timeline reports them read or drops them; later messages count again.
type Counter struct {
	localID  string
	timeline []domain.Message
	masked   map[string]map[string]struct{}
	counts   map[string]int

	listeners []func(map[string]int)
}

func NewCounter() *Counter {
	return &Counter{masked: map[string]map[string]struct{}{}, counts: map[string]int{}}
}

func (c *Counter) OnChange(fn func(map[string]int)) {
	c.listeners = append(c.listeners, fn)
}

// Recompute replaces the inputs and derives the counts again from scratch.
func (c *Counter) Recompute(localID string, timeline []domain.Message) {
	if localID != c.localID {
		c.masked = map[string]map[string]struct{}{}
	}
	c.localID = localID
	c.timeline = timeline
	c.reconcile()
	c.publish()
}

// Reset zeroes the count for counterparty right away, ahead of the store
// confirming the messages as read.
func (c *Counter) Reset(counterparty string) {
	if counterparty == "" || c.localID == "" {
		return
	}
	mask := c.masked[counterparty]
	if mask == nil {
		mask = map[string]struct{}{}
	}
	for _, m := range c.timeline {
		if m.SenderID == counterparty && m.UnreadFor(c.localID) {
			mask[m.ID] = struct{}{}
		}
	}
	if len(mask) > 0 {
		c.masked[counterparty] = mask
	}
	c.publish()
}

func (c *Counter) Count(counterparty string) int {
	return c.counts[counterparty]
}

func (c *Counter) Counts() map[string]int {
	return maps.Clone(c.counts)
}

func (c *Counter) Total() int {
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// reconcile drops masked ids the timeline no longer reports as unread.
func (c *Counter) reconcile() {
	stillUnread := map[string]struct{}{}
	for _, m := range c.timeline {
		if m.UnreadFor(c.localID) {
			stillUnread[m.ID] = struct{}{}
		}
	}
	for counterparty, mask := range c.masked {
		for id := range mask {
			if _, ok := stillUnread[id]; !ok {
				delete(mask, id)
			}
		}
		if len(mask) == 0 {
			delete(c.masked, counterparty)
		}
	}
}

func (c *Counter) publish() {
	counts := Derive(c.localID, c.timeline)
	for counterparty, mask := range c.masked {
		for _, m := range c.timeline {
			if m.SenderID != counterparty || !m.UnreadFor(c.localID) {
				continue
			}
			if _, ok := mask[m.ID]; ok {
				counts[counterparty]--
			}
		}
		if counts[counterparty] <= 0 {
			delete(counts, counterparty)
		}
	}
	if maps.Equal(counts, c.counts) {
		return
	}
	c.counts = counts
	for _, fn := range c.listeners {
		fn(c.Counts())
	}
}
