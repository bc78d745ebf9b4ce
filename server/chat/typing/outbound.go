package typing

import (
	"time"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
)

const DefaultQuietPeriod = 3 * time.Second

// Relay carries typing signals to the counterparty. It is called on the loop
// and must not block.
type Relay interface {
	RelayTyping(signal domain.TypingSignal)
}

type outboundEntry struct {
	quiet     *eventloop.Timer
	keepalive *eventloop.Timer
	lastRelay time.Time
	pending   bool
}

// Outbound tracks what the local user is typing to whom. Started is
// signalled once per typing period; while keystrokes continue the relay
// gets a keepalive at most every half quiet period, and a trailing one
// covers keystrokes that fell inside that window.
type Outbound struct {
	loop  *eventloop.Loop
	relay Relay
	quiet time.Duration

	session string
	from    string
	seq     uint64
	peers   map[string]*outboundEntry

	listeners []func(peer string, typing bool)
}

func NewOutbound(loop *eventloop.Loop, relay Relay, quiet time.Duration) *Outbound {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Outbound{loop: loop, relay: relay, quiet: quiet, peers: map[string]*outboundEntry{}}
}

func (o *Outbound) OnChange(fn func(peer string, typing bool)) {
	o.listeners = append(o.listeners, fn)
}

// SetSession tags outgoing signals with the sending session, so receivers
// order each session's signals on their own.
func (o *Outbound) SetSession(id string) {
	o.session = id
}

// SetLocal changes the sending user; anything typed by the previous one stops.
func (o *Outbound) SetLocal(userID string) {
	if userID == o.from {
		return
	}
	o.StopAll()
	o.from = userID
}

// Keystroke records input activity directed at peer.
func (o *Outbound) Keystroke(peer string) {
	if o.from == "" || peer == "" || peer == o.from {
		return
	}
	entry, ok := o.peers[peer]
	if !ok {
		entry = &outboundEntry{}
		entry.quiet = o.loop.NewTimer(func() { o.stop(peer) })
		entry.keepalive = o.loop.NewTimer(func() { o.flushKeepalive(peer) })
		o.peers[peer] = entry
		entry.quiet.Reset(o.quiet)
		o.send(peer, entry, true)
		o.emit(peer, true)
		return
	}
	entry.quiet.Reset(o.quiet)
	interval := o.quiet / 2
	since := o.loop.Now().Sub(entry.lastRelay)
	if since >= interval {
		entry.keepalive.Stop()
		entry.pending = false
		o.send(peer, entry, true)
		return
	}
	if since <= 0 {
		return
	}
	entry.pending = true
	if !entry.keepalive.Active() {
		entry.keepalive.Reset(interval - since)
	}
}

// Clear ends typing towards peer, on send or when the input is emptied.
func (o *Outbound) Clear(peer string) {
	o.stop(peer)
}

func (o *Outbound) StopAll() {
	for peer := range o.peers {
		o.stop(peer)
	}
}

func (o *Outbound) Typing(peer string) bool {
	_, ok := o.peers[peer]
	return ok
}

// Peers lists the counterparties the local user is typing to.
func (o *Outbound) Peers() []string {
	return sortedKeys(o.peers)
}

func (o *Outbound) stop(peer string) {
	entry, ok := o.peers[peer]
	if !ok {
		return
	}
	entry.quiet.Stop()
	entry.keepalive.Stop()
	delete(o.peers, peer)
	o.send(peer, entry, false)
	o.emit(peer, false)
}

func (o *Outbound) flushKeepalive(peer string) {
	entry, ok := o.peers[peer]
	if !ok || !entry.pending {
		return
	}
	entry.pending = false
	o.send(peer, entry, true)
}

func (o *Outbound) send(peer string, entry *outboundEntry, typing bool) {
	now := o.loop.Now()
	entry.lastRelay = now
	if o.relay == nil {
		return
	}
	o.seq++
	o.relay.RelayTyping(domain.TypingSignal{From: o.from, Session: o.session, To: peer, Typing: typing, Seq: o.seq, At: now})
}

func (o *Outbound) emit(peer string, typing bool) {
	for _, fn := range o.listeners {
		fn(peer, typing)
	}
}
