package typing

import (
	"slices"
	"sort"
	"time"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
)

// source is one typing origin: a sender on one of its sessions.
type source struct {
	from    string
	session string
}

type inboundEntry struct {
	expiry *eventloop.Timer
}

type lastSignal struct {
	at  time.Time
	seq uint64
}

// Set holds the counterparties currently typing to the local user. A sender
// typing from several sessions is tracked per session and counts as typing
// while any of them is. Every entry expires one TTL after it was last
// refreshed, so a lost stop signal cannot leave it behind.
type Set struct {
	loop *eventloop.Loop
	ttl  time.Duration

	entries map[source]*inboundEntry
	last    map[source]lastSignal

	listeners []func(peers []string)
}

func NewSet(loop *eventloop.Loop, ttl time.Duration) *Set {
	if ttl <= 0 {
		ttl = DefaultQuietPeriod
	}
	return &Set{loop: loop, ttl: ttl, entries: map[source]*inboundEntry{}, last: map[source]lastSignal{}}
}

func (s *Set) OnChange(fn func(peers []string)) {
	s.listeners = append(s.listeners, fn)
}

// Apply handles a relayed signal. Signals older than the last one seen from
// the same sender session are ignored; it reports whether the signal was used.
func (s *Set) Apply(signal domain.TypingSignal) bool {
	if signal.From == "" {
		return false
	}
	src := source{from: signal.From, session: signal.Session}
	if prev, ok := s.last[src]; ok {
		if signal.At.Before(prev.at) || (signal.At.Equal(prev.at) && signal.Seq <= prev.seq) {
			return false
		}
	}
	s.last[src] = lastSignal{at: signal.At, seq: signal.Seq}
	if signal.Typing {
		s.observe(src)
	} else {
		s.remove(src)
	}
	return true
}

// Observe marks from as typing and restarts its TTL.
func (s *Set) Observe(from string) {
	if from == "" {
		return
	}
	s.observe(source{from: from})
}

// Remove drops from on every session it was typing from.
func (s *Set) Remove(from string) {
	before := s.Peers()
	for src, entry := range s.entries {
		if src.from == from {
			entry.expiry.Stop()
			delete(s.entries, src)
		}
	}
	s.emitIfChanged(before)
}

// Clear drops every entry and the ordering history, e.g. on identity change.
func (s *Set) Clear() {
	changed := len(s.entries) > 0
	for _, entry := range s.entries {
		entry.expiry.Stop()
	}
	s.entries = map[source]*inboundEntry{}
	s.last = map[source]lastSignal{}
	if changed {
		s.emit(s.Peers())
	}
}

func (s *Set) Typing(from string) bool {
	for src := range s.entries {
		if src.from == from {
			return true
		}
	}
	return false
}

func (s *Set) Peers() []string {
	seen := map[string]struct{}{}
	for src := range s.entries {
		seen[src.from] = struct{}{}
	}
	return sortedKeys(seen)
}

func (s *Set) observe(src source) {
	entry, ok := s.entries[src]
	if !ok {
		before := s.Peers()
		entry = &inboundEntry{}
		entry.expiry = s.loop.NewTimer(func() { s.remove(src) })
		s.entries[src] = entry
		entry.expiry.Reset(s.ttl)
		s.emitIfChanged(before)
		return
	}
	entry.expiry.Reset(s.ttl)
}

func (s *Set) remove(src source) {
	entry, ok := s.entries[src]
	if !ok {
		return
	}
	before := s.Peers()
	entry.expiry.Stop()
	delete(s.entries, src)
	s.emitIfChanged(before)
}

func (s *Set) emitIfChanged(before []string) {
	if peers := s.Peers(); !slices.Equal(before, peers) {
		s.emit(peers)
	}
}

func (s *Set) emit(peers []string) {
	for _, fn := range s.listeners {
		fn(peers)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
