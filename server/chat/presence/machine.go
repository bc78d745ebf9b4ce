package presence

import (
	"context"
	"sort"
	"time"

	"bizchat/server/chat/domain"
	"bizchat/server/chat/eventloop"
	commonlog "bizchat/server/common/log"
)

const (
	DefaultIdleTimeout   = 5 * time.Minute
	defaultNotifyTimeout = 5 * time.Second
	notifyQueueSize      = 64
)

type Directory interface {
	UpdateStatus(ctx context.Context, userID string, active bool) error
}

type Broadcaster interface {
	PublishPresence(ctx context.Context, update domain.PresenceUpdate) error
}

type Config struct {
	IdleTimeout   time.Duration
	NotifyTimeout time.Duration
}

// Machine tracks the local user's presence for one session and keeps the
// shared roster. It must only be driven from its event loop.
type Machine struct {
	loop          *eventloop.Loop
	directory     Directory
	broadcaster   Broadcaster
	idleTimeout   time.Duration
	notifyTimeout time.Duration

	local  *domain.User
	status domain.Status
	since  time.Time
	idle   *eventloop.Timer
	roster map[string]domain.User

	statusListeners []func(domain.PresenceUpdate)
	rosterListeners []func()

	notices chan domain.PresenceUpdate
	drained chan struct{}
	closed  bool
}

func NewMachine(loop *eventloop.Loop, directory Directory, broadcaster Broadcaster, cfg Config) *Machine {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	m := &Machine{
		loop:          loop,
		directory:     directory,
		broadcaster:   broadcaster,
		idleTimeout:   cfg.IdleTimeout,
		notifyTimeout: cfg.NotifyTimeout,
		status:        domain.StatusOffline,
		roster:        map[string]domain.User{},
		notices:       make(chan domain.PresenceUpdate, notifyQueueSize),
		drained:       make(chan struct{}),
	}
	m.idle = loop.NewTimer(m.onIdle)
	go m.dispatchNotices()
	return m
}

// Close stops the idle timer and the remote notifier after queued
// notifications are sent. Call it from the loop.
func (m *Machine) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.idle.Stop()
	close(m.notices)
}

// Drained is closed once every notification queued before Close was sent.
// It is safe to wait on from any goroutine.
func (m *Machine) Drained() <-chan struct{} {
	return m.drained
}

func (m *Machine) OnStatus(fn func(domain.PresenceUpdate)) {
	m.statusListeners = append(m.statusListeners, fn)
}

func (m *Machine) OnRoster(fn func()) {
	m.rosterListeners = append(m.rosterListeners, fn)
}

// Login makes user the local identity and moves it to Active. A different
// previous local user goes Offline first.
func (m *Machine) Login(user domain.User) error {
	if user.ID == "" {
		return domain.ErrInvalidUser
	}
	if m.local != nil && m.local.ID != user.ID {
		m.transition(domain.StatusOffline, "identity_changed")
		m.local = nil
	}
	local := user
	m.local = &local
	m.transition(domain.StatusActive, "login")
	return nil
}

// Logout moves the local user to Offline and forgets it.
func (m *Machine) Logout(reason string) {
	if m.local == nil {
		return
	}
	m.transition(domain.StatusOffline, reason)
	m.local = nil
}

// Activate records explicit activity. It is a no-op without a local user.
func (m *Machine) Activate() {
	if m.local == nil {
		return
	}
	if m.status == domain.StatusActive {
		m.idle.Reset(m.idleTimeout)
		return
	}
	m.transition(domain.StatusActive, "activate")
}

func (m *Machine) Status() domain.Status {
	return m.status
}

func (m *Machine) Since() time.Time {
	return m.since
}

// Local returns a copy of the local user, or false when nobody is logged in.
func (m *Machine) Local() (domain.User, bool) {
	if m.local == nil {
		return domain.User{}, false
	}
	u := *m.local
	u.Status = m.status
	u.UpdatedAt = m.since
	return u, true
}

// IdleDeadline is the zero time unless an Away transition is pending.
func (m *Machine) IdleDeadline() time.Time {
	return m.idle.Deadline()
}

func (m *Machine) Roster() []domain.User {
	out := make([]domain.User, 0, len(m.roster))
	for _, u := range m.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *Machine) Lookup(userID string) (domain.User, bool) {
	u, ok := m.roster[userID]
	return u, ok
}

// LoadRoster merges a directory listing. Entries already known with a newer
// UpdatedAt keep their status.
func (m *Machine) LoadRoster(users []domain.User) {
	changed := false
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		if m.local != nil && u.ID == m.local.ID {
			continue
		}
		existing, ok := m.roster[u.ID]
		if ok && existing.UpdatedAt.After(u.UpdatedAt) {
			if existing.Name == "" || existing.Role == "" || existing.Sector == "" {
				existing.Name = firstNonEmpty(existing.Name, u.Name)
				existing.Role = firstNonEmpty(existing.Role, u.Role)
				existing.Sector = firstNonEmpty(existing.Sector, u.Sector)
				m.roster[u.ID] = existing
				changed = true
			}
			continue
		}
		if u.Status == "" {
			u.Status = domain.StatusOffline
		}
		m.roster[u.ID] = u
		changed = true
	}
	if changed {
		m.emitRoster()
	}
}

// ApplyRemote applies a presence update published by any session, including
// another session of the local user. Last writer by timestamp wins.
func (m *Machine) ApplyRemote(update domain.PresenceUpdate) bool {
	if update.UserID == "" {
		return false
	}
	existing, ok := m.roster[update.UserID]
	if ok && existing.UpdatedAt.After(update.At) {
		return false
	}
	existing.ID = update.UserID
	existing.Name = firstNonEmpty(update.Name, existing.Name)
	existing.Role = firstNonEmpty(update.Role, existing.Role)
	existing.Sector = firstNonEmpty(update.Sector, existing.Sector)
	existing.Status = update.Status
	existing.UpdatedAt = update.At
	m.roster[update.UserID] = existing
	m.emitRoster()
	return true
}

func (m *Machine) transition(to domain.Status, reason string) {
	from := m.status
	user := *m.local
	now := m.loop.Now()
	m.status = to
	m.since = now

	if to == domain.StatusActive {
		// re-arming drops any deadline left over from an earlier Active period
		m.idle.Reset(m.idleTimeout)
	} else {
		m.idle.Stop()
	}

	user.Status = to
	user.UpdatedAt = now
	if existing, ok := m.roster[user.ID]; !ok || !existing.UpdatedAt.After(now) {
		m.roster[user.ID] = user
	}

	update := domain.PresenceUpdate{UserID: user.ID, Name: user.Name, Role: user.Role, Sector: user.Sector, Status: to, At: now}
	commonlog.Infof("event=presence action=transition user_id=%s from=%s to=%s reason=%s", user.ID, from, to, reason)
	for _, fn := range m.statusListeners {
		fn(update)
	}
	m.emitRoster()
	m.notifyRemote(update)
}

func (m *Machine) onIdle() {
	if m.local == nil || m.status != domain.StatusActive {
		return
	}
	m.transition(domain.StatusAway, "idle")
}

// notifyRemote is fire-and-forget: local state already reflects the change.
// Notifications keep their order so the directory never ends on a stale value.
func (m *Machine) notifyRemote(update domain.PresenceUpdate) {
	if m.closed {
		return
	}
	select {
	case m.notices <- update:
	default:
		commonlog.Warnf("event=presence action=notify status=dropped user_id=%s to=%s reason=queue_full", update.UserID, update.Status)
	}
}

func (m *Machine) dispatchNotices() {
	defer close(m.drained)
	for update := range m.notices {
		ctx, cancel := context.WithTimeout(context.Background(), m.notifyTimeout)
		if m.directory != nil {
			if err := m.directory.UpdateStatus(ctx, update.UserID, update.Status != domain.StatusOffline); err != nil {
				commonlog.Warnf("event=presence action=directory_update status=failed user_id=%s to=%s error=%v", update.UserID, update.Status, err)
			}
		}
		if m.broadcaster != nil {
			if err := m.broadcaster.PublishPresence(ctx, update); err != nil {
				commonlog.Warnf("event=presence action=broadcast status=failed user_id=%s to=%s error=%v", update.UserID, update.Status, err)
			}
		}
		cancel()
	}
}

func (m *Machine) emitRoster() {
	for _, fn := range m.rosterListeners {
		fn()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
