// ABOUTME: Per-identity authentication state machine with sharded locking
// ABOUTME: Serializes transitions per identity and expires Verified states on the session clock

package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/2389/coven-biogate/internal/biometric"
)

// Transition errors.
var (
	ErrPending     = errors.New("verification already pending")
	ErrStaleTicket = errors.New("ticket is not the pending ticket")
)

const shardCount = 32

// entry is the per-identity slot. prior is the state Begin replaced; a failed
// attempt restores it, so a re-verification never ends a live session.
type entry struct {
	state State
	prior State
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Config configures a Machine.
type Config struct {
	Clock      *Clock
	SessionTTL time.Duration
	Logger     *slog.Logger

	// OnExpire is called after a Verified session moves to Expired, by the
	// sweeper or by a failed re-verification. It runs outside the identity's
	// lock.
	OnExpire func(identity string, previous Ticket)
}

// Machine tracks one State per identity. Unrelated identities hash to
// independent shards so they do not contend on a single lock.
type Machine struct {
	clock    *Clock
	ttl      time.Duration
	seq      atomic.Uint64
	shards   [shardCount]*shard
	onExpire func(string, Ticket)
	logger   *slog.Logger
}

// NewMachine creates a Machine where every identity starts Unverified.
func NewMachine(cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = NewClock(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Machine{
		clock:    cfg.Clock,
		ttl:      cfg.SessionTTL,
		onExpire: cfg.OnExpire,
		logger:   cfg.Logger.With("component", "session"),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return m
}

// Clock returns the machine's clock.
func (m *Machine) Clock() *Clock {
	return m.clock
}

// SessionTTL returns the configured session validity.
func (m *Machine) SessionTTL() time.Duration {
	return m.ttl
}

func (m *Machine) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return m.shards[h.Sum32()%shardCount]
}

// currentLocked returns the state for identity. Must be called with the
// shard lock held.
func (s *shard) currentLocked(identity string) State {
	if e, ok := s.entries[identity]; ok {
		return e.state
	}
	return Unverified{}
}

// setLocked stores st for identity, dropping the slot for Unverified.
func (s *shard) setLocked(identity string, st, prior State) {
	if _, ok := st.(Unverified); ok {
		delete(s.entries, identity)
		return
	}
	s.entries[identity] = &entry{state: st, prior: prior}
}

// State returns a snapshot of identity's state. It never transitions.
func (m *Machine) State(identity string) State {
	s := m.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked(identity)
}

// Begin mints a ticket and moves identity to Pending. It fails with
// ErrPending if a verification is already in flight.
func (m *Machine) Begin(identity string) (Ticket, error) {
	s := m.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.currentLocked(identity)
	if p, ok := cur.(Pending); ok {
		return Ticket{}, fmt.Errorf("%w: ticket %s", ErrPending, p.Ticket.ID)
	}

	ticket := Ticket{
		ID:        uuid.New().String(),
		Identity:  identity,
		Seq:       m.seq.Add(1),
		CreatedAt: m.clock.Now(),
	}
	s.setLocked(identity, Pending{Ticket: ticket}, cur)

	m.logger.Debug("session pending",
		"identity", identity,
		"ticket", ticket.ID,
		"seq", ticket.Seq,
		"from", cur.Phase().String())
	return ticket, nil
}

// pendingLocked checks that ticket is the identity's pending ticket.
func (s *shard) pendingLocked(ticket Ticket) (*entry, error) {
	e, ok := s.entries[ticket.Identity]
	if !ok {
		return nil, ErrStaleTicket
	}
	p, ok := e.state.(Pending)
	if !ok || p.Ticket.ID != ticket.ID {
		return nil, ErrStaleTicket
	}
	return e, nil
}

// Succeed moves the pending ticket to Verified.
func (m *Machine) Succeed(ticket Ticket, kind biometric.AuthKind) (Verified, error) {
	s := m.shardFor(ticket.Identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.pendingLocked(ticket); err != nil {
		return Verified{}, err
	}

	v := Verified{Ticket: ticket, VerifiedAt: m.clock.Now(), Kind: kind}
	s.setLocked(ticket.Identity, v, nil)

	m.logger.Debug("session verified",
		"identity", ticket.Identity,
		"ticket", ticket.ID,
		"kind", kind.String())
	return v, nil
}

// Fail resolves the pending ticket without verification. The identity goes
// back to the state Begin replaced. A replaced Verified state keeps its
// original VerifiedAt and comes back Expired once the session TTL has passed.
func (m *Machine) Fail(ticket Ticket) (State, error) {
	s := m.shardFor(ticket.Identity)
	s.mu.Lock()

	e, err := s.pendingLocked(ticket)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	now := m.clock.Now()
	var next State = Unverified{}
	expired := false
	switch prior := e.prior.(type) {
	case Expired, Revoked:
		next = prior
	case Verified:
		next = prior
		if IsExpired(prior.VerifiedAt, now, m.ttl) {
			next = Expired{Previous: prior.Ticket, At: now}
			expired = true
		}
	}
	s.setLocked(ticket.Identity, next, nil)
	s.mu.Unlock()

	m.logger.Debug("session verification failed",
		"identity", ticket.Identity,
		"ticket", ticket.ID,
		"to", next.Phase().String())
	if expired {
		m.expire(ticket.Identity, next.(Expired).Previous)
	}
	return next, nil
}

// Revoke moves identity to Revoked regardless of its current state and
// returns the state it replaced. A pending ticket becomes stale.
func (m *Machine) Revoke(identity, reason string) State {
	s := m.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.currentLocked(identity)
	s.setLocked(identity, Revoked{Reason: reason, At: m.clock.Now()}, nil)

	m.logger.Info("session revoked",
		"identity", identity,
		"reason", reason,
		"from", prev.Phase().String())
	return prev
}

// Verified returns identity's Verified state if it is still within the
// session TTL. It does not transition.
func (m *Machine) Verified(identity string) (Verified, bool) {
	st := m.State(identity)
	v, ok := st.(Verified)
	if !ok {
		return Verified{}, false
	}
	if IsExpired(v.VerifiedAt, m.clock.Now(), m.ttl) {
		return Verified{}, false
	}
	return v, true
}

// Session returns the Verified state backing identity's session: the current
// state, or the one a pending re-verification will fall back to. Leases issued
// under it stay usable while the re-verification is in flight.
func (m *Machine) Session(identity string) (Verified, bool) {
	s := m.shardFor(identity)
	s.mu.Lock()
	var v Verified
	var ok bool
	if e, found := s.entries[identity]; found {
		switch st := e.state.(type) {
		case Verified:
			v, ok = st, true
		case Pending:
			v, ok = e.prior.(Verified)
		}
	}
	s.mu.Unlock()

	if !ok || IsExpired(v.VerifiedAt, m.clock.Now(), m.ttl) {
		return Verified{}, false
	}
	return v, true
}

// IsVerified reports whether identity is Verified, verified no longer than
// window ago, and not past the session TTL. It never transitions, so a
// Verified state the sweeper has not reached yet still reads as false once
// its TTL has passed.
func (m *Machine) IsVerified(identity string, window time.Duration) bool {
	v, ok := m.Verified(identity)
	if !ok {
		return false
	}
	return m.clock.Now().Sub(v.VerifiedAt) <= window
}

// Sweep moves every Verified state past the session TTL to Expired and
// returns how many identities expired.
func (m *Machine) Sweep() int {
	type expiry struct {
		identity string
		previous Ticket
	}
	var expired []expiry

	for _, s := range m.shards {
		s.mu.Lock()
		now := m.clock.Now()
		for identity, e := range s.entries {
			switch st := e.state.(type) {
			case Verified:
				if !IsExpired(st.VerifiedAt, now, m.ttl) {
					continue
				}
				e.state = Expired{Previous: st.Ticket, At: now}
				e.prior = nil
				expired = append(expired, expiry{identity: identity, previous: st.Ticket})
			case Pending:
				// A session under re-verification still times out.
				v, ok := e.prior.(Verified)
				if !ok || !IsExpired(v.VerifiedAt, now, m.ttl) {
					continue
				}
				e.prior = Expired{Previous: v.Ticket, At: now}
				expired = append(expired, expiry{identity: identity, previous: v.Ticket})
			}
		}
		s.mu.Unlock()
	}

	for _, ex := range expired {
		m.expire(ex.identity, ex.previous)
	}
	return len(expired)
}

// expire reports a Verified to Expired transition. Call without the shard lock.
func (m *Machine) expire(identity string, previous Ticket) {
	m.logger.Info("session expired", "identity", identity, "ticket", previous.ID)
	if m.onExpire != nil {
		m.onExpire(identity, previous)
	}
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Machine) RunSweeper(ctx context.Context, every time.Duration) quartz.Waiter {
	return m.clock.Source().TickerFunc(ctx, every, func() error {
		m.Sweep()
		return nil
	}, "session", "sweep")
}
