// ABOUTME: Single-flight verification coordinator with fan-out to every waiter
// ABOUTME: Owns the in-flight attempt per identity, its timeout and its cancellation

package verify

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/session"
)

const (
	shardCount = 32

	preferencesTimeout = 5 * time.Second
)

// Preferences is advisory last-authentication bookkeeping. It is never
// consulted for authorization.
type Preferences interface {
	SetLastAuthTime(ctx context.Context, identity string, t time.Time) error
	LastAuthTime(ctx context.Context, identity string) (time.Time, bool, error)
}

// Config configures a Coordinator.
type Config struct {
	Machine *session.Machine
	Source  biometric.Source

	// Preferences is optional.
	Preferences Preferences

	// Timeout bounds each source attempt. Zero disables the timeout.
	Timeout time.Duration

	// Progress receives non-terminal notifications. Nil creates one.
	Progress *Broadcaster

	// OnResolve is called once per ticket after its outcome is published.
	OnResolve func(Outcome)

	Logger *slog.Logger
}

// flight is the shared future for one ticket. Fields other than done and
// outcome are guarded by the owning shard's mutex; outcome is immutable once
// done is closed.
type flight struct {
	ticket session.Ticket
	policy biometric.Policy
	done   chan struct{}

	outcome  Outcome
	resolved bool
	waiters  int
	timer    *quartz.Timer

	attempt         biometric.AttemptID
	begun           bool
	cancelPending   bool
	sourceCancelled bool
}

type flightShard struct {
	mu      sync.Mutex
	flights map[string]*flight
}

// Coordinator runs at most one source attempt per identity and resolves
// every waiter of that attempt with the same Outcome.
type Coordinator struct {
	machine   *session.Machine
	source    biometric.Source
	prefs     Preferences
	timeout   time.Duration
	clock     quartz.Clock
	progress  *Broadcaster
	onResolve func(Outcome)
	logger    *slog.Logger

	shards [shardCount]*flightShard
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Machine == nil {
		return nil, errors.New("verify: machine is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("verify: source is required")
	}
	if cfg.Timeout < 0 {
		return nil, errors.New("verify: timeout must not be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Progress == nil {
		cfg.Progress = NewBroadcaster(cfg.Logger)
	}

	c := &Coordinator{
		machine:   cfg.Machine,
		source:    cfg.Source,
		prefs:     cfg.Preferences,
		timeout:   cfg.Timeout,
		clock:     cfg.Machine.Clock().Source(),
		progress:  cfg.Progress,
		onResolve: cfg.OnResolve,
		logger:    cfg.Logger.With("component", "verify"),
	}
	for i := range c.shards {
		c.shards[i] = &flightShard{flights: make(map[string]*flight)}
	}
	return c, nil
}

// Progress returns the broadcaster carrying progress notifications.
func (c *Coordinator) Progress() *Broadcaster {
	return c.progress
}

// Preferences returns the configured preferences, or nil.
func (c *Coordinator) Preferences() Preferences {
	return c.prefs
}

func (c *Coordinator) shardFor(identity string) *flightShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return c.shards[h.Sum32()%shardCount]
}

// Request joins the in-flight verification for identity or starts one. Only
// the starting caller's policy is shown; joiners share its prompt. Begin
// errors from the source, such as biometric.ErrSourceUnavailable, are
// returned directly and resolve any waiter that joined in the meantime.
func (c *Coordinator) Request(ctx context.Context, identity string, policy biometric.Policy) (*Waiter, error) {
	s := c.shardFor(identity)

	s.mu.Lock()
	if f, ok := s.flights[identity]; ok {
		f.waiters++
		waiters := f.waiters
		s.mu.Unlock()

		c.logger.Debug("joined verification",
			"identity", identity,
			"ticket", f.ticket.ID,
			"waiters", waiters)
		c.publish(f, StageJoined, "", "")
		return &Waiter{c: c, f: f}, nil
	}

	ticket, err := c.machine.Begin(identity)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	f := &flight{
		ticket:  ticket,
		policy:  policy.WithDefaults(),
		done:    make(chan struct{}),
		waiters: 1,
	}
	s.flights[identity] = f
	if c.timeout > 0 {
		f.timer = c.clock.AfterFunc(c.timeout, func() {
			c.complete(f, Outcome{Err: biometric.ErrTimeout}, true)
		}, "verify", "timeout")
	}
	s.mu.Unlock()

	c.logger.Info("verification started",
		"identity", identity,
		"ticket", ticket.ID,
		"seq", ticket.Seq)
	c.publish(f, StageStarted, f.policy.Title, "")

	// The attempt is shared, so it must not die with the first caller's ctx.
	attempt, err := c.source.Begin(context.WithoutCancel(ctx), biometric.Request{
		TicketID: ticket.ID,
		Identity: identity,
		Policy:   f.policy,
	}, func(ev biometric.Event) {
		c.deliver(f, ev)
	})
	if err != nil {
		c.complete(f, Outcome{Err: err}, false)
		return nil, err
	}

	s.mu.Lock()
	f.attempt = attempt
	f.begun = true
	cancelNow := f.cancelPending && !f.sourceCancelled
	if cancelNow {
		f.sourceCancelled = true
	}
	s.mu.Unlock()

	if cancelNow {
		c.source.Cancel(attempt)
	}
	return &Waiter{c: c, f: f}, nil
}

// deliver handles one source event for f.
func (c *Coordinator) deliver(f *flight, ev biometric.Event) {
	switch ev.Kind {
	case biometric.EventNonTerminalFailure:
		c.logger.Debug("verification attempt failed, retry allowed",
			"identity", f.ticket.Identity,
			"ticket", f.ticket.ID,
			"message", ev.Message)
		c.publish(f, StageAttemptFailed, ev.Message, "")
	case biometric.EventSuccess:
		c.complete(f, Outcome{Kind: ev.AuthKind}, false)
	case biometric.EventUserCancelled:
		c.complete(f, Outcome{Err: biometric.ErrUserCancelled}, false)
	case biometric.EventTerminalFailure:
		err := ev.Err
		if err == nil {
			err = &biometric.FailureError{Message: ev.Message}
		}
		c.complete(f, Outcome{Err: err}, false)
	default:
		c.logger.Warn("ignoring unknown source event",
			"identity", f.ticket.Identity,
			"kind", ev.Kind.String())
	}
}

// complete resolves f with out and applies the matching state transition.
// Events arriving after resolution are ignored.
func (c *Coordinator) complete(f *flight, out Outcome, cancelSource bool) {
	s := c.shardFor(f.ticket.Identity)

	s.mu.Lock()
	if f.resolved {
		s.mu.Unlock()
		return
	}
	if out.Err == nil {
		v, err := c.machine.Succeed(f.ticket, out.Kind)
		if err != nil {
			out.Err = err
		} else {
			out.VerifiedAt = v.VerifiedAt
		}
	} else if _, err := c.machine.Fail(f.ticket); err != nil {
		c.logger.Debug("fail transition skipped", "ticket", f.ticket.ID, "error", err)
	}
	attempt, cancel := c.finishLocked(s, f, out, cancelSource)
	s.mu.Unlock()

	c.after(f, attempt, cancel)
}

// withdraw removes one waiter from f. The last waiter cancels the attempt.
func (c *Coordinator) withdraw(f *flight) {
	s := c.shardFor(f.ticket.Identity)

	s.mu.Lock()
	if f.resolved {
		s.mu.Unlock()
		return
	}
	f.waiters--
	if f.waiters > 0 {
		remaining := f.waiters
		s.mu.Unlock()
		c.logger.Debug("waiter withdrew",
			"identity", f.ticket.Identity,
			"ticket", f.ticket.ID,
			"remaining", remaining)
		return
	}
	if _, err := c.machine.Fail(f.ticket); err != nil {
		c.logger.Debug("fail transition skipped", "ticket", f.ticket.ID, "error", err)
	}
	attempt, cancel := c.finishLocked(s, f, Outcome{Err: ErrCancelled}, true)
	s.mu.Unlock()

	c.after(f, attempt, cancel)
}

// Revoke moves identity to Revoked. An in-flight verification is resolved
// with ErrRevoked and its source attempt cancelled. It returns the state
// that was replaced.
func (c *Coordinator) Revoke(identity, reason string) session.State {
	s := c.shardFor(identity)

	s.mu.Lock()
	prev := c.machine.Revoke(identity, reason)
	f := s.flights[identity]
	var (
		attempt biometric.AttemptID
		cancel  bool
	)
	if f != nil {
		attempt, cancel = c.finishLocked(s, f, Outcome{Err: ErrRevoked}, true)
	}
	s.mu.Unlock()

	if f != nil {
		c.after(f, attempt, cancel)
	}
	return prev
}

// finishLocked records out on f, wakes its waiters and decides whether the
// source attempt must be cancelled. Must be called with the shard lock held.
func (c *Coordinator) finishLocked(s *flightShard, f *flight, out Outcome, cancelSource bool) (biometric.AttemptID, bool) {
	out.Ticket = f.ticket
	f.outcome = out
	f.resolved = true
	if s.flights[f.ticket.Identity] == f {
		delete(s.flights, f.ticket.Identity)
	}
	if f.timer != nil {
		f.timer.Stop("verify", "timeout")
	}
	close(f.done)

	if !cancelSource || f.sourceCancelled {
		return "", false
	}
	if !f.begun {
		// Request cancels once Begin hands back the attempt ID.
		f.cancelPending = true
		return "", false
	}
	f.sourceCancelled = true
	return f.attempt, true
}

// after runs the side effects of a resolution outside the shard lock.
func (c *Coordinator) after(f *flight, attempt biometric.AttemptID, cancel bool) {
	if cancel {
		c.source.Cancel(attempt)
	}

	out := f.outcome
	result := ResultCode(out.Err)
	c.publish(f, StageResolved, "", result)
	if c.onResolve != nil {
		defer c.onResolve(out)
	}

	if out.Err != nil {
		c.logger.Info("verification resolved",
			"identity", f.ticket.Identity,
			"ticket", f.ticket.ID,
			"result", result,
			"error", out.Err)
		return
	}

	c.logger.Info("verification resolved",
		"identity", f.ticket.Identity,
		"ticket", f.ticket.ID,
		"result", result,
		"kind", out.Kind.String())

	if c.prefs == nil {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), preferencesTimeout)
	defer done()
	if err := c.prefs.SetLastAuthTime(ctx, f.ticket.Identity, out.VerifiedAt); err != nil {
		c.logger.Warn("failed to record last auth time",
			"identity", f.ticket.Identity,
			"error", err)
	}
}

func (c *Coordinator) publish(f *flight, stage Stage, message, result string) {
	c.progress.Publish(Progress{
		Identity: f.ticket.Identity,
		TicketID: f.ticket.ID,
		Stage:    stage,
		Message:  message,
		Result:   result,
		At:       c.clock.Now("verify", "progress"),
	})
}

// InFlight returns the pending ticket for identity and its waiter count.
func (c *Coordinator) InFlight(identity string) (session.Ticket, int, bool) {
	s := c.shardFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flights[identity]
	if !ok {
		return session.Ticket{}, 0, false
	}
	return f.ticket, f.waiters, true
}
