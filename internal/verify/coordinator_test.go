// ABOUTME: Tests for the single-flight verification coordinator
// ABOUTME: Uses a scripted source and a quartz mock clock to drive outcomes and timeouts

package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/session"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource records Begin/Cancel calls and lets tests deliver events.
type fakeSource struct {
	mu       sync.Mutex
	beginErr error
	begins   []biometric.Request
	deliver  map[biometric.AttemptID]func(biometric.Event)
	cancels  map[biometric.AttemptID]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		deliver: make(map[biometric.AttemptID]func(biometric.Event)),
		cancels: make(map[biometric.AttemptID]int),
	}
}

func (s *fakeSource) Begin(_ context.Context, req biometric.Request, deliver func(biometric.Event)) (biometric.AttemptID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins = append(s.begins, req)
	if s.beginErr != nil {
		return "", s.beginErr
	}
	id := biometric.AttemptID(fmt.Sprintf("attempt-%d", len(s.begins)))
	s.deliver[id] = deliver
	return id, nil
}

func (s *fakeSource) Cancel(id biometric.AttemptID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id]++
}

func (s *fakeSource) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.begins)
}

func (s *fakeSource) cancelCount(id biometric.AttemptID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[id]
}

func (s *fakeSource) totalCancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.cancels {
		n += c
	}
	return n
}

func (s *fakeSource) send(t *testing.T, id biometric.AttemptID, ev biometric.Event) {
	t.Helper()
	s.mu.Lock()
	fn, ok := s.deliver[id]
	s.mu.Unlock()
	require.True(t, ok, "unknown attempt %s", id)
	fn(ev)
}

type memPrefs struct {
	mu   sync.Mutex
	last map[string]time.Time
	err  error
}

func (p *memPrefs) SetLastAuthTime(_ context.Context, identity string, t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.last == nil {
		p.last = make(map[string]time.Time)
	}
	p.last[identity] = t
	return nil
}

func (p *memPrefs) LastAuthTime(_ context.Context, identity string) (time.Time, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.last[identity]
	return t, ok, p.err
}

type harness struct {
	clock   *quartz.Mock
	machine *session.Machine
	source  *fakeSource
	prefs   *memPrefs
	coord   *Coordinator
}

func newHarness(t *testing.T, verifyTimeout time.Duration) *harness {
	t.Helper()
	mClock := quartz.NewMock(t)
	machine := session.NewMachine(session.Config{
		Clock:      session.NewClock(mClock),
		SessionTTL: 30 * time.Second,
	})
	source := newFakeSource()
	prefs := &memPrefs{}
	coord, err := New(Config{
		Machine:     machine,
		Source:      source,
		Preferences: prefs,
		Timeout:     verifyTimeout,
	})
	require.NoError(t, err)
	return &harness{clock: mClock, machine: machine, source: source, prefs: prefs, coord: coord}
}

func waitOutcome(t *testing.T, w *Waiter) Outcome {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outcome")
	}
	out, ok := w.Outcome()
	require.True(t, ok)
	return out
}

func TestRequest_SingleFlightFanOut(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	const callers = 20
	waiters := make([]*Waiter, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
			assert.NoError(t, err)
			waiters[i] = w
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, h.source.beginCount(), "exactly one source attempt")
	ticket, joined, ok := h.coord.InFlight("alice")
	require.True(t, ok)
	assert.Equal(t, callers, joined)

	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))

	for i, w := range waiters {
		out := waitOutcome(t, w)
		require.NoError(t, out.Err, "waiter %d", i)
		assert.Equal(t, ticket.ID, out.Ticket.ID, "waiter %d", i)
		assert.Equal(t, biometric.AuthKindFace, out.Kind, "waiter %d", i)
	}
	assert.True(t, h.machine.IsVerified("alice", 30*time.Second))
	_, _, ok = h.coord.InFlight("alice")
	assert.False(t, ok)
}

func TestRequest_BobTimeoutScenario(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	ctx := context.Background()

	w1, err := h.coord.Request(ctx, "bob", biometric.DefaultPolicy())
	require.NoError(t, err)
	w2, err := h.coord.Request(ctx, "bob", biometric.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, w1.Ticket().ID, w2.Ticket().ID)

	h.clock.Advance(10 * time.Second).MustWait(ctx)

	for _, w := range []*Waiter{w1, w2} {
		out := waitOutcome(t, w)
		assert.ErrorIs(t, out.Err, biometric.ErrTimeout)
		assert.Equal(t, w1.Ticket().ID, out.Ticket.ID)
	}
	assert.IsType(t, session.Unverified{}, h.machine.State("bob"))
	assert.Equal(t, 1, h.source.cancelCount("attempt-1"))
	assert.Equal(t, 1, h.source.beginCount())
}

func TestRequest_NonTerminalFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress, _ := h.coord.Progress().Subscribe(ctx, "alice")

	w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	h.source.send(t, "attempt-1", biometric.AttemptFailed("finger not recognized"))
	h.source.send(t, "attempt-1", biometric.AttemptFailed("finger not recognized"))

	select {
	case <-w.Done():
		t.Fatal("non-terminal failure resolved the waiter")
	default:
	}
	assert.IsType(t, session.Pending{}, h.machine.State("alice"))

	var stages []Stage
	require.Eventually(t, func() bool {
		for {
			select {
			case p := <-progress:
				stages = append(stages, p.Stage)
			default:
				return len(stages) >= 3
			}
		}
	}, timeout, tick)
	assert.Equal(t, []Stage{StageStarted, StageAttemptFailed, StageAttemptFailed}, stages[:3])

	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFingerprint))
	out := waitOutcome(t, w)
	require.NoError(t, out.Err)
	assert.Equal(t, biometric.AuthKindFingerprint, out.Kind)
}

func TestRequest_TerminalFailureRestoresPriorState(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	h.machine.Revoke("alice", "logout")

	w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-1", biometric.Failed(&biometric.FailureError{Code: "lockout", Message: "too many attempts"}))

	out := waitOutcome(t, w)
	var fe *biometric.FailureError
	require.ErrorAs(t, out.Err, &fe)
	assert.Equal(t, "lockout", fe.Code)
	assert.IsType(t, session.Revoked{}, h.machine.State("alice"))
	assert.Equal(t, 0, h.source.totalCancels(), "a terminal event needs no cancel")
}

func TestRequest_TerminalFailureWithoutError(t *testing.T) {
	h := newHarness(t, 0)
	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	h.source.send(t, "attempt-1", biometric.Event{Kind: biometric.EventTerminalFailure, Message: "sensor error"})

	out := waitOutcome(t, w)
	var fe *biometric.FailureError
	require.ErrorAs(t, out.Err, &fe)
	assert.Equal(t, "sensor error", fe.Message)
}

func TestRequest_UserCancelled(t *testing.T) {
	h := newHarness(t, 0)
	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	h.source.send(t, "attempt-1", biometric.Cancelled())

	out := waitOutcome(t, w)
	assert.ErrorIs(t, out.Err, biometric.ErrUserCancelled)
	assert.IsType(t, session.Unverified{}, h.machine.State("alice"))
}

func TestRequest_SourceUnavailable(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.source.beginErr = biometric.ErrSourceUnavailable

	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	assert.ErrorIs(t, err, biometric.ErrSourceUnavailable)
	assert.Nil(t, w)
	assert.IsType(t, session.Unverified{}, h.machine.State("alice"))

	_, _, ok := h.coord.InFlight("alice")
	assert.False(t, ok)
}

func TestRequest_PolicyOfFirstCallerIsShown(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	_, err := h.coord.Request(ctx, "alice", biometric.CryptoPolicy())
	require.NoError(t, err)
	_, err = h.coord.Request(ctx, "alice", biometric.Policy{Title: "Ignored"})
	require.NoError(t, err)

	h.source.mu.Lock()
	defer h.source.mu.Unlock()
	require.Len(t, h.source.begins, 1)
	assert.Equal(t, "Cryptographic Authentication", h.source.begins[0].Policy.Title)
	assert.Equal(t, "Use your biometric credential to authenticate", h.source.begins[0].Policy.Description)
}

func TestWithdraw_SubsetKeepsAttempt(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	w1, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	w2, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	w1.Withdraw()
	w1.Withdraw()

	assert.Equal(t, 0, h.source.totalCancels())
	_, joined, ok := h.coord.InFlight("alice")
	require.True(t, ok)
	assert.Equal(t, 1, joined)
	assert.IsType(t, session.Pending{}, h.machine.State("alice"))

	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindIris))
	out := waitOutcome(t, w2)
	require.NoError(t, out.Err)

	// The withdrawn waiter still observes the shared outcome.
	out1, ok := w1.Outcome()
	require.True(t, ok)
	assert.Equal(t, out.Ticket.ID, out1.Ticket.ID)
}

func TestWithdraw_AllCancelsOnce(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	w1, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	w2, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	w1.Withdraw()
	w2.Withdraw()
	w2.Withdraw()

	out := waitOutcome(t, w1)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	assert.Equal(t, 1, h.source.cancelCount("attempt-1"))
	assert.IsType(t, session.Unverified{}, h.machine.State("alice"))

	// Late events from the cancelled attempt are ignored.
	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))
	assert.IsType(t, session.Unverified{}, h.machine.State("alice"))
	assert.Equal(t, 1, h.source.cancelCount("attempt-1"))
}

func TestWait_ContextCancelWithdraws(t *testing.T) {
	h := newHarness(t, 0)

	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, h.source.cancelCount("attempt-1"))
	assert.IsType(t, session.Unverified{}, h.machine.State("alice"))
}

func TestWait_ReturnsOutcome(t *testing.T) {
	h := newHarness(t, 0)

	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := w.Wait(context.Background())
		done <- out
	}()

	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))

	select {
	case out := <-done:
		require.NoError(t, out.Err)
		assert.Equal(t, biometric.AuthKindFace, out.Kind)
	case <-time.After(timeout):
		t.Fatal("Wait did not return")
	}
}

func TestRevoke_DuringFlight(t *testing.T) {
	h := newHarness(t, 10*time.Second)

	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	prev := h.coord.Revoke("alice", "security preference changed")
	assert.IsType(t, session.Pending{}, prev)

	out := waitOutcome(t, w)
	assert.ErrorIs(t, out.Err, ErrRevoked)
	assert.Equal(t, 1, h.source.cancelCount("attempt-1"))

	st, ok := h.machine.State("alice").(session.Revoked)
	require.True(t, ok)
	assert.Equal(t, "security preference changed", st.Reason)

	// The stopped timer must not fire.
	h.clock.Advance(10 * time.Second).MustWait(context.Background())
	assert.IsType(t, session.Revoked{}, h.machine.State("alice"))
}

func TestRequest_NewFlightAfterResolution(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))
	first := waitOutcome(t, w)

	w, err = h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 2, h.source.beginCount())
	assert.Greater(t, w.Ticket().Seq, first.Ticket.Seq)
	assert.IsType(t, session.Pending{}, h.machine.State("alice"))
}

func TestRequest_SuccessRecordsLastAuthTime(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))
	out := waitOutcome(t, w)

	require.Eventually(t, func() bool {
		_, ok, _ := h.prefs.LastAuthTime(ctx, "alice")
		return ok
	}, timeout, tick)
	last, _, _ := h.prefs.LastAuthTime(ctx, "alice")
	assert.True(t, out.VerifiedAt.Equal(last))
}

func TestOnResolve_CalledOncePerTicket(t *testing.T) {
	mClock := quartz.NewMock(t)
	machine := session.NewMachine(session.Config{
		Clock:      session.NewClock(mClock),
		SessionTTL: 30 * time.Second,
	})
	source := newFakeSource()

	var (
		mu       sync.Mutex
		resolved []Outcome
	)
	coord, err := New(Config{
		Machine: machine,
		Source:  source,
		OnResolve: func(out Outcome) {
			mu.Lock()
			defer mu.Unlock()
			resolved = append(resolved, out)
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	w1, err := coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	w2, err := coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)

	source.send(t, "attempt-1", biometric.Cancelled())
	waitOutcome(t, w1)
	waitOutcome(t, w2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(resolved) == 1
	}, timeout, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, resolved[0].Err, biometric.ErrUserCancelled)
	assert.Equal(t, w1.Ticket().ID, resolved[0].Ticket.ID)
}

func TestRequest_PreferenceErrorsDoNotFailVerification(t *testing.T) {
	h := newHarness(t, 0)
	h.prefs.err = errors.New("disk full")

	w, err := h.coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))

	out := waitOutcome(t, w)
	assert.NoError(t, out.Err)
	assert.True(t, h.machine.IsVerified("alice", time.Minute))
}

func TestRequest_IdentitiesAreIndependent(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	wa, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	wb, err := h.coord.Request(ctx, "bob", biometric.DefaultPolicy())
	require.NoError(t, err)
	assert.NotEqual(t, wa.Ticket().ID, wb.Ticket().ID)
	assert.Equal(t, 2, h.source.beginCount())

	h.source.send(t, "attempt-2", biometric.Cancelled())
	outB := waitOutcome(t, wb)
	assert.ErrorIs(t, outB.Err, biometric.ErrUserCancelled)

	_, resolved := wa.Outcome()
	assert.False(t, resolved)
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, "success", ResultCode(nil))
	assert.Equal(t, "timeout", ResultCode(biometric.ErrTimeout))
	assert.Equal(t, "user_cancelled", ResultCode(biometric.ErrUserCancelled))
	assert.Equal(t, "unavailable", ResultCode(fmt.Errorf("begin: %w", biometric.ErrSourceUnavailable)))
	assert.Equal(t, "cancelled", ResultCode(ErrCancelled))
	assert.Equal(t, "revoked", ResultCode(ErrRevoked))
	assert.Equal(t, "failure", ResultCode(&biometric.FailureError{Message: "x"}))
	assert.Equal(t, "error", ResultCode(errors.New("other")))
}

func TestRequest_FailedReverificationKeepsSession(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFingerprint))
	first := waitOutcome(t, w)
	require.NoError(t, first.Err)

	h.clock.Advance(5 * time.Second).MustWait(ctx)
	w, err = h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-2", biometric.Failed(&biometric.FailureError{Code: "lockout", Message: "too many attempts"}))
	out := waitOutcome(t, w)
	require.Error(t, out.Err)

	v, ok := h.machine.State("alice").(session.Verified)
	require.True(t, ok, "a failed re-prompt is not a logout")
	assert.Equal(t, first.VerifiedAt, v.VerifiedAt)
	assert.True(t, h.machine.IsVerified("alice", 30*time.Second))

	h.clock.Advance(25 * time.Second).MustWait(ctx)
	assert.False(t, h.machine.IsVerified("alice", 30*time.Second), "the session keeps its original TTL")
}

func TestRequest_WithdrawnReverificationKeepsSession(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	w, err := h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	h.source.send(t, "attempt-1", biometric.Succeeded(biometric.AuthKindFace))
	require.NoError(t, waitOutcome(t, w).Err)

	w, err = h.coord.Request(ctx, "alice", biometric.DefaultPolicy())
	require.NoError(t, err)
	w.Withdraw()

	assert.Equal(t, 1, h.source.cancelCount("attempt-2"))
	assert.Equal(t, session.PhaseVerified, h.machine.State("alice").Phase())
}

// blockingSource holds Begin open until release is closed.
type blockingSource struct {
	*fakeSource
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) Begin(ctx context.Context, req biometric.Request, deliver func(biometric.Event)) (biometric.AttemptID, error) {
	close(s.entered)
	<-s.release
	return s.fakeSource.Begin(ctx, req, deliver)
}

func TestRequest_ResolvedWhileBeginRuns(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(t *testing.T, clock *quartz.Mock, coord *Coordinator)
		wantErr error
	}{
		{
			name: "timeout",
			resolve: func(t *testing.T, clock *quartz.Mock, _ *Coordinator) {
				clock.Advance(10 * time.Second).MustWait(context.Background())
			},
			wantErr: biometric.ErrTimeout,
		},
		{
			name: "revoke",
			resolve: func(_ *testing.T, _ *quartz.Mock, coord *Coordinator) {
				coord.Revoke("alice", "logout")
			},
			wantErr: ErrRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mClock := quartz.NewMock(t)
			machine := session.NewMachine(session.Config{
				Clock:      session.NewClock(mClock),
				SessionTTL: 30 * time.Second,
			})
			source := &blockingSource{
				fakeSource: newFakeSource(),
				entered:    make(chan struct{}),
				release:    make(chan struct{}),
			}
			coord, err := New(Config{Machine: machine, Source: source, Timeout: 10 * time.Second})
			require.NoError(t, err)

			type result struct {
				w   *Waiter
				err error
			}
			done := make(chan result, 1)
			go func() {
				w, err := coord.Request(context.Background(), "alice", biometric.DefaultPolicy())
				done <- result{w, err}
			}()

			select {
			case <-source.entered:
			case <-time.After(timeout):
				t.Fatal("Begin was not called")
			}
			tt.resolve(t, mClock, coord)
			assert.Equal(t, 0, source.totalCancels(), "no attempt ID to cancel yet")

			close(source.release)
			var r result
			select {
			case r = <-done:
			case <-time.After(timeout):
				t.Fatal("Request did not return")
			}
			require.NoError(t, r.err)

			out := waitOutcome(t, r.w)
			assert.ErrorIs(t, out.Err, tt.wantErr)
			assert.Equal(t, 1, source.cancelCount("attempt-1"), "cancelled once Begin returned")
			_, _, ok := coord.InFlight("alice")
			assert.False(t, ok)
		})
	}
}
