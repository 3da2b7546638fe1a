// ABOUTME: Tests for biometric policy defaults, event helpers and error formatting
// ABOUTME: Also covers Probe deduplication of concurrent availability checks

package biometric

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{Title: "Approve transfer"}.WithDefaults()

	assert.Equal(t, "Approve transfer", p.Title)
	assert.Equal(t, "Verify your identity to continue", p.Subtitle)
	assert.Equal(t, "Use your biometric credential to authenticate", p.Description)
	assert.Equal(t, "Cancel", p.NegativeButton)
	assert.False(t, p.ConfirmationRequired, "WithDefaults must not flip confirmation")
}

func TestDefaultPolicy_RequiresConfirmation(t *testing.T) {
	assert.True(t, DefaultPolicy().ConfirmationRequired)
	assert.Equal(t, "Cryptographic Authentication", CryptoPolicy().Title)
}

func TestEventKind_Terminal(t *testing.T) {
	assert.False(t, EventNonTerminalFailure.Terminal())
	assert.True(t, EventSuccess.Terminal())
	assert.True(t, EventTerminalFailure.Terminal())
	assert.True(t, EventUserCancelled.Terminal())
}

func TestAuthKind_RoundTrip(t *testing.T) {
	for _, k := range []AuthKind{AuthKindUnknown, AuthKindFingerprint, AuthKindFace, AuthKindIris} {
		assert.Equal(t, k, ParseAuthKind(k.String()))
	}
	assert.Equal(t, AuthKindUnknown, ParseAuthKind("retina-scan"))
}

func TestFailureError(t *testing.T) {
	err := &FailureError{Code: "lockout", Message: "too many attempts"}
	assert.Equal(t, "biometric verification failed (lockout): too many attempts", err.Error())

	var target *FailureError
	wrapped := errors.Join(errors.New("context"), err)
	require.ErrorAs(t, wrapped, &target)
	assert.Equal(t, "lockout", target.Code)
}

type countingProber struct {
	calls   atomic.Int32
	release chan struct{}
	kinds   []AuthKind
	err     error
}

func (p *countingProber) AvailableKinds(ctx context.Context, identity string) ([]AuthKind, error) {
	p.calls.Add(1)
	if p.release != nil {
		<-p.release
	}
	return p.kinds, p.err
}

func TestProbe_NilProber(t *testing.T) {
	p := NewProbe(nil)
	_, err := p.AvailableKinds(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.False(t, p.Available(context.Background(), "alice"))
}

func TestProbe_EmptyIsUnavailable(t *testing.T) {
	p := NewProbe(&countingProber{})
	_, err := p.AvailableKinds(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestProbe_PropagatesError(t *testing.T) {
	boom := errors.New("sensor offline")
	p := NewProbe(&countingProber{err: boom})
	_, err := p.AvailableKinds(context.Background(), "alice")
	assert.ErrorIs(t, err, boom)
}

func TestProbe_ConcurrentCallsShareOneProbe(t *testing.T) {
	prober := &countingProber{
		release: make(chan struct{}),
		kinds:   []AuthKind{AuthKindFingerprint},
	}
	p := NewProbe(prober)

	const callers = 10
	var started, wg sync.WaitGroup
	started.Add(callers)
	wg.Add(callers)
	results := make([][]AuthKind, callers)

	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			started.Done()
			kinds, err := p.AvailableKinds(context.Background(), "alice")
			assert.NoError(t, err)
			results[i] = kinds
		}(i)
	}

	started.Wait()
	// Let the in-flight probe collect joiners before releasing it.
	require.Eventually(t, func() bool { return prober.calls.Load() >= 1 }, timeout, tick)
	close(prober.release)
	wg.Wait()

	assert.LessOrEqual(t, prober.calls.Load(), int32(callers))
	for _, kinds := range results {
		assert.Equal(t, []AuthKind{AuthKindFingerprint}, kinds)
	}
}
