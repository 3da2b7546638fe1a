// ABOUTME: Terminal outcome of a shared verification and its stable result codes
// ABOUTME: Every waiter of a ticket receives the same Outcome value

package verify

import (
	"errors"
	"time"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/session"
)

// Coordinator errors.
var (
	// ErrCancelled means every waiter withdrew before the source answered.
	ErrCancelled = errors.New("verification cancelled")
	// ErrRevoked means the identity was revoked while the verification was
	// in flight.
	ErrRevoked = errors.New("verification revoked")
)

// Outcome is the terminal result of one ticket.
type Outcome struct {
	Ticket     session.Ticket
	Kind       biometric.AuthKind
	VerifiedAt time.Time
	Err        error
}

// OK reports whether the verification succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// ResultCode maps an outcome error to a stable string for logs, audit rows
// and API responses.
func ResultCode(err error) string {
	var fe *biometric.FailureError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, biometric.ErrTimeout):
		return "timeout"
	case errors.Is(err, biometric.ErrUserCancelled):
		return "user_cancelled"
	case errors.Is(err, biometric.ErrSourceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.As(err, &fe):
		return "failure"
	default:
		return "error"
	}
}
