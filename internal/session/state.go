// ABOUTME: AuthState variants and the verification ticket
// ABOUTME: States are immutable values; only Machine swaps them

package session

import (
	"time"

	"github.com/2389/coven-biogate/internal/biometric"
)

// Ticket identifies one verification attempt for an identity.
type Ticket struct {
	ID        string
	Identity  string
	Seq       uint64
	CreatedAt time.Time
}

// Phase names the variant of a State.
type Phase int

const (
	PhaseUnverified Phase = iota
	PhasePending
	PhaseVerified
	PhaseExpired
	PhaseRevoked
)

func (p Phase) String() string {
	switch p {
	case PhaseUnverified:
		return "unverified"
	case PhasePending:
		return "pending"
	case PhaseVerified:
		return "verified"
	case PhaseExpired:
		return "expired"
	case PhaseRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// State is the authentication state of one identity. The set of
// implementations is closed to this package.
type State interface {
	Phase() Phase
	state()
}

// Unverified is the initial state.
type Unverified struct{}

// Pending holds the ticket of the in-flight verification.
type Pending struct {
	Ticket Ticket
}

// Verified records a successful verification.
type Verified struct {
	Ticket     Ticket
	VerifiedAt time.Time
	Kind       biometric.AuthKind
}

// Expired records that a Verified state outlived the session TTL.
type Expired struct {
	Previous Ticket
	At       time.Time
}

// Revoked records an explicit revocation such as logout.
type Revoked struct {
	Reason string
	At     time.Time
}

func (Unverified) Phase() Phase { return PhaseUnverified }
func (Pending) Phase() Phase    { return PhasePending }
func (Verified) Phase() Phase   { return PhaseVerified }
func (Expired) Phase() Phase    { return PhaseExpired }
func (Revoked) Phase() Phase    { return PhaseRevoked }

func (Unverified) state() {}
func (Pending) state()    {}
func (Verified) state()   {}
func (Expired) state()    {}
func (Revoked) state()    {}
