// ABOUTME: Contract between the session core and a platform biometric prompt
// ABOUTME: Defines prompt policy, attempt events, auth kinds and the error taxonomy

package biometric

import (
	"context"
	"errors"
	"fmt"
)

// Errors surfaced by a Source or by the coordinator on its behalf.
var (
	// ErrSourceUnavailable means there is no enrolled credential or no
	// hardware for the identity. It fails fast and is never retried.
	ErrSourceUnavailable = errors.New("biometric source unavailable")

	// ErrTimeout means the attempt exceeded the configured duration.
	ErrTimeout = errors.New("biometric verification timed out")

	// ErrUserCancelled means the user dismissed the prompt.
	ErrUserCancelled = errors.New("biometric verification cancelled by user")
)

// FailureError is a terminal failure reported by the source, such as a
// lockout after too many attempts.
type FailureError struct {
	Code    string
	Message string
}

func (e *FailureError) Error() string {
	if e.Code == "" {
		return "biometric verification failed: " + e.Message
	}
	return fmt.Sprintf("biometric verification failed (%s): %s", e.Code, e.Message)
}

// AuthKind identifies the modality that satisfied a verification.
type AuthKind int

const (
	AuthKindUnknown AuthKind = iota
	AuthKindFingerprint
	AuthKindFace
	AuthKindIris
)

func (k AuthKind) String() string {
	switch k {
	case AuthKindFingerprint:
		return "fingerprint"
	case AuthKindFace:
		return "face"
	case AuthKindIris:
		return "iris"
	default:
		return "unknown"
	}
}

// ParseAuthKind maps a string back to an AuthKind. Unrecognized values map to
// AuthKindUnknown.
func ParseAuthKind(s string) AuthKind {
	switch s {
	case "fingerprint":
		return AuthKindFingerprint
	case "face":
		return AuthKindFace
	case "iris":
		return AuthKindIris
	default:
		return AuthKindUnknown
	}
}

// Policy carries the prompt presentation and confirmation behaviour.
type Policy struct {
	Title                string `json:"title"`
	Subtitle             string `json:"subtitle,omitempty"`
	Description          string `json:"description,omitempty"`
	NegativeButton       string `json:"negative_button,omitempty"`
	ConfirmationRequired bool   `json:"confirmation_required"`
}

// DefaultPolicy is the prompt shown for a plain identity check.
func DefaultPolicy() Policy {
	return Policy{
		Title:                "Authentication Required",
		Subtitle:             "Verify your identity to continue",
		Description:          "Use your biometric credential to authenticate",
		NegativeButton:       "Cancel",
		ConfirmationRequired: true,
	}
}

// CryptoPolicy is the prompt shown when the verification will release key
// material.
func CryptoPolicy() Policy {
	return Policy{
		Title:          "Cryptographic Authentication",
		Subtitle:       "Secure your transaction",
		NegativeButton: "Cancel",
	}
}

// WithDefaults fills empty presentation fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.Title == "" {
		p.Title = d.Title
	}
	if p.Subtitle == "" {
		p.Subtitle = d.Subtitle
	}
	if p.Description == "" {
		p.Description = d.Description
	}
	if p.NegativeButton == "" {
		p.NegativeButton = d.NegativeButton
	}
	return p
}

// EventKind classifies what a source reports for an attempt.
type EventKind int

const (
	// EventNonTerminalFailure is a rejected sample (wrong finger, bad
	// assertion). The user may retry; it never resolves a verification.
	EventNonTerminalFailure EventKind = iota
	EventSuccess
	EventTerminalFailure
	EventUserCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventNonTerminalFailure:
		return "attempt_failed"
	case EventSuccess:
		return "succeeded"
	case EventTerminalFailure:
		return "failed"
	case EventUserCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event resolves the attempt.
func (k EventKind) Terminal() bool {
	return k != EventNonTerminalFailure
}

// Event is delivered by a Source for an attempt.
type Event struct {
	Kind     EventKind
	AuthKind AuthKind // set on EventSuccess
	Err      error    // set on EventTerminalFailure
	Message  string
}

// Succeeded builds a success event.
func Succeeded(kind AuthKind) Event {
	return Event{Kind: EventSuccess, AuthKind: kind}
}

// Failed builds a terminal failure event.
func Failed(err error) Event {
	return Event{Kind: EventTerminalFailure, Err: err}
}

// AttemptFailed builds a non-terminal failure event.
func AttemptFailed(message string) Event {
	return Event{Kind: EventNonTerminalFailure, Message: message}
}

// Cancelled builds a user-cancelled event.
func Cancelled() Event {
	return Event{Kind: EventUserCancelled}
}

// AttemptID identifies a verification attempt inside a Source.
type AttemptID string

// Request describes one verification attempt.
type Request struct {
	TicketID string
	Identity string
	Policy   Policy
}

// Source is a platform biometric prompt. Begin starts an attempt and must
// deliver at most one terminal event through deliver; any number of
// non-terminal events may precede it. Cancel dismisses the attempt and is a
// no-op for unknown or finished attempts.
type Source interface {
	Begin(ctx context.Context, req Request, deliver func(Event)) (AttemptID, error)
	Cancel(id AttemptID)
}

// Prober reports which modalities an identity can use right now.
type Prober interface {
	AvailableKinds(ctx context.Context, identity string) ([]AuthKind, error)
}
