// ABOUTME: Lease, scope policy and grant types for the crypto gate
// ABOUTME: A grant hands out the vault handle for one operation, then invalidates it

package cryptogate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-biogate/internal/keyvault"
)

// Mode selects how a lease expires besides being consumed.
type Mode int

const (
	// ModeSingleUse leases live until consumed or until the authorizing
	// session ends.
	ModeSingleUse Mode = iota
	// ModeTimed leases additionally expire TTL after issue.
	ModeTimed
)

func (m Mode) String() string {
	switch m {
	case ModeSingleUse:
		return "single_use"
	case ModeTimed:
		return "timed"
	default:
		return "unknown"
	}
}

// ParseMode parses the config spelling of a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single_use", "single-use", "once":
		return ModeSingleUse, nil
	case "timed", "ttl":
		return ModeTimed, nil
	default:
		return 0, fmt.Errorf("unknown lease mode %q", s)
	}
}

// ScopePolicy is the lease policy for one operation scope.
type ScopePolicy struct {
	Mode Mode
	TTL  time.Duration
}

// Validate checks that a timed policy has a positive TTL.
func (p ScopePolicy) Validate() error {
	switch p.Mode {
	case ModeSingleUse:
		return nil
	case ModeTimed:
		if p.TTL <= 0 {
			return errors.New("timed lease needs a positive ttl")
		}
		return nil
	default:
		return fmt.Errorf("unknown lease mode %d", p.Mode)
	}
}

// expiresAt caps the policy expiry at sessionEnd.
func (p ScopePolicy) expiresAt(issued, sessionEnd time.Time) time.Time {
	if p.Mode == ModeTimed {
		if exp := issued.Add(p.TTL); exp.Before(sessionEnd) {
			return exp
		}
	}
	return sessionEnd
}

// Lease is a bounded authorization to use one vault handle. TicketID refers
// to the verification that authorized it.
type Lease struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Scope     string    `json:"scope"`
	TicketID  string    `json:"ticket_id"`
	Mode      Mode      `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Grant is the result of consuming a lease. Its handle may be used once.
type Grant struct {
	Lease Lease

	mu     sync.Mutex
	handle keyvault.Handle
	vault  keyvault.Vault
}

// Use runs fn with the vault handle and invalidates the handle afterwards.
// A second call fails with ErrLeaseAlreadyConsumed.
func (g *Grant) Use(fn func(keyvault.Handle) error) error {
	g.mu.Lock()
	h := g.handle
	g.handle = nil
	g.mu.Unlock()

	if h == nil {
		return ErrLeaseAlreadyConsumed
	}
	defer g.vault.Invalidate(h)
	return fn(h)
}

// Release invalidates the handle without using it.
func (g *Grant) Release() {
	g.mu.Lock()
	h := g.handle
	g.handle = nil
	g.mu.Unlock()

	if h != nil {
		g.vault.Invalidate(h)
	}
}
