// ABOUTME: Crypto gate binding a fresh Verified state to scoped key-handle leases
// ABOUTME: Leases are consumed exactly once or expire; spent IDs are kept in a TTL ledger

package cryptogate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/2389/coven-biogate/internal/dedupe"
	"github.com/2389/coven-biogate/internal/keyvault"
	"github.com/2389/coven-biogate/internal/session"
)

// Gate errors. None of them are retried; callers must verify again.
var (
	ErrNotAuthenticated     = errors.New("identity is not authenticated")
	ErrExpired              = errors.New("verification is outside the crypto binding window")
	ErrLeaseAlreadyConsumed = errors.New("lease already consumed")
	ErrLeaseExpired         = errors.New("lease expired")
	ErrLeaseNotFound        = errors.New("lease not found")
)

// Ledger tags for spent lease IDs.
const (
	tagConsumed = "consumed"
	tagExpired  = "expired"
)

const defaultLedgerSize = 10000

// Config configures a Gate.
type Config struct {
	Machine *session.Machine
	Vault   keyvault.Vault

	// BindWindow is how long after VerifiedAt a lease may still be issued.
	BindWindow time.Duration

	// Scopes maps operation scopes to lease policies. Scopes not listed use
	// DefaultPolicy.
	Scopes        map[string]ScopePolicy
	DefaultPolicy ScopePolicy

	// Ledger remembers spent lease IDs. Nil creates one that keeps entries
	// for the session TTL.
	Ledger *dedupe.Cache

	Logger *slog.Logger
}

type outstanding struct {
	lease  Lease
	handle keyvault.Handle
}

// Gate issues and consumes leases. It reads AuthState but never writes it.
type Gate struct {
	machine    *session.Machine
	vault      keyvault.Vault
	clock      *session.Clock
	bindWindow time.Duration
	scopes     map[string]ScopePolicy
	def        ScopePolicy
	ledger     *dedupe.Cache
	idKey      []byte
	logger     *slog.Logger

	mu     sync.Mutex
	leases map[string]*outstanding
}

// New creates a Gate.
func New(cfg Config) (*Gate, error) {
	if cfg.Machine == nil {
		return nil, errors.New("cryptogate: machine is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("cryptogate: vault is required")
	}
	if cfg.BindWindow <= 0 {
		return nil, errors.New("cryptogate: bind window must be positive")
	}
	if cfg.BindWindow > cfg.Machine.SessionTTL() {
		return nil, fmt.Errorf("cryptogate: bind window %s exceeds session ttl %s",
			cfg.BindWindow, cfg.Machine.SessionTTL())
	}
	if err := cfg.DefaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("cryptogate: default policy: %w", err)
	}
	for scope, p := range cfg.Scopes {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("cryptogate: scope %q: %w", scope, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clock := cfg.Machine.Clock()
	if cfg.Ledger == nil {
		cfg.Ledger = dedupe.New(clock.Source(), cfg.Machine.SessionTTL(), defaultLedgerSize)
	}

	idKey := make([]byte, 32)
	if _, err := rand.Read(idKey); err != nil {
		return nil, fmt.Errorf("cryptogate: lease id key: %w", err)
	}

	scopes := make(map[string]ScopePolicy, len(cfg.Scopes))
	for k, v := range cfg.Scopes {
		scopes[k] = v
	}

	return &Gate{
		machine:    cfg.Machine,
		vault:      cfg.Vault,
		clock:      clock,
		bindWindow: cfg.BindWindow,
		scopes:     scopes,
		def:        cfg.DefaultPolicy,
		ledger:     cfg.Ledger,
		idKey:      idKey,
		logger:     cfg.Logger.With("component", "cryptogate"),
		leases:     make(map[string]*outstanding),
	}, nil
}

// BindWindow returns the configured binding window.
func (g *Gate) BindWindow() time.Duration {
	return g.bindWindow
}

// PolicyFor returns the lease policy for scope.
func (g *Gate) PolicyFor(scope string) ScopePolicy {
	if p, ok := g.scopes[scope]; ok {
		return p
	}
	return g.def
}

// IssueLease opens a vault handle for scope on behalf of a freshly verified
// identity. Vault errors are returned unchanged.
func (g *Gate) IssueLease(ctx context.Context, identity, scope string) (Lease, error) {
	v, ok := g.machine.State(identity).(session.Verified)
	if !ok {
		return Lease{}, ErrNotAuthenticated
	}

	now := g.clock.Now()
	if session.IsExpired(v.VerifiedAt, now, g.bindWindow) {
		return Lease{}, fmt.Errorf("%w: verified %s ago, window %s",
			ErrExpired, now.Sub(v.VerifiedAt), g.bindWindow)
	}

	handle, err := g.vault.OpenHandle(ctx, scope)
	if err != nil {
		return Lease{}, err
	}

	policy := g.PolicyFor(scope)
	lease := Lease{
		ID:        g.newLeaseID(),
		Identity:  identity,
		Scope:     scope,
		TicketID:  v.Ticket.ID,
		Mode:      policy.Mode,
		IssuedAt:  now,
		ExpiresAt: policy.expiresAt(now, v.VerifiedAt.Add(g.machine.SessionTTL())),
	}

	g.mu.Lock()
	g.leases[lease.ID] = &outstanding{lease: lease, handle: handle}
	g.mu.Unlock()

	g.logger.Info("lease issued",
		"lease", lease.ID,
		"identity", identity,
		"scope", scope,
		"mode", lease.Mode.String(),
		"expires_at", lease.ExpiresAt)
	return lease, nil
}

// Consume spends the lease and returns a Grant for its single operation.
// The lease is also treated as expired when its authorizing Verified state
// has ended or been replaced. A lease this gate issued whose ledger entry was
// evicted still reads as spent, reported as ErrLeaseAlreadyConsumed.
func (g *Gate) Consume(ctx context.Context, leaseID string) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if tag, spent := g.ledger.Check(leaseID); spent {
		g.mu.Unlock()
		return nil, spentError(tag)
	}
	o, ok := g.leases[leaseID]
	if !ok {
		g.mu.Unlock()
		if g.issuedHere(leaseID) {
			return nil, fmt.Errorf("%w: spent record evicted", ErrLeaseAlreadyConsumed)
		}
		return nil, ErrLeaseNotFound
	}
	delete(g.leases, leaseID)

	reason := g.expiryReason(o.lease)
	if reason != "" {
		g.ledger.Mark(leaseID, tagExpired)
		g.mu.Unlock()

		g.vault.Invalidate(o.handle)
		g.logger.Info("lease expired on consume", "lease", leaseID, "identity", o.lease.Identity, "reason", reason)
		return nil, fmt.Errorf("%w: %s", ErrLeaseExpired, reason)
	}
	g.ledger.Mark(leaseID, tagConsumed)
	g.mu.Unlock()

	g.logger.Info("lease consumed", "lease", leaseID, "identity", o.lease.Identity, "scope", o.lease.Scope)
	return &Grant{Lease: o.lease, handle: o.handle, vault: g.vault}, nil
}

// expiryReason returns why lease can no longer be consumed, or "".
func (g *Gate) expiryReason(lease Lease) string {
	if !g.clock.Now().Before(lease.ExpiresAt) {
		return "lease ttl elapsed"
	}
	v, ok := g.machine.Session(lease.Identity)
	if !ok {
		return "verification no longer active"
	}
	if v.Ticket.ID != lease.TicketID {
		return "verification was replaced"
	}
	return ""
}

// newLeaseID returns a random ID carrying a MAC under the gate's key, so
// issuedHere can recognize it after its ledger entry is gone.
func (g *Gate) newLeaseID() string {
	id := uuid.New().String()
	return id + "." + g.leaseMAC(id)
}

func (g *Gate) leaseMAC(id string) string {
	mac := hmac.New(sha256.New, g.idKey)
	_, _ = mac.Write([]byte(id))
	return hex.EncodeToString(mac.Sum(nil)[:12])
}

// issuedHere reports whether leaseID was minted by this gate.
func (g *Gate) issuedHere(leaseID string) bool {
	id, tag, ok := strings.Cut(leaseID, ".")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(tag), []byte(g.leaseMAC(id)))
}

func spentError(tag string) error {
	if tag == tagConsumed {
		return ErrLeaseAlreadyConsumed
	}
	return ErrLeaseExpired
}

// Lookup returns an outstanding lease.
func (g *Gate) Lookup(leaseID string) (Lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.leases[leaseID]
	if !ok {
		return Lease{}, false
	}
	return o.lease, true
}

// DropIdentity expires every outstanding lease of identity and invalidates
// their handles. It returns how many leases were dropped.
func (g *Gate) DropIdentity(identity string) int {
	return g.drop(func(l Lease) bool { return l.Identity == identity }, "identity dropped")
}

// Sweep expires outstanding leases whose TTL has elapsed.
func (g *Gate) Sweep() int {
	now := g.clock.Now()
	return g.drop(func(l Lease) bool { return !now.Before(l.ExpiresAt) }, "lease ttl elapsed")
}

// RunSweeper calls Sweep every interval until ctx is done.
func (g *Gate) RunSweeper(ctx context.Context, every time.Duration) quartz.Waiter {
	return g.clock.Source().TickerFunc(ctx, every, func() error {
		g.Sweep()
		return nil
	}, "cryptogate", "sweep")
}

func (g *Gate) drop(match func(Lease) bool, reason string) int {
	var dropped []*outstanding

	g.mu.Lock()
	for id, o := range g.leases {
		if !match(o.lease) {
			continue
		}
		delete(g.leases, id)
		g.ledger.Mark(id, tagExpired)
		dropped = append(dropped, o)
	}
	g.mu.Unlock()

	for _, o := range dropped {
		g.vault.Invalidate(o.handle)
		g.logger.Debug("lease dropped", "lease", o.lease.ID, "identity", o.lease.Identity, "reason", reason)
	}
	return len(dropped)
}

// Outstanding returns the number of issued leases not yet consumed or expired.
func (g *Gate) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}
