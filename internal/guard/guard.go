// ABOUTME: Caller-facing facade tying session state, verification and the crypto gate together
// ABOUTME: Every operation is traced and the security-relevant ones are written to the audit log

package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/cryptogate"
	"github.com/2389/coven-biogate/internal/dedupe"
	"github.com/2389/coven-biogate/internal/keyvault"
	"github.com/2389/coven-biogate/internal/session"
	"github.com/2389/coven-biogate/internal/store"
	"github.com/2389/coven-biogate/internal/verify"
)

const (
	tracerName = "github.com/2389/coven-biogate/internal/guard"

	auditTimeout = 5 * time.Second
)

// Config configures a Guard.
type Config struct {
	// Clock drives session expiry, timeouts and lease TTLs. Nil uses the
	// real clock.
	Clock      quartz.Clock
	SessionTTL time.Duration

	Source biometric.Source
	// Prober answers availability queries. Nil falls back to Source when it
	// implements biometric.Prober.
	Prober biometric.Prober
	Vault  keyvault.Vault

	// Preferences and Audit are optional.
	Preferences verify.Preferences
	Audit       store.AuditLog

	// Timeout bounds each verification attempt. Zero disables it.
	Timeout time.Duration

	BindWindow    time.Duration
	Scopes        map[string]cryptogate.ScopePolicy
	DefaultPolicy cryptogate.ScopePolicy
	Ledger        *dedupe.Cache

	Progress *verify.Broadcaster

	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger
}

// Guard is the exposed API: request verification, query the session, and
// issue or spend crypto leases.
type Guard struct {
	machine *session.Machine
	coord   *verify.Coordinator
	gate    *cryptogate.Gate
	probe   *biometric.Probe
	prefs   verify.Preferences
	audit   store.AuditLog
	tracer  trace.Tracer
	logger  *slog.Logger
}

// New builds the session machine, the verification coordinator and the
// crypto gate from cfg.
func New(cfg Config) (*Guard, error) {
	if cfg.SessionTTL <= 0 {
		return nil, errors.New("guard: session ttl must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Prober == nil {
		if p, ok := cfg.Source.(biometric.Prober); ok {
			cfg.Prober = p
		}
	}

	g := &Guard{
		probe:  biometric.NewProbe(cfg.Prober),
		prefs:  cfg.Preferences,
		audit:  cfg.Audit,
		tracer: cfg.TracerProvider.Tracer(tracerName),
		logger: cfg.Logger.With("component", "guard"),
	}

	g.machine = session.NewMachine(session.Config{
		Clock:      session.NewClock(cfg.Clock),
		SessionTTL: cfg.SessionTTL,
		Logger:     cfg.Logger,
		OnExpire:   g.onExpire,
	})

	coord, err := verify.New(verify.Config{
		Machine:     g.machine,
		Source:      cfg.Source,
		Preferences: cfg.Preferences,
		Timeout:     cfg.Timeout,
		Progress:    cfg.Progress,
		OnResolve:   g.onResolve,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.coord = coord

	gate, err := cryptogate.New(cryptogate.Config{
		Machine:       g.machine,
		Vault:         cfg.Vault,
		BindWindow:    cfg.BindWindow,
		Scopes:        cfg.Scopes,
		DefaultPolicy: cfg.DefaultPolicy,
		Ledger:        cfg.Ledger,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.gate = gate

	return g, nil
}

// Machine returns the session state machine.
func (g *Guard) Machine() *session.Machine { return g.machine }

// Coordinator returns the verification coordinator.
func (g *Guard) Coordinator() *verify.Coordinator { return g.coord }

// Gate returns the crypto gate.
func (g *Guard) Gate() *cryptogate.Gate { return g.gate }

// Progress returns the progress broadcaster.
func (g *Guard) Progress() *verify.Broadcaster { return g.coord.Progress() }

// Now returns the session clock's current time.
func (g *Guard) Now() time.Time { return g.machine.Clock().Now() }

// RequestVerification starts or joins the verification for identity and
// blocks until it resolves or ctx ends. A joiner's policy is ignored.
func (g *Guard) RequestVerification(ctx context.Context, identity string, policy biometric.Policy) (verify.Outcome, error) {
	ctx, span := g.start(ctx, "guard.RequestVerification", identity)
	defer span.End()

	w, err := g.coord.Request(ctx, identity, policy)
	if err != nil {
		return verify.Outcome{}, endSpan(span, err)
	}
	span.SetAttributes(attribute.String("biogate.ticket", w.Ticket().ID))

	out, err := w.Wait(ctx)
	span.SetAttributes(attribute.String("biogate.result", verify.ResultCode(err)))
	if err != nil {
		return out, endSpan(span, err)
	}
	span.SetAttributes(attribute.String("biogate.kind", out.Kind.String()))
	return out, nil
}

// IsVerified reports whether identity verified within window and the
// session has not expired. It never changes state.
func (g *Guard) IsVerified(identity string, window time.Duration) bool {
	return g.machine.IsVerified(identity, window)
}

// State returns the current session state of identity.
func (g *Guard) State(identity string) session.State {
	return g.machine.State(identity)
}

// IssueLease releases a vault handle for scope to a freshly verified
// identity.
func (g *Guard) IssueLease(ctx context.Context, identity, scope string) (cryptogate.Lease, error) {
	ctx, span := g.start(ctx, "guard.IssueLease", identity)
	defer span.End()
	span.SetAttributes(attribute.String("biogate.scope", scope))

	lease, err := g.gate.IssueLease(ctx, identity, scope)
	if err != nil {
		g.record(ctx, &store.AuditEntry{
			Identity: identity,
			Action:   store.AuditLeaseDenied,
			Scope:    scope,
			Result:   LeaseResult(err),
		})
		return cryptogate.Lease{}, endSpan(span, err)
	}

	span.SetAttributes(attribute.String("biogate.lease", lease.ID))
	g.record(ctx, &store.AuditEntry{
		Identity: identity,
		Action:   store.AuditLeaseIssued,
		TicketID: lease.TicketID,
		LeaseID:  lease.ID,
		Scope:    scope,
		Detail: map[string]any{
			"mode":       lease.Mode.String(),
			"expires_at": lease.ExpiresAt.Format(time.RFC3339),
		},
	})
	return lease, nil
}

// Consume spends a lease. The returned Grant performs exactly one vault
// operation.
func (g *Guard) Consume(ctx context.Context, leaseID string) (*cryptogate.Grant, error) {
	ctx, span := g.tracer.Start(ctx, "guard.Consume",
		trace.WithAttributes(attribute.String("biogate.lease", leaseID)))
	defer span.End()

	known, ok := g.gate.Lookup(leaseID)
	grant, err := g.gate.Consume(ctx, leaseID)
	if ok {
		span.SetAttributes(attribute.String("biogate.identity", known.Identity))
		g.record(ctx, &store.AuditEntry{
			Identity: known.Identity,
			Action:   store.AuditLeaseConsumed,
			TicketID: known.TicketID,
			LeaseID:  leaseID,
			Scope:    known.Scope,
			Result:   LeaseResult(err),
		})
	}
	if err != nil {
		return nil, endSpan(span, err)
	}
	return grant, nil
}

// Revoke ends identity's session, resolves any in-flight verification with
// verify.ErrRevoked and invalidates outstanding leases. It returns the state
// that was replaced.
func (g *Guard) Revoke(ctx context.Context, identity, reason string) session.State {
	ctx, span := g.start(ctx, "guard.Revoke", identity)
	defer span.End()

	prev := g.coord.Revoke(identity, reason)
	dropped := g.gate.DropIdentity(identity)
	span.SetAttributes(
		attribute.String("biogate.previous", prev.Phase().String()),
		attribute.Int("biogate.leases_dropped", dropped))

	g.logger.Info("identity revoked",
		"identity", identity,
		"reason", reason,
		"previous", prev.Phase().String(),
		"leases_dropped", dropped)
	g.record(ctx, &store.AuditEntry{
		Identity: identity,
		Action:   store.AuditRevoke,
		Detail: map[string]any{
			"reason":         reason,
			"previous":       prev.Phase().String(),
			"leases_dropped": dropped,
		},
	})
	return prev
}

// AvailableKinds reports which modalities identity can verify with. No
// usable modality is reported as biometric.ErrSourceUnavailable.
func (g *Guard) AvailableKinds(ctx context.Context, identity string) ([]biometric.AuthKind, error) {
	ctx, span := g.start(ctx, "guard.AvailableKinds", identity)
	defer span.End()

	kinds, err := g.probe.AvailableKinds(ctx, identity)
	if err != nil {
		return nil, endSpan(span, err)
	}
	span.SetAttributes(attribute.Int("biogate.kinds", len(kinds)))
	return kinds, nil
}

// IsAvailable reports whether identity has at least one usable modality.
func (g *Guard) IsAvailable(ctx context.Context, identity string) bool {
	return g.probe.Available(ctx, identity)
}

// AuthorizeCrypto issues a lease for scope, verifying first with the crypto
// prompt unless identity verified inside the binding window. A zero policy
// uses biometric.CryptoPolicy.
func (g *Guard) AuthorizeCrypto(ctx context.Context, identity, scope string, policy biometric.Policy) (cryptogate.Lease, error) {
	ctx, span := g.start(ctx, "guard.AuthorizeCrypto", identity)
	defer span.End()
	span.SetAttributes(attribute.String("biogate.scope", scope))

	if g.machine.IsVerified(identity, g.gate.BindWindow()) {
		span.SetAttributes(attribute.Bool("biogate.reused", true))
		lease, err := g.IssueLease(ctx, identity, scope)
		if !errors.Is(err, cryptogate.ErrNotAuthenticated) && !errors.Is(err, cryptogate.ErrExpired) {
			return lease, endSpan(span, err)
		}
		// The session ended between the check and the issue; verify afresh.
	}

	if policy == (biometric.Policy{}) {
		policy = biometric.CryptoPolicy()
	}
	if _, err := g.RequestVerification(ctx, identity, policy); err != nil {
		return cryptogate.Lease{}, endSpan(span, err)
	}

	lease, err := g.IssueLease(ctx, identity, scope)
	return lease, endSpan(span, err)
}

// LastAuthTime returns the advisory last successful verification time.
func (g *Guard) LastAuthTime(ctx context.Context, identity string) (time.Time, bool, error) {
	if g.prefs == nil {
		return time.Time{}, false, nil
	}
	t, ok, err := g.prefs.LastAuthTime(ctx, identity)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading last auth time: %w", err)
	}
	return t, ok, nil
}

// RunSweepers expires stale sessions and leases every interval until ctx is
// done.
func (g *Guard) RunSweepers(ctx context.Context, every time.Duration) []quartz.Waiter {
	return []quartz.Waiter{
		g.machine.RunSweeper(ctx, every),
		g.gate.RunSweeper(ctx, every),
	}
}

// onResolve writes one audit row per resolved ticket.
func (g *Guard) onResolve(out verify.Outcome) {
	entry := &store.AuditEntry{
		Identity: out.Ticket.Identity,
		Action:   store.AuditVerification,
		TicketID: out.Ticket.ID,
		Result:   verify.ResultCode(out.Err),
	}
	if out.Err == nil {
		entry.Detail = map[string]any{"kind": out.Kind.String()}
	} else {
		entry.Detail = map[string]any{"error": out.Err.Error()}
	}
	g.record(context.Background(), entry)
}

// onExpire drops leases once the sweeper expires their session.
func (g *Guard) onExpire(identity string, _ session.Ticket) {
	if g.gate == nil {
		return
	}
	if n := g.gate.DropIdentity(identity); n > 0 {
		g.logger.Debug("dropped leases of expired session", "identity", identity, "count", n)
	}
}

func (g *Guard) record(ctx context.Context, e *store.AuditEntry) {
	if g.audit == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = g.machine.Clock().Now()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := g.audit.AppendAuditLog(ctx, e); err != nil {
		g.logger.Warn("failed to write audit entry",
			"identity", e.Identity,
			"action", string(e.Action),
			"error", err)
	}
}

func (g *Guard) start(ctx context.Context, name, identity string) (context.Context, trace.Span) {
	return g.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("biogate.identity", identity)))
}

// endSpan marks span as failed when err is set and returns err.
func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// LeaseResult maps a gate error to a stable string for audit rows and API
// responses.
func LeaseResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, cryptogate.ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, cryptogate.ErrExpired):
		return "expired"
	case errors.Is(err, cryptogate.ErrLeaseAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, cryptogate.ErrLeaseExpired):
		return "lease_expired"
	case errors.Is(err, cryptogate.ErrLeaseNotFound):
		return "not_found"
	case errors.Is(err, keyvault.ErrVault):
		return "vault_error"
	default:
		return "error"
	}
}
