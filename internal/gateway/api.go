// ABOUTME: HTTP JSON API over the guard: verification, session state, leases and revocation
// ABOUTME: Progress is streamed per identity as server-sent events

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-biogate/internal/auth"
	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/cryptogate"
	"github.com/2389/coven-biogate/internal/guard"
	"github.com/2389/coven-biogate/internal/keyvault"
	"github.com/2389/coven-biogate/internal/session"
	"github.com/2389/coven-biogate/internal/store"
	"github.com/2389/coven-biogate/internal/verify"
)

const (
	// maxRequestBytes caps JSON request bodies.
	maxRequestBytes = 1 << 20

	// sseKeepaliveInterval is how often an idle progress stream gets a comment line.
	sseKeepaliveInterval = 15 * time.Second
)

// Lease operations accepted by POST /api/leases/consume.
const (
	OperationSeal = "seal"
	OperationOpen = "open"
)

// VerifyRequest is the JSON request body for POST /api/verify.
type VerifyRequest struct {
	Identity string            `json:"identity"`
	Policy   *biometric.Policy `json:"policy,omitempty"`
	Crypto   *CryptoRequest    `json:"crypto,omitempty"`
}

// CryptoRequest asks for a lease on scope once the identity is verified.
type CryptoRequest struct {
	Scope string `json:"scope"`
}

// VerifyResponse is the JSON response for POST /api/verify.
type VerifyResponse struct {
	Identity   string         `json:"identity"`
	Result     string         `json:"result"`
	TicketID   string         `json:"ticket_id,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	VerifiedAt *time.Time     `json:"verified_at,omitempty"`
	Lease      *LeaseResponse `json:"lease,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// SessionResponse is the JSON response for GET /api/sessions/{identity}.
type SessionResponse struct {
	Identity   string            `json:"identity"`
	Phase      string            `json:"phase"`
	Verified   bool              `json:"verified"`
	TicketID   string            `json:"ticket_id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	VerifiedAt *time.Time        `json:"verified_at,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	LastAuthAt *time.Time        `json:"last_auth_at,omitempty"`
	Attempts   []AttemptResponse `json:"attempts,omitempty"`
}

// AttemptResponse points a browser at a pending WebAuthn attempt.
type AttemptResponse struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	VerifyURL string `json:"verify_url"`
}

// LeaseRequest is the JSON request body for POST /api/leases.
type LeaseRequest struct {
	Identity string `json:"identity"`
	Scope    string `json:"scope"`
}

// LeaseResponse describes an issued lease and its bearer token.
type LeaseResponse struct {
	LeaseID   string    `json:"lease_id"`
	Token     string    `json:"token"`
	Scope     string    `json:"scope"`
	Mode      string    `json:"mode"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConsumeRequest is the JSON request body for POST /api/leases/consume.
// Data and AAD are base64 in JSON.
type ConsumeRequest struct {
	Token     string `json:"token"`
	Operation string `json:"operation"`
	Data      []byte `json:"data"`
	AAD       []byte `json:"aad,omitempty"`
}

// ConsumeResponse is the JSON response for POST /api/leases/consume.
type ConsumeResponse struct {
	LeaseID   string `json:"lease_id"`
	Scope     string `json:"scope"`
	Operation string `json:"operation"`
	Result    []byte `json:"result"`
}

// RevokeRequest is the JSON request body for POST /api/revoke.
type RevokeRequest struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
}

// RevokeResponse reports the state that the revocation replaced.
type RevokeResponse struct {
	Identity string `json:"identity"`
	Previous string `json:"previous"`
}

// AvailabilityResponse is the JSON response for GET /api/availability/{identity}.
type AvailabilityResponse struct {
	Identity  string   `json:"identity"`
	Available bool     `json:"available"`
	Kinds     []string `json:"kinds"`
}

// AuditEntryResponse is one audit row in GET /api/audit.
type AuditEntryResponse struct {
	ID        string         `json:"id"`
	Identity  string         `json:"identity"`
	Action    string         `json:"action"`
	TicketID  string         `json:"ticket_id,omitempty"`
	LeaseID   string         `json:"lease_id,omitempty"`
	Scope     string         `json:"scope,omitempty"`
	Result    string         `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// registerAPIRoutes mounts the JSON API and the WebAuthn routes.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	var wrap func(http.Handler) http.Handler
	if g.config.Server.RequireClientToken {
		wrap = auth.RequireClient(g.signer)
	} else {
		wrap = func(h http.Handler) http.Handler { return h }
		g.logger.Warn("client tokens not required - API is open to anyone who can reach it")
	}

	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, wrap(fn))
	}
	handle("POST /api/verify", g.handleVerify)
	handle("GET /api/sessions/{identity}", g.handleSession)
	handle("POST /api/leases", g.handleIssueLease)
	handle("POST /api/leases/consume", g.handleConsumeLease)
	handle("POST /api/revoke", g.handleRevoke)
	handle("GET /api/availability/{identity}", g.handleAvailability)
	handle("GET /api/progress/{identity}", g.handleProgress)
	handle("GET /api/audit", g.handleAudit)

	if g.webauthn != nil {
		g.webauthn.RegisterRoutes(mux)
		g.webauthn.RegisterCredentialRoutes(mux, wrap)
	}
}

// handleVerify blocks until the shared verification for the identity
// resolves. A client that disconnects withdraws from the verification.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Identity == "" {
		g.sendJSONError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if req.Crypto != nil && req.Crypto.Scope == "" {
		g.sendJSONError(w, http.StatusBadRequest, "crypto.scope is required")
		return
	}

	var policy biometric.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}

	if req.Crypto != nil {
		g.verifyForCrypto(w, r, req.Identity, req.Crypto.Scope, policy)
		return
	}

	if req.Policy == nil {
		policy = biometric.DefaultPolicy()
	}
	out, err := g.guard.RequestVerification(r.Context(), req.Identity, policy)
	if isClientGone(r, err) {
		return
	}

	resp := VerifyResponse{
		Identity: req.Identity,
		Result:   verify.ResultCode(err),
		TicketID: out.Ticket.ID,
	}
	if err != nil {
		resp.Error = err.Error()
		g.writeJSON(w, statusFor(err), resp)
		return
	}
	resp.Kind = out.Kind.String()
	resp.VerifiedAt = &out.VerifiedAt
	g.writeJSON(w, http.StatusOK, resp)
}

// verifyForCrypto reuses a fresh verification or runs one with the crypto
// prompt, then issues a lease and its token.
func (g *Gateway) verifyForCrypto(w http.ResponseWriter, r *http.Request, identity, scope string, policy biometric.Policy) {
	lease, err := g.guard.AuthorizeCrypto(r.Context(), identity, scope, policy)
	if isClientGone(r, err) {
		return
	}
	if err != nil {
		g.writeJSON(w, statusFor(err), VerifyResponse{
			Identity: identity,
			Result:   resultFor(err),
			Error:    err.Error(),
		})
		return
	}

	lr, err := g.leaseResponse(lease)
	if err != nil {
		g.logger.Error("failed to sign lease token", "error", err, "lease_id", lease.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := VerifyResponse{
		Identity: identity,
		Result:   "success",
		TicketID: lease.TicketID,
		Lease:    lr,
	}
	if v, ok := g.guard.Machine().Verified(identity); ok {
		resp.Kind = v.Kind.String()
		resp.VerifiedAt = &v.VerifiedAt
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSession reports the session state of an identity.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	window := g.config.Session.TTL
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}

	state := g.guard.State(identity)
	resp := SessionResponse{
		Identity: identity,
		Phase:    state.Phase().String(),
		Verified: g.guard.IsVerified(identity, window),
	}
	switch s := state.(type) {
	case session.Pending:
		resp.TicketID = s.Ticket.ID
		resp.Attempts = g.pendingAttempts(identity)
	case session.Verified:
		resp.TicketID = s.Ticket.ID
		resp.Kind = s.Kind.String()
		resp.VerifiedAt = &s.VerifiedAt
	case session.Expired:
		resp.TicketID = s.Previous.ID
	case session.Revoked:
		resp.Reason = s.Reason
	}

	last, ok, err := g.guard.LastAuthTime(r.Context(), identity)
	if err != nil {
		g.logger.Warn("failed to read last auth time", "error", err, "identity", identity)
	} else if ok {
		resp.LastAuthAt = &last
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// pendingAttempts lists the WebAuthn attempts a browser can complete.
func (g *Gateway) pendingAttempts(identity string) []AttemptResponse {
	if g.webauthn == nil {
		return nil
	}
	infos := g.webauthn.Attempts(identity)
	out := make([]AttemptResponse, 0, len(infos))
	for _, a := range infos {
		out = append(out, AttemptResponse{
			ID:        string(a.ID),
			TicketID:  a.TicketID,
			VerifyURL: g.baseURL + "/verify/" + string(a.ID),
		})
	}
	return out
}

// handleIssueLease issues a lease for an identity that verified within the
// binding window.
func (g *Gateway) handleIssueLease(w http.ResponseWriter, r *http.Request) {
	var req LeaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Identity == "" || req.Scope == "" {
		g.sendJSONError(w, http.StatusBadRequest, "identity and scope are required")
		return
	}

	lease, err := g.guard.IssueLease(r.Context(), req.Identity, req.Scope)
	if err != nil {
		g.sendJSONError(w, statusFor(err), err.Error())
		return
	}

	resp, err := g.leaseResponse(lease)
	if err != nil {
		g.logger.Error("failed to sign lease token", "error", err, "lease_id", lease.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusCreated, resp)
}

func (g *Gateway) leaseResponse(lease cryptogate.Lease) (*LeaseResponse, error) {
	token, err := g.signer.IssueLease(lease)
	if err != nil {
		return nil, err
	}
	return &LeaseResponse{
		LeaseID:   lease.ID,
		Token:     token,
		Scope:     lease.Scope,
		Mode:      lease.Mode.String(),
		ExpiresAt: lease.ExpiresAt,
	}, nil
}

// handleConsumeLease spends a lease on exactly one seal or open.
func (g *Gateway) handleConsumeLease(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Operation != OperationSeal && req.Operation != OperationOpen {
		g.sendJSONError(w, http.StatusBadRequest, "operation must be seal or open")
		return
	}

	claims, err := g.signer.ParseLease(req.Token)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid lease token")
		return
	}

	grant, err := g.guard.Consume(r.Context(), claims.LeaseID())
	if err != nil {
		g.sendJSONError(w, statusFor(err), err.Error())
		return
	}

	var result []byte
	err = grant.Use(func(h keyvault.Handle) error {
		sealer, ok := h.(keyvault.Sealer)
		if !ok {
			return fmt.Errorf("%w: handle for scope %q cannot seal", keyvault.ErrVault, h.Scope())
		}
		var opErr error
		if req.Operation == OperationSeal {
			result, opErr = sealer.Seal(req.Data, req.AAD)
		} else {
			result, opErr = sealer.Open(req.Data, req.AAD)
		}
		return opErr
	})
	if err != nil {
		g.logger.Warn("lease operation failed",
			"error", err,
			"lease_id", grant.Lease.ID,
			"operation", req.Operation)
		g.sendJSONError(w, statusFor(err), err.Error())
		return
	}

	g.writeJSON(w, http.StatusOK, ConsumeResponse{
		LeaseID:   grant.Lease.ID,
		Scope:     grant.Lease.Scope,
		Operation: req.Operation,
		Result:    result,
	})
}

// handleRevoke ends an identity's session.
func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Identity == "" {
		g.sendJSONError(w, http.StatusBadRequest, "identity is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked"
		if name := auth.ClientName(r.Context()); name != "" {
			req.Reason = "revoked by " + name
		}
	}

	prev := g.guard.Revoke(r.Context(), req.Identity, req.Reason)
	g.writeJSON(w, http.StatusOK, RevokeResponse{
		Identity: req.Identity,
		Previous: prev.Phase().String(),
	})
}

// handleAvailability reports which authenticators the identity can use.
func (g *Gateway) handleAvailability(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	kinds, err := g.guard.AvailableKinds(r.Context(), identity)
	if err != nil && !errors.Is(err, biometric.ErrSourceUnavailable) {
		g.logger.Warn("availability probe failed", "error", err, "identity", identity)
	}

	resp := AvailabilityResponse{
		Identity:  identity,
		Available: len(kinds) > 0,
		Kinds:     make([]string, 0, len(kinds)),
	}
	for _, k := range kinds {
		resp.Kinds = append(resp.Kinds, k.String())
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleProgress streams verification progress for an identity as SSE.
// The first event reports the current phase.
func (g *Gateway) handleProgress(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("response writer does not support flushing")
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, _ := g.guard.Progress().Subscribe(ctx, identity)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{
		"identity": identity,
		"phase":    g.guard.State(identity).Phase().String(),
	})
	flusher.Flush()

	keepalive := g.clock.NewTicker(sseKeepaliveInterval, "gateway", "sse")
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case p, ok := <-events:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "progress", p)
			flusher.Flush()
		}
	}
}

// handleAudit lists audit entries, newest first.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.AuditFilter

	if v := q.Get("identity"); v != "" {
		filter.Identity = &v
	}
	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		filter.Action = &action
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, p.name+" must be an RFC3339 timestamp")
			return
		}
		*p.dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:        e.ID,
			Identity:  e.Identity,
			Action:    string(e.Action),
			TicketID:  e.TicketID,
			LeaseID:   e.LeaseID,
			Scope:     e.Scope,
			Result:    e.Result,
			Timestamp: e.Timestamp,
			Detail:    e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// statusFor maps guard errors to HTTP status codes.
func statusFor(err error) int {
	var fe *biometric.FailureError
	switch {
	case errors.Is(err, biometric.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, biometric.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, biometric.ErrUserCancelled):
		return http.StatusForbidden
	case errors.As(err, &fe):
		return http.StatusUnauthorized
	case errors.Is(err, verify.ErrRevoked):
		return http.StatusConflict
	case errors.Is(err, verify.ErrCancelled), errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, cryptogate.ErrNotAuthenticated), errors.Is(err, cryptogate.ErrExpired):
		return http.StatusUnauthorized
	case errors.Is(err, cryptogate.ErrLeaseAlreadyConsumed):
		return http.StatusConflict
	case errors.Is(err, cryptogate.ErrLeaseExpired):
		return http.StatusGone
	case errors.Is(err, cryptogate.ErrLeaseNotFound):
		return http.StatusNotFound
	case errors.Is(err, keyvault.ErrCiphertext):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// resultFor picks the verification result code, falling back to the lease
// result code for gate errors.
func resultFor(err error) string {
	if code := verify.ResultCode(err); code != "error" {
		return code
	}
	return guard.LeaseResult(err)
}

// isClientGone reports whether err only means the caller disconnected.
func isClientGone(r *http.Request, err error) bool {
	return err != nil && r.Context().Err() != nil
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeSSEEvent writes a server-sent event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeJSON writes v as a JSON response with status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
