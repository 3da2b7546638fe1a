// ABOUTME: Biometric source backed by WebAuthn platform authenticators with user verification
// ABOUTME: Each coordinator attempt becomes a browser assertion ceremony on the verification page

package webauthnsrc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/store"
)

// Errors returned by the ceremony operations.
var (
	ErrAttemptNotFound      = errors.New("verification attempt not found")
	ErrNoChallenge          = errors.New("no outstanding challenge for attempt")
	ErrMalformedResponse    = errors.New("malformed credential response")
	ErrRegistrationNotFound = errors.New("registration session not found or expired")
	ErrRegistrationRejected = errors.New("credential registration rejected")
)

const (
	defaultMaxFailures  = 5
	defaultChallengeTTL = 2 * time.Minute
)

var _ RelyingParty = (*webauthn.WebAuthn)(nil)

// Config configures a Source.
type Config struct {
	RelyingParty RelyingParty
	Parser       ResponseParser // nil uses the go-webauthn protocol parser
	Credentials  store.CredentialStore
	Audit        store.AuditLog // optional
	Clock        quartz.Clock
	// MaxFailures is the number of rejected assertions after which the
	// attempt fails terminally.
	MaxFailures int
	// ChallengeTTL bounds how long an issued challenge or registration
	// session stays valid.
	ChallengeTTL time.Duration
	// BaseURL is used to log the verification page address.
	BaseURL string
	Logger  *slog.Logger
}

// AttemptInfo describes an open verification attempt.
type AttemptInfo struct {
	ID        biometric.AttemptID `json:"id"`
	Identity  string              `json:"identity"`
	TicketID  string              `json:"ticket_id"`
	Policy    biometric.Policy    `json:"policy"`
	CreatedAt time.Time           `json:"created_at"`
	Failures  int                 `json:"failures"`
}

// AssertionResult reports the outcome of one assertion.
type AssertionResult struct {
	Verified  bool `json:"verified"`
	Terminal  bool `json:"terminal"`
	Remaining int  `json:"remaining"`
}

type attempt struct {
	info      AttemptInfo
	deliver   func(biometric.Event)
	challenge *webauthn.SessionData
	issuedAt  time.Time
}

type registration struct {
	identity  string
	session   *webauthn.SessionData
	expiresAt time.Time
}

// Source implements biometric.Source and biometric.Prober over WebAuthn.
type Source struct {
	rp           RelyingParty
	parser       ResponseParser
	creds        store.CredentialStore
	audit        store.AuditLog
	clock        quartz.Clock
	maxFailures  int
	challengeTTL time.Duration
	baseURL      string
	logger       *slog.Logger

	mu            sync.Mutex
	attempts      map[biometric.AttemptID]*attempt
	registrations map[string]*registration
}

var (
	_ biometric.Source = (*Source)(nil)
	_ biometric.Prober = (*Source)(nil)
)

// New creates a Source.
func New(cfg Config) (*Source, error) {
	if cfg.RelyingParty == nil {
		return nil, errors.New("webauthnsrc: relying party is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("webauthnsrc: credential store is required")
	}
	if cfg.Parser == nil {
		cfg.Parser = protocolParser{}
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		rp:            cfg.RelyingParty,
		parser:        cfg.Parser,
		creds:         cfg.Credentials,
		audit:         cfg.Audit,
		clock:         cfg.Clock,
		maxFailures:   cfg.MaxFailures,
		challengeTTL:  cfg.ChallengeTTL,
		baseURL:       cfg.BaseURL,
		logger:        logger.With("component", "webauthnsrc"),
		attempts:      make(map[biometric.AttemptID]*attempt),
		registrations: make(map[string]*registration),
	}, nil
}

func (s *Source) now() time.Time {
	return s.clock.Now("webauthnsrc")
}

// Begin opens an attempt that the user completes on the verification page.
func (s *Source) Begin(ctx context.Context, req biometric.Request, deliver func(biometric.Event)) (biometric.AttemptID, error) {
	creds, err := s.creds.ListCredentials(ctx, req.Identity)
	if err != nil {
		return "", fmt.Errorf("loading credentials: %w", err)
	}
	if len(creds) == 0 {
		return "", fmt.Errorf("%w: no registered credential for %s", biometric.ErrSourceUnavailable, req.Identity)
	}

	id := biometric.AttemptID(uuid.New().String())
	a := &attempt{
		info: AttemptInfo{
			ID:        id,
			Identity:  req.Identity,
			TicketID:  req.TicketID,
			Policy:    req.Policy,
			CreatedAt: s.now(),
		},
		deliver: deliver,
	}

	s.mu.Lock()
	s.attempts[id] = a
	s.mu.Unlock()

	s.logger.Info("verification attempt opened",
		"attempt", id,
		"identity", req.Identity,
		"ticket", req.TicketID,
		"url", s.baseURL+"/verify/"+string(id),
	)
	return id, nil
}

// Cancel discards an attempt without delivering an event.
func (s *Source) Cancel(id biometric.AttemptID) {
	s.mu.Lock()
	_, ok := s.attempts[id]
	delete(s.attempts, id)
	s.mu.Unlock()

	if ok {
		s.logger.Debug("verification attempt cancelled", "attempt", id)
	}
}

// AvailableKinds reports AuthKindUnknown when identity has a registered
// credential. WebAuthn does not disclose which modality the platform uses.
func (s *Source) AvailableKinds(ctx context.Context, identity string) ([]biometric.AuthKind, error) {
	creds, err := s.creds.ListCredentials(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, nil
	}
	return []biometric.AuthKind{biometric.AuthKindUnknown}, nil
}

// Attempt returns the open attempt with id.
func (s *Source) Attempt(id biometric.AttemptID) (AttemptInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return AttemptInfo{}, false
	}
	return a.info, true
}

// Attempts lists the open attempts of identity.
func (s *Source) Attempts(identity string) []AttemptInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []AttemptInfo{}
	for _, a := range s.attempts {
		if a.info.Identity == identity {
			out = append(out, a.info)
		}
	}
	return out
}

// BeginAssertion issues a fresh challenge for attempt id. Any previous
// challenge is replaced.
func (s *Source) BeginAssertion(ctx context.Context, id biometric.AttemptID) (*protocol.CredentialAssertion, error) {
	info, ok := s.Attempt(id)
	if !ok {
		return nil, ErrAttemptNotFound
	}

	creds, err := s.creds.ListCredentials(ctx, info.Identity)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	options, session, err := s.rp.BeginLogin(newCredentialUser(info.Identity, creds),
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("beginning assertion: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	a.challenge = session
	a.issuedAt = s.now()
	return options, nil
}

// takeChallenge removes and returns the outstanding challenge of id.
func (s *Source) takeChallenge(id biometric.AttemptID) (webauthn.SessionData, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return webauthn.SessionData{}, "", ErrAttemptNotFound
	}
	if a.challenge == nil || s.now().Sub(a.issuedAt) >= s.challengeTTL {
		a.challenge = nil
		return webauthn.SessionData{}, "", ErrNoChallenge
	}
	session := *a.challenge
	a.challenge = nil
	return session, a.info.Identity, nil
}

// FinishAssertion validates the browser's assertion for attempt id. A
// rejected assertion is reported as a non-terminal failure until the
// attempt has used up its failures.
func (s *Source) FinishAssertion(ctx context.Context, id biometric.AttemptID, body []byte) (AssertionResult, error) {
	session, identity, err := s.takeChallenge(id)
	if err != nil {
		return AssertionResult{}, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		return AssertionResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	creds, err := s.creds.ListCredentials(ctx, identity)
	if err != nil {
		return AssertionResult{}, fmt.Errorf("loading credentials: %w", err)
	}
	user := newCredentialUser(identity, creds)

	credential, verr := s.rp.ValidateLogin(user, session, parsed)
	cloned := verr == nil && credential.Authenticator.CloneWarning

	s.mu.Lock()
	a, ok := s.attempts[id]
	if !ok {
		s.mu.Unlock()
		return AssertionResult{}, ErrAttemptNotFound
	}

	if verr != nil || cloned {
		a.info.Failures++
		failures := a.info.Failures
		terminal := cloned || failures >= s.maxFailures
		if terminal {
			delete(s.attempts, id)
		}
		deliver := a.deliver
		s.mu.Unlock()

		if cloned {
			s.logger.Warn("authenticator clone warning", "attempt", id, "identity", identity)
			deliver(biometric.Failed(&biometric.FailureError{
				Code:    "clone_warning",
				Message: "authenticator sign count went backwards",
			}))
			return AssertionResult{Terminal: true}, nil
		}

		s.logger.Info("assertion rejected", "attempt", id, "identity", identity, "failures", failures, "error", verr)
		if terminal {
			deliver(biometric.Failed(&biometric.FailureError{
				Code:    "lockout",
				Message: fmt.Sprintf("%d failed assertions", failures),
			}))
			return AssertionResult{Terminal: true}, nil
		}
		deliver(biometric.AttemptFailed("assertion rejected"))
		return AssertionResult{Remaining: s.maxFailures - failures}, nil
	}

	delete(s.attempts, id)
	deliver := a.deliver
	s.mu.Unlock()

	if stored := user.storedCredential(credential.ID); stored != nil {
		if err := s.creds.UpdateCredentialUse(ctx, stored.ID, credential.Authenticator.SignCount, s.now()); err != nil {
			s.logger.Warn("failed to update sign count", "credential", stored.ID, "error", err)
		}
	}

	s.logger.Info("assertion verified", "attempt", id, "identity", identity)
	deliver(biometric.Succeeded(biometric.AuthKindUnknown))
	return AssertionResult{Verified: true}, nil
}

// Dismiss reports that the user closed the prompt for attempt id.
func (s *Source) Dismiss(id biometric.AttemptID) error {
	s.mu.Lock()
	a, ok := s.attempts[id]
	if !ok {
		s.mu.Unlock()
		return ErrAttemptNotFound
	}
	delete(s.attempts, id)
	deliver := a.deliver
	s.mu.Unlock()

	s.logger.Info("verification dismissed", "attempt", id, "identity", a.info.Identity)
	deliver(biometric.Cancelled())
	return nil
}

// BeginRegistration starts enrolling a platform credential for identity.
// The returned token must be presented to FinishRegistration.
func (s *Source) BeginRegistration(ctx context.Context, identity, displayName string) (*protocol.CredentialCreation, string, error) {
	creds, err := s.creds.ListCredentials(ctx, identity)
	if err != nil {
		return nil, "", fmt.Errorf("loading credentials: %w", err)
	}
	user := newCredentialUser(identity, creds)
	user.displayName = displayName

	options, session, err := s.rp.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementPreferred,
			UserVerification:        protocol.VerificationRequired,
		}),
		webauthn.WithExclusions(webauthn.Credentials(user.WebAuthnCredentials()).CredentialDescriptors()),
	)
	if err != nil {
		return nil, "", fmt.Errorf("beginning registration: %w", err)
	}

	token := uuid.New().String()
	s.mu.Lock()
	s.registrations[token] = &registration{
		identity:  identity,
		session:   session,
		expiresAt: s.now().Add(s.challengeTTL),
	}
	s.mu.Unlock()

	return options, token, nil
}

func (s *Source) takeRegistration(identity, token string) (*registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.registrations[token]
	if !ok || reg.identity != identity {
		return nil, ErrRegistrationNotFound
	}
	delete(s.registrations, token)
	if !s.now().Before(reg.expiresAt) {
		return nil, ErrRegistrationNotFound
	}
	return reg, nil
}

// FinishRegistration verifies the attestation and stores the credential.
func (s *Source) FinishRegistration(ctx context.Context, identity, token string, body []byte) (*store.Credential, error) {
	reg, err := s.takeRegistration(identity, token)
	if err != nil {
		return nil, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	creds, err := s.creds.ListCredentials(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	credential, err := s.rp.CreateCredential(newCredentialUser(identity, creds), *reg.session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistrationRejected, err)
	}

	stored, err := s.storeCredential(ctx, identity, credential)
	if err != nil {
		return nil, err
	}

	s.logger.Info("credential registered", "identity", identity, "credential", stored.ID)
	if s.audit != nil {
		entry := &store.AuditEntry{
			Identity: identity,
			Action:   store.AuditCredentialRegistered,
			Detail:   map[string]any{"credential": stored.ID, "attestation": stored.AttestationType},
		}
		if err := s.audit.AppendAuditLog(ctx, entry); err != nil {
			s.logger.Warn("failed to audit registration", "error", err)
		}
	}
	return stored, nil
}

// storeCredential creates and stores a WebAuthn credential.
func (s *Source) storeCredential(ctx context.Context, identity string, cred *webauthn.Credential) (*store.Credential, error) {
	transports := ""
	if len(cred.Transport) > 0 {
		data, err := json.Marshal(cred.Transport)
		if err != nil {
			return nil, fmt.Errorf("encoding transports: %w", err)
		}
		transports = string(data)
	}

	stored := &store.Credential{
		ID:              uuid.New().String(),
		Identity:        identity,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      transports,
		AAGUID:          cred.Authenticator.AAGUID,
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.creds.CreateCredential(ctx, stored); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}
	return stored, nil
}

// ListCredentials returns the credentials registered for identity.
func (s *Source) ListCredentials(ctx context.Context, identity string) ([]*store.Credential, error) {
	return s.creds.ListCredentials(ctx, identity)
}

// DeleteCredential removes one of identity's credentials.
func (s *Source) DeleteCredential(ctx context.Context, identity, id string) error {
	creds, err := s.creds.ListCredentials(ctx, identity)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}
	for _, c := range creds {
		if c.ID == id {
			return s.creds.DeleteCredential(ctx, id)
		}
	}
	return store.ErrNotFound
}

// RunCleanup drops expired registration sessions and challenges every
// interval until ctx is done.
func (s *Source) RunCleanup(ctx context.Context, every time.Duration) quartz.Waiter {
	return s.clock.TickerFunc(ctx, every, func() error {
		s.cleanup()
		return nil
	}, "webauthnsrc", "cleanup")
}

func (s *Source) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, reg := range s.registrations {
		if !now.Before(reg.expiresAt) {
			delete(s.registrations, token)
		}
	}
	for _, a := range s.attempts {
		if a.challenge != nil && now.Sub(a.issuedAt) >= s.challengeTTL {
			a.challenge = nil
		}
	}
}
