// ABOUTME: HTTP routes for the verification page, assertion ceremony and credential enrollment
// ABOUTME: Prompt descriptions are rendered from markdown with goldmark

package webauthnsrc

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var verifyTemplate = template.Must(template.ParseFS(templateFS, "templates/verify.html"))

// maxBodyBytes caps credential response bodies.
const maxBodyBytes = 64 << 10

type verifyPageData struct {
	AttemptID            string
	Identity             string
	Title                string
	Subtitle             string
	Description          template.HTML
	NegativeButton       string
	ConfirmationRequired bool
}

// RegisterRoutes mounts the browser-facing verification routes. The attempt
// ID in the path is the only capability these routes require.
func (s *Source) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /verify/{attempt}", s.handleVerifyPage)
	mux.HandleFunc("POST /webauthn/attempts/{attempt}/begin", s.handleAssertionBegin)
	mux.HandleFunc("POST /webauthn/attempts/{attempt}/finish", s.handleAssertionFinish)
	mux.HandleFunc("POST /webauthn/attempts/{attempt}/cancel", s.handleAssertionCancel)
}

// RegisterCredentialRoutes mounts enrollment and credential management
// routes, each wrapped by wrap.
func (s *Source) RegisterCredentialRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(h http.Handler) http.Handler { return h }
	}
	mux.Handle("POST /api/credentials/{identity}/register/begin", wrap(http.HandlerFunc(s.handleRegisterBegin)))
	mux.Handle("POST /api/credentials/{identity}/register/finish", wrap(http.HandlerFunc(s.handleRegisterFinish)))
	mux.Handle("GET /api/credentials/{identity}", wrap(http.HandlerFunc(s.handleListCredentials)))
	mux.Handle("DELETE /api/credentials/{identity}/{id}", wrap(http.HandlerFunc(s.handleDeleteCredential)))
	mux.Handle("GET /api/credentials/{identity}/attempts", wrap(http.HandlerFunc(s.handleListAttempts)))
}

// renderDescription converts a markdown prompt description to HTML.
func (s *Source) renderDescription(md string) template.HTML {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Error("failed to convert markdown", "error", err)
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

func (s *Source) handleVerifyPage(w http.ResponseWriter, r *http.Request) {
	info, ok := s.Attempt(biometric.AttemptID(r.PathValue("attempt")))
	if !ok {
		http.Error(w, "Verification request not found or already finished", http.StatusNotFound)
		return
	}

	policy := info.Policy.WithDefaults()
	data := verifyPageData{
		AttemptID:            string(info.ID),
		Identity:             info.Identity,
		Title:                policy.Title,
		Subtitle:             policy.Subtitle,
		Description:          s.renderDescription(policy.Description),
		NegativeButton:       policy.NegativeButton,
		ConfirmationRequired: policy.ConfirmationRequired,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := verifyTemplate.Execute(w, data); err != nil {
		s.logger.Error("failed to render verification page", "error", err)
	}
}

func (s *Source) handleAssertionBegin(w http.ResponseWriter, r *http.Request) {
	options, err := s.BeginAssertion(r.Context(), biometric.AttemptID(r.PathValue("attempt")))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, options)
}

func (s *Source) handleAssertionFinish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request")
		return
	}

	result, err := s.FinishAssertion(r.Context(), biometric.AttemptID(r.PathValue("attempt")), body)
	if err != nil {
		s.sendError(w, err)
		return
	}

	status := http.StatusOK
	if !result.Verified {
		status = http.StatusUnauthorized
	}
	s.writeJSON(w, status, result)
}

func (s *Source) handleAssertionCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Dismiss(biometric.AttemptID(r.PathValue("attempt"))); err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Source) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			sendJSONError(w, http.StatusBadRequest, "invalid request")
			return
		}
	}

	options, token, err := s.BeginRegistration(r.Context(), r.PathValue("identity"), req.DisplayName)
	if err != nil {
		s.sendError(w, err)
		return
	}

	response := struct {
		Options      any    `json:"options"`
		SessionToken string `json:"session_token"`
	}{
		Options:      options,
		SessionToken: token,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Source) handleRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionToken string          `json:"session_token"`
		Response     json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request")
		return
	}

	cred, err := s.FinishRegistration(r.Context(), r.PathValue("identity"), req.SessionToken, req.Response)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, credentialView(cred))
}

func (s *Source) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.ListCredentials(r.Context(), r.PathValue("identity"))
	if err != nil {
		s.sendError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		out = append(out, credentialView(c))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Source) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteCredential(r.Context(), r.PathValue("identity"), r.PathValue("id")); err != nil {
		s.sendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Source) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"attempts": s.Attempts(r.PathValue("identity"))})
}

func credentialView(c *store.Credential) map[string]any {
	view := map[string]any{
		"id":               c.ID,
		"identity":         c.Identity,
		"attestation_type": c.AttestationType,
		"sign_count":       c.SignCount,
		"backup_eligible":  c.BackupEligible,
		"created_at":       c.CreatedAt,
	}
	if c.LastUsedAt != nil {
		view["last_used_at"] = *c.LastUsedAt
	}
	return view
}

// sendError maps ceremony errors to HTTP statuses.
func (s *Source) sendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAttemptNotFound), errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoChallenge), errors.Is(err, ErrRegistrationNotFound):
		sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrMalformedResponse):
		sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRegistrationRejected):
		sendJSONError(w, http.StatusUnauthorized, "credential verification failed")
	case errors.Is(err, store.ErrDuplicateCredential):
		sendJSONError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("webauthn request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Source) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
