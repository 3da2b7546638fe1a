// ABOUTME: Tests for HTTP client authentication middleware
// ABOUTME: Covers token extraction, validation and the disabled mode

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serveWithMiddleware(t *testing.T, verifier TokenVerifier, authHeader string) (*httptest.ResponseRecorder, *ClientContext) {
	t.Helper()

	var got *ClientContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	RequireClient(verifier)(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestRequireClient_ValidToken(t *testing.T) {
	signer, _ := newTestSigner(t)
	token, err := signer.IssueClient("wallet-app", time.Hour)
	if err != nil {
		t.Fatalf("IssueClient() error = %v", err)
	}

	rec, client := serveWithMiddleware(t, signer, "Bearer "+token)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if client == nil || client.Name != "wallet-app" {
		t.Errorf("expected client wallet-app in context, got %+v", client)
	}
}

func TestRequireClient_Rejections(t *testing.T) {
	signer, mClock := newTestSigner(t)
	leaseToken, _ := signer.IssueLease(testLease(mClock.Now(), time.Minute))

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{name: "missing header", header: "", wantMsg: "missing authorization header"},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantMsg: "invalid authorization header format"},
		{name: "empty bearer", header: "Bearer ", wantMsg: "empty token"},
		{name: "garbage", header: "Bearer garbage", wantMsg: "invalid token"},
		{name: "lease token", header: "Bearer " + leaseToken, wantMsg: "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, client := serveWithMiddleware(t, signer, tt.header)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if client != nil {
				t.Error("handler should not have been called")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantMsg)
			}
		})
	}
}

func TestRequireClient_Disabled(t *testing.T) {
	rec, client := serveWithMiddleware(t, nil, "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if client != nil {
		t.Errorf("expected no client in context, got %+v", client)
	}
}
