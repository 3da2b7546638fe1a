// ABOUTME: Tests for Gateway construction, lifecycle, health surfaces and config wiring
// ABOUTME: Uses a scripted biometric source, temp-dir SQLite and a quartz mock clock

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/config"
	"github.com/2389/coven-biogate/internal/cryptogate"
)

const testMasterKey = "BwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwcHBwc="

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Server: config.ServerConfig{
			GRPCAddr: freeAddr(t),
			HTTPAddr: freeAddr(t),
			BaseURL:  "https://biogate.test",
		},
		Database: config.DatabaseConfig{
			Path: filepath.Join(t.TempDir(), "biogate.db"),
		},
		Preferences: config.PreferencesConfig{
			Backend:   "sqlite",
			Retention: time.Hour,
		},
		Session: config.SessionConfig{
			TTL:           5 * time.Minute,
			SweepInterval: 5 * time.Second,
		},
		Verification: config.VerificationConfig{
			Timeout: 2 * time.Minute,
		},
		Crypto: config.CryptoConfig{
			LeaseSecret:  strings.Repeat("s", 32),
			MasterKey:    testMasterKey,
			BindWindow:   30 * time.Second,
			DefaultScope: config.ScopeConfig{Mode: "single_use"},
			Scopes: map[string]config.ScopeConfig{
				"payments": {Mode: "timed", TTL: 10 * time.Second},
			},
		},
		WebAuthn: config.WebAuthnConfig{
			MaxFailures:  3,
			ChallengeTTL: time.Minute,
		},
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSource is a biometric source driven by the test.
type scriptedSource struct {
	mu      sync.Mutex
	begins  int
	deliver func(biometric.Event)
	kinds   []biometric.AuthKind
}

func (s *scriptedSource) Begin(_ context.Context, _ biometric.Request, deliver func(biometric.Event)) (biometric.AttemptID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begins++
	s.deliver = deliver
	return biometric.AttemptID(fmt.Sprintf("attempt-%d", s.begins)), nil
}

func (s *scriptedSource) Cancel(biometric.AttemptID) {}

func (s *scriptedSource) AvailableKinds(context.Context, string) ([]biometric.AuthKind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kinds, nil
}

func (s *scriptedSource) beginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

// waitAndSend waits for the n-th attempt to begin and delivers ev to it.
func (s *scriptedSource) waitAndSend(t *testing.T, n int, ev biometric.Event) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.beginCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("attempt %d never began", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	fn := s.deliver
	s.mu.Unlock()
	fn(ev)
}

// buildGateway creates a gateway with a scripted source and mock clock.
// The caller owns shutdown.
func buildGateway(t *testing.T, cfg *config.Config) (*Gateway, *scriptedSource, *quartz.Mock) {
	t.Helper()
	src := &scriptedSource{}
	clock := quartz.NewMock(t)
	gw, err := newGateway(cfg, testLogger(), src, clock)
	if err != nil {
		t.Fatalf("newGateway() failed: %v", err)
	}
	return gw, src, clock
}

// newTestGateway is buildGateway with shutdown registered as cleanup.
func newTestGateway(t *testing.T, cfg *config.Config) (*Gateway, *scriptedSource, *quartz.Mock) {
	t.Helper()
	gw, src, clock := buildGateway(t, cfg)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, src, clock
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.guard == nil {
		t.Error("guard should not be nil")
	}
	if gw.webauthn == nil {
		t.Error("webauthn source should be the default source")
	}
	if gw.redis != nil {
		t.Error("redis client should be nil for the sqlite backend")
	}
}

func TestGatewayNew_InvalidMasterKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crypto.MasterKey = "not base64!"

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error for invalid master key")
	}
}

func TestGatewayNew_RedisPreferences(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Preferences.Backend = "redis"
	cfg.Preferences.RedisURL = "redis://" + mr.Addr()
	cfg.Preferences.RedisPrefix = "test:"

	gw, src, _ := newTestGateway(t, cfg)
	if gw.redis == nil {
		t.Fatal("redis client should be set for the redis backend")
	}

	done := make(chan error, 1)
	go func() {
		_, err := gw.guard.RequestVerification(context.Background(), "alice", biometric.DefaultPolicy())
		done <- err
	}()
	src.waitAndSend(t, 1, biometric.Succeeded(biometric.AuthKindFingerprint))
	if err := <-done; err != nil {
		t.Fatalf("verification failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := gw.guard.LastAuthTime(context.Background(), "alice"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("last auth time was not stored in redis")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if keys := mr.Keys(); len(keys) != 1 || !strings.HasPrefix(keys[0], "test:") {
		t.Errorf("redis keys = %v, want one key with prefix test:", keys)
	}
}

func TestGatewayNew_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Preferences.Backend = "redis"
	cfg.Preferences.RedisURL = "redis://" + freeAddr(t)

	if _, err := New(cfg, testLogger()); err == nil {
		t.Fatal("expected error when redis is unreachable")
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	gw, _, _ := buildGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	waitForHTTP(t, "http://"+cfg.Server.HTTPAddr+"/health")

	// gRPC health check over the wire
	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient() failed: %v", err)
	}
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("health status = %v, want SERVING", resp.GetStatus())
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func waitForHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server at %s never became healthy: %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGRPCHealth_ShutdownStopsServing(t *testing.T) {
	server, hs := createGRPCServer(testLogger())
	defer server.Stop()

	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", resp.GetStatus())
	}

	hs.Shutdown()

	resp, err = hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v, want NOT_SERVING", resp.GetStatus())
	}
}

func TestScopePolicies(t *testing.T) {
	tests := []struct {
		name    string
		crypto  config.CryptoConfig
		want    cryptogate.ScopePolicy
		scopes  map[string]cryptogate.ScopePolicy
		wantErr bool
	}{
		{
			name:   "empty mode means single use",
			crypto: config.CryptoConfig{},
			want:   cryptogate.ScopePolicy{Mode: cryptogate.ModeSingleUse},
			scopes: map[string]cryptogate.ScopePolicy{},
		},
		{
			name: "timed scope",
			crypto: config.CryptoConfig{
				DefaultScope: config.ScopeConfig{Mode: "single_use"},
				Scopes: map[string]config.ScopeConfig{
					"payments": {Mode: "timed", TTL: 10 * time.Second},
				},
			},
			want: cryptogate.ScopePolicy{Mode: cryptogate.ModeSingleUse},
			scopes: map[string]cryptogate.ScopePolicy{
				"payments": {Mode: cryptogate.ModeTimed, TTL: 10 * time.Second},
			},
		},
		{
			name:    "unknown mode",
			crypto:  config.CryptoConfig{DefaultScope: config.ScopeConfig{Mode: "forever"}},
			wantErr: true,
		},
		{
			name: "timed without ttl",
			crypto: config.CryptoConfig{
				Scopes: map[string]config.ScopeConfig{"payments": {Mode: "timed"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, scopes, err := scopePolicies(tt.crypto)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("scopePolicies() failed: %v", err)
			}
			if def != tt.want {
				t.Errorf("default = %+v, want %+v", def, tt.want)
			}
			if len(scopes) != len(tt.scopes) {
				t.Fatalf("scopes = %v, want %v", scopes, tt.scopes)
			}
			for name, want := range tt.scopes {
				if scopes[name] != want {
					t.Errorf("scopes[%s] = %+v, want %+v", name, scopes[name], want)
				}
			}
		})
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")

	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error when no auth key is available")
	}

	key, err := resolveTailscaleAuthKey("tskey-config")
	if err != nil || key != "tskey-config" {
		t.Errorf("resolveTailscaleAuthKey(config) = %q, %v", key, err)
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("resolveTailscaleAuthKey(env) = %q, %v", key, err)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/biogate")
	if err != nil || dir != "/var/lib/biogate" {
		t.Errorf("resolveTailscaleStateDir(configured) = %q, %v", dir, err)
	}

	t.Setenv("HOME", "/home/tester")
	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("resolveTailscaleStateDir() failed: %v", err)
	}
	if want := filepath.Join("/home/tester", ".local", "share", "coven-biogate", "tailscale"); dir != want {
		t.Errorf("state dir = %q, want %q", dir, want)
	}
}
