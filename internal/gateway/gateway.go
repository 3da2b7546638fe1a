// ABOUTME: Gateway orchestrator that wires the guard to its HTTP and gRPC surfaces
// ABOUTME: Manages store, preferences backend, sweepers, listeners and shutdown lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-biogate/internal/auth"
	"github.com/2389/coven-biogate/internal/biometric"
	"github.com/2389/coven-biogate/internal/config"
	"github.com/2389/coven-biogate/internal/cryptogate"
	"github.com/2389/coven-biogate/internal/dedupe"
	"github.com/2389/coven-biogate/internal/guard"
	"github.com/2389/coven-biogate/internal/keyvault"
	"github.com/2389/coven-biogate/internal/store"
	"github.com/2389/coven-biogate/internal/verify"
	"github.com/2389/coven-biogate/internal/webauthnsrc"
)

// ledgerMaxEntries bounds the spent-lease ledger.
const ledgerMaxEntries = 100_000

// Gateway orchestrates the coven-biogate server components.
// It serves the verification API over HTTP and a health service over gRPC.
type Gateway struct {
	config      *config.Config
	clock       quartz.Clock
	guard       *guard.Guard
	store       *store.SQLiteStore
	redis       *redis.Client
	webauthn    *webauthnsrc.Source // nil when another source is injected
	signer      *auth.Signer
	ledger      *dedupe.Cache
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// baseURL is where browsers reach the verification page
	baseURL string
}

// New creates a gateway backed by the WebAuthn source.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return newGateway(cfg, logger, nil, quartz.NewReal())
}

// newGateway builds the gateway. A nil source selects the WebAuthn source.
func newGateway(cfg *config.Config, logger *slog.Logger, source biometric.Source, clock quartz.Clock) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:  cfg,
		clock:   clock,
		store:   sqlStore,
		logger:  logger.With("component", "gateway"),
		baseURL: strings.TrimSuffix(cfg.Server.BaseURL, "/"),
	}

	if err := gw.init(source, logger); err != nil {
		_ = gw.closeBackends()
		return nil, err
	}
	return gw, nil
}

// init wires everything that depends on the store.
func (g *Gateway) init(source biometric.Source, logger *slog.Logger) error {
	cfg := g.config

	prefs, err := g.initPreferences()
	if err != nil {
		return err
	}

	masterKey, err := cfg.Crypto.MasterKeyBytes()
	if err != nil {
		return err
	}
	vault, err := keyvault.NewSoftware(masterKey, logger)
	if err != nil {
		return fmt.Errorf("creating key vault: %w", err)
	}

	if source == nil {
		src, err := g.initWebAuthn(logger)
		if err != nil {
			return err
		}
		g.webauthn = src
		source = src
	}

	defaultPolicy, scopes, err := scopePolicies(cfg.Crypto)
	if err != nil {
		return err
	}

	g.ledger = dedupe.New(g.clock, cfg.Session.TTL, ledgerMaxEntries)

	g.guard, err = guard.New(guard.Config{
		Clock:          g.clock,
		SessionTTL:     cfg.Session.TTL,
		Source:         source,
		Vault:          vault,
		Preferences:    prefs,
		Audit:          g.store,
		Timeout:        cfg.Verification.Timeout,
		BindWindow:     cfg.Crypto.BindWindow,
		Scopes:         scopes,
		DefaultPolicy:  defaultPolicy,
		Ledger:         g.ledger,
		Progress:       verify.NewBroadcaster(logger),
		TracerProvider: otel.GetTracerProvider(),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating guard: %w", err)
	}

	g.signer, err = auth.NewSigner([]byte(cfg.Crypto.LeaseSecret), g.clock)
	if err != nil {
		return fmt.Errorf("creating lease signer: %w", err)
	}

	g.grpcServer, g.health = createGRPCServer(logger)

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	g.registerAPIRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPreferences selects the AuthPreferences backend.
func (g *Gateway) initPreferences() (verify.Preferences, error) {
	pc := g.config.Preferences
	if pc.Backend != "redis" {
		return g.store, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := store.NewRedisClient(ctx, pc.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	g.redis = client
	g.logger.Info("auth preferences stored in redis", "prefix", pc.RedisPrefix)
	return store.NewRedisPreferences(client, pc.RedisPrefix, pc.Retention), nil
}

// initWebAuthn builds the WebAuthn relying party and source.
func (g *Gateway) initWebAuthn(logger *slog.Logger) (*webauthnsrc.Source, error) {
	wc := g.config.WebAuthn
	rp, err := webauthnsrc.NewRelyingParty(g.config.Server.BaseURL, wc.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("creating webauthn relying party: %w", err)
	}
	src, err := webauthnsrc.New(webauthnsrc.Config{
		RelyingParty: rp,
		Credentials:  g.store,
		Audit:        g.store,
		Clock:        g.clock,
		MaxFailures:  wc.MaxFailures,
		ChallengeTTL: wc.ChallengeTTL,
		BaseURL:      g.config.Server.BaseURL,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating webauthn source: %w", err)
	}
	return src, nil
}

// scopePolicies converts the configured lease policies.
func scopePolicies(cc config.CryptoConfig) (cryptogate.ScopePolicy, map[string]cryptogate.ScopePolicy, error) {
	def, err := scopePolicy(cc.DefaultScope)
	if err != nil {
		return cryptogate.ScopePolicy{}, nil, fmt.Errorf("crypto.default_scope: %w", err)
	}
	scopes := make(map[string]cryptogate.ScopePolicy, len(cc.Scopes))
	for name, sc := range cc.Scopes {
		p, err := scopePolicy(sc)
		if err != nil {
			return cryptogate.ScopePolicy{}, nil, fmt.Errorf("crypto.scopes.%s: %w", name, err)
		}
		scopes[name] = p
	}
	return def, scopes, nil
}

func scopePolicy(sc config.ScopeConfig) (cryptogate.ScopePolicy, error) {
	mode := cryptogate.ModeSingleUse
	if sc.Mode != "" {
		m, err := cryptogate.ParseMode(sc.Mode)
		if err != nil {
			return cryptogate.ScopePolicy{}, err
		}
		mode = m
	}
	p := cryptogate.ScopePolicy{Mode: mode, TTL: sc.TTL}
	return p, p.Validate()
}

// Guard returns the verification guard.
func (g *Gateway) Guard() *guard.Guard {
	return g.guard
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startSweepers runs the periodic expiry and cleanup loops until ctx ends.
func (g *Gateway) startSweepers(ctx context.Context) []quartz.Waiter {
	every := g.config.Session.SweepInterval
	waiters := g.guard.RunSweepers(ctx, every)
	waiters = append(waiters, g.ledger.RunCleanup(ctx, every))
	if g.webauthn != nil {
		waiters = append(waiters, g.webauthn.RunCleanup(ctx, every))
	}
	return waiters
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and sweepers and blocks until the context
// is canceled or a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweepers := context.WithCancel(ctx)
	waiters := g.startSweepers(sweepCtx)

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopSweepers()
	for _, w := range waiters {
		if err := w.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("sweeper stopped with error", "error", err)
		}
	}

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-biogate", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)
	g.updateBaseURLFromStatus(status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg, grpcLn)
	if err != nil {
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// updateBaseURLFromStatus points verification links at the tailnet DNS name
// when no base URL was configured.
func (g *Gateway) updateBaseURLFromStatus(status *ipnstate.Status) {
	if g.config.Server.BaseURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	cleanDNS := strings.TrimSuffix(status.Self.DNSName, ".")
	g.baseURL = "https://" + cleanDNS
	g.logger.Info("verification links use tailscale DNS name", "base_url", g.baseURL)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig, grpcLn net.Listener) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(grpcLn)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = grpcLn.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(grpcLn net.Listener) (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeBackends closes the store and the optional redis client.
func (g *Gateway) closeBackends() error {
	var errs []error
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errors.Join(errs...)
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Pending verifications end when their HTTP callers disconnect.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.guard.Progress().Close()
	if err := g.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store answers and the redis backend,
// if configured, is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("redis unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d leases outstanding)", g.guard.Gate().Outstanding())
}
