// ABOUTME: Entry point for the coven-biogate verification server
// ABOUTME: Subcommands serve, init, health, token and version

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-biogate/internal/auth"
	"github.com/2389/coven-biogate/internal/config"
	"github.com/2389/coven-biogate/internal/gateway"
	"github.com/2389/coven-biogate/internal/telemetry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _     _
  ___ _____   _____ _ __        | |__ (_) ___   __ _  __ _| |_ ___
 / __/ _ \ \ / / _ \ '_ \ _____ | '_ \| |/ _ \ / _' |/ _' | __/ _ \
| (_| (_) \ V /  __/ | | |_____|| |_) | | (_) | (_| | (_| | ||  __/
 \___\___/ \_/ \___|_| |_|      |_.__/|_|\___/ \__, |\__,_|\__\___|
                                               |___/
`

// defaultTokenTTL is the lifetime of client tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

// getConfigPath returns the path to the biogate config file.
// Priority: BIOGATE_CONFIG env var > XDG_CONFIG_HOME/coven/biogate.yaml > ~/.config/coven/biogate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BIOGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "biogate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "biogate.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-biogate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the verification server")
	fmt.Println("  init                        Create a new config file interactively")
	fmt.Println("  health                      Check server health over gRPC")
	fmt.Println("  token --name NAME [--ttl D] Mint an API client token")
	fmt.Println("  version                     Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing traces failed", "error", err)
		}
	}()

	// Startup info
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Prefs:     %s\n", cfg.Preferences.Backend)
	green.Print("    ▶ ")
	fmt.Printf("Session:   ttl %s, bind window %s\n", cfg.Session.TTL, cfg.Crypto.BindWindow)
	if cfg.Telemetry.OTLPEndpoint != "" {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   %s\n", cfg.Telemetry.OTLPEndpoint)
	}

	// Tailscale status
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Server.RequireClientToken {
		yellow.Println("    ! client tokens are not required")
	}

	fmt.Println()

	logger.Info("starting coven-biogate",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// healthAddr returns the gRPC address the health command dials.
func healthAddr(cfg *config.Config) string {
	if cfg.Tailscale.Enabled {
		return cfg.Tailscale.Hostname + ":50051"
	}
	return cfg.Server.GRPCAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	conn, err := grpc.NewClient(healthAddr(cfg), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("creating gRPC client: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: gateway.HealthService,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy: %s", resp.GetStatus())
	}

	fmt.Println("healthy")
	return nil
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	name string
	ttl  time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value".
func parseTokenArgs(args []string) (tokenArgs, error) {
	out := tokenArgs{ttl: defaultTokenTTL}
	var ttlRaw string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var name, value string
		var hasValue bool
		if k, v, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			name, value, hasValue = k, v, true
		} else {
			name = arg
		}

		switch name {
		case "--name", "-n", "--ttl":
		default:
			if strings.HasPrefix(name, "-") {
				return tokenArgs{}, fmt.Errorf("unknown flag: %s", name)
			}
			return tokenArgs{}, fmt.Errorf("unexpected argument: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return tokenArgs{}, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		if name == "--ttl" {
			ttlRaw = value
		} else {
			out.name = strings.TrimSpace(value)
		}
	}

	if out.name == "" {
		return tokenArgs{}, errors.New("--name flag is required")
	}
	if len(out.name) > 100 {
		return tokenArgs{}, errors.New("client name exceeds maximum length of 100 characters")
	}
	if ttlRaw != "" {
		d, err := time.ParseDuration(ttlRaw)
		if err != nil || d <= 0 {
			return tokenArgs{}, fmt.Errorf("invalid --ttl %q", ttlRaw)
		}
		out.ttl = d
	}
	return out, nil
}

// runToken mints a client token signed with the configured lease secret and
// saves it next to the config file.
func runToken(args []string) error {
	parsed, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	signer, err := auth.NewSigner([]byte(cfg.Crypto.LeaseSecret), quartz.NewReal())
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}
	token, err := signer.IssueClient(parsed.name, parsed.ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "biogate.token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Saved token for %s: %s\n", parsed.name, tokenPath)
	fmt.Printf("  Expires: %s\n", time.Now().Add(parsed.ttl).Format("Jan 02, 2006"))
	if !cfg.Server.RequireClientToken {
		color.New(color.FgYellow).Println("  server.require_client_token is off; the server ignores tokens")
	}
	return nil
}

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	GRPCAddr         string
	HTTPAddr         string
	BaseURL          string
	DBPath           string
	PrefsBackend     string
	RedisURL         string
	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSEphemeral      bool
	TSFunnel         bool
	LeaseSecret      string
	MasterKey        string
	LogLevel         string
	LogFormat        string
}

// randomSecret returns n random bytes encoded as standard base64.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-biogate configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "biogate.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		if !isYes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.GRPCAddr = prompt(reader, "gRPC address", "localhost:50061")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8090")
	a.BaseURL = prompt(reader, "Public base URL for verification links", "http://"+a.HTTPAddr)

	fmt.Println("\n--- Storage Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)
	a.PrefsBackend = prompt(reader, "Auth preferences backend (sqlite/redis)", "sqlite")
	if a.PrefsBackend == "redis" {
		a.RedisURL = prompt(reader, "Redis URL", "redis://localhost:6379/0")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = isYes(prompt(reader, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = prompt(reader, "Tailscale hostname", "coven-biogate")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		a.TSEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
		a.TSFunnel = isYes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	var err error
	if a.LeaseSecret, err = randomSecret(32); err != nil {
		return fmt.Errorf("generating lease secret: %w", err)
	}
	if a.MasterKey, err = randomSecret(32); err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the master key.
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-biogate serve\n")

	return nil
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-biogate configuration\n")
	cfg.WriteString("# Generated by coven-biogate init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.GRPCAddr)
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	fmt.Fprintf(&cfg, "  base_url: %q\n", a.BaseURL)
	cfg.WriteString("  require_client_token: true\n\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", a.DBPath)

	cfg.WriteString("preferences:\n")
	fmt.Fprintf(&cfg, "  backend: %q\n", a.PrefsBackend)
	if a.RedisURL != "" {
		fmt.Fprintf(&cfg, "  redis_url: %q\n", a.RedisURL)
	}
	cfg.WriteString("  retention: \"720h\"\n\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  ttl: \"5m\"\n")
	cfg.WriteString("  sweep_interval: \"5s\"\n\n")

	cfg.WriteString("verification:\n")
	cfg.WriteString("  timeout: \"2m\"\n\n")

	cfg.WriteString("crypto:\n")
	fmt.Fprintf(&cfg, "  lease_secret: %q\n", a.LeaseSecret)
	fmt.Fprintf(&cfg, "  master_key: %q\n", a.MasterKey)
	cfg.WriteString("  bind_window: \"30s\"\n")
	cfg.WriteString("  default_scope:\n")
	cfg.WriteString("    mode: \"single_use\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)

	return cfg.String()
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
