// ABOUTME: Tests for CLI argument parsing, generated config and the log handler
// ABOUTME: Generated configs are loaded back through the config package

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-biogate/internal/config"
)

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenArgs
		wantErr string
	}{
		{
			name: "separate value",
			args: []string{"--name", "laptop"},
			want: tokenArgs{name: "laptop", ttl: defaultTokenTTL},
		},
		{
			name: "equals form with ttl",
			args: []string{"-n=phone", "--ttl=24h"},
			want: tokenArgs{name: "phone", ttl: 24 * time.Hour},
		},
		{
			name:    "missing name",
			args:    []string{"--ttl", "1h"},
			wantErr: "--name flag is required",
		},
		{
			name:    "missing value",
			args:    []string{"--name"},
			wantErr: "requires a value",
		},
		{
			name:    "unknown flag",
			args:    []string{"--owner", "x"},
			wantErr: "unknown flag",
		},
		{
			name:    "bad ttl",
			args:    []string{"--name", "x", "--ttl", "-1h"},
			wantErr: "invalid --ttl",
		},
		{
			name:    "positional",
			args:    []string{"laptop"},
			wantErr: "unexpected argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderConfig_LoadsAndValidates(t *testing.T) {
	secret, err := randomSecret(32)
	require.NoError(t, err)
	key, err := randomSecret(32)
	require.NoError(t, err)

	dir := t.TempDir()
	a := initAnswers{
		GRPCAddr:     "localhost:50061",
		HTTPAddr:     "localhost:8090",
		BaseURL:      "http://localhost:8090",
		DBPath:       filepath.Join(dir, "biogate.db"),
		PrefsBackend: "redis",
		RedisURL:     "redis://localhost:6379/0",
		LeaseSecret:  secret,
		MasterKey:    key,
		LogLevel:     "debug",
		LogFormat:    "json",
	}

	path := filepath.Join(dir, "biogate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(renderConfig(a)), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:50061", cfg.Server.GRPCAddr)
	assert.True(t, cfg.Server.RequireClientToken)
	assert.Equal(t, "redis", cfg.Preferences.Backend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Preferences.RedisURL)
	assert.Equal(t, 5*time.Minute, cfg.Session.TTL)
	assert.Equal(t, 30*time.Second, cfg.Crypto.BindWindow)

	master, err := cfg.Crypto.MasterKeyBytes()
	require.NoError(t, err)
	assert.Len(t, master, 32)
}

func TestRenderConfig_Tailscale(t *testing.T) {
	out := renderConfig(initAnswers{
		TailscaleEnabled: true,
		TSHostname:       "biogate",
		TSFunnel:         true,
	})
	assert.Contains(t, out, `hostname: "biogate"`)
	assert.Contains(t, out, "funnel: true")
	assert.NotContains(t, out, "auth_key", "empty auth key is left to TS_AUTHKEY")
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("BIOGATE_CONFIG", "/etc/biogate.toml")
	assert.Equal(t, "/etc/biogate.toml", getConfigPath())

	t.Setenv("BIOGATE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	assert.Equal(t, filepath.Join("/tmp/xdg", "coven", "biogate.yaml"), getConfigPath())
}

func TestHealthAddr(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{GRPCAddr: "127.0.0.1:50061"}}
	assert.Equal(t, "127.0.0.1:50061", healthAddr(cfg))

	cfg.Tailscale = config.TailscaleConfig{Enabled: true, Hostname: "biogate"}
	assert.Equal(t, "biogate:50051", healthAddr(cfg))
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "guard").WithGroup("lease").Info("issued", "scope", "signing")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF issued")
	assert.Contains(t, out, "component=guard")
	assert.Contains(t, out, "lease.scope=signing")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.Debug("probe", "identity", "alice")
	assert.Contains(t, buf.String(), `"identity":"alice"`)
	assert.Contains(t, buf.String(), `"level":"DEBUG"`)
}
