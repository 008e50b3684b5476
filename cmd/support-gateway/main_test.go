// ABOUTME: Tests for the support-gateway command line
// ABOUTME: Covers command wiring, config generation, token minting, health checks and log output

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir()) // keep LoadDotEnv away from a developer's .env
	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	subs := map[string]bool{}
	for _, c := range newRootCmd().Commands() {
		subs[c.Name()] = true
	}
	for _, name := range []string{"serve", "health", "init", "token", "version"} {
		assert.True(t, subs[name], "missing subcommand %q", name)
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "support-gateway dev\n", out)
}

func TestInitThenToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "gateway.yaml")

	_, err := run(t, "init", "--config", path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Auth.Enabled())

	_, err = run(t, "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = run(t, "init", "--config", path, "--force")
	require.NoError(t, err)

	out, err := run(t, "token", "--config", path, "--id", "admin-1", "--name", "Alice", "--super-admin")
	require.NoError(t, err)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	p, err := v.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "admin-1", p.ID)
	assert.Equal(t, "Alice", p.Name)
	assert.True(t, p.SuperAdmin)
}

func TestTokenPrincipal(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		role    string
		super   bool
		wantErr string
	}{
		{name: "user", id: "u1", role: "user"},
		{name: "operator", id: "a1", role: "admin", super: true},
		{name: "blank id", id: "  ", role: "user", wantErr: "--id"},
		{name: "unknown role", id: "x", role: "owner", wantErr: "--role"},
		{name: "super user", id: "u1", role: "user", super: true, wantErr: "--super-admin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tokenPrincipal(tt.id, "", tt.role, tt.super)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, auth.Role(tt.role), p.Role)
		})
	}
}

func TestMintToken_RequiresSecret(t *testing.T) {
	_, err := mintToken(config.AuthConfig{}, auth.Principal{ID: "u"}, time.Hour)
	assert.ErrorContains(t, err, "jwt_secret")

	_, err = mintToken(config.AuthConfig{JWTSecret: strings.Repeat("k", 32)}, auth.Principal{ID: "u"}, 0)
	assert.ErrorContains(t, err, "--ttl")
}

func TestCheckHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	require.NoError(t, checkHealth(context.Background(), ok.URL))

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	assert.ErrorContains(t, checkHealth(context.Background(), down.URL), "503")
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.With("component", "hub").Warn("slow consumer", "conn", "c1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "slow consumer", line["msg"])
	assert.Equal(t, "hub", line["component"])
	assert.Equal(t, "c1", line["conn"])
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	logger.With("component", "dispatcher").WithGroup("publish").Debug("retrying", "attempt", 2)

	out := buf.String()
	assert.Contains(t, out, "DBG retrying")
	assert.Contains(t, out, " component=dispatcher")
	assert.Contains(t, out, " publish.attempt=2")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
