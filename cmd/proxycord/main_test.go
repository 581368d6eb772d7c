package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/proxycord/pkg/types"
)

func parse(t *testing.T, args ...string) (*pflag.FlagSet, *options) {
	t.Helper()
	var o options
	f := pflag.NewFlagSet("proxycord", pflag.ContinueOnError)
	bindFlags(f, &o)
	require.NoError(t, f.Parse(args))
	return f, &o
}

func TestResolveConfigFromFlags(t *testing.T) {
	f, o := parse(t, "-r", "example.org", "-P", "8081", "-p", "9000", "-o", "rec.json",
		"--traffic-log", "headers", "--no-console", "--upstream-proxy", "socks5://127.0.0.1:1080")

	cfg, err := resolveConfig(f, o)
	require.NoError(t, err)
	assert.Equal(t, "example.org", cfg.RemoteHost)
	assert.Equal(t, 8081, cfg.RemotePort)
	assert.Equal(t, 9000, cfg.LocalPort)
	assert.Equal(t, "rec.json", cfg.OutFile)
	assert.Equal(t, types.LogLevelHeaders, cfg.TrafficLogLevel)
	assert.False(t, cfg.Console)
	assert.Equal(t, "socks5://127.0.0.1:1080", cfg.UpstreamProxy)
	assert.Equal(t, types.DefaultLocalHost, cfg.LocalHost)
}

func TestResolveConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxycord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"remote_host: from-file\nremote_port: 81\nlocal_port: 7000\nworkers: 8\n"), 0o644))
	t.Setenv("PROXYCORD_REMOTE_PORT", "82")
	t.Setenv("PROXYCORD_WORKERS", "12")

	f, o := parse(t, "--config", path, "-P", "83")
	cfg, err := resolveConfig(f, o)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.RemoteHost)
	assert.Equal(t, 83, cfg.RemotePort)
	assert.Equal(t, 12, cfg.Workers)
	// Flag defaults do not override the file.
	assert.Equal(t, 7000, cfg.LocalPort)
}

func TestResolveConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing remote host", nil},
		{"bad traffic level", []string{"-r", "h", "--traffic-log", "loud"}},
		{"bad port", []string{"-r", "h", "-P", "70000"}},
		{"too few workers", []string{"-r", "h", "--workers", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, o := parse(t, tt.args...)
			_, err := resolveConfig(f, o)
			assert.Error(t, err)
		})
	}
}

func apiPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status", r.URL.Path)
		w.Write([]byte(`{"status":"running","steps":4,"active_pairs":2,"accepted":9,"ws_clients":1}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--api-port", apiPort(t, srv)})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "Status:        running")
	assert.Contains(t, out.String(), "Steps:         4")
	assert.Contains(t, out.String(), "Active pairs:  2")
	assert.Contains(t, out.String(), "Accepted:      9")
}

func TestMarkCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "checkout", r.URL.Query().Get("name"))
		w.Write([]byte(`{"type":"Mark","name":"checkout"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"mark", "checkout", "--api-port", apiPort(t, srv)})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "Mark: checkout\n", out.String())
}

func TestStepsCommandAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad limit"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"steps", "--api-port", apiPort(t, srv)})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
