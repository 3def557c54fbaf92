package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-authgate/session-cli/apiclient"
	"github.com/go-authgate/session-cli/kvstore"
	"github.com/go-authgate/session-cli/logx"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tui"
)

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https with path", "https://api.example.com/v1/api", false},
		{"http localhost", "http://localhost:8080", false},
		{"empty", "", true},
		{"missing scheme", "api.example.com", true},
		{"ftp scheme", "ftp://example.com", true},
		{"missing host", "https://", true},
		{"unparseable", "http://[::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestGetConfig_Priority(t *testing.T) {
	t.Setenv("SESSION_CLI_TEST_KEY", "from-env")

	if got := getConfig("from-flag", "SESSION_CLI_TEST_KEY", "default"); got != "from-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := getConfig("", "SESSION_CLI_TEST_KEY", "default"); got != "from-env" {
		t.Errorf("env should beat default, got %q", got)
	}
	if got := getConfig("", "SESSION_CLI_TEST_MISSING", "default"); got != "default" {
		t.Errorf("default expected, got %q", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_URL", "LOGIN_URL", "STORE_BACKEND", "PROFILE", "REQUEST_TIMEOUT",
		"MAX_RETRIES", "RATE_LIMIT", "REDIS_DB", "TOKEN_FILE", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}

	c, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if c.serverURL != "http://localhost:8080/v1/api" {
		t.Errorf("serverURL = %q", c.serverURL)
	}
	if c.storeBackend != backendFile || c.profile != "default" {
		t.Errorf("storage = %q/%q, want file/default", c.storeBackend, c.profile)
	}
	if c.requestTimeout != apiclient.DefaultTimeout {
		t.Errorf("requestTimeout = %s", c.requestTimeout)
	}
	if c.loginURL != apiclient.DefaultLoginURL || c.refreshPath != apiclient.DefaultRefreshPath {
		t.Errorf("loginURL/refreshPath = %q/%q", c.loginURL, c.refreshPath)
	}
	if c.maxRetries != 0 || c.rateLimit != 0 {
		t.Errorf("retries and rate limit must be off by default")
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"SERVER_URL", "localhost:8080"},
		{"STORE_BACKEND", "etcd"},
		{"MAX_RETRIES", "three"},
		{"MAX_RETRIES", "-1"},
		{"REQUEST_TIMEOUT", "10"},
		{"RATE_LIMIT", "fast"},
		{"REDIS_DB", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := loadConfig(); err == nil {
				t.Errorf("loadConfig() with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, backend := range []string{backendMemory, backendFile, backendSQLite} {
		t.Run(backend, func(t *testing.T) {
			c := &appConfig{
				storeBackend: backend,
				storeSecret:  "correct horse battery staple",
				tokenFile:    filepath.Join(dir, "session.json"),
				sqlitePath:   filepath.Join(dir, "session.db"),
				profile:      "default",
			}
			kv, closeStore, err := openStore(ctx, c, logx.Discard())
			if err != nil {
				t.Fatalf("openStore(%s) error = %v", backend, err)
			}
			defer closeStore()

			if err := kv.Set(ctx, "k", "v", time.Minute); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := kv.Get(ctx, "k")
			if err != nil || got != "v" {
				t.Errorf("Get() = %q, %v", got, err)
			}
		})
	}

	if _, _, err := openStore(ctx, &appConfig{storeBackend: "etcd"}, logx.Discard()); err == nil {
		t.Error("unknown backend should fail")
	}
}

// cliBackend is a minimal API with sign-in, refresh, sign-out and one resource.
func cliBackend(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var refreshes atomic.Int32

	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/api/user/signin", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "r1", Path: "/", MaxAge: 3600})
		write(w, http.StatusOK, map[string]any{
			"status": 200,
			"metadata": map[string]any{
				"tokens": map[string]any{"accessToken": "old", "tokenType": "Bearer", "expiresIn": 60},
				"user":   map[string]any{"id": "u-1", "name": "Ada", "email": "ada@example.com"},
			},
		})
	})
	mux.HandleFunc("POST /v1/api/user/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		write(w, http.StatusOK, map[string]any{"status": 200, "metadata": map[string]any{"accessToken": "new"}})
	})
	mux.HandleFunc("POST /v1/api/user/signout", func(w http.ResponseWriter, _ *http.Request) {
		write(w, http.StatusOK, map[string]any{"status": 200})
	})
	mux.HandleFunc("/v1/api/courses", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			write(w, http.StatusUnauthorized, map[string]any{"message": "jwt expired"})
			return
		}
		if r.Method == http.MethodPost {
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			write(w, http.StatusCreated, map[string]any{"status": 201, "metadata": body})
			return
		}
		write(w, http.StatusOK, map[string]any{"status": 200, "metadata": []string{"go"}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &refreshes
}

func newTestCommands(t *testing.T, srv *httptest.Server, kv kvstore.Store) (*commands, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	d := tui.NewPlainDisplayer(&stderr)

	client, err := apiclient.New(context.Background(), apiclient.Config{
		BaseURL:  srv.URL + "/v1/api",
		Notifier: d,
	}, kv)
	if err != nil {
		t.Fatalf("apiclient.New() error = %v", err)
	}
	return &commands{
		client:  client,
		d:       d,
		stdin:   strings.NewReader(`{"title":"from stdin"}`),
		stdout:  &stdout,
		backend: backendMemory,
	}, &stdout, &stderr
}

func TestCommands_SessionFlow(t *testing.T) {
	ctx := context.Background()
	srv, refreshes := cliBackend(t)
	kv := kvstore.NewMemoryStore()
	cli, stdout, stderr := newTestCommands(t, srv, kv)

	if err := cli.execute(ctx, []string{"login", "-email", "ada@example.com", "-password", "pw"}); err != nil {
		t.Fatalf("login error = %v", err)
	}
	if !strings.Contains(stderr.String(), "Signed in as Ada <ada@example.com>") {
		t.Errorf("missing sign-in notice:\n%s", stderr.String())
	}

	if err := cli.execute(ctx, []string{"get", "/courses"}); err != nil {
		t.Fatalf("get error = %v", err)
	}
	if refreshes.Load() != 1 {
		t.Errorf("expected 1 refresh, got %d", refreshes.Load())
	}
	if !strings.Contains(stdout.String(), `"go"`) {
		t.Errorf("unexpected output:\n%s", stdout.String())
	}

	stdout.Reset()
	if err := cli.execute(ctx, []string{"post", "/courses", "-"}); err != nil {
		t.Fatalf("post error = %v", err)
	}
	if !strings.Contains(stdout.String(), `"title": "from stdin"`) {
		t.Errorf("unexpected output:\n%s", stdout.String())
	}

	stderr.Reset()
	if err := cli.execute(ctx, []string{"status"}); err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"Status:     signed in", "Token:      new...", "Device:     cli_"} {
		if !strings.Contains(stderr.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, stderr.String())
		}
	}

	if err := cli.execute(ctx, []string{"logout"}); err != nil {
		t.Fatalf("logout error = %v", err)
	}
	if session.NewTokenStore(kv, nil).IsAuthenticated(ctx) {
		t.Error("logout must clear the stored session")
	}
}

func TestCommands_UsageErrors(t *testing.T) {
	ctx := context.Background()
	srv, _ := cliBackend(t)
	cli, _, stderr := newTestCommands(t, srv, kvstore.NewMemoryStore())

	for _, args := range [][]string{
		{"frobnicate"},
		{"login", "-email", "ada@example.com"},
		{"get"},
		{"get", "/courses", `{"a":1}`},
		{"post", "/courses", "{not json"},
	} {
		err := cli.execute(ctx, args)
		if !errors.Is(err, errUsage) {
			t.Errorf("execute(%q) error = %v, want usage error", args, err)
		}
	}
	if !strings.Contains(stderr.String(), "Error: invalid usage") {
		t.Errorf("usage errors should be reported as fatal:\n%s", stderr.String())
	}
}

func TestCommands_UnauthenticatedCallReportsNoticeOnly(t *testing.T) {
	ctx := context.Background()
	srv, refreshes := cliBackend(t)
	cli, stdout, stderr := newTestCommands(t, srv, kvstore.NewMemoryStore())

	if err := cli.execute(ctx, []string{"get", "/courses"}); err == nil {
		t.Fatal("expected an error without a session")
	}
	if refreshes.Load() != 0 {
		t.Errorf("no session: refresh must not run")
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout must stay empty on failure, got %q", stdout.String())
	}
	if got := stderr.String(); got != "GET /courses...\nNot signed in: jwt expired\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, json.RawMessage(`{"a":[1,2]}`)); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "{\n  \"a\": [\n    1,\n    2\n  ]\n}\n" {
		t.Errorf("writeJSON() = %q", buf.String())
	}

	buf.Reset()
	if err := writeJSON(&buf, nil); err != nil || buf.Len() != 0 {
		t.Errorf("empty body should print nothing, got %q, %v", buf.String(), err)
	}
}
