package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"monokkai/internal/api"
	"monokkai/internal/dispatch"
	"monokkai/internal/invocation"
	"monokkai/pkg/extension"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("MONOKKAI_CONFIG", "")
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monokkai.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestUsageErrors(t *testing.T) {
	cases := [][]string{
		{"run"},
		{"inspect"},
		{"no-such-command"},
		{"list", "--bogus"},
		{"inspect", "--abi", "wasm", "x.so"},
		{"inspect", "--set", "novalue", "x.so"},
	}
	for _, args := range cases {
		code, _, stderr := runCLI(t, args...)
		if code != dispatch.ExitUsage {
			t.Fatalf("%v: expected exit %d, got %d (%s)", args, dispatch.ExitUsage, code, stderr)
		}
	}
}

func TestListWithoutExtensions(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  outputs: [stderr]\n")
	code, stdout, stderr := runCLI(t, "--config", cfg, "list")
	if code != dispatch.ExitOK {
		t.Fatalf("expected success, got %d (%s)", code, stderr)
	}
	if !strings.HasPrefix(stdout, "NAME") {
		t.Fatalf("expected table header, got %q", stdout)
	}

	code, stdout, _ = runCLI(t, "--config", cfg, "list", "--json")
	if code != dispatch.ExitOK || strings.TrimSpace(stdout) != "[]" {
		t.Fatalf("expected empty json list, got %d %q", code, stdout)
	}
}

func TestRunUnknownExtension(t *testing.T) {
	cfg := writeConfig(t, "logging:\n  outputs: [stderr]\n")
	code, _, stderr := runCLI(t, "--config", cfg, "run", "greet", "--loud")
	if code != dispatch.ExitNotFound {
		t.Fatalf("expected exit %d, got %d (%s)", dispatch.ExitNotFound, code, stderr)
	}
}

func TestRunWithMissingModuleIsLoadFailure(t *testing.T) {
	cfg := writeConfig(t, `
logging:
  outputs: [stderr]
extensions:
  items:
    greet:
      enabled: true
      path: /nonexistent/greet.so
`)
	code, _, stderr := runCLI(t, "--config", cfg, "run", "greet")
	if code != dispatch.ExitLoad {
		t.Fatalf("expected exit %d, got %d (%s)", dispatch.ExitLoad, code, stderr)
	}
	if !strings.Contains(stderr, "greet") {
		t.Fatalf("expected extension id in error, got %q", stderr)
	}
}

func TestInspectMissingModule(t *testing.T) {
	code, _, _ := runCLI(t, "inspect", "--abi", "c", filepath.Join(t.TempDir(), "missing.so"))
	if code != dispatch.ExitLoad {
		t.Fatalf("expected exit %d, got %d", dispatch.ExitLoad, code)
	}
}

func TestBadConfigIsUsageError(t *testing.T) {
	code, _, _ := runCLI(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "list")
	if code != dispatch.ExitUsage {
		t.Fatalf("expected exit %d, got %d", dispatch.ExitUsage, code)
	}
}

func TestParseSettings(t *testing.T) {
	got, err := parseSettings([]string{"greeting=hi", " indent = 2"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["greeting"] != "hi" || got["indent"] != " 2" {
		t.Fatalf("unexpected settings: %v", got)
	}
	if got, _ := parseSettings(nil); got != nil {
		t.Fatalf("expected nil settings")
	}
}

func TestSubmitAgainstServer(t *testing.T) {
	manager := extension.NewManager()
	defer manager.Close()
	svc := invocation.NewService(invocation.NewMemoryStore(), invocation.NewMemoryQueue(4), manager)
	srv := httptest.NewServer(api.NewServer(":0", manager, api.WithInvocations(svc)).Handler())
	defer srv.Close()

	code, _, stderr := runCLI(t, "submit", "--server", srv.URL, "greet", "x")
	if code != dispatch.ExitNotFound {
		t.Fatalf("expected exit %d, got %d (%s)", dispatch.ExitNotFound, code, stderr)
	}

	code, _, _ = runCLI(t, "submit", "--server", "not a url", "greet")
	if code != dispatch.ExitUsage {
		t.Fatalf("expected exit %d for bad server url, got %d", dispatch.ExitUsage, code)
	}
}

func TestExitWith(t *testing.T) {
	if exitWith(nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
	wrapped := exitWith(extension.ErrPluginNotFound)
	var exitErr *ExitError
	if !errors.As(wrapped, &exitErr) || exitErr.Code != dispatch.ExitNotFound {
		t.Fatalf("unexpected exit error: %v", wrapped)
	}
	if !errors.Is(wrapped, extension.ErrPluginNotFound) {
		t.Fatalf("cause should stay reachable")
	}
	if again := exitWith(wrapped); again != wrapped {
		t.Fatalf("existing ExitError should pass through")
	}
	if (&ExitError{Code: 4}).Error() != "exit status 4" {
		t.Fatalf("unexpected message")
	}
}
