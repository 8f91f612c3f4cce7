package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewDaemonInstallsDefinitions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	doc := `
templates:
  - name: welcome
    amount: "25"
rules:
  - name: welcome-bonus
    trigger: USER_REGISTERED
    actions:
      - type: GRANT_BURNABLE_BONUS
        config:
          template: welcome
graphs:
  - name: default
    activate: true
    states:
      - code: NEW
        initial: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.Definitions.Files = []string{path}
	d, err := newDaemon(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = d.engine.Stop() }()

	u, err := d.engine.RegisterUser(ctx, "tg-1", decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if !u.Credits.Equal(decimal.NewFromInt(25)) || u.LifecycleState != "NEW" {
		t.Fatalf("user = %s %s", u.Credits, u.LifecycleState)
	}

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		d.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, w.Code)
		}
		if path == "/metrics" && !strings.Contains(w.Body.String(), "go_goroutines") {
			t.Errorf("metrics missing runtime collectors")
		}
	}

	w := httptest.NewRecorder()
	d.server.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sweeps/all", nil))
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp["sweep"] != "all" {
		t.Fatalf("sweep = %d %s", w.Code, w.Body)
	}
}

func TestNewDaemonRejectsBadDefinitions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Definitions.Files = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := newDaemon(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for missing definitions file")
	}
}
