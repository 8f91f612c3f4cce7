package cli_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/internal/cli"
)

const definitions = `
settings:
  system_margin: "0"
  credits_per_usd: "100"
  usd_rub_rate: "90"

tariffs:
  - model_id: img-1
    input_price: "2"
    output_price: "40"
    input_tokens: 100
    low_res_tokens: 1000

templates:
  - name: welcome
    amount: "10"
    expires_in_hours: 24

graphs:
  - name: default
    activate: true
    states:
      - code: NEW
        initial: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := cli.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Listen != ":8080" || !cfg.Sweeps.Enabled || cfg.Sweeps.Interval != time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Engine.RevocationPolicy != bonus.PolicyClampAtZero {
		t.Fatalf("policy = %q", cfg.Engine.RevocationPolicy)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeFile(t, "funnel.toml", `
[api]
listen = ":9090"
request_timeout = "3s"

[sweeps]
enabled = false

[engine]
revocation_policy = "strict"
log_format = "json"

[definitions]
files = ["a.yaml", "b.yaml"]
`)
	cfg, err := cli.LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Listen != ":9090" || cfg.API.RequestTimeout != 3*time.Second {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.API.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %s, want default", cfg.API.ShutdownTimeout)
	}
	if cfg.Sweeps.Enabled || cfg.Engine.RevocationPolicy != bonus.PolicyStrict {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Definitions.Files) != 2 {
		t.Errorf("files = %v", cfg.Definitions.Files)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "[api]\nlisten = \":1\"\nport = 1\n", "api.port"},
		{"policy", "[engine]\nrevocation_policy = \"forgive\"\n", "revocation_policy"},
		{"level", "[engine]\nlog_level = \"loud\"\n", "log_level"},
		{"format", "[engine]\nlog_format = \"xml\"\n", "log_format"},
		{"interval", "[sweeps]\ninterval = \"0s\"\n", "sweeps.interval"},
		{"empty listen", "[api]\nlisten = \"\"\n", "api.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cli.LoadConfig(writeFile(t, "funnel.toml", tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeFile(t, "funnel.yaml", definitions)
	out, err := run(t, "validate", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "1 graphs, 0 rules, 1 templates, 1 tariffs, settings: yes") {
		t.Fatalf("out = %q", out)
	}

	bad := writeFile(t, "bad.yaml", "graphs: [{name: g, states: [{code: A}]}]")
	if _, err := run(t, "validate", path, bad); err == nil {
		t.Fatal("expected error for graph without initial state")
	}
}

func TestCostCommand(t *testing.T) {
	path := writeFile(t, "funnel.yaml", definitions)
	out, err := run(t, "cost", "-f", path, "-m", "img-1", "--input-tokens", "1000", "--output-tokens", "1000")
	if err != nil {
		t.Fatal(err)
	}
	var res map[string]any
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	// (1000*2 + 1000*40) / 1e6 USD at 100 credits per USD.
	if res["credits_to_deduct"] != "4.2" {
		t.Fatalf("credits_to_deduct = %v", res["credits_to_deduct"])
	}

	if _, err := run(t, "cost", "-f", path, "-m", "missing"); err == nil {
		t.Fatal("expected error for unknown model")
	}
	if _, err := run(t, "cost", "-m", "img-1"); err == nil {
		t.Fatal("expected error without --file")
	}
}

func TestSweepCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/sweeps/bonuses":
			_, _ = w.Write([]byte(`{"sweep":"bonuses","processed":3}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"unknown sweep","type":"invalid_request"}}`))
		}
	}))
	defer srv.Close()

	out, err := run(t, "sweep", "bonuses", "--addr", srv.URL+"/")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "sweep bonuses: 3 processed" {
		t.Fatalf("out = %q", out)
	}

	_, err = run(t, "sweep", "everything", "--addr", srv.URL)
	if err == nil || !strings.Contains(err.Error(), "unknown sweep") {
		t.Fatalf("err = %v", err)
	}
}
