package extension

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xraph/funnel/bonus"
	"github.com/xraph/funnel/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{BasePath: "/api", MaxCascade: 8})
	if cfg.BasePath != "/api" || cfg.MaxCascade != 8 {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	def := DefaultConfig()
	if cfg.SweepInterval != def.SweepInterval || cfg.SweepBatchSize != def.SweepBatchSize {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.RevocationPolicy != bonus.PolicyClampAtZero {
		t.Fatalf("policy = %q", cfg.RevocationPolicy)
	}
}

func TestMergeConfigurations(t *testing.T) {
	file := Config{SweepInterval: 5 * time.Minute, RevocationPolicy: bonus.PolicyStrict}
	prog := Config{DisableSweeps: true, SweepInterval: time.Second, Definitions: "funnel.yaml"}

	cfg := mergeConfigurations(file, prog)
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("file interval should win, got %s", cfg.SweepInterval)
	}
	if !cfg.DisableSweeps {
		t.Error("programmatic flag dropped")
	}
	if cfg.Definitions != "funnel.yaml" || cfg.RevocationPolicy != bonus.PolicyStrict {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestRevocationPolicy(t *testing.T) {
	tests := []struct {
		name string
		want bonus.RevocationPolicy
	}{
		{"", bonus.ClampAtZero},
		{"clamp", bonus.ClampAtZero},
		{bonus.PolicyClampAtZero, bonus.ClampAtZero},
		{bonus.PolicyStrict, bonus.Strict},
	}
	for _, tt := range tests {
		got, err := revocationPolicy(tt.name)
		if err != nil {
			t.Fatalf("%q: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("%q = %s", tt.name, got.Name())
		}
	}
	if _, err := revocationPolicy("lenient"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestBuildStoreWithoutGrove(t *testing.T) {
	e := New()
	e.groveDriver = "cassandra"
	s, err := e.buildStore()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*memory.Store); !ok {
		t.Fatalf("store = %T, want memory", s)
	}
}

func TestHandlerMountsAPI(t *testing.T) {
	e := New(WithStore(memory.New()), WithBasePath("/billing"))
	e.config = mergeWithDefaults(e.config)
	if err := e.init(); err != nil {
		t.Fatal(err)
	}

	h := e.Handler()
	if h == nil {
		t.Fatal("handler is nil")
	}
	req := httptest.NewRequest(http.MethodGet, "/billing/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}

	e.config.DisableRoutes = true
	if e.Handler() != nil {
		t.Fatal("routes disabled but handler returned")
	}
}
