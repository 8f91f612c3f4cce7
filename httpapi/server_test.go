package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/httpapi"
	"github.com/xraph/funnel/observability"
	"github.com/xraph/funnel/store/memory"
)

type apiEnv struct {
	f   *funnel.Funnel
	h   http.Handler
	reg *prometheus.Registry
}

func setupAPI(t *testing.T) *apiEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	f := funnel.New(memory.New(),
		funnel.WithLogger(logger),
		funnel.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))),
	)
	srv := httpapi.New(f, httpapi.WithLogger(logger), httpapi.WithMetrics(reg))
	return &apiEnv{f: f, h: srv.Handler(), reg: reg}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)

	var resp map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return w, resp
}

func (e *apiEnv) register(t *testing.T, external string, credits int) string {
	t.Helper()
	w, resp := e.do(t, http.MethodPost, "/users", map[string]any{
		"external_id":     external,
		"initial_credits": credits,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body)
	}
	return resp["id"].(string)
}

func TestHealth(t *testing.T) {
	e := setupAPI(t)
	w, resp := e.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, resp)
	}
}

func TestUserLifecycle(t *testing.T) {
	e := setupAPI(t)
	uid := e.register(t, "tg-1", 10)

	w, resp := e.do(t, http.MethodGet, "/users/"+uid, nil)
	if w.Code != http.StatusOK || resp["credits"] != "10" {
		t.Fatalf("get = %d %v", w.Code, resp)
	}

	w, resp = e.do(t, http.MethodGet, "/users/by-external/tg-1", nil)
	if w.Code != http.StatusOK || resp["id"] != uid {
		t.Fatalf("by external = %d %v", w.Code, resp)
	}

	steps := []struct {
		op       string
		body     map[string]any
		credits  string
		reserved string
	}{
		{"reserve", map[string]any{"amount": 4}, "10", "4"},
		{"commit", map[string]any{"amount": 4, "actual_cost": 3, "ref_id": "job-1"}, "7", "0"},
		{"reserve", map[string]any{"amount": 2}, "7", "2"},
		{"release", map[string]any{"amount": 2, "ref_id": "job-2"}, "7", "0"},
		{"add", map[string]any{"amount": 20, "method": "card"}, "27", "0"},
		{"add", map[string]any{"amount": 5, "type": "DAILY_BONUS"}, "32", "0"},
		{"deduct", map[string]any{"amount": 2}, "30", "0"},
	}
	for _, st := range steps {
		w, resp := e.do(t, http.MethodPost, "/users/"+uid+"/credits/"+st.op, st.body)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", st.op, w.Code, w.Body)
		}
		if resp["credits"] != st.credits || resp["reserved_credits"] != st.reserved {
			t.Fatalf("%s: credits=%v reserved=%v, want %s/%s", st.op, resp["credits"], resp["reserved_credits"], st.credits, st.reserved)
		}
	}

	w, resp = e.do(t, http.MethodGet, "/users/"+uid+"/transactions?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transactions = %d", w.Code)
	}
	if txs := resp["transactions"].([]any); len(txs) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txs))
	}
}

func TestErrorMapping(t *testing.T) {
	e := setupAPI(t)
	uid := e.register(t, "tg-2", 3)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"insufficient", http.MethodPost, "/users/" + uid + "/credits/reserve", map[string]any{"amount": 5}, http.StatusPaymentRequired},
		{"zero amount", http.MethodPost, "/users/" + uid + "/credits/reserve", map[string]any{"amount": 0}, http.StatusBadRequest},
		{"unknown op", http.MethodPost, "/users/" + uid + "/credits/steal", map[string]any{"amount": 1}, http.StatusNotFound},
		{"bad id", http.MethodGet, "/users/nope", nil, http.StatusBadRequest},
		{"missing user", http.MethodGet, "/users/usr_01h2xcejqtf2nbrexx3vqjhp41", nil, http.StatusNotFound},
		{"duplicate", http.MethodPost, "/users", map[string]any{"external_id": "tg-2"}, http.StatusConflict},
		{"unknown field", http.MethodPost, "/users", map[string]any{"externalId": "x"}, http.StatusBadRequest},
		{"empty event", http.MethodPost, "/users/" + uid + "/events", map[string]any{}, http.StatusBadRequest},
		{"unknown overlay", http.MethodPost, "/users/" + uid + "/overlays/CONFETTI", nil, http.StatusBadRequest},
		{"unknown sweep", http.MethodPost, "/sweeps/everything", nil, http.StatusBadRequest},
		{"unknown tariff", http.MethodPost, "/cost/estimate", map[string]any{"model_id": "none"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := e.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body)
			}
		})
	}

	w, resp := e.do(t, http.MethodPost, "/users/"+uid+"/credits/reserve", map[string]any{"amount": 5})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	body := resp["error"].(map[string]any)
	if body["required"] != "5" || body["available"] != "3" {
		t.Fatalf("error body = %v", body)
	}
}

func TestOverlayRoutes(t *testing.T) {
	e := setupAPI(t)
	uid := e.register(t, "tg-3", 0)

	w, resp := e.do(t, http.MethodPost, "/users/"+uid+"/overlays/SPECIAL_OFFER", map[string]any{
		"expires_in_hours": 24,
		"metadata":         map[string]string{"offerId": "spring"},
	})
	if w.Code != http.StatusCreated || resp["type"] != "SPECIAL_OFFER" {
		t.Fatalf("activate = %d %v", w.Code, resp)
	}
	if w, _ := e.do(t, http.MethodPost, "/users/"+uid+"/overlays/SPECIAL_OFFER", nil); w.Code != http.StatusOK {
		t.Fatalf("second activate = %d, want 200", w.Code)
	}

	_, resp = e.do(t, http.MethodGet, "/users/"+uid+"/overlays", nil)
	if list := resp["overlays"].([]any); len(list) != 1 {
		t.Fatalf("overlays = %v", list)
	}

	if w, _ := e.do(t, http.MethodDelete, "/users/"+uid+"/overlays/SPECIAL_OFFER", nil); w.Code != http.StatusNoContent {
		t.Fatalf("deactivate = %d", w.Code)
	}
	if w, _ := e.do(t, http.MethodDelete, "/users/"+uid+"/overlays/SPECIAL_OFFER", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second deactivate = %d", w.Code)
	}
}

func TestEstimate(t *testing.T) {
	ctx := context.Background()
	e := setupAPI(t)
	if err := e.f.PutTariff(ctx, &cost.Tariff{
		ModelID:      "img-1",
		InputPrice:   decimal.NewFromInt(2),
		OutputPrice:  decimal.NewFromInt(40),
		InputTokens:  100,
		LowResTokens: 1000,
		IsActive:     true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.f.PutSettings(ctx, &cost.Settings{
		SystemMargin:  decimal.Zero,
		CreditsPerUSD: decimal.NewFromInt(100),
		USDRUBRate:    decimal.NewFromInt(90),
	}); err != nil {
		t.Fatal(err)
	}

	w, resp := e.do(t, http.MethodPost, "/cost/estimate", map[string]any{
		"model_id":      "img-1",
		"input_tokens":  1000,
		"output_tokens": 1000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("estimate = %d %s", w.Code, w.Body)
	}
	// (1000*2 + 1000*40) / 1e6 USD at 100 credits per USD.
	if resp["credits_to_deduct"] != "4.2" {
		t.Fatalf("credits_to_deduct = %v", resp["credits_to_deduct"])
	}

	uid := e.register(t, "tg-4", 1)
	w, resp = e.do(t, http.MethodPost, "/cost/estimate", map[string]any{"model_id": "img-1", "user_id": uid})
	if w.Code != http.StatusOK || resp["sufficient"] != false {
		t.Fatalf("reservation = %d %v", w.Code, resp)
	}
}

func TestSweepsAndMetrics(t *testing.T) {
	e := setupAPI(t)
	e.register(t, "tg-5", 2)

	for _, name := range []string{"timeouts", "overlays", "bonuses", "all"} {
		w, resp := e.do(t, http.MethodPost, "/sweeps/"+name, nil)
		if w.Code != http.StatusOK || resp["processed"] != float64(0) {
			t.Fatalf("sweep %s = %d %v", name, w.Code, resp)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
	for _, name := range []string{"funnel_sweeps_processed", "funnel_credits_granted"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}
