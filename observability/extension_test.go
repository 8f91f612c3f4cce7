package observability_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/xraph/funnel"
	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/observability"
	"github.com/xraph/funnel/store/memory"
)

func TestMetricsExtensionCountsCredits(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))

	f := funnel.New(memory.New(),
		funnel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		funnel.WithPlugin(metrics),
	)
	u, err := f.RegisterUser(ctx, id.NewUserID().String(), decimal.Zero)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.RecordPayment(ctx, u.ID, decimal.NewFromInt(40), "card", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Ledger().Reserve(ctx, u.ID, decimal.NewFromInt(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Ledger().Reserve(ctx, u.ID, decimal.NewFromInt(100)); err == nil {
		t.Fatal("oversized reservation succeeded")
	}
	if _, err := f.CompleteGeneration(ctx, u.ID, decimal.NewFromInt(10), decimal.NewFromInt(7), "", nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		c    observability.Counter
		want float64
	}{
		{"purchased", metrics.CreditsPurchased, 40},
		{"spent", metrics.CreditsSpent, 7},
		{"reservations", metrics.Reservations, 1},
		{"insufficient", metrics.InsufficientCredits, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c.(prometheus.Counter)); got != tt.want {
				t.Fatalf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)

	a := f.Counter("funnel.rules.matched")
	b := f.Counter("funnel.rules.matched")
	a.Inc()
	b.Inc()

	if got := testutil.ToFloat64(a.(prometheus.Counter)); got != 2 {
		t.Fatalf("counter = %v, want 2", got)
	}
	n, err := testutil.GatherAndCount(reg, "funnel_rules_matched")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("registered series = %d, want 1", n)
	}
}
