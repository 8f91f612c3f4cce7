package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/funnel/id"
	"github.com/xraph/funnel/notify"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
	urls []string
	err  error
}

func (r *recorder) SendMessage(_ context.Context, _, text string, opts notify.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, text)
	r.urls = append(r.urls, opts.PaymentURL)
	return nil
}

type linker struct{ err error }

func (l linker) CreatePaymentLink(_ context.Context, _ id.UserID, packageID, method string) (string, error) {
	if l.err != nil {
		return "", l.err
	}
	return "https://pay.example/" + packageID + "?m=" + method, nil
}

func TestDeliverInlineBeforeStart(t *testing.T) {
	rec := &recorder{}
	d := notify.NewDispatcher(rec, linker{})

	err := d.Enqueue(context.Background(), notify.Notification{
		UserID: id.NewUserID(), Text: "hello", PackageID: "p1", PaymentMethod: "card",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.sent) != 1 || rec.urls[0] != "https://pay.example/p1?m=card" {
		t.Fatalf("sent = %v urls = %v", rec.sent, rec.urls)
	}
}

func TestPaymentLinkFailureDegrades(t *testing.T) {
	rec := &recorder{}
	d := notify.NewDispatcher(rec, linker{err: errors.New("gateway down")})

	if err := d.Deliver(context.Background(), notify.Notification{Text: "offer", PackageID: "p"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.sent) != 1 || rec.urls[0] != "" {
		t.Fatalf("sent = %v urls = %v", rec.sent, rec.urls)
	}
}

func TestWorkerDrainsOnStop(t *testing.T) {
	rec := &recorder{}
	d := notify.NewDispatcher(rec, nil, notify.WithBuffer(16))
	d.Start(context.Background())

	for range 10 {
		if err := d.Enqueue(context.Background(), notify.Notification{Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	d.Stop()

	if len(rec.sent) != 10 {
		t.Fatalf("sent %d, want 10", len(rec.sent))
	}
}

func TestFailureHook(t *testing.T) {
	rec := &recorder{err: errors.New("blocked")}
	var failed int
	d := notify.NewDispatcher(rec, nil, notify.WithFailureHook(func(notify.Notification, error) { failed++ }))

	if err := d.Enqueue(context.Background(), notify.Notification{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}
}
