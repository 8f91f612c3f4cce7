package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull is returned when the dispatch queue cannot take more work.
var ErrQueueFull = errors.New("notify: queue full")

// Dispatcher delivers notifications from a bounded queue on a background
// worker. Before Start and after Stop it delivers inline.
type Dispatcher struct {
	messenger Messenger
	linker    PaymentLinker
	logger    *slog.Logger
	timeout   time.Duration
	onFailure func(Notification, error)

	queue    chan Notification
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithBuffer sets the queue capacity.
func WithBuffer(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Notification, n)
		}
	}
}

// WithTimeout bounds each delivery.
func WithTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// WithFailureHook is called after a delivery fails.
func WithFailureHook(fn func(Notification, error)) DispatcherOption {
	return func(d *Dispatcher) { d.onFailure = fn }
}

// NewDispatcher creates a dispatcher. Nil gateways default to Discard.
func NewDispatcher(m Messenger, l PaymentLinker, opts ...DispatcherOption) *Dispatcher {
	if m == nil {
		m = Discard
	}
	if l == nil {
		l = Discard
	}
	d := &Dispatcher{
		messenger: m,
		linker:    l,
		logger:    slog.Default(),
		timeout:   10 * time.Second,
		queue:     make(chan Notification, 1024),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the delivery worker.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopChan = make(chan struct{})

	d.wg.Add(1)
	go d.worker(context.WithoutCancel(ctx))
}

// Stop drains the queue and waits for the worker to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
}

// Enqueue schedules n for delivery without blocking.
func (d *Dispatcher) Enqueue(ctx context.Context, n Notification) error {
	d.mu.RLock()
	running := d.running
	if running {
		select {
		case d.queue <- n:
			d.mu.RUnlock()
			return nil
		default:
			d.mu.RUnlock()
			d.logger.Warn("notification dropped", "user_id", n.UserID.String(), "source", n.Source)
			return ErrQueueFull
		}
	}
	d.mu.RUnlock()

	d.deliver(ctx, n)
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopChan:
			for {
				select {
				case n := <-d.queue:
					d.deliver(ctx, n)
				default:
					return
				}
			}
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.Deliver(ctx, n); err != nil {
		d.logger.Warn("notification failed",
			"user_id", n.UserID.String(),
			"source", n.Source,
			"error", err,
		)
		if d.onFailure != nil {
			d.onFailure(n, err)
		}
	}
}

// Deliver sends n now, creating a payment link first when it names a
// package. A failed link degrades to a plain message.
func (d *Dispatcher) Deliver(ctx context.Context, n Notification) error {
	if n.Text == "" {
		return nil
	}
	var opts Options
	if n.PackageID != "" {
		url, err := d.linker.CreatePaymentLink(ctx, n.UserID, n.PackageID, n.PaymentMethod)
		if err != nil {
			d.logger.Warn("payment link failed", "user_id", n.UserID.String(), "package_id", n.PackageID, "error", err)
		} else {
			opts.PaymentURL = url
			opts.ButtonText = n.ButtonText
		}
	}
	if err := d.messenger.SendMessage(ctx, n.ExternalID, n.Text, opts); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}
