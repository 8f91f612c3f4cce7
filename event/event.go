// Package event names the events that drive the lifecycle graph and the rule
// engine, and carries the per-call queue used to defer events raised while
// another event is being processed.
package event

import (
	"context"
	"maps"

	"github.com/xraph/funnel/id"
)

// Well-known events.
const (
	UserRegistered      = "USER_REGISTERED"
	GenerationCompleted = "GENERATION_COMPLETED"
	GenerationFailed    = "GENERATION_FAILED"
	PaymentCompleted    = "PAYMENT_COMPLETED"
	PaymentFailed       = "PAYMENT_FAILED"
	CreditsChanged      = "CREDITS_CHANGED"
	CreditsZero         = "CREDITS_ZERO"
	BonusGranted        = "BONUS_GRANTED"
	BonusExpired        = "BONUS_EXPIRED"
	OverlayExpired      = "OVERLAY_EXPIRED"
	Timeout             = "TIMEOUT"
)

// Payload is free-form event data, addressed in conditions as payload.*.
type Payload map[string]any

// Event is one occurrence for one user. Depth counts how many events were
// processed before it in the same cascade.
type Event struct {
	UserID  id.UserID
	Name    string
	Payload Payload
	Depth   int
}

// DefaultRuleTriggers maps events to rule triggers. TIMEOUT is lifecycle
// only and has no rule trigger.
func DefaultRuleTriggers() map[string]string {
	return map[string]string{
		UserRegistered:      UserRegistered,
		GenerationCompleted: GenerationCompleted,
		GenerationFailed:    GenerationFailed,
		PaymentCompleted:    PaymentCompleted,
		PaymentFailed:       PaymentFailed,
		CreditsChanged:      CreditsChanged,
		CreditsZero:         CreditsZero,
		BonusGranted:        BonusGranted,
		BonusExpired:        BonusExpired,
		OverlayExpired:      OverlayExpired,
	}
}

// MergeTriggers returns base overlaid with extra. An empty target in extra
// removes the mapping.
func MergeTriggers(base, extra map[string]string) map[string]string {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Queue is a FIFO of pending events. It is owned by a single call chain and
// is not safe for concurrent use.
type Queue struct {
	items []Event
}

// Push appends e.
func (q *Queue) Push(e Event) { q.items = append(q.items, e) }

// Pop removes the oldest event.
func (q *Queue) Pop() (Event, bool) {
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

// Len returns the number of pending events.
func (q *Queue) Len() int { return len(q.items) }

type queueKey struct{}

// WithQueue attaches q to ctx.
func WithQueue(ctx context.Context, q *Queue) context.Context {
	return context.WithValue(ctx, queueKey{}, q)
}

// QueueFrom returns the queue of the call chain ctx belongs to.
func QueueFrom(ctx context.Context) (*Queue, bool) {
	q, ok := ctx.Value(queueKey{}).(*Queue)
	return q, ok && q != nil
}
