// Package notify delivers user-facing messages through the external
// messaging and payment gateways.
//
// Delivery is best-effort: notifications are queued after the state change
// they describe has been committed, failures are logged and never retried.
package notify

import (
	"context"
	"log/slog"

	"github.com/xraph/funnel/id"
)

// Options accompany a message.
type Options struct {
	PaymentURL string `json:"payment_url,omitempty"`
	ButtonText string `json:"button_text,omitempty"`
	Silent     bool   `json:"silent,omitempty"`
}

// Messenger sends a text to a user of the chat transport.
type Messenger interface {
	SendMessage(ctx context.Context, externalUserID, text string, opts Options) error
}

// PaymentLinker creates a checkout link for a package.
type PaymentLinker interface {
	CreatePaymentLink(ctx context.Context, userID id.UserID, packageID, method string) (string, error)
}

// Notification is one queued message.
type Notification struct {
	UserID        id.UserID
	ExternalID    string
	Text          string
	PackageID     string
	PaymentMethod string
	ButtonText    string
	// Source names what produced the notification, for logs.
	Source string
}

// Discard drops every message and returns no payment link.
var Discard discard

type discard struct{}

func (discard) SendMessage(context.Context, string, string, Options) error { return nil }

func (discard) CreatePaymentLink(context.Context, id.UserID, string, string) (string, error) {
	return "", nil
}

// LogMessenger writes messages to a logger instead of a chat transport.
type LogMessenger struct {
	Logger *slog.Logger
}

// SendMessage logs the message.
func (m LogMessenger) SendMessage(ctx context.Context, externalUserID, text string, opts Options) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "message",
		"external_user_id", externalUserID,
		"text", text,
		"payment_url", opts.PaymentURL,
	)
	return nil
}
