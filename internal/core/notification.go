package core

import (
	"context"

	"go.uber.org/zap"
)

type AlertKind string

const (
	AlertLowStock         AlertKind = "low_stock"
	AlertPurchaseReceived AlertKind = "purchase_received"
	AlertSaleCompleted    AlertKind = "sale_completed"
)

// NotificationDispatcher is the external collaborator that turns structured
// alert payloads into outbound messages. Content and templates are not this
// system's concern; only the payload is.
type NotificationDispatcher interface {
	Alert(ctx context.Context, recipientID int, kind AlertKind, payload map[string]any) error
}

// LogDispatcher is the default dispatcher: it records the alert and does
// nothing else. Deployments swap in a real transport.
type LogDispatcher struct {
	Log *zap.Logger
}

func (d *LogDispatcher) Alert(_ context.Context, recipientID int, kind AlertKind, payload map[string]any) error {
	d.Log.Info("alert dispatched",
		zap.Int("recipient_id", recipientID),
		zap.String("kind", string(kind)),
		zap.Any("payload", payload))
	return nil
}
