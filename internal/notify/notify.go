// Package notify is the boundary to the dashboard's "new data" push
// channel. The WebSocket transport behind it lives outside this module;
// only the interface is owned here.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Event is a dashboard update pushed to connected UIs.
type Event struct {
	Type       string `json:"type"`
	CustomerID string `json:"customer_id"`
	SessionID  string `json:"session_id"`
}

const TypeSummaryCompleted = "summary_completed"

type Notifier interface {
	Broadcast(ctx context.Context, ev Event)
}

// LogNotifier stands in for the push transport in deployments without
// one. It records broadcasts instead of sending them.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Broadcast(_ context.Context, ev Event) {
	log.Debug().Str("type", ev.Type).Str("customer_id", ev.CustomerID).Str("session_id", ev.SessionID).
		Msg("notifier broadcast")
}
