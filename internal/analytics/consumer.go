// Package analytics consumes relayed token frames off the JetStream work
// queue and turns each settled session into database rows: the full token
// trail plus per-session risk aggregates.
package analytics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kastrel/kastrel-dashboard/internal/jetstream"
	"github.com/kastrel/kastrel-dashboard/internal/storage"
	"github.com/kastrel/kastrel-dashboard/internal/stream"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// flagThreshold is the risk score above which a token counts as flagged
// in the session aggregates. Matches the dashboard's highlight cutoff.
const flagThreshold = 0.5

// staleAfter bounds how long an aggregate waits for its done marker
// before it is pruned. Covers relay crashes mid-stream.
const staleAfter = time.Hour

// Sink accepts the write jobs produced for settled sessions;
// *storage.BatchWriter satisfies it.
type Sink interface {
	Enqueue(job storage.WriteJob)
}

type aggregate struct {
	started time.Time
	events  []stream.TokenEvent
}

// Consumer accumulates token frames per session and flushes the session
// to the sink when its done marker arrives.
type Consumer struct {
	sink Sink

	mu       sync.Mutex
	sessions map[string]*aggregate
}

func New(sink Sink) *Consumer {
	return &Consumer{
		sink:     sink,
		sessions: make(map[string]*aggregate),
	}
}

// Start subscribes to the session subjects with a durable consumer. The
// subscription lives until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context, js nats.JetStreamContext) error {
	sub, err := js.Subscribe(jetstream.AllSubjects(), c.handle,
		nats.Durable("analytics"),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe analytics consumer")
		}
	}()
	return nil
}

func (c *Consumer) handle(msg *nats.Msg) {
	defer msg.Ack()

	sessionID, kind, ok := jetstream.SplitSubject(msg.Subject)
	if !ok {
		log.Warn().Str("subject", msg.Subject).Msg("dropping message outside the session subject scheme")
		return
	}

	switch kind {
	case "token":
		var ev stream.TokenEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping undecodable token frame")
			return
		}
		c.addToken(sessionID, ev)
	case "done":
		var done jetstream.Done
		if err := json.Unmarshal(msg.Data, &done); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("dropping undecodable done marker")
			return
		}
		c.settle(sessionID, done)
	}
}

func (c *Consumer) addToken(sessionID string, ev stream.TokenEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg, ok := c.sessions[sessionID]
	if !ok {
		agg = &aggregate{started: time.Now()}
		c.sessions[sessionID] = agg
	}
	agg.events = append(agg.events, ev)
}

func (c *Consumer) settle(sessionID string, done jetstream.Done) {
	c.mu.Lock()
	agg := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.pruneLocked()
	c.mu.Unlock()

	id, err := uuid.Parse(sessionID)
	if err != nil {
		log.Warn().Str("session_id", sessionID).Msg("dropping done marker with malformed session id")
		return
	}

	var events []stream.TokenEvent
	if agg != nil {
		events = agg.events
	}
	meanRisk, flagged := summarize(events)

	if len(events) > 0 {
		c.sink.Enqueue(storage.InsertTokenEventsJob(id, time.Unix(0, done.Ts), events))
	}
	c.sink.Enqueue(storage.UpdateSessionRiskJob(id, meanRisk, flagged))

	log.Debug().
		Str("session_id", sessionID).
		Str("customer_id", done.CustomerID).
		Str("outcome", done.Outcome).
		Int("tokens", len(events)).
		Float64("mean_risk", meanRisk).
		Int("flagged", flagged).
		Msg("session analytics settled")
}

// summarize computes the per-session risk aggregates.
func summarize(events []stream.TokenEvent) (meanRisk float64, flagged int) {
	if len(events) == 0 {
		return 0, 0
	}
	var sum float64
	for _, ev := range events {
		sum += ev.HallucinationProb
		if ev.HallucinationProb > flagThreshold {
			flagged++
		}
	}
	return sum / float64(len(events)), flagged
}

func (c *Consumer) pruneLocked() {
	cutoff := time.Now().Add(-staleAfter)
	for id, agg := range c.sessions {
		if agg.started.Before(cutoff) {
			delete(c.sessions, id)
			log.Warn().Str("session_id", id).Int("tokens", len(agg.events)).
				Msg("pruning session aggregate with no done marker")
		}
	}
}
