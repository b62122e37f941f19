// Package relay serves the dashboard's summarize endpoint: it resolves a
// customer's relationship data, opens a stream session against the perch
// generation service, and re-emits the token stream to the client frame
// by frame, propagating cancellation in both directions.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kastrel/kastrel-dashboard/internal/config"
	"github.com/kastrel/kastrel-dashboard/internal/jetstream"
	"github.com/kastrel/kastrel-dashboard/internal/notify"
	"github.com/kastrel/kastrel-dashboard/internal/perch"
	"github.com/kastrel/kastrel-dashboard/internal/session"
	"github.com/kastrel/kastrel-dashboard/internal/storage"
	"github.com/kastrel/kastrel-dashboard/internal/stream"
	"github.com/kastrel/kastrel-dashboard/internal/version"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned by Directory implementations for unknown
// customers.
var ErrNotFound = errors.New("customer not found")

// Directory supplies customer relationship data. The dashboard's CRUD
// store lives behind its own REST service; only this boundary is visible
// here.
type Directory interface {
	Customer(ctx context.Context, id string) (json.RawMessage, error)
	Documents(ctx context.Context, id string) ([]json.RawMessage, error)
	Messages(ctx context.Context, id string) ([]json.RawMessage, error)
	List(ctx context.Context) ([]string, error)
}

// SummaryService is the upstream generation boundary; *perch.Client
// satisfies it.
type SummaryService interface {
	Summarize(ctx context.Context, req perch.SummarizeRequest, cb session.Callbacks) (*session.Session, error)
	Health(ctx context.Context) (perch.HealthStatus, error)
}

// Bus carries relayed token frames to the analytics consumer.
// nats.JetStreamContext satisfies it.
type Bus interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// RecordSink accepts analytics write jobs; *storage.BatchWriter
// satisfies it.
type RecordSink interface {
	Enqueue(job storage.WriteJob)
	Stats() (queued int, dropped int64)
}

type Handler struct {
	cfg      *config.Config
	dir      Directory
	perch    SummaryService
	sink     RecordSink
	bus      Bus
	notifier notify.Notifier
}

func NewHandler(cfg *config.Config, dir Directory, svc SummaryService, sink RecordSink, bus Bus, notifier notify.Notifier) *Handler {
	return &Handler{
		cfg:      cfg,
		dir:      dir,
		perch:    svc,
		sink:     sink,
		bus:      bus,
		notifier: notifier,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.handleHealth)
	r.Route("/dashboard/api", func(r chi.Router) {
		r.Get("/customers", h.handleListCustomers)
		r.Post("/customers/{customerID}/summarize", h.handleSummarize)
	})
	return r
}

// handleSummarize relays one summary stream. Each decoded token is
// re-serialized and flushed immediately; the only buffering is the
// incomplete frame tail inside the upstream session's parser.
func (h *Handler) handleSummarize(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	sessionID := uuid.New()
	start := time.Now()

	upstreamReq, err := h.buildSummaryRequest(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown customer", err.Error())
			return
		}
		log.Error().Err(err).Str("customer_id", customerID).Msg("failed to resolve customer data")
		writeError(w, http.StatusInternalServerError, "failed to resolve customer data", err.Error())
		return
	}

	// The budget covers the whole upstream stream; on expiry the session
	// settles as a failed timeout and the error frame below carries it to
	// the client. Client disconnects cancel r.Context() and settle the
	// upstream session as aborted.
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.SummaryTimeout())
	defer cancel()

	stream.SetStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	ew := stream.NewEventWriter(w)

	var tokenCount int
	var riskSum float64

	sess, err := h.perch.Summarize(ctx, upstreamReq, session.Callbacks{
		OnToken: func(ev stream.TokenEvent) {
			tokenCount++
			riskSum += ev.HallucinationProb
			if werr := ew.WriteEvent(ev); werr != nil {
				// Client write failed; stop pulling from upstream.
				cancel()
				return
			}
			h.publishToken(sessionID, ev)
		},
		OnError: func(msg string) {
			ew.WriteError(msg)
		},
	})
	if err != nil {
		log.Error().Err(err).Str("customer_id", customerID).Msg("failed to open upstream session")
		ew.WriteError("failed to contact generation service")
		return
	}

	outcome := sess.State()
	duration := time.Since(start)
	h.recordSession(&storage.SessionRecord{
		ID:              sessionID,
		Ts:              start,
		CustomerID:      customerID,
		Outcome:         outcome.String(),
		ErrorMessage:    sess.ErrorMessage(),
		TokenCount:      tokenCount,
		DiscardedFrames: sess.Discarded(),
		DurationMs:      int(duration.Milliseconds()),
	})
	h.publishDone(sessionID, customerID, outcome)

	if outcome == session.Completed && h.notifier != nil {
		h.notifier.Broadcast(context.Background(), notify.Event{
			Type:       notify.TypeSummaryCompleted,
			CustomerID: customerID,
			SessionID:  sessionID.String(),
		})
	}

	var meanRisk float64
	if tokenCount > 0 {
		meanRisk = riskSum / float64(tokenCount)
	}
	log.Info().
		Str("session_id", sessionID.String()).
		Str("customer_id", customerID).
		Str("outcome", outcome.String()).
		Int("tokens", tokenCount).
		Float64("mean_risk", meanRisk).
		Int("discarded_frames", sess.Discarded()).
		Dur("duration", duration).
		Msg("relayed summary stream")
}

func (h *Handler) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.dir.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list customers")
		writeError(w, http.StatusInternalServerError, "failed to list customers", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customers": ids,
		"count":     len(ids),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status  string             `json:"status"`
		Version string             `json:"version"`
		Perch   perch.HealthStatus `json:"perch"`
		Writer  *writerStats       `json:"writer,omitempty"`
	}{
		Status:  "healthy",
		Version: version.Version,
	}
	if h.sink != nil {
		queued, dropped := h.sink.Stats()
		resp.Writer = &writerStats{Queued: queued, Dropped: dropped}
	}

	hs, err := h.perch.Health(r.Context())
	resp.Perch = hs
	if err != nil {
		// The dashboard still serves its views without perch; report
		// degraded rather than failing the check outright.
		resp.Status = "degraded"
		if resp.Perch.Status == "" {
			resp.Perch.Status = "unreachable"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type writerStats struct {
	Queued  int   `json:"queued"`
	Dropped int64 `json:"dropped"`
}

func (h *Handler) recordSession(rec *storage.SessionRecord) {
	if h.sink == nil {
		return
	}
	h.sink.Enqueue(storage.InsertSessionJob(rec))
}

func (h *Handler) publishToken(sessionID uuid.UUID, ev stream.TokenEvent) {
	if h.bus == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if _, err := h.bus.Publish(jetstream.TokenSubject(sessionID.String()), data); err != nil {
		log.Warn().Err(err).Msg("failed to publish token frame")
	}
}

func (h *Handler) publishDone(sessionID uuid.UUID, customerID string, outcome session.State) {
	if h.bus == nil {
		return
	}
	data, err := json.Marshal(jetstream.Done{
		CustomerID: customerID,
		Outcome:    outcome.String(),
		Ts:         time.Now().UnixNano(),
	})
	if err != nil {
		return
	}
	if _, err := h.bus.Publish(jetstream.DoneSubject(sessionID.String()), data); err != nil {
		log.Warn().Err(err).Msg("failed to publish done marker")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg, detail string) {
	writeJSON(w, code, map[string]string{"error": msg, "detail": detail})
}
