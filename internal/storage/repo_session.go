package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRecord is one relayed summary stream, written when the session
// settles. Risk aggregates are filled in later by the analytics consumer.
type SessionRecord struct {
	ID              uuid.UUID
	Ts              time.Time
	CustomerID      string
	Outcome         string // completed | failed | aborted
	ErrorMessage    string
	TokenCount      int
	DiscardedFrames int
	DurationMs      int
}

func InsertSessionJob(r *SessionRecord) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO summary_sessions (
				id, ts, customer_id, outcome, error_message,
				token_count, discarded_frames, duration_ms
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			r.ID, r.Ts, r.CustomerID, r.Outcome, nilIfEmpty(r.ErrorMessage),
			r.TokenCount, r.DiscardedFrames, r.DurationMs,
		)
		return err
	})
}

// UpdateSessionRiskJob backfills the risk aggregates computed by the
// analytics consumer once a session's done marker arrives.
func UpdateSessionRiskJob(sessionID uuid.UUID, meanRisk float64, flaggedTokens int) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			UPDATE summary_sessions SET
				mean_risk_score = $1,
				flagged_tokens = $2
			WHERE id = $3`,
			meanRisk, flaggedTokens, sessionID,
		)
		return err
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
