package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kastrel/kastrel-dashboard/internal/stream"
)

// InsertTokenEventsJob bulk-inserts a session's relayed tokens with the
// COPY protocol.
func InsertTokenEventsJob(sessionID uuid.UUID, ts time.Time, events []stream.TokenEvent) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		rows := make([][]interface{}, len(events))
		for i, ev := range events {
			rows[i] = []interface{}{
				ts,
				sessionID,
				ev.Order,
				ev.Token,
				ev.HallucinationProb,
			}
		}

		_, err := pool.CopyFrom(ctx,
			pgx.Identifier{"summary_tokens"},
			[]string{"ts", "session_id", "token_order", "token", "risk_score"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}
