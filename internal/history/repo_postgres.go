package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"callbridge/internal/call"
	"callbridge/pkg/utils"
)

// PostgresRepo persists call history in the call_history table.
//
// Schema (append-only; an INSERT-only policy or trigger is recommended):
//
//	CREATE TABLE call_history (
//	    id         TEXT PRIMARY KEY,
//	    user_id    TEXT NOT NULL,
//	    call_id    TEXT NOT NULL,
//	    peer_id    TEXT NOT NULL,
//	    peer_name  TEXT NOT NULL,
//	    direction  TEXT NOT NULL,
//	    kind       TEXT NOT NULL,
//	    reason     TEXT NOT NULL,
//	    answered   BOOLEAN NOT NULL,
//	    started_at TIMESTAMPTZ,
//	    ended_at   TIMESTAMPTZ NOT NULL,
//	    duration   INT NOT NULL,
//	    UNIQUE (user_id, call_id)
//	);
//	CREATE INDEX call_history_user_ended ON call_history (user_id, ended_at DESC);

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// Append inserts the entry. Both a reconnecting session and a duplicate
// teardown signal can attempt to log the same call twice; the transaction
// treats an existing (user_id, call_id) row as already-recorded and keeps the
// first row.
func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM call_history WHERE user_id = $1 AND call_id = $2)`,
			e.UserID, e.CallID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("history exists check: %w", err)
		}
		if exists {
			return nil
		}

		var startedAt any
		if !e.StartedAt.IsZero() {
			startedAt = e.StartedAt.UTC()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO call_history
			 (id, user_id, call_id, peer_id, peer_name, direction, kind, reason, answered, started_at, ended_at, duration)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.UserID, e.CallID, e.PeerID, e.PeerName,
			string(e.Direction), string(e.Kind), e.Reason, e.Answered,
			startedAt, e.EndedAt.UTC(), e.DurationSeconds,
		)
		if err != nil {
			return fmt.Errorf("history insert: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, call_id, peer_id, peer_name, direction, kind, reason, answered, started_at, ended_at, duration
		 FROM call_history
		 WHERE user_id = $1
		 ORDER BY ended_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			direction string
			kind      string
			startedAt sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.UserID, &e.CallID, &e.PeerID, &e.PeerName,
			&direction, &kind, &e.Reason, &e.Answered,
			&startedAt, &e.EndedAt, &e.DurationSeconds,
		); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		e.Direction = Direction(direction)
		e.Kind = call.MediaKind(kind)
		if startedAt.Valid {
			e.StartedAt = startedAt.Time.UTC()
		} else {
			e.StartedAt = time.Time{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
