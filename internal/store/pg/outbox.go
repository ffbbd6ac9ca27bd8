package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"heirloom.org/internal/outbox"
	"heirloom.org/internal/vault"
)

// OutboxStore implements outbox.Store over the same database handle as the
// domain tables, so an effect append can share a connection pool with the
// transition that produced it.
type OutboxStore struct {
	db *sql.DB
}

var _ outbox.Store = (*OutboxStore)(nil)

// NewOutbox builds the store over an open handle.
func NewOutbox(db *sql.DB) *OutboxStore { return &OutboxStore{db: db} }

func (s *OutboxStore) Append(ctx context.Context, e *outbox.Effect) error {
	vars, err := json.Marshal(e.Vars)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into outbox_effects(id, kind, recipient, vars, status, attempts,
			next_attempt_at, last_error, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.Kind, e.Recipient, vars, e.Status, e.Attempts,
		e.NextAttemptAt, e.LastError, e.CreatedAt, e.UpdatedAt)
	return err
}

func (s *OutboxStore) Due(ctx context.Context, now time.Time, limit int) ([]*outbox.Effect, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, kind, recipient, vars, status, attempts, next_attempt_at,
			last_error, created_at, updated_at
		from outbox_effects
		where status='pending' and next_attempt_at <= $1
		order by next_attempt_at asc
		limit $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*outbox.Effect
	for rows.Next() {
		var e outbox.Effect
		var vars []byte
		if err := rows.Scan(&e.ID, &e.Kind, &e.Recipient, &vars, &e.Status, &e.Attempts,
			&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if len(vars) > 0 {
			if err := json.Unmarshal(vars, &e.Vars); err != nil {
				return nil, fmt.Errorf("pg: effect %s vars: %w", e.ID, err)
			}
		}
		res = append(res, &e)
	}
	return res, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return s.mark(ctx, id, `update outbox_effects set status='delivered', updated_at=$2 where id=$1`, at)
}

func (s *OutboxStore) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		update outbox_effects
		set attempts=$2, next_attempt_at=$3, last_error=$4, updated_at=now()
		where id=$1
	`, id, attempts, next, lastErr)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		update outbox_effects set status='failed', last_error=$3, updated_at=$2 where id=$1
	`, id, at, lastErr)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

func (s *OutboxStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from outbox_effects where status='pending'`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *OutboxStore) mark(ctx context.Context, id, query string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return err
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pg: effect %s: %w", id, vault.ErrNotFound)
	}
	return nil
}
