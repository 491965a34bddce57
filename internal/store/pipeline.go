package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zapfunnel/internal/models"
)

// AcquireLease takes the per-order lease for holder until now+ttl. An expired
// lease, or one already owned by holder, is taken over. ErrLeaseHeld is
// returned while another holder's lease is live.
func (s *Store) AcquireLease(ctx context.Context, orderID int64, holder string, ttl time.Duration) error {
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO order_leases (order_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (order_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE order_leases.expires_at < ? OR order_leases.holder = ?`),
		orderID, holder, now.Add(ttl), now, holder)
	if err != nil {
		return fmt.Errorf("failed to acquire lease on order %d: %w", orderID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, orderID int64, holder string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM order_leases WHERE order_id = ? AND holder = ?`), orderID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease on order %d: %w", orderID, err)
	}
	return nil
}

// CompletedSteps maps step index to the message id recorded for it.
func (s *Store) CompletedSteps(ctx context.Context, invocationID string) (map[int]string, error) {
	var rows []struct {
		StepIndex int    `db:"step_index"`
		MessageID string `db:"message_id"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT step_index, message_id FROM flow_progress WHERE invocation_id = ?`), invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load progress of %s: %w", invocationID, err)
	}
	out := make(map[int]string, len(rows))
	for _, r := range rows {
		out[r.StepIndex] = r.MessageID
	}
	return out, nil
}

// RecordStep marks a step of an invocation as done. Recording twice is a no-op.
func (s *Store) RecordStep(ctx context.Context, invocationID string, stepIndex int, stepName, messageID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO flow_progress (invocation_id, step_index, step_name, message_id, completed_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (invocation_id, step_index) DO NOTHING`),
		invocationID, stepIndex, stepName, messageID, s.timestamp())
	if err != nil {
		return fmt.Errorf("failed to record step %d (%s) of %s: %w", stepIndex, stepName, invocationID, err)
	}
	return nil
}

// AddDeadLetter persists an exhausted invocation and fills its ID.
func (s *Store) AddDeadLetter(ctx context.Context, d *models.DeadLetter) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.timestamp()
	}
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO dead_letters (invocation_id, flow, order_id, task, error, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		d.InvocationID, d.Flow, d.OrderID, d.Task, d.Error, d.Attempts, s.stamp(d.CreatedAt),
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to store dead letter for order %d: %w", d.OrderID, err)
	}
	return nil
}

// GetDeadLetter loads a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*models.DeadLetter, error) {
	var d models.DeadLetter
	err := s.db.GetContext(ctx, &d, s.db.Rebind(`SELECT * FROM dead_letters WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load dead letter %d: %w", id, err)
	}
	return &d, nil
}

// ListDeadLetters returns the newest dead letters, pending ones only unless
// all is set.
func (s *Store) ListDeadLetters(ctx context.Context, all bool, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT * FROM dead_letters WHERE replayed_at IS NULL ORDER BY id DESC LIMIT ?`
	if all {
		query = `SELECT * FROM dead_letters ORDER BY id DESC LIMIT ?`
	}
	out := []models.DeadLetter{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(query), limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return out, nil
}

// MarkReplayed flags a dead letter as replayed. It reports false when the
// letter was already replayed.
func (s *Store) MarkReplayed(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE dead_letters SET replayed_at = ? WHERE id = ? AND replayed_at IS NULL`),
		s.timestamp(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark dead letter %d replayed: %w", id, err)
	}
	return affected(res)
}

// ClearReplayed reopens a dead letter whose replay could not be published.
func (s *Store) ClearReplayed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE dead_letters SET replayed_at = NULL WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to reopen dead letter %d: %w", id, err)
	}
	return nil
}
