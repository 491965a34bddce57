package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zapfunnel/internal/models"
)

// CreateOrder inserts o and fills its ID and timestamps. A zero CreatedAt is
// replaced by the store clock.
func (s *Store) CreateOrder(ctx context.Context, o *models.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.timestamp()
	} else {
		o.CreatedAt = s.stamp(o.CreatedAt)
	}
	o.UpdatedAt = o.CreatedAt
	if !o.State.Valid() {
		return fmt.Errorf("refusing to create order in invalid state %d", o.State)
	}

	query := s.db.Rebind(`INSERT INTO orders (
		product_id, state, contact_phone, contact_name, phone_number_id,
		suggested_greeting, suggested_emoji,
		gclid, landing_url, campaign_id, ad_group_id, creative, match_type, device, placement, video_id,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	a := o.Attribution
	err := s.db.QueryRowxContext(ctx, query,
		o.ProductID, o.State, o.ContactPhone, o.ContactName, o.PhoneNumberID,
		o.SuggestedGreeting, o.SuggestedEmoji,
		a.GCLID, a.LandingURL, a.CampaignID, a.AdGroupID, a.Creative, a.MatchType, a.Device, a.Placement, a.VideoID,
		o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if isUniqueViolation(err) {
		return ErrActiveOrderExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// GetOrder loads one order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	return s.getOrder(ctx, `SELECT * FROM orders WHERE id = ?`, id)
}

// LatestOrderByContact returns the most recent order of a phone for a product.
func (s *Store) LatestOrderByContact(ctx context.Context, phone string, productID int64) (*models.Order, error) {
	return s.getOrder(ctx,
		`SELECT * FROM orders WHERE contact_phone = ? AND product_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		phone, productID)
}

// FindLeadByGreeting returns the newest unlinked Initiated order carrying
// greeting that was created at or after since.
func (s *Store) FindLeadByGreeting(ctx context.Context, greeting string, since time.Time) (*models.Order, error) {
	return s.getOrder(ctx,
		`SELECT * FROM orders
		 WHERE suggested_greeting = ? AND state = ? AND contact_phone IS NULL AND created_at >= ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		greeting, models.StateInitiated, s.stamp(since))
}

// LinkOrder attaches a contact to an unlinked Initiated order. It reports
// false when another writer linked or advanced the order first, and returns
// ErrActiveOrderExists when the contact got an active order meanwhile.
func (s *Store) LinkOrder(ctx context.Context, orderID int64, phone, name, phoneNumberID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE orders SET contact_phone = ?, contact_name = ?, phone_number_id = ?, updated_at = ?
		 WHERE id = ? AND state = ? AND contact_phone IS NULL`),
		phone, nullString(name), nullString(phoneNumberID), s.timestamp(),
		orderID, models.StateInitiated)
	if isUniqueViolation(err) {
		return false, ErrActiveOrderExists
	}
	if err != nil {
		return false, fmt.Errorf("failed to link order %d: %w", orderID, err)
	}
	return affected(res)
}

// TransitionState moves an order from one state to another. It reports false
// when the order is no longer in from.
func (s *Store) TransitionState(ctx context.Context, orderID int64, from, to models.OrderState) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("invalid target state %d", to)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE orders SET state = ?, updated_at = ? WHERE id = ? AND state = ?`),
		to, s.timestamp(), orderID, from)
	if err != nil {
		return false, fmt.Errorf("failed to move order %d from %s to %s: %w", orderID, from, to, err)
	}
	return affected(res)
}

// RecordPayment stores the amount and proof location of a confirmed payment
// and marks the order paid. A paid order returns ErrOrderClosed.
func (s *Store) RecordPayment(ctx context.Context, orderID int64, amount float64, proofPath string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State.Terminal() {
		return ErrOrderClosed
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE orders SET state = ?, payment_amount = ?, proof_path = ?, updated_at = ? WHERE id = ? AND state <> ?`),
		models.StatePaid, amount, nullString(proofPath), s.timestamp(), orderID, models.StatePaid)
	if err != nil {
		return fmt.Errorf("failed to record payment for order %d: %w", orderID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		// paid concurrently
		return ErrOrderClosed
	}
	return nil
}

// CountOrders returns the number of stored orders.
func (s *Store) CountOrders(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM orders`); err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return n, nil
}

func (s *Store) getOrder(ctx context.Context, query string, args ...any) (*models.Order, error) {
	var o models.Order
	if err := s.db.GetContext(ctx, &o, s.db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &o, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
