package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"zapfunnel/internal/models"
)

const maxSequenceRetries = 5

// AppendMessage stores m with the next sequence number of its order. The
// number is computed inside the INSERT so two writers can collide only on the
// unique (order_id, sequence_number) index, in which case the insert is
// retried. A repeated provider message id yields ErrDuplicateMessage.
func (s *Store) AppendMessage(ctx context.Context, m *models.Message) error {
	if m.MessageID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.timestamp()
	} else {
		m.CreatedAt = s.stamp(m.CreatedAt)
	}

	query := s.db.Rebind(`INSERT INTO messages (message_id, order_id, sequence_number, direction, kind, payload, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE order_id = ?), ?, ?, ?, ?)
		RETURNING sequence_number`)

	for attempt := 1; ; attempt++ {
		err := s.db.QueryRowxContext(ctx, query,
			m.MessageID, m.OrderID, m.OrderID, m.Direction, m.Kind, m.Payload, m.CreatedAt,
		).Scan(&m.SequenceNumber)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to insert message for order %d: %w", m.OrderID, err)
		}

		exists, lookupErr := s.messageExists(ctx, m.MessageID)
		if lookupErr != nil {
			return lookupErr
		}
		if exists {
			return ErrDuplicateMessage
		}
		if attempt >= maxSequenceRetries {
			return fmt.Errorf("failed to allocate sequence number for order %d after %d attempts: %w", m.OrderID, attempt, err)
		}
		log.Debug().Int64("orderID", m.OrderID).Int("attempt", attempt).Msg("Sequence number collision, retrying")
	}
}

// ListMessages returns the messages of an order in sequence order.
func (s *Store) ListMessages(ctx context.Context, orderID int64) ([]models.Message, error) {
	var out []models.Message
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM messages WHERE order_id = ? ORDER BY sequence_number`), orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of order %d: %w", orderID, err)
	}
	return out, nil
}

func (s *Store) messageExists(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM messages WHERE message_id = ?`), messageID)
	if err != nil {
		return false, fmt.Errorf("failed to look up message %s: %w", messageID, err)
	}
	return n > 0, nil
}
