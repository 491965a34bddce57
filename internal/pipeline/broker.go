// Package pipeline runs flow invocations asynchronously on top of a task
// broker, with per-order leases, retries and a dead-letter table.
package pipeline

import (
	"context"
	"errors"
	"time"

	"zapfunnel/internal/models"
)

// ErrBrokerClosed is returned when publishing after Close.
var ErrBrokerClosed = errors.New("broker closed")

// Task is one scheduled attempt of a flow invocation. Retries keep the ID so
// completed steps are not repeated.
type Task struct {
	ID            string                `json:"id"`
	Flow          models.FlowName       `json:"flow"`
	OrderID       int64                 `json:"order_id"`
	ExpectedState models.OrderState     `json:"expected_state"`
	Event         models.InboundMessage `json:"event"`
	Attempt       int                   `json:"attempt"`
	LeaseWaits    int                   `json:"lease_waits"`
	Replayed      bool                  `json:"replayed,omitempty"`
	EnqueuedAt    time.Time             `json:"enqueued_at"`
}

// Handler processes one task. A returned error means the task was neither
// done nor re-published and the broker should redeliver it.
type Handler func(ctx context.Context, t Task) error

// BrokerStats is a point-in-time view of a broker.
type BrokerStats struct {
	Broker    string `json:"broker"`
	Workers   int    `json:"workers"`
	Delayed   int64  `json:"delayed"`
	InFlight  int64  `json:"in_flight"`
	Published int64  `json:"published"`
	Handled   int64  `json:"handled"`
	Failed    int64  `json:"failed"`
}

// Broker moves tasks from Schedule to the workers.
type Broker interface {
	// Publish makes t available to consumers after delay.
	Publish(ctx context.Context, t Task, delay time.Duration) error
	// Consume runs the workers until ctx is done. An error means the
	// workers stopped on their own.
	Consume(ctx context.Context, handler Handler) error
	Stats() BrokerStats
	Close() error
}
