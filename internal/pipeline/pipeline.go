package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"zapfunnel/internal/flows"
	"zapfunnel/internal/metrics"
	"zapfunnel/internal/models"
	"zapfunnel/internal/notify"
	"zapfunnel/internal/store"
)

// ErrAlreadyReplayed is returned when a dead letter was replayed before.
var ErrAlreadyReplayed = errors.New("dead letter already replayed")

// Store is the persistence the pipeline needs.
type Store interface {
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	TransitionState(ctx context.Context, orderID int64, from, to models.OrderState) (bool, error)
	AcquireLease(ctx context.Context, orderID int64, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, orderID int64, holder string) error
	AddDeadLetter(ctx context.Context, d *models.DeadLetter) error
	GetDeadLetter(ctx context.Context, id int64) (*models.DeadLetter, error)
	MarkReplayed(ctx context.Context, id int64) (bool, error)
	ClearReplayed(ctx context.Context, id int64) error
}

// Executor runs the steps of a flow invocation.
type Executor interface {
	Execute(ctx context.Context, inv *flows.Invocation) (flows.Outcome, error)
}

// Alerter tells the operator about exhausted invocations.
type Alerter interface {
	NotifyError(ctx context.Context, err error, fields map[string]string) bool
}

// Options tune retries and leases.
type Options struct {
	MaxAttempts     int
	RetryBackoff    time.Duration
	LeaseTTL        time.Duration
	LeaseRetryDelay time.Duration
	MaxLeaseWaits   int
}

func (o *Options) defaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 30 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 10 * time.Minute
	}
	if o.LeaseRetryDelay <= 0 {
		o.LeaseRetryDelay = 2 * time.Second
	}
	if o.MaxLeaseWaits <= 0 {
		o.MaxLeaseWaits = 150
	}
}

// Status is served on the admin pipeline endpoint.
type Status struct {
	Broker       BrokerStats `json:"broker"`
	MaxAttempts  int         `json:"max_attempts"`
	RetryBackoff string      `json:"retry_backoff"`
	Scheduled    int64       `json:"scheduled"`
	Completed    int64       `json:"completed"`
	Stale        int64       `json:"stale"`
	Redispatched int64       `json:"redispatched"`
	LeaseWaits   int64       `json:"lease_waits"`
	Retried      int64       `json:"retried"`
	DeadLettered int64       `json:"dead_lettered"`
	Replayed     int64       `json:"replayed"`
}

// Pipeline schedules flow invocations and executes them from the broker.
type Pipeline struct {
	broker  Broker
	store   Store
	exec    Executor
	alerter Alerter
	opts    Options

	scheduled    atomic.Int64
	completed    atomic.Int64
	stale        atomic.Int64
	redispatched atomic.Int64
	leaseWaits   atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	replayed     atomic.Int64
}

// New wires a pipeline. alerter may be nil.
func New(broker Broker, st Store, exec Executor, alerter Alerter, opts Options) *Pipeline {
	opts.defaults()
	return &Pipeline{broker: broker, store: st, exec: exec, alerter: alerter, opts: opts}
}

// Schedule enqueues flow for order after delay. The task remembers the state
// the dispatch was made for; if the order moved on meanwhile its message is
// dispatched again for the new state.
func (p *Pipeline) Schedule(ctx context.Context, flow models.FlowName, order *models.Order, event models.InboundMessage, delay time.Duration) (Task, error) {
	if !flow.Valid() {
		return Task{}, fmt.Errorf("cannot schedule unknown flow %q", flow)
	}
	if order == nil || order.ID == 0 {
		return Task{}, fmt.Errorf("cannot schedule flow %s without a persisted order", flow)
	}

	t := Task{
		ID:            uuid.NewString(),
		Flow:          flow,
		OrderID:       order.ID,
		ExpectedState: order.State,
		Event:         event,
		Attempt:       1,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := p.broker.Publish(ctx, t, delay); err != nil {
		return Task{}, fmt.Errorf("failed to schedule flow %s for order %d: %w", flow, order.ID, err)
	}

	p.scheduled.Add(1)
	metrics.FlowsScheduled.WithLabelValues(string(flow)).Inc()
	log.Info().Str("flow", string(flow)).Int64("orderID", order.ID).Str("invocationID", t.ID).Dur("delay", delay).Msg("Flow scheduled")
	return t, nil
}

// Run consumes tasks until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.broker.Consume(ctx, p.Handle)
}

// Handle executes one task attempt. It returns an error only when the task
// could not be settled, i.e. neither finished, retried nor dead-lettered.
func (p *Pipeline) Handle(ctx context.Context, t Task) error {
	logger := log.With().Str("flow", string(t.Flow)).Int64("orderID", t.OrderID).Str("invocationID", t.ID).Int("attempt", t.Attempt).Logger()
	started := time.Now()

	err := p.store.AcquireLease(ctx, t.OrderID, t.ID, p.opts.LeaseTTL)
	if errors.Is(err, store.ErrLeaseHeld) {
		return p.waitForLease(ctx, t, logger)
	}
	if err != nil {
		return p.fail(ctx, t, err, logger)
	}
	defer func() {
		if err := p.store.ReleaseLease(context.WithoutCancel(ctx), t.OrderID, t.ID); err != nil {
			logger.Warn().Err(err).Msg("Could not release order lease")
		}
	}()

	order, err := p.store.GetOrder(ctx, t.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		p.markStale(t, logger, "order no longer exists")
		return nil
	}
	if err != nil {
		return p.fail(ctx, t, err, logger)
	}
	if order.State != t.ExpectedState {
		reason := "order moved from " + t.ExpectedState.String() + " to " + order.State.String()
		if t.Event.MessageID == "" {
			p.markStale(t, logger, reason)
			return nil
		}
		return p.redispatch(ctx, t, order, reason, logger)
	}

	out, err := p.exec.Execute(ctx, &flows.Invocation{
		ID:       t.ID,
		Flow:     t.Flow,
		Order:    order,
		Event:    t.Event,
		Attempt:  t.Attempt,
		Replayed: t.Replayed,
	})
	metrics.FlowDuration.WithLabelValues(string(t.Flow)).Observe(time.Since(started).Seconds())
	if errors.Is(err, flows.ErrDuplicateEvent) {
		p.markStale(t, logger, "inbound message already handled")
		return nil
	}
	if err != nil {
		return p.fail(ctx, t, err, logger)
	}

	if out.Transition {
		moved, err := p.store.TransitionState(ctx, order.ID, t.ExpectedState, out.Target)
		if err != nil {
			return p.fail(ctx, t, err, logger)
		}
		if !moved {
			logger.Warn().Str("target", out.Target.String()).Msg("Order state changed under the flow, transition skipped")
		} else {
			logger.Info().Str("from", t.ExpectedState.String()).Str("to", out.Target.String()).Msg("Order state advanced")
		}
	}

	p.completed.Add(1)
	metrics.FlowsExecuted.WithLabelValues(string(t.Flow), "completed").Inc()
	logger.Info().Int("stepsRun", out.Ran).Int("stepsSkipped", out.Skipped).Dur("took", time.Since(started)).Msg("Flow completed")
	return nil
}

// waitForLease re-publishes t after a short delay without spending an
// attempt. After MaxLeaseWaits the wait counts as a failed attempt.
func (p *Pipeline) waitForLease(ctx context.Context, t Task, logger zerolog.Logger) error {
	if t.LeaseWaits >= p.opts.MaxLeaseWaits {
		return p.fail(ctx, t, fmt.Errorf("order %d stayed leased after %d waits: %w", t.OrderID, t.LeaseWaits, store.ErrLeaseHeld), logger)
	}
	t.LeaseWaits++
	p.leaseWaits.Add(1)
	metrics.FlowsExecuted.WithLabelValues(string(t.Flow), "lease_busy").Inc()
	logger.Debug().Int("leaseWaits", t.LeaseWaits).Msg("Order busy with another flow, waiting")
	if err := p.broker.Publish(ctx, t, p.opts.LeaseRetryDelay); err != nil {
		return fmt.Errorf("failed to re-publish task %s while waiting for lease: %w", t.ID, err)
	}
	return nil
}

// redispatch hands the message of a task whose order moved on to the flow
// the current state calls for, as a new invocation.
func (p *Pipeline) redispatch(ctx context.Context, t Task, order *models.Order, reason string, logger zerolog.Logger) error {
	flow := flows.Dispatch(order.State)
	next, err := p.Schedule(ctx, flow, order, t.Event, 0)
	if err != nil {
		return p.fail(ctx, t, err, logger)
	}
	p.redispatched.Add(1)
	metrics.FlowsExecuted.WithLabelValues(string(t.Flow), "redispatched").Inc()
	logger.Info().Str("reason", reason).Str("nextFlow", string(flow)).Str("nextInvocationID", next.ID).Msg("Order moved on, message redispatched")
	return nil
}

func (p *Pipeline) markStale(t Task, logger zerolog.Logger, reason string) {
	p.stale.Add(1)
	metrics.FlowsExecuted.WithLabelValues(string(t.Flow), "stale").Inc()
	logger.Info().Str("reason", reason).Msg("Dropping stale flow task")
}

// fail retries t after the backoff or, once attempts are exhausted, stores a
// dead letter and alerts the operator.
func (p *Pipeline) fail(ctx context.Context, t Task, cause error, logger zerolog.Logger) error {
	if ctx.Err() != nil {
		// shutting down; let the broker redeliver
		return fmt.Errorf("flow %s interrupted: %w", t.Flow, cause)
	}

	if t.Attempt < p.opts.MaxAttempts {
		next := t
		next.Attempt++
		next.LeaseWaits = 0
		if err := p.broker.Publish(ctx, next, p.opts.RetryBackoff); err != nil {
			return fmt.Errorf("failed to schedule retry of %s: %w", t.ID, err)
		}
		p.retried.Add(1)
		metrics.FlowsExecuted.WithLabelValues(string(t.Flow), "retried").Inc()
		logger.Warn().Err(cause).Int("nextAttempt", next.Attempt).Dur("backoff", p.opts.RetryBackoff).Msg("Flow attempt failed, retrying")
		return nil
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	letter := &models.DeadLetter{
		InvocationID: t.ID,
		Flow:         t.Flow,
		OrderID:      t.OrderID,
		Task:         string(raw),
		Error:        cause.Error(),
		Attempts:     t.Attempt,
	}
	if err := p.store.AddDeadLetter(ctx, letter); err != nil {
		return err
	}

	p.deadLettered.Add(1)
	metrics.FlowsExecuted.WithLabelValues(string(t.Flow), "dead_lettered").Inc()
	logger.Error().Err(cause).Int64("deadLetterID", letter.ID).Msg("Flow attempts exhausted, dead-lettered")

	if p.alerter != nil {
		p.alerter.NotifyError(ctx, notify.Wrap(notify.KindFlowStep, notify.SeverityCritical, "flow "+string(t.Flow), cause), map[string]string{
			"flow":     string(t.Flow),
			"order_id": strconv.FormatInt(t.OrderID, 10),
			"attempts": strconv.Itoa(t.Attempt),
		})
	}
	return nil
}

// Replay schedules a dead-lettered task again as a fresh attempt series with
// the same invocation id, so its completed steps and its already stored
// inbound message are skipped.
func (p *Pipeline) Replay(ctx context.Context, deadLetterID int64) (Task, error) {
	letter, err := p.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return Task{}, err
	}
	if letter.ReplayedAt.Valid {
		return Task{}, ErrAlreadyReplayed
	}
	var t Task
	if err := json.Unmarshal([]byte(letter.Task), &t); err != nil {
		return Task{}, fmt.Errorf("dead letter %d carries an unreadable task: %w", deadLetterID, err)
	}

	marked, err := p.store.MarkReplayed(ctx, deadLetterID)
	if err != nil {
		return Task{}, err
	}
	if !marked {
		return Task{}, ErrAlreadyReplayed
	}

	t.Attempt = 1
	t.LeaseWaits = 0
	t.Replayed = true
	t.EnqueuedAt = time.Now().UTC()
	if err := p.broker.Publish(ctx, t, 0); err != nil {
		if clearErr := p.store.ClearReplayed(context.WithoutCancel(ctx), deadLetterID); clearErr != nil {
			log.Error().Err(clearErr).Int64("deadLetterID", deadLetterID).Msg("Could not reopen dead letter after failed replay")
		}
		return Task{}, fmt.Errorf("failed to replay dead letter %d: %w", deadLetterID, err)
	}

	p.replayed.Add(1)
	log.Info().Int64("deadLetterID", deadLetterID).Str("invocationID", t.ID).Str("flow", string(t.Flow)).Msg("Dead letter replayed")
	return t, nil
}

// Status reports broker and pipeline counters.
func (p *Pipeline) Status() Status {
	return Status{
		Broker:       p.broker.Stats(),
		MaxAttempts:  p.opts.MaxAttempts,
		RetryBackoff: p.opts.RetryBackoff.String(),
		Scheduled:    p.scheduled.Load(),
		Completed:    p.completed.Load(),
		Stale:        p.stale.Load(),
		Redispatched: p.redispatched.Load(),
		LeaseWaits:   p.leaseWaits.Load(),
		Retried:      p.retried.Load(),
		DeadLettered: p.deadLettered.Load(),
		Replayed:     p.replayed.Load(),
	}
}
