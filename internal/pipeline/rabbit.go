package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitBroker stores tasks in a durable RabbitMQ work queue. Delays use one
// TTL queue per delay length that dead-letters into the work queue, so the
// broker needs no plugin.
type RabbitBroker struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel // publishing only
	queue   string
	workers int

	mu          sync.Mutex // amqp channels are not safe for concurrent publish
	delayQueues map[time.Duration]string

	// republish puts a failed task back through a delay queue
	republish  func(ctx context.Context, t Task, delay time.Duration) error
	retryDelay time.Duration

	published atomic.Int64

	inFlight atomic.Int64
	handled  atomic.Int64
	failed   atomic.Int64
}

// DelayQueueName is the TTL queue used for tasks delayed by d.
func DelayQueueName(workQueue string, d time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", workQueue, d.Milliseconds())
}

// DelayQueueArgs declares a queue that holds messages for d and then routes
// them to workQueue. The queue itself expires once idle.
func DelayQueueArgs(workQueue string, d time.Duration) amqp091.Table {
	ttl := d.Milliseconds()
	return amqp091.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": workQueue,
		"x-expires":                 ttl*2 + int64(time.Minute/time.Millisecond),
	}
}

// DialRabbit connects to url and declares the work queue <prefix>_<queue>.
func DialRabbit(url, prefix, queue string, workers int) (*RabbitBroker, error) {
	if url == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is not set")
	}
	if queue == "" {
		queue = "flows"
	}
	if prefix != "" {
		queue = prefix + "_" + queue
	}
	if workers < 1 {
		workers = 1
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not declare RabbitMQ queue %s: %w", queue, err)
	}

	log.Info().Str("queue", queue).Int("workers", workers).Msg("RabbitMQ connection established.")
	b := &RabbitBroker{
		conn:        conn,
		channel:     ch,
		queue:       queue,
		workers:     workers,
		delayQueues: make(map[time.Duration]string),
		retryDelay:  time.Second,
	}
	b.republish = b.Publish
	return b, nil
}

func (b *RabbitBroker) Publish(ctx context.Context, t Task, delay time.Duration) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	routingKey := b.queue
	if delay > 0 {
		delay = delay.Truncate(time.Millisecond)
		name, ok := b.delayQueues[delay]
		if !ok {
			name = DelayQueueName(b.queue, delay)
			// redeclared on first use after every restart
			if _, err := b.channel.QueueDeclare(name, true, false, false, false, DelayQueueArgs(b.queue, delay)); err != nil {
				log.Error().Err(err).Str("queue", name).Msg("Could not declare RabbitMQ delay queue")
				return fmt.Errorf("could not declare delay queue %s: %w", name, err)
			}
			b.delayQueues[delay] = name
		}
		routingKey = name
	}

	err = b.channel.PublishWithContext(ctx,
		"",         // default exchange
		routingKey, // routing key = queue
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    t.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", routingKey).Msg("Could not publish to RabbitMQ")
		return fmt.Errorf("could not publish task %s: %w", t.ID, err)
	}
	b.published.Add(1)
	log.Debug().Str("queue", routingKey).Str("invocationID", t.ID).Msg("Published task to RabbitMQ")
	return nil
}

// Consume opens a dedicated channel with prefetch equal to the worker count and
// acknowledges each delivery after its handler returned. It returns an error
// when the deliveries stop before ctx is done, e.g. the connection dropped.
func (b *RabbitBroker) Consume(ctx context.Context, handler Handler) error {
	connClosed := b.conn.NotifyClose(make(chan *amqp091.Error, 1))
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("could not open RabbitMQ consumer channel: %w", err)
	}
	defer ch.Close()
	chClosed := ch.NotifyClose(make(chan *amqp091.Error, 1))

	if err := ch.Qos(b.workers, 0, false); err != nil {
		return fmt.Errorf("could not set RabbitMQ prefetch: %w", err)
	}
	tag := "zapfunnel-" + uuid.NewString()
	deliveries, err := ch.Consume(
		b.queue,
		tag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("could not consume from %s: %w", b.queue, err)
	}

	go func() {
		<-ctx.Done()
		if err := ch.Cancel(tag, false); err != nil {
			log.Warn().Err(err).Msg("Could not cancel RabbitMQ consumer")
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for d := range deliveries {
				b.deliver(ctx, worker, d, handler)
			}
		}(i)
	}
	log.Info().Str("queue", b.queue).Int("workers", b.workers).Msg("RabbitMQ pipeline workers started")
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return consumerStopped(b.queue, connClosed, chClosed)
}

// consumerStopped reports why the deliveries of queue ended without a shutdown.
func consumerStopped(queue string, closed ...<-chan *amqp091.Error) error {
	for _, c := range closed {
		select {
		case amqpErr, ok := <-c:
			if ok && amqpErr != nil {
				return fmt.Errorf("RabbitMQ consumer on %s stopped: %w", queue, amqpErr)
			}
		default:
		}
	}
	return fmt.Errorf("RabbitMQ consumer on %s stopped: deliveries closed", queue)
}

// deliver runs handler for one delivery. A failed task is published again
// through the delay queue and the original acked; the delivery is requeued
// only when that publish fails too.
func (b *RabbitBroker) deliver(ctx context.Context, worker int, d amqp091.Delivery, handler Handler) {
	var t Task
	if err := json.Unmarshal(d.Body, &t); err != nil {
		log.Error().Err(err).Str("messageID", d.MessageId).Msg("Discarding undecodable task")
		_ = d.Nack(false, false)
		return
	}

	b.inFlight.Add(1)
	err := handler(ctx, t)
	b.inFlight.Add(-1)
	b.handled.Add(1)

	if err != nil {
		b.failed.Add(1)
		log.Error().Err(err).Int("worker", worker).Str("invocationID", t.ID).Dur("delay", b.retryDelay).Msg("Task handler failed, redelivering after delay")
		if pubErr := b.republish(ctx, t, b.retryDelay); pubErr != nil {
			log.Error().Err(pubErr).Str("invocationID", t.ID).Msg("Could not republish failed task, requeueing delivery")
			if nackErr := d.Nack(false, true); nackErr != nil {
				log.Error().Err(nackErr).Str("invocationID", t.ID).Msg("Could not nack RabbitMQ delivery")
			}
			return
		}
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error().Err(ackErr).Str("invocationID", t.ID).Msg("Could not ack RabbitMQ delivery")
	}
}

func (b *RabbitBroker) Stats() BrokerStats {
	return BrokerStats{
		Broker:    "rabbitmq",
		Workers:   b.workers,
		InFlight:  b.inFlight.Load(),
		Published: b.published.Load(),
		Handled:   b.handled.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *RabbitBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		_ = b.channel.Close()
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}
