package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryBroker keeps tasks in process: delayed tasks wait on timers and ready
// tasks are handed to a fixed pool of workers. Pending tasks are lost when the
// process stops.
type MemoryBroker struct {
	workers int
	queue   chan Task
	done    chan struct{}

	mu        sync.Mutex
	timers    map[*time.Timer]struct{}
	closeOnce sync.Once

	delayed   atomic.Int64
	inFlight  atomic.Int64
	published atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
}

// NewMemoryBroker creates an in-process broker with the given worker count.
func NewMemoryBroker(workers int) *MemoryBroker {
	if workers < 1 {
		workers = 1
	}
	return &MemoryBroker{
		workers: workers,
		queue:   make(chan Task, workers*64),
		done:    make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (m *MemoryBroker) Publish(ctx context.Context, t Task, delay time.Duration) error {
	select {
	case <-m.done:
		return ErrBrokerClosed
	default:
	}
	m.published.Add(1)

	if delay <= 0 {
		return m.enqueue(ctx, t)
	}

	m.delayed.Add(1)
	m.mu.Lock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		m.mu.Unlock()
		m.delayed.Add(-1)
		if err := m.enqueue(context.Background(), t); err != nil {
			log.Warn().Err(err).Str("invocationID", t.ID).Msg("Dropping delayed task")
		}
	})
	m.timers[timer] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBroker) enqueue(ctx context.Context, t Task) error {
	select {
	case m.queue <- t:
		return nil
	case <-m.done:
		return ErrBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryBroker) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case t := <-m.queue:
					m.inFlight.Add(1)
					err := handler(ctx, t)
					m.inFlight.Add(-1)
					m.handled.Add(1)
					if err != nil {
						m.failed.Add(1)
						log.Error().Err(err).Int("worker", worker).Str("invocationID", t.ID).Msg("Task handler failed")
						// redeliver like an unacked message, unless shutting down
						if ctx.Err() == nil {
							_ = m.Publish(ctx, t, time.Second)
						}
					}
				}
			}
		}(i)
	}
	log.Info().Int("workers", m.workers).Msg("In-memory pipeline workers started")
	wg.Wait()
	return nil
}

func (m *MemoryBroker) Stats() BrokerStats {
	return BrokerStats{
		Broker:    "memory",
		Workers:   m.workers,
		Delayed:   m.delayed.Load(),
		InFlight:  m.inFlight.Load(),
		Published: m.published.Load(),
		Handled:   m.handled.Load(),
		Failed:    m.failed.Load(),
	}
}

// Close stops the pending timers and the workers.
func (m *MemoryBroker) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		for timer := range m.timers {
			if timer.Stop() {
				m.delayed.Add(-1)
			}
		}
		m.timers = map[*time.Timer]struct{}{}
		m.mu.Unlock()
	})
	return nil
}
