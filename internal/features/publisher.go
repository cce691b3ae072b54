package features

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"zilean/internal/model"
	rabbit "zilean/pkg/rabbit/pkg"
)

// LifecycleEvent is published when a session reaches a terminal state.
// Downstream scoring and reporting consume it from the broker.
type LifecycleEvent struct {
	SessionID     string              `json:"sessionId"`
	UserID        uint64              `json:"userId"`
	ConfigID      string              `json:"configId"`
	State         model.SessionState  `json:"state"`
	Action        model.SessionAction `json:"action"`
	Duration      int64               `json:"duration"`
	AutoCompleted bool                `json:"autoCompleted,omitempty"`
	OccurredAt    time.Time           `json:"occurredAt"`
	EnqueuedAt    time.Time           `json:"-"`
}

// EventPublisher drains lifecycle events to RabbitMQ on a bounded worker
// pool so control requests never block on the broker.
type EventPublisher struct {
	queue          chan LifecycleEvent
	workerCount    int
	publishTimeout time.Duration
	rabbit         rabbit.Rabbit
	logger         *zap.Logger
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	mu             sync.RWMutex
	closed         bool
	// Metrics
	totalEnqueued  int64
	totalPublished int64
	totalDropped   int64
}

func NewEventPublisher(rb rabbit.Rabbit, logger *zap.Logger, workers, queueSize int) *EventPublisher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventPublisher{
		queue:          make(chan LifecycleEvent, queueSize),
		workerCount:    workers,
		publishTimeout: 5 * time.Second,
		rabbit:         rb,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (p *EventPublisher) Start() {
	p.logger.Info("Starting lifecycle event publisher",
		zap.Int("workerCount", p.workerCount),
		zap.Int("queueCapacity", cap(p.queue)))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop drains the queue and waits for in-flight publishes. Safe to call
// more than once; later Enqueue calls drop their event.
func (p *EventPublisher) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *EventPublisher) worker(workerID int) {
	defer p.wg.Done()

	for ev := range p.queue {
		waitTime := time.Since(ev.EnqueuedAt)
		p.logger.Debug("Worker publishing lifecycle event",
			zap.Int("workerID", workerID),
			zap.String("sessionID", ev.SessionID),
			zap.Duration("waitTime", waitTime))

		body, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("Failed to encode lifecycle event",
				zap.String("sessionID", ev.SessionID), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(p.ctx, p.publishTimeout)
		err = p.rabbit.Publish(ctx, body)
		cancel()
		if err != nil {
			p.logger.Error("Failed to publish lifecycle event",
				zap.String("sessionID", ev.SessionID),
				zap.String("state", string(ev.State)),
				zap.Error(err))
			continue
		}
		atomic.AddInt64(&p.totalPublished, 1)
	}
}

// Enqueue hands the event to the pool without blocking; a full queue
// drops the event and reports false.
func (p *EventPublisher) Enqueue(ev LifecycleEvent) bool {
	ev.EnqueuedAt = time.Now()

	// Hold the read lock across the send so Stop cannot close the queue
	// underneath it.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		atomic.AddInt64(&p.totalDropped, 1)
		p.logger.Warn("Publisher stopped, dropping lifecycle event",
			zap.String("sessionID", ev.SessionID),
			zap.String("state", string(ev.State)))
		return false
	}

	select {
	case p.queue <- ev:
		atomic.AddInt64(&p.totalEnqueued, 1)
		return true
	default:
		atomic.AddInt64(&p.totalDropped, 1)
		p.logger.Warn("Event queue is full, dropping lifecycle event",
			zap.String("sessionID", ev.SessionID),
			zap.String("state", string(ev.State)),
			zap.Int("queueSize", len(p.queue)),
			zap.Int("queueCapacity", cap(p.queue)))
		return false
	}
}

// Metrics returns publisher counters for the health endpoint.
func (p *EventPublisher) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"total_events_enqueued":  atomic.LoadInt64(&p.totalEnqueued),
		"total_events_published": atomic.LoadInt64(&p.totalPublished),
		"total_events_dropped":   atomic.LoadInt64(&p.totalDropped),
		"queue_size":             len(p.queue),
		"queue_capacity":         cap(p.queue),
	}
}
