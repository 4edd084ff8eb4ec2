package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	"SignalFlow/pkg/logger"
)

// EventPipeline sits between the signal engine and the event stream.
// It validates events, buffers them and retries the publisher with backoff.
type EventPipeline struct {
	pub        domrepo.SignalPublisher
	metrics    domrepo.Metrics
	logger     *logger.Logger
	bufSize    int
	minBackoff time.Duration
	maxBackoff time.Duration
	bufCh      chan models.SignalEvent
	stopCh     chan struct{}
	started    bool
	mu         sync.Mutex
	wg         sync.WaitGroup
}

type PipelineOption func(*EventPipeline)

// WithBufferSize sets how many events wait for the publisher.
func WithBufferSize(n int) PipelineOption {
	return func(p *EventPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBackoff bounds the wait between failed publish attempts.
func WithBackoff(lo, hi time.Duration) PipelineOption {
	return func(p *EventPipeline) {
		if lo > 0 && hi >= lo {
			p.minBackoff, p.maxBackoff = lo, hi
		}
	}
}

func NewEventPipeline(pub domrepo.SignalPublisher, metrics domrepo.Metrics, l *logger.Logger, opts ...PipelineOption) *EventPipeline {
	p := &EventPipeline{
		pub:        pub,
		metrics:    metrics,
		logger:     l,
		bufSize:    1000,
		minBackoff: 50 * time.Millisecond,
		maxBackoff: 2 * time.Second,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.SignalEvent, p.bufSize)
	return p
}

// HandleSignalEvent buffers ev without blocking the caller.
func (p *EventPipeline) HandleSignalEvent(_ context.Context, ev models.SignalEvent) {
	if err := validateEvent(ev); err != nil {
		p.metrics.RecordError("pipeline_validate")
		p.logger.Warn("dropping invalid signal event", logger.Error(err))
		return
	}
	select {
	case p.bufCh <- ev:
	default:
		p.metrics.RecordError("pipeline_buffer_full")
		p.logger.Warn("event buffer full, dropping",
			logger.String("signal_id", ev.Signal.ID),
			logger.String("type", string(ev.Type)))
	}
}

// Pending returns the number of buffered events.
func (p *EventPipeline) Pending() int { return len(p.bufCh) }

// Start launches background publishing of buffered events.
func (p *EventPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := p.minBackoff
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case ev := <-p.bufCh:
				for {
					err := p.publish(ctx, ev)
					if err == nil {
						backoff = p.minBackoff
						break
					}
					// exponential backoff with cap
					select {
					case <-p.stopCh:
						p.requeue(ev)
						return
					case <-ctx.Done():
						return
					case <-time.After(backoff):
					}
					if backoff < p.maxBackoff {
						backoff *= 2
						if backoff > p.maxBackoff {
							backoff = p.maxBackoff
						}
					}
				}
			}
		}
	}()
}

func (p *EventPipeline) publish(ctx context.Context, ev models.SignalEvent) error {
	start := time.Now()
	if err := p.pub.PublishEvent(ctx, ev); err != nil {
		p.metrics.RecordError("pipeline_flush")
		p.logger.Warn("publish signal event failed",
			logger.String("signal_id", ev.Signal.ID),
			logger.Error(err))
		return err
	}
	p.metrics.RecordLatency("pipeline_publish", time.Since(start).Seconds())
	return nil
}

// requeue if space; drop otherwise
func (p *EventPipeline) requeue(ev models.SignalEvent) {
	select {
	case p.bufCh <- ev:
	default:
		p.metrics.RecordError("pipeline_buffer_drop")
	}
}

// Stop halts the background loop and flushes what is left until ctx expires.
func (p *EventPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()

	flushed := 0
	for {
		select {
		case ev := <-p.bufCh:
			if err := p.pub.PublishEvent(ctx, ev); err != nil {
				left := len(p.bufCh) + 1
				p.logger.Warn("event flush abandoned", logger.Int("flushed", flushed), logger.Int("dropped", left))
				return fmt.Errorf("flush events: %w", err)
			}
			flushed++
		default:
			return nil
		}
	}
}

func validateEvent(ev models.SignalEvent) error {
	if ev.Signal == nil {
		return fmt.Errorf("event without signal")
	}
	if ev.Signal.ID == "" || ev.Signal.Symbol == "" {
		return fmt.Errorf("signal id and symbol required")
	}
	if ev.Type == "" {
		return fmt.Errorf("event type empty")
	}
	return nil
}
