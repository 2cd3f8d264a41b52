package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookflow/hookflow/metrics"
)

// claimBlock bounds each blocking pop so loops notice cancellation.
const claimBlock = 2 * time.Second

// Worker consumes one queue with a fixed number of goroutines. It also
// runs the queue's delayed-message promoter and the processing-list
// reaper.
type Worker struct {
	queue       string
	concurrency int
	handler     Handler
	rq          *RedisQueue
	logger      *slog.Logger

	// Lifecycle
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Counters
	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker builds a worker for one queue.
func NewWorker(rq *RedisQueue, queue string, concurrency int, handler Handler, logger *slog.Logger) (*Worker, error) {
	if queue == "" {
		return nil, errors.New("queue name required")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	if handler == nil {
		return nil, errors.New("handler required")
	}
	return &Worker{
		queue:       queue,
		concurrency: concurrency,
		handler:     handler,
		rq:          rq,
		logger:      logger,
	}, nil
}

// Start launches the consume, promote and reap goroutines. It returns
// immediately; processing continues until Stop or context cancellation.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker for queue %q already running", w.queue)
	}
	w.running = true
	subCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	for range w.concurrency {
		w.wg.Add(1)
		go w.consumeLoop(subCtx)
	}
	w.wg.Add(2)
	go w.promoteLoop(subCtx)
	go w.reapLoop(subCtx)

	w.logger.Info("Queue worker started",
		"queue", w.queue, "concurrency", w.concurrency)
	return nil
}

// Stop cancels the loops and waits for in-flight handlers to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	w.logger.Info("Queue worker stopped",
		"queue", w.queue,
		"processed", w.processed.Load(),
		"failed", w.failed.Load())
}

// Processed reports how many messages completed successfully.
func (w *Worker) Processed() int64 { return w.processed.Load() }

// Failed reports how many messages failed in their handler.
func (w *Worker) Failed() int64 { return w.failed.Load() }

func (w *Worker) consumeLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, raw, err := w.rq.claim(ctx, w.queue, claimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("Claim failed", "queue", w.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		w.handle(ctx, msg, raw)
	}
}

func (w *Worker) handle(ctx context.Context, msg *Message, raw string) {
	start := time.Now()
	err := w.handler(ctx, *msg)
	if err != nil {
		// Shutdown mid-handler: leave the message in processing so the
		// claim TTL lapses and the reaper returns it to ready.
		if ctx.Err() != nil {
			w.logger.Info("Shutdown interrupted message, leaving for reaper",
				"queue", w.queue, "type", msg.Type, "run_id", msg.RunID)
			return
		}
		w.failed.Add(1)
		metrics.QueueJobsTotal.WithLabelValues(w.queue, "failed").Inc()
		w.rq.fail(ctx, w.queue, msg, raw)
		w.logger.Error("Message handler failed",
			"queue", w.queue,
			"type", msg.Type,
			"run_id", msg.RunID,
			"duration", time.Since(start),
			"error", err)
		return
	}

	w.processed.Add(1)
	metrics.QueueJobsTotal.WithLabelValues(w.queue, "completed").Inc()
	w.rq.ack(ctx, w.queue, msg, raw)
	w.logger.Debug("Message handled",
		"queue", w.queue,
		"type", msg.Type,
		"run_id", msg.RunID,
		"duration", time.Since(start))
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.rq.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.rq.promoteDue(ctx, w.queue); err != nil && ctx.Err() == nil {
			w.logger.Warn("Promote sweep failed", "queue", w.queue, "error", err)
		}
	}
}

// reapLoop returns claim-less processing entries to ready. A stale
// entry is requeued only on its second consecutive sighting, which
// gives a freshly claimed message time to set its claim marker.
func (w *Worker) reapLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.rq.cfg.ReapInterval)
	defer ticker.Stop()
	pending := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		w.updateDepthGauges(ctx)

		stale, err := w.rq.staleProcessing(ctx, w.queue)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("Processing sweep failed", "queue", w.queue, "error", err)
			}
			continue
		}
		next := make(map[string]bool, len(stale))
		for _, entry := range stale {
			if !pending[entry.id] {
				next[entry.id] = true
				continue
			}
			requeued, err := w.rq.requeue(ctx, w.queue, entry.raw)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("Requeue failed", "queue", w.queue, "message_id", entry.id, "error", err)
				}
				continue
			}
			if requeued {
				metrics.QueueJobsTotal.WithLabelValues(w.queue, "reaped").Inc()
				w.logger.Warn("Requeued stale message",
					"queue", w.queue, "message_id", entry.id)
			}
		}
		pending = next
	}
}

func (w *Worker) updateDepthGauges(ctx context.Context) {
	ready, delayed, processing, err := w.rq.Depths(ctx, w.queue)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Debug("Depth probe failed", "queue", w.queue, "error", err)
		}
		return
	}
	metrics.QueueDepth.WithLabelValues(w.queue, "ready").Set(float64(ready))
	metrics.QueueDepth.WithLabelValues(w.queue, "delayed").Set(float64(delayed))
	metrics.QueueDepth.WithLabelValues(w.queue, "processing").Set(float64(processing))
}
