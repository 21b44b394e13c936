package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zjoart/go-payment-ledger/internal/gateway"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
)

const (
	maxRetries  = 3
	pollTimeout = 5 * time.Second
)

// Queue is the event queue the worker drains. Dequeue returns redis.Nil
// when nothing arrived within timeout.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error)
	PushToDLQ(ctx context.Context, data []byte) error
}

type Handler interface {
	Handle(ctx context.Context, ev gateway.TransactionEvent) (Outcome, error)
}

type Worker struct {
	handler     Handler
	queue       Queue
	concurrency int
	// backoff grows linearly: attempt n waits n*backoff.
	backoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(handler Handler, queue Queue, concurrency int) *Worker {
	return &Worker{
		handler:     handler,
		queue:       queue,
		concurrency: max(concurrency, 1),
		backoff:     time.Second,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	logger.Info("Starting event worker...", logger.Fields{"concurrency": w.concurrency})
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.processEvents(ctx)
		}()
	}
}

// Stop cancels the consumers and waits for in-flight events.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	logger.Info("Event worker stopped")
}

func (w *Worker) processEvents(ctx context.Context) {
	for ctx.Err() == nil {
		data, err := w.queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Error("Worker: failed to read event queue", logger.WithError(err))
			w.sleep(ctx, w.backoff)
			continue
		}
		w.process(ctx, data)
	}
}

func (w *Worker) process(ctx context.Context, data []byte) {
	var ev gateway.TransactionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logger.Error("Worker: failed to unmarshal event", logger.Fields{"error": err.Error(), "data": string(data)})
		w.moveToDLQ(ctx, data)
		return
	}

	fields := eventFields(ev)
	for attempt := 1; attempt <= maxRetries; attempt++ {
		outcome, err := w.handler.Handle(ctx, ev)
		if err == nil {
			logger.Debug("Worker: event processed", logger.Merge(fields, logger.Fields{"outcome": string(outcome)}))
			return
		}
		if IsPermanent(err) {
			logger.Warn("Worker: dropping event that cannot succeed", logger.Merge(fields, logger.WithError(err)))
			return
		}

		logger.Warn("Worker: failed to process event, retrying", logger.Merge(fields, logger.WithError(err), logger.Fields{"attempt": attempt}))
		if attempt < maxRetries && !w.sleep(ctx, time.Duration(attempt)*w.backoff) {
			break
		}
	}

	logger.Error("Worker: retries exhausted, moving to DLQ", fields)
	w.moveToDLQ(ctx, data)
}

// sleep waits d or until ctx is done, reporting whether the full wait elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Worker) moveToDLQ(ctx context.Context, data []byte) {
	// the event must land even when shutdown interrupted the retries
	if err := w.queue.PushToDLQ(context.WithoutCancel(ctx), data); err != nil {
		logger.Error("Worker: failed to push to DLQ", logger.Fields{"error": err.Error()})
	}
}
