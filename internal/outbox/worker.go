package outbox

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"heirloom.org/internal/obs"
)

// Dispatcher performs one effect against the external collaborator. The bool
// result mirrors the collaborator's delivered/accepted acknowledgement.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind, recipient string, vars map[string]string) (bool, error)
}

const (
	defaultBatch       = 50
	defaultMaxAttempts = 8
	retryBase          = 30 * time.Second
	retryCap           = time.Hour
)

// Worker drains pending effects on an interval.
type Worker struct {
	store    Store
	dispatch Dispatcher
	interval time.Duration
	maxTries int
	now      func() time.Time
}

// NewWorker builds a drain worker over the store.
func NewWorker(store Store, dispatch Dispatcher, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Worker{
		store:    store,
		dispatch: dispatch,
		interval: interval,
		maxTries: defaultMaxAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run drains until the context ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes one batch of due effects.
func (w *Worker) DrainOnce(ctx context.Context) {
	now := w.now()
	due, err := w.store.Due(ctx, now, defaultBatch)
	if err != nil {
		obs.Log(map[string]any{"level": "error", "msg": "outbox list due failed", "err": err.Error()})
		return
	}
	for _, e := range due {
		w.deliver(ctx, e)
	}
	if n, err := w.store.PendingCount(ctx); err == nil {
		obs.OutboxPending.Set(float64(n))
	}
}

// deliver makes a few quick attempts in process, then either acknowledges the
// effect or schedules a durable retry with exponential backoff.
func (w *Worker) deliver(ctx context.Context, e *Effect) {
	var delivered bool
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var derr error
		delivered, derr = w.dispatch.Dispatch(ctx, e.Kind, e.Recipient, e.Vars)
		if derr != nil {
			return retry.RetryableError(derr)
		}
		return nil
	})

	now := w.now()
	if err == nil && delivered {
		if merr := w.store.MarkDelivered(ctx, e.ID, now); merr != nil {
			obs.Log(map[string]any{"level": "error", "msg": "outbox mark delivered failed", "effect": e.ID, "err": merr.Error()})
		}
		return
	}

	obs.OutboxDispatchFailures.Inc()
	reason := "not delivered"
	if err != nil {
		reason = err.Error()
	}
	attempts := e.Attempts + 1
	if attempts >= w.maxTries {
		obs.Log(map[string]any{"level": "error", "msg": "outbox effect dead-lettered", "effect": e.ID, "kind": e.Kind, "attempts": attempts, "err": reason})
		if merr := w.store.MarkFailed(ctx, e.ID, now, reason); merr != nil {
			obs.Log(map[string]any{"level": "error", "msg": "outbox mark failed failed", "effect": e.ID, "err": merr.Error()})
		}
		return
	}

	delay := retryBase << (attempts - 1)
	if delay > retryCap {
		delay = retryCap
	}
	if merr := w.store.MarkRetry(ctx, e.ID, attempts, now.Add(delay), reason); merr != nil {
		obs.Log(map[string]any{"level": "error", "msg": "outbox mark retry failed", "effect": e.ID, "err": merr.Error()})
	}
}
