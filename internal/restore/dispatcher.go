package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filestore/internal/logging"
	"filestore/internal/store"
)

var (
	ErrInvalidCode   = errors.New("invalid or expired code")
	ErrRestoreFailed = errors.New("restore failed")
)

// DefaultItemDelay spaces batch items so the platform's flood limits are
// not hit.
const DefaultItemDelay = 1500 * time.Millisecond

var (
	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filestore_restores_total",
		Help: "Restore requests by resolved kind and outcome.",
	}, []string{"kind", "outcome"})

	restoreItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filestore_restore_items_total",
		Help: "Batch items relayed during restores, by outcome.",
	}, []string{"outcome"})

	restoresInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filestore_restores_in_flight",
		Help: "Restores currently running in the background.",
	})
)

// Resolver looks up stored codes.
type Resolver interface {
	Lookup(ctx context.Context, code string) (*store.Resolution, error)
}

// Relayer copies a stored payload to a chat.
type Relayer interface {
	RelayByReference(ctx context.Context, src, ref, dest int64) (int64, error)
}

// Notifier sends short text replies.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Result summarizes a finished restore.
type Result struct {
	Kind      store.CodeKind
	Delivered int
	Skipped   int
}

// Dispatcher delivers the payloads behind a code to a requester.
type Dispatcher struct {
	resolver    Resolver
	relay       Relayer
	notify      Notifier
	storageChat int64
	itemDelay   time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher reading payloads from storageChat.
// itemDelay is the minimum spacing between batch items.
func NewDispatcher(resolver Resolver, relay Relayer, notify Notifier, storageChat int64, itemDelay time.Duration) *Dispatcher {
	return &Dispatcher{
		resolver:    resolver,
		relay:       relay,
		notify:      notify,
		storageChat: storageChat,
		itemDelay:   itemDelay,
	}
}

// Restore resolves code and relays its payloads to chat. A batch announces
// its size first and then delivers every item in stored order; items that
// fail are skipped and the restore still succeeds.
func (d *Dispatcher) Restore(ctx context.Context, code string, chat int64) (*Result, error) {
	res, err := d.resolver.Lookup(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		restoresTotal.WithLabelValues("none", "invalid").Inc()
		return nil, ErrInvalidCode
	}
	if err != nil {
		restoresTotal.WithLabelValues("none", "error").Inc()
		return nil, fmt.Errorf("failed to look up %s: %w", code, err)
	}

	switch res.Kind {
	case store.CodeFile:
		if _, err := d.relay.RelayByReference(ctx, d.storageChat, res.File.PayloadRef, chat); err != nil {
			restoresTotal.WithLabelValues("file", "failed").Inc()
			return nil, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
		}
		restoresTotal.WithLabelValues("file", "ok").Inc()
		return &Result{Kind: store.CodeFile, Delivered: 1}, nil

	case store.CodeBatch:
		result, err := d.restoreBatch(ctx, code, res.Items, chat)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		restoresTotal.WithLabelValues("batch", outcome).Inc()
		return result, err
	}

	return nil, fmt.Errorf("%w: code %s has unknown kind %q", ErrRestoreFailed, code, res.Kind)
}

func (d *Dispatcher) restoreBatch(ctx context.Context, code string, items []store.BatchItem, chat int64) (*Result, error) {
	result := &Result{Kind: store.CodeBatch}

	if err := d.notify.SendText(ctx, chat, fmt.Sprintf("Sending %d files…", len(items))); err != nil {
		logging.Restore.Printf("failed to announce batch %s to %d: %v", code, chat, err)
	}

	for i, item := range items {
		if i > 0 {
			if err := pause(ctx, d.itemDelay); err != nil {
				return result, fmt.Errorf("%w: %w", ErrRestoreFailed, err)
			}
		}
		if _, err := d.relay.RelayByReference(ctx, d.storageChat, item.PayloadRef, chat); err != nil {
			logging.Restore.Printf("skipping item %d of batch %s for %d: %v", item.Position, code, chat, err)
			restoreItemsTotal.WithLabelValues("skipped").Inc()
			result.Skipped++
			continue
		}
		restoreItemsTotal.WithLabelValues("ok").Inc()
		result.Delivered++
	}
	return result, nil
}

// pause waits d after the previous item finished, however long its relay
// and retries took.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start runs a restore in the background. The restore keeps the values of
// ctx but not its cancellation, so once started it runs to completion.
// done, if set, receives the outcome. The returned id tags the job's logs.
func (d *Dispatcher) Start(ctx context.Context, code string, chat int64, done func(*Result, error)) string {
	id := uuid.NewString()
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	restoresInFlight.Inc()
	go func() {
		defer d.wg.Done()
		defer restoresInFlight.Dec()

		start := time.Now()
		res, err := d.Restore(ctx, code, chat)
		if err != nil {
			logging.Restore.Printf("job %s: restore of %s for %d failed: %v", id, code, chat, err)
		} else {
			logging.Restore.Printf("job %s: restored %s for %d (%d delivered, %d skipped) in %s",
				id, code, chat, res.Delivered, res.Skipped, time.Since(start).Round(time.Millisecond))
		}
		if done != nil {
			done(res, err)
		}
	}()
	return id
}

// Wait blocks until every started restore has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
