package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"filestore/internal/logging"
	"filestore/internal/store"
)

const (
	DefaultActiveInterval = 30 * time.Second
	DefaultIdleInterval   = 10 * time.Second
)

var (
	reaperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filestore_reaper_runs_total",
		Help: "Expiry sweeps by outcome (idle, ok, error).",
	}, []string{"outcome"})

	reaperPurgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filestore_reaper_purged_total",
		Help: "Records removed by the expiry sweep, by kind.",
	}, []string{"kind"})

	reaperDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filestore_reaper_duration_seconds",
		Help:    "Duration of active expiry sweeps.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

// Store is the persistence the reaper sweeps.
type Store interface {
	LoadRetention(ctx context.Context, fallback time.Duration) (store.Retention, error)
	DeleteOlderThan(ctx context.Context, window time.Duration, now time.Time) ([]store.PurgedCode, error)
}

// Forgetter is told about every purged code.
type Forgetter interface {
	Forget(ctx context.Context, purged []store.PurgedCode)
}

// Config controls the sweep cadence.
type Config struct {
	ActiveInterval time.Duration // between sweeps while retention is on
	IdleInterval   time.Duration // between retention checks while it is off
	FallbackWindow time.Duration // used when no window is persisted
}

// Result describes one sweep.
type Result struct {
	Active bool
	Purged []store.PurgedCode
}

// Reaper deletes records older than the persisted retention window.
type Reaper struct {
	store  Store
	forget Forgetter
	cfg    Config
	now    func() time.Time

	mu     sync.Mutex // serializes RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reaper. forget may be nil.
func New(s Store, forget Forgetter, cfg Config) *Reaper {
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = DefaultActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	return &Reaper{store: s, forget: forget, cfg: cfg, now: time.Now}
}

// Start runs the sweep loop until Stop is called or ctx ends.
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(ctx)
	logging.Reaper.Printf("started (active every %s, idle every %s)", r.cfg.ActiveInterval, r.cfg.IdleInterval)
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	logging.Reaper.Println("stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.done)

	for {
		wait := r.cfg.IdleInterval
		res, err := r.RunOnce(ctx)
		if err != nil {
			logging.Reaper.Printf("sweep failed: %v", err)
		}
		if res != nil && res.Active {
			wait = r.cfg.ActiveInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce performs a single sweep with the retention settings as they are
// stored right now. Records that could not be deleted are reported in the
// error; everything else purged is still returned.
func (r *Reaper) RunOnce(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	retention, err := r.store.LoadRetention(ctx, r.cfg.FallbackWindow)
	if err != nil {
		reaperRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load retention: %w", err)
	}
	if !retention.Active() {
		reaperRunsTotal.WithLabelValues("idle").Inc()
		return &Result{}, nil
	}

	start := time.Now()
	purged, err := r.store.DeleteOlderThan(ctx, retention.Window, r.now())
	reaperDurationSeconds.Observe(time.Since(start).Seconds())

	for _, p := range purged {
		reaperPurgedTotal.WithLabelValues(string(p.Kind)).Inc()
	}
	if len(purged) > 0 {
		logging.Reaper.Printf("purged %d records older than %s", len(purged), retention.Window)
		if r.forget != nil {
			r.forget.Forget(ctx, purged)
		}
	}

	if err != nil {
		reaperRunsTotal.WithLabelValues("error").Inc()
		return &Result{Active: true, Purged: purged}, err
	}
	reaperRunsTotal.WithLabelValues("ok").Inc()
	return &Result{Active: true, Purged: purged}, nil
}
