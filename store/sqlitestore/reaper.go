package sqlitestore

import (
	"context"
	"log/slog"
	"time"
)

// Reaper runs periodic sweeps of expired cache rows.
type Reaper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithReaperInterval sets the sweep interval.
func WithReaperInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.interval = d
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// NewReaper creates a reaper for the store. Default interval is 5 minutes.
func NewReaper(store *Store, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		store:    store,
		interval: 5 * time.Minute,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the reap loop. It blocks until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.Sweep(ctx)
			if err != nil {
				r.logger.Error("cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Debug("swept expired cache rows", "rows", n)
			}
		}
	}
}
