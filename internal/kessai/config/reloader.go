package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reloader keeps the latest settings snapshot for lock-free readers.
type Reloader struct {
	store    Store
	interval time.Duration
	current  atomic.Pointer[Settings]
}

// NewReloader loads the initial snapshot. A failing first load is an error;
// later failures keep the previous snapshot.
func NewReloader(ctx context.Context, st Store, interval time.Duration) (*Reloader, error) {
	r := &Reloader{store: st, interval: interval}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the latest snapshot.
func (r *Reloader) Current() Settings {
	return *r.current.Load()
}

// Refresh reloads the snapshot now.
func (r *Reloader) Refresh(ctx context.Context) error {
	s, err := Load(ctx, r.store)
	if err != nil {
		return err
	}
	r.current.Store(&s)
	return nil
}

// Run refreshes periodically until ctx is done.
func (r *Reloader) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("failed to reload settings; keeping previous snapshot", "err", err)
			}
		}
	}
}
