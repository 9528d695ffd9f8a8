package matcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// LoadFunc produces a fresh dataset value and its version string.
type LoadFunc[T any] func(ctx context.Context) (T, string, error)

// Refreshable is the type-erased view of a Dataset used by the refresh
// scheduler.
type Refreshable interface {
	Name() string
	Refresh(ctx context.Context) error
	Run(ctx context.Context, interval time.Duration)
}

type snapshot[T any] struct {
	value    T
	version  string
	loadedAt time.Time
}

// Dataset is the refreshable-resource wrapper every matcher dataset uses:
// load on start, refresh on an independent schedule, and keep serving the
// last good snapshot when a refresh fails. Readers never block on an
// in-flight refresh; they always see a complete snapshot via an atomic
// pointer swap.
type Dataset[T any] struct {
	name string
	load LoadFunc[T]
	cur  atomic.Pointer[snapshot[T]]
}

// NewDataset creates an unloaded dataset. Until the first successful
// Refresh, Current reports ok=false and the owning matcher fails closed.
func NewDataset[T any](name string, load LoadFunc[T]) *Dataset[T] {
	return &Dataset[T]{name: name, load: load}
}

// Current returns the last successfully loaded value and its version.
func (d *Dataset[T]) Current() (value T, version string, ok bool) {
	s := d.cur.Load()
	if s == nil {
		var zero T
		return zero, "", false
	}
	return s.value, s.version, true
}

// Refresh loads a new snapshot and swaps it in. On failure the previous
// snapshot stays live; having never loaded at all is the only state in
// which the matcher reports no matches.
func (d *Dataset[T]) Refresh(ctx context.Context) error {
	value, version, err := d.load(ctx)
	if err != nil {
		if d.cur.Load() == nil {
			zap.L().Warn("dataset refresh failed, no prior snapshot; matcher fails closed",
				zap.String("dataset", d.name),
				zap.Error(err),
			)
		} else {
			zap.L().Warn("dataset refresh failed, serving previous snapshot",
				zap.String("dataset", d.name),
				zap.String("version", d.cur.Load().version),
				zap.Error(err),
			)
		}
		return eris.Wrapf(err, "matcher: refresh dataset %s", d.name)
	}

	d.cur.Store(&snapshot[T]{value: value, version: version, loadedAt: time.Now()})
	zap.L().Info("dataset refreshed",
		zap.String("dataset", d.name),
		zap.String("version", version),
	)
	return nil
}

// Run refreshes on a fixed interval until ctx is cancelled. Intended for a
// background goroutine per dataset, isolated from the request path.
func (d *Dataset[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = d.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Name identifies the dataset in logs and refresh requests.
func (d *Dataset[T]) Name() string { return d.name }
