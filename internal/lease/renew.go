package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/exportd/internal/clock"
)

// ErrInvalidInterval is returned by RunWithRenewal for a non-positive interval.
var ErrInvalidInterval = errors.New("renewal interval must be positive")

// RenewFunc extends one lease-like resource.
type RenewFunc func(ctx context.Context) error

// All combines renewals that must all succeed, in order.
func All(fns ...RenewFunc) RenewFunc {
	return func(ctx context.Context) error {
		for _, fn := range fns {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// RunWithRenewal runs work while renew is called every interval. Renewal
// stops as soon as work returns. A failed renewal cancels work's context and
// its error is returned.
func RunWithRenewal(ctx context.Context, interval time.Duration, renew RenewFunc, work func(ctx context.Context) error) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return work(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := renew(gctx); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

// Renewer renews a set of resources at most once per interval when asked
// through Renew, and unconditionally through Force. Long-running loops call
// Renew at convenient points; RunWithRenewal drives Force in the background.
type Renewer struct {
	mu    sync.Mutex
	fns   []RenewFunc
	every time.Duration
	clock clock.Clock
	last  time.Time
}

func NewRenewer(c clock.Clock, every time.Duration, fns ...RenewFunc) *Renewer {
	return &Renewer{fns: fns, every: every, clock: c, last: c.Now()}
}

// Renew renews when the last renewal is at least one interval old.
func (r *Renewer) Renew(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clock.Now().Sub(r.last) < r.every {
		return nil
	}
	return r.renewLocked(ctx)
}

// Force renews now.
func (r *Renewer) Force(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.renewLocked(ctx)
}

func (r *Renewer) renewLocked(ctx context.Context) error {
	now := r.clock.Now()
	if err := All(r.fns...)(ctx); err != nil {
		return err
	}
	r.last = now
	return nil
}

// Run is RunWithRenewal driven by r.
func (r *Renewer) Run(ctx context.Context, work func(ctx context.Context) error) error {
	return RunWithRenewal(ctx, r.every, r.Force, work)
}
