// Package lease implements named, time-bounded exclusive ownership on top of
// a store table. A lease must be renewed before it expires or another owner
// may take it over.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/clock"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

// ErrLeaseLost is returned once the lease row was taken over, deleted or released.
var ErrLeaseLost = errors.New("lease lost")

// releasedExpiry marks a released but not purged lease row.
var releasedExpiry = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// waitRetryInterval is the polling cadence of AttemptAcquire with waitIfHeld.
var waitRetryInterval = 500 * time.Millisecond

type Manager struct {
	table  store.Table[*model.LockEntry]
	clock  clock.Clock
	logger zerolog.Logger
}

func NewManager(table store.Table[*model.LockEntry], c clock.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		table:  table,
		clock:  c,
		logger: logger.With().Str("component", "lease").Logger(),
	}
}

// AttemptAcquire takes the (group, name) lease for owner. It returns nil
// without error when another owner holds an unexpired lease, unless
// waitIfHeld is set, in which case it polls until acquired or ctx ends.
func (m *Manager) AttemptAcquire(ctx context.Context, group, name, owner string, d time.Duration, waitIfHeld bool) (*Lease, error) {
	for {
		l, err := m.tryAcquire(ctx, group, name, owner, d)
		if err != nil || l != nil || !waitIfHeld {
			return l, err
		}
		t := time.NewTimer(waitRetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (m *Manager) tryAcquire(ctx context.Context, group, name, owner string, d time.Duration) (*Lease, error) {
	now := m.clock.Now()

	entry := model.NewLockEntry(group, name)
	entry.LockExpires = now.Add(d)
	entry.OwnerTaskID = owner
	ok, err := m.table.Insert(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s/%s: %w", group, name, err)
	}
	if ok {
		m.logger.Debug().Str("group", group).Str("name", name).Str("owner", owner).Msg("lease_acquire new")
		return &Lease{m: m, entry: entry}, nil
	}

	cur, err := m.table.GetItem(ctx, group, name)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s/%s: %w", group, name, err)
	}
	if cur == nil {
		// purged between insert and read; the next attempt will insert
		return nil, nil
	}
	if cur.OwnerTaskID != owner && cur.LockExpires.After(now) {
		return nil, nil
	}

	prevOwner := cur.OwnerTaskID
	cur.LockExpires = now.Add(d)
	cur.OwnerTaskID = owner
	ok, err = m.table.Replace(ctx, cur)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s/%s: %w", group, name, err)
	}
	if !ok {
		return nil, nil
	}
	m.logger.Debug().Str("group", group).Str("name", name).Str("owner", owner).
		Str("previous_owner", prevOwner).Msg("lease_acquire takeover")
	return &Lease{m: m, entry: cur}, nil
}

// Lease is a held lock. It is safe for concurrent use by the work and the
// renewal goroutine.
type Lease struct {
	m *Manager

	mu    sync.Mutex
	entry *model.LockEntry
	lost  bool
}

func (l *Lease) Group() string { return l.entry.PartitionKey }
func (l *Lease) Name() string  { return l.entry.RowKey }
func (l *Lease) Owner() string { return l.entry.OwnerTaskID }

func (l *Lease) Expires() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry.LockExpires
}

// Renew extends the lease to now+d.
func (l *Lease) Renew(ctx context.Context, d time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lost {
		return ErrLeaseLost
	}
	prev := l.entry.LockExpires
	l.entry.LockExpires = l.m.clock.Now().Add(d)
	ok, err := l.m.table.Replace(ctx, l.entry)
	if err != nil {
		l.entry.LockExpires = prev
		return fmt.Errorf("renew lease %s/%s: %w", l.Group(), l.Name(), err)
	}
	if !ok {
		l.lost = true
		return fmt.Errorf("renew lease %s/%s: %w", l.Group(), l.Name(), ErrLeaseLost)
	}
	return nil
}

// Release gives the lease up. With purge the row is deleted, otherwise it is
// kept with a past expiry so the key stays cheap to re-acquire.
func (l *Lease) Release(ctx context.Context, purge bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lost {
		return ErrLeaseLost
	}
	l.lost = true

	var (
		ok  bool
		err error
	)
	if purge {
		ok, err = l.m.table.DeleteItem(ctx, l.entry)
	} else {
		l.entry.LockExpires = releasedExpiry
		l.entry.OwnerTaskID = ""
		ok, err = l.m.table.Replace(ctx, l.entry)
	}
	if err != nil {
		return fmt.Errorf("release lease %s/%s: %w", l.Group(), l.Name(), err)
	}
	if !ok {
		return fmt.Errorf("release lease %s/%s: %w", l.Group(), l.Name(), ErrLeaseLost)
	}
	l.m.logger.Debug().Str("group", l.Group()).Str("name", l.Name()).Bool("purge", purge).Msg("lease_release")
	return nil
}
