// Package clock abstracts wall time and randomness so pipeline decisions can
// be driven deterministically in tests.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RNG interface {
	// Int63n returns a value in [0, n). n must be positive.
	Int63n(n int64) int64
}

type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

type RealRNG struct{}

func (RealRNG) Int63n(n int64) int64 { return rand.Int64N(n) }

// Fake is a manually advanced clock.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// FixedRNG always returns min(Value, n-1).
type FixedRNG struct {
	Value int64
}

func (r FixedRNG) Int63n(n int64) int64 {
	if r.Value >= n {
		return n - 1
	}
	return r.Value
}
