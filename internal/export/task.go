package export

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/metrics"
)

// Task is one pass of a periodic loop. RunOnce returns how long to wait
// before the next pass.
type Task interface {
	Name() string
	RunOnce(ctx context.Context) (time.Duration, error)
}

// errorPause is the wait after a pass failed unexpectedly.
var errorPause = 10 * time.Second

// Run calls task.RunOnce until ctx ends. Pass errors and panics are logged
// and counted; they never stop the loop.
func Run(ctx context.Context, task Task, logger zerolog.Logger, m *metrics.Metrics) {
	log := logger.With().Str("task", task.Name()).Logger()
	log.Info().Msg("task started")
	defer log.Info().Msg("task stopped")

	for {
		delay, err := runOnce(ctx, task, log)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("task pass failed")
			if m != nil {
				m.TaskErrors.WithLabelValues(task.Name()).Inc()
			}
			delay = errorPause
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// runOnce turns a panic in task.RunOnce into an error.
func runOnce(ctx context.Context, task Task, log zerolog.Logger) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("stack", string(debug.Stack())).Msgf("panic in task pass: %v", r)
			err = fmt.Errorf("task %s panicked: %v", task.Name(), r)
		}
	}()
	return task.RunOnce(ctx)
}
