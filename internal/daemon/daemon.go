// Package daemon hosts the export pipeline. It owns the state directory,
// runs the task loops and serves the control socket.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/clock"
	"github.com/msageha/exportd/internal/commands"
	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/export"
	"github.com/msageha/exportd/internal/filestore"
	"github.com/msageha/exportd/internal/lock"
	"github.com/msageha/exportd/internal/metrics"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
	"github.com/msageha/exportd/internal/uds"
)

// Daemon is the exportd host process.
type Daemon struct {
	cfg   model.Config
	log   zerolog.Logger
	clock clock.Clock
	rng   clock.RNG
	feed  commands.Feed

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	httpSrv  *http.Server

	backend  store.Backend
	files    *filestore.Local
	bus      *events.Bus
	activity *events.ActivityLog
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	env      *export.Env
	monitor  *export.Monitor
	reaper   *export.Reaper
	tasks    []export.Task

	scanCh chan struct{}

	statusMu     sync.Mutex
	startedAt    time.Time
	holdingSwept int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{}
}

// Option changes a Daemon before Run.
type Option func(*Daemon)

// WithFeed attaches a command feed. Without one the static feed configured
// by commands.feed_default answers every lookup.
func WithFeed(f commands.Feed) Option {
	return func(d *Daemon) { d.feed = f }
}

func WithClock(c clock.Clock) Option {
	return func(d *Daemon) { d.clock = c }
}

// New creates a daemon for cfg. Nothing is opened until Run.
func New(cfg model.Config, logger zerolog.Logger, opts ...Option) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		cfg:      cfg,
		log:      logger.With().Str("component", "daemon").Logger(),
		clock:    clock.Real{},
		rng:      clock.RealRNG{},
		fileLock: lock.NewFileLock(cfg.ResolvePath(filepath.Join("locks", "exportd.lock"))),
		scanCh:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.server = uds.NewServer(SocketPath(cfg), logger)
	return d
}

// SocketPath is the control socket of the daemon owning cfg.StateDir.
func SocketPath(cfg model.Config) string {
	return cfg.ResolvePath(uds.DefaultSocketName)
}

// Run starts the daemon and blocks until ctx ends, a signal arrives or a
// shutdown command is received. Shutdown has completed when Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(d.cfg.ResolvePath("locks"), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = d.clock.Now()
	d.log.Info().Int("pid", os.Getpid()).Str("state_dir", d.cfg.StateDir).Msg("daemon starting")

	// Step 2: Open storage and build the pipeline
	if err := d.open(); err != nil {
		return d.abort(err)
	}

	// Step 3: Watch the export tree
	if err := d.watch(); err != nil {
		return d.abort(err)
	}

	// Step 4: Control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return d.abort(fmt.Errorf("start UDS server: %w", err))
	}
	d.log.Info().Str("socket", SocketPath(d.cfg)).Msg("UDS server listening")

	// Step 5: HTTP endpoint
	if err := d.serveHTTP(); err != nil {
		return d.abort(err)
	}

	// Step 6: Start task and background loops
	for _, t := range d.tasks {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			export.Run(d.ctx, t, d.log, d.metrics)
		}()
	}
	d.wg.Add(3)
	go d.fsnotifyLoop()
	go d.scanLoop()
	go d.sweepLoop()

	if err := d.writeStatus(d.ctx); err != nil {
		d.log.Warn().Err(err).Msg("initial status snapshot failed")
	}
	d.log.Info().Int("tasks", len(d.tasks)).Msg("daemon ready")

	// Step 7: Wait for a stop request
	d.waitSignals(ctx)
	return nil
}

// open creates the store, file store, event sinks, metrics and tasks.
func (d *Daemon) open() error {
	switch d.cfg.Store.Driver {
	case "memory":
		d.backend = store.NewMemory(d.clock)
	default:
		db, err := store.OpenSQLite(d.cfg.ResolvePath(d.cfg.Store.Path), d.clock)
		if err != nil {
			return err
		}
		d.backend = db
	}

	files, err := filestore.NewLocal(d.cfg.Files.Root, d.cfg.ResolvePath(filepath.Join("state", "lifetimes.yaml")), d.clock, d.log)
	if err != nil {
		return err
	}
	d.files = files

	d.activity, err = events.NewActivityLog(d.cfg.ResolvePath(filepath.Join("logs", "activity"+events.LogFileExtension)), 0, d.log)
	if err != nil {
		return err
	}
	d.bus = events.NewBus(256)
	d.bus.SubscribeAll(d.activity.Record)

	d.registry = prometheus.NewRegistry()
	d.metrics = metrics.New(d.registry)
	metrics.RegisterRuntime(d.registry)

	d.env, err = export.OpenEnv(d.cfg, export.Deps{
		Backend: d.backend,
		Files:   d.files,
		Feed:    d.feed,
		Events:  d.bus,
		Metrics: d.metrics,
		Clock:   d.clock,
		Logger:  d.log,
	})
	if err != nil {
		return err
	}

	d.monitor = export.NewMonitor(d.env)
	d.reaper, err = export.NewReaper(d.env, d.rng)
	if err != nil {
		return err
	}

	d.tasks = append(d.tasks, d.monitor)
	for range d.cfg.ManifestProcessor.Instances {
		d.tasks = append(d.tasks, export.NewManifestProcessor(d.env))
	}
	for range d.cfg.DataFileProcessor.Instances {
		d.tasks = append(d.tasks, export.NewDataFileProcessor(d.env))
	}
	for range d.cfg.CompleteProcessor.Instances {
		d.tasks = append(d.tasks, export.NewCompleteProcessor(d.env))
	}
	d.tasks = append(d.tasks, d.reaper)
	return nil
}

// sweep removes holding files whose lifetime expired.
func (d *Daemon) sweep(ctx context.Context) (int, error) {
	n, err := d.files.Sweep(ctx)
	if n > 0 {
		d.metrics.HoldingFilesSwept.Add(float64(n))
		d.statusMu.Lock()
		d.holdingSwept += n
		d.statusMu.Unlock()
	}
	return n, err
}

// sweepLoop runs the lifetime sweep and refreshes the status snapshot.
func (d *Daemon) sweepLoop() {
	defer d.wg.Done()

	interval := d.cfg.Daemon.SweepInterval.D()
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.sweep(d.ctx); err != nil {
				d.log.Warn().Err(err).Msg("lifetime sweep failed")
			} else if n > 0 {
				d.log.Info().Int("removed", n).Msg("expired holding files removed")
			}
			if err := d.writeStatus(d.ctx); err != nil && d.ctx.Err() == nil {
				d.log.Warn().Err(err).Msg("status snapshot failed")
			}
		}
	}
}

// waitSignals blocks until a signal, ctx ending or a shutdown command, then
// shuts down.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info().Str("signal", sig.String()).Msg("received signal, initiating graceful shutdown")
		// Second signal → force exit
		go func() {
			select {
			case <-sigCh:
				d.log.Warn().Msg("received second signal, forcing exit")
				os.Exit(1)
			case <-d.done:
			}
		}()
	case <-ctx.Done():
		d.log.Info().Msg("context cancelled, initiating graceful shutdown")
	case <-d.ctx.Done():
	}

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Later calls wait for the first.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Info().Msg("shutdown started")

		// 1. Cancel context (stops task loops)
		d.cancel()

		// 2. Stop producers
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		_ = d.server.Stop()
		if d.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.httpSrv.Shutdown(ctx)
			cancel()
		}

		// 3. Drain in-flight with timeout
		timeout := d.cfg.Daemon.ShutdownTimeout.D()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		drained := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
			d.log.Info().Msg("all goroutines drained")
		case <-time.After(timeout):
			d.log.Warn().Dur("timeout", timeout).Msg("shutdown timeout, some operations may be incomplete")
		}

		// 4. Cleanup
		d.cleanup()
		d.log.Info().Msg("daemon stopped")
		close(d.done)
	})
}

// abort undoes a partial start.
func (d *Daemon) abort(err error) error {
	d.cancel()
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	_ = d.server.Stop()
	d.wg.Wait()
	d.cleanup()
	return err
}

// cleanup releases resources in reverse order of open.
func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.activity != nil {
		if err := d.activity.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close activity log")
		}
	}
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close store")
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warn().Err(err).Msg("release daemon lock")
	}
}
