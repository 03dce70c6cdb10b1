package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watch adds every {root}/{tag} directory and the agent directories below it.
func (d *Daemon) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	for _, tag := range d.cfg.Tags {
		dir := filepath.Join(d.cfg.Files.Root, tag)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("list %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if err := watcher.Add(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("watch %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// isTagDir reports whether dir is one of the watched tag roots.
func (d *Daemon) isTagDir(dir string) bool {
	for _, tag := range d.cfg.Tags {
		if filepath.Clean(dir) == filepath.Clean(filepath.Join(d.cfg.Files.Root, tag)) {
			return true
		}
	}
	return false
}

// fsnotifyLoop turns filesystem changes into debounced discovery passes.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			d.log.Debug().Str("op", event.Op.String()).Str("file", event.Name).Msg("fsnotify event")
			if event.Has(fsnotify.Create) && d.isTagDir(filepath.Dir(event.Name)) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := d.watcher.Add(event.Name); err != nil {
						d.log.Warn().Err(err).Str("dir", event.Name).Msg("watch agent dir")
					}
				}
			}
			d.requestScan()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// requestScan asks scanLoop for a pass without blocking.
func (d *Daemon) requestScan() {
	select {
	case d.scanCh <- struct{}{}:
	default:
	}
}

// scanLoop runs one discovery pass per burst of requests, once the burst
// has been quiet for the debounce window.
func (d *Daemon) scanLoop() {
	defer d.wg.Done()

	debounce := d.cfg.Daemon.Debounce.D()
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.scanCh:
		}

		timer := time.NewTimer(debounce)
	quiet:
		for {
			select {
			case <-d.ctx.Done():
				timer.Stop()
				return
			case <-d.scanCh:
				timer.Reset(debounce)
			case <-timer.C:
				break quiet
			}
		}

		sums, err := d.monitor.ScanAll(d.ctx)
		if err != nil {
			if d.ctx.Err() == nil {
				d.log.Warn().Err(err).Msg("triggered discovery pass failed")
			}
			continue
		}
		enqueued := 0
		for _, s := range sums {
			enqueued += s.Enqueued
		}
		d.log.Debug().Int("enqueued", enqueued).Msg("triggered discovery pass")
	}
}
