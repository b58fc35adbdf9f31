package provider

import (
	"log/slog"
	"sync"
)

// Downloads tracks background model downloads so each model name is pulled
// at most once at a time.
type Downloads struct {
	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// NewDownloads returns an empty tracker.
func NewDownloads() *Downloads {
	return &Downloads{inFlight: make(map[string]bool)}
}

// Start runs fn on a new goroutine unless a download for name is already
// running. It reports whether fn was started and never blocks on fn.
func (d *Downloads) Start(name string, fn func() error) bool {
	d.mu.Lock()
	if d.inFlight[name] {
		d.mu.Unlock()
		return false
	}
	d.inFlight[name] = true
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inFlight, name)
			d.mu.Unlock()
		}()
		slog.Info("model download started", "model", name)
		if err := fn(); err != nil {
			slog.Warn("model download failed", "model", name, "error", err)
			return
		}
		slog.Info("model download finished", "model", name)
	}()
	return true
}

// InFlight reports whether name is being downloaded.
func (d *Downloads) InFlight(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[name]
}

// Wait blocks until every started download has returned.
func (d *Downloads) Wait() {
	d.wg.Wait()
}
