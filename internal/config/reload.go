package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ApplyFunc receives the previous and the newly accepted configuration.
type ApplyFunc func(old, new *Config)

// stamp identifies one observed version of the config file.
type stamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// sameFile reports whether the cheap stat fields match.
func (s stamp) sameFile(info os.FileInfo) bool {
	return s.size == info.Size() && s.mtime.Equal(info.ModTime())
}

// Reloader keeps the running configuration in step with a YAML file. A new
// version is accepted only when its content differs and it validates; an
// invalid file leaves the current configuration in place.
//
// Reload checks the file once and is safe to call from any goroutine, for
// example a SIGHUP handler. Run polls until its context ends.
type Reloader struct {
	path     string
	apply    ApplyFunc
	interval time.Duration
	log      *slog.Logger

	// mu serialises reloads so apply sees versions in order.
	mu      sync.Mutex
	last    stamp
	current atomic.Pointer[Config]

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// ReloaderOption configures a [Reloader].
type ReloaderOption func(*Reloader)

// WithPollInterval sets how often Run stats the file. Default 5s.
func WithPollInterval(d time.Duration) ReloaderOption {
	return func(r *Reloader) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithReloadLogger sets the logger for accepted and rejected versions.
func WithReloadLogger(l *slog.Logger) ReloaderOption {
	return func(r *Reloader) {
		if l != nil {
			r.log = l
		}
	}
}

// NewReloader loads path and returns a Reloader holding it as the current
// configuration. apply may be nil.
func NewReloader(path string, apply ApplyFunc, opts ...ReloaderOption) (*Reloader, error) {
	r := &Reloader{
		path:     path,
		apply:    apply,
		interval: 5 * time.Second,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}

	cfg, st, err := r.read()
	if err != nil {
		return nil, fmt.Errorf("config: initial load of %s: %w", path, err)
	}
	r.last = st
	r.current.Store(cfg)
	return r, nil
}

// Current returns the last accepted configuration.
func (r *Reloader) Current() *Config { return r.current.Load() }

// ReloadStats counts file versions seen after the initial load.
type ReloadStats struct {
	Accepted uint64
	Rejected uint64
}

// Stats returns the reload counters.
func (r *Reloader) Stats() ReloadStats {
	return ReloadStats{Accepted: r.accepted.Load(), Rejected: r.rejected.Load()}
}

// Reload reads the file and applies it when its content changed. It reports
// whether a new configuration was accepted.
func (r *Reloader) Reload() (bool, error) {
	return r.reload(false)
}

// Run polls the file until ctx is done. Between polls a file whose size and
// modification time are unchanged is not read.
func (r *Reloader) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.reload(true); err != nil {
				r.log.Warn("config reload failed; keeping current configuration", "path", r.path, "err", err)
			}
		}
	}
}

func (r *Reloader) reload(skipUnchanged bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if skipUnchanged {
		info, err := os.Stat(r.path)
		if err != nil {
			return false, fmt.Errorf("config: stat %s: %w", r.path, err)
		}
		if r.last.sameFile(info) {
			return false, nil
		}
	}

	cfg, st, err := r.read()
	if err != nil {
		// Remember the stamp so a poll does not re-report the same bad file.
		if st.sum != ([sha256.Size]byte{}) {
			r.last.size, r.last.mtime = st.size, st.mtime
		}
		r.rejected.Add(1)
		return false, err
	}
	if st.sum == r.last.sum {
		r.last = st
		return false, nil
	}

	old := r.current.Swap(cfg)
	r.last = st
	r.accepted.Add(1)
	r.log.Info("configuration reloaded", "path", r.path, "accepted", r.accepted.Load())
	if r.apply != nil {
		r.apply(old, cfg)
	}
	return true, nil
}

// read loads and validates the file. On a parse or validation failure the
// returned stamp still describes the file that was read.
func (r *Reloader) read() (*Config, stamp, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, stamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, stamp{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, stamp{}, err
	}
	st := stamp{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(buf.Bytes())}

	cfg, err := LoadFromReader(&buf)
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
