// Package ratelimit provides adaptive, persistent admission control for
// remote model providers: a per-model token bucket, exponential backoff with
// jitter, and a latency EWMA that drives request timeouts. State survives
// process restarts via a small line-oriented file.
package ratelimit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Defaults for a model seen for the first time.
const (
	defaultCapacity     = 10.0
	defaultRefillPerSec = 2.0
	defaultEWMAMs       = 10000.0

	flushDelay = 250 * time.Millisecond
)

// State is the rate limiter state for one remote model identifier.
type State struct {
	Tokens          float64
	Capacity        float64
	RefillPerSec    float64
	LastRefill      int64 // epoch ms
	RetryAfterUntil int64 // epoch ms; requests must wait while in the future
	EWMAMs          float64
}

// Registry owns the per-model rate limiter states. It is constructed once at
// startup and injected into whatever issues remote calls. Writes are
// debounced: a pending flush is coalesced and lands ~250ms after the last
// Put, via a temp file and atomic rename.
type Registry struct {
	path string

	mu          sync.Mutex
	states      map[string]State
	flushTimer  *time.Timer
	flushQueued bool

	now func() time.Time
}

// NewRegistry creates a registry backed by the state file at path and loads
// any existing state.
func NewRegistry(path string) *Registry {
	r := &Registry{
		path:   path,
		states: make(map[string]State),
		now:    time.Now,
	}
	if err := r.Load(); err != nil {
		log.Warnf("Failed to load rate limiter state from %s: %v", path, err)
	}
	return r
}

// Load re-reads the state file, replacing in-memory state. A missing file is
// not an error.
func (r *Registry) Load() error {
	f, err := os.Open(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = make(map[string]State)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var model string
		var s State
		_, err := fmt.Sscanf(line, "%q %g %g %g %d %d %g",
			&model, &s.Tokens, &s.Capacity, &s.RefillPerSec,
			&s.LastRefill, &s.RetryAfterUntil, &s.EWMAMs)
		if err != nil {
			log.Warnf("Skipping malformed rate limiter state line: %q", line)
			continue
		}
		// A refill rate below the floor would make token waits unbounded.
		if s.RefillPerSec < refillFloor {
			log.Warnf("Clamping refill rate for %q from %g to %g", model, s.RefillPerSec, refillFloor)
			s.RefillPerSec = refillFloor
		}
		r.states[model] = s
	}
	return scanner.Err()
}

// Get returns the state for a model, creating it with a full bucket on first
// use. The returned State is a snapshot, not a live handle: callers mutate
// their copy and hand it back through Put, so two concurrent writers on the
// same model would overwrite each other's token accounting. Call sites issue
// requests for a given model sequentially.
func (r *Registry) Get(model string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[model]; ok {
		return s
	}
	s := State{
		Tokens:       defaultCapacity,
		Capacity:     defaultCapacity,
		RefillPerSec: defaultRefillPerSec,
		LastRefill:   r.now().UnixMilli(),
		EWMAMs:       defaultEWMAMs,
	}
	r.states[model] = s
	return s
}

// Put stores the state for a model and schedules a debounced flush.
func (r *Registry) Put(model string, s State) {
	r.mu.Lock()
	r.states[model] = s
	if !r.flushQueued {
		r.flushQueued = true
		r.flushTimer = time.AfterFunc(flushDelay, func() {
			if err := r.Flush(); err != nil {
				log.Warnf("Failed to flush rate limiter state: %v", err)
			}
		})
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all known model states.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.states))
	for m, s := range r.states {
		out[m] = s
	}
	return out
}

// Flush writes all states to disk immediately. The file is written to a
// temporary path and atomically swapped into place to avoid partial writes.
func (r *Registry) Flush() error {
	r.mu.Lock()
	r.flushQueued = false
	models := make([]string, 0, len(r.states))
	for m := range r.states {
		models = append(models, m)
	}
	sort.Strings(models)
	snapshot := make(map[string]State, len(r.states))
	for m, s := range r.states {
		snapshot[m] = s
	}
	r.mu.Unlock()

	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, m := range models {
		s := snapshot[m]
		fmt.Fprintf(w, "%q %g %g %g %d %d %g\n",
			m, s.Tokens, s.Capacity, s.RefillPerSec,
			s.LastRefill, s.RetryAfterUntil, s.EWMAMs)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Close flushes any pending state and stops the debounce timer.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.mu.Unlock()
	return r.Flush()
}
