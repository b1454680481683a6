// Package pool implements the QuadStorePool (spec §4.6): a directory of
// named sibling stores plus an atomically-switchable "active store"
// pointer, used by the prune-and-switch protocol for offline compaction.
package pool

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/quadstore"
	"github.com/calvinalkan/quadstore/pkg/storefs"
	"github.com/natefinch/atomic"
)

// DefaultActiveName is the name assumed for the active store before any
// explicit Switch has recorded a pointer file.
const DefaultActiveName = "primary"

const activeFileName = "active"

// ErrConflict is returned by Switch when the pool's current active store
// does not match the expected "from" name.
var ErrConflict = errors.New("pool: active store does not match expected name")

type openEntry struct {
	store *quadstore.Store
	slot  *storefs.Lock
}

// Pool is a directory of named sibling quad stores with one active
// pointer, coordinated by a cross-process gate bounding how many stores
// may be open system-wide at once.
type Pool struct {
	fs  storefs.FS
	dir string

	gate  *Gate
	cache *page.Cache // shared by every store this pool opens, per spec §4.2

	checkpointSizeTrigger int64
	checkpointTimeTrigger time.Duration

	mu     sync.Mutex
	open   map[string]*openEntry
	closed bool
}

// Open opens (creating if necessary) the pool rooted at dir, and its
// cross-process gate. gateCapacity <= 0 uses [DefaultGateCapacity]. Every
// store the pool opens shares one PageCache of [page.DefaultCacheSlots];
// use OpenWithPageCacheSlots to size it from configuration.
func Open(fs storefs.FS, dir string, gateCapacity int) (*Pool, error) {
	return OpenWithPageCacheSlots(fs, dir, gateCapacity, page.DefaultCacheSlots)
}

// OpenWithPageCacheSlots is like Open, but sizes the pool-wide PageCache
// shared across every store it opens.
func OpenWithPageCacheSlots(fs storefs.FS, dir string, gateCapacity, pageCacheSlots int) (*Pool, error) {
	return OpenWithOptions(fs, dir, gateCapacity, pageCacheSlots, 0, 0)
}

// OpenWithOptions is OpenWithPageCacheSlots with the hybrid WAL checkpoint
// trigger every store the pool opens uses overridden; sizeTrigger <= 0 or
// timeTrigger <= 0 fall back to the package defaults for that trigger,
// same as [github.com/calvinalkan/quadstore/internal/wal.CreateWithThresholds].
// [github.com/calvinalkan/quadstore/internal/config] calls this to apply an
// operator-supplied Options value.
func OpenWithOptions(fs storefs.FS, dir string, gateCapacity, pageCacheSlots int, checkpointSizeTrigger int64, checkpointTimeTrigger time.Duration) (*Pool, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pool: open %q: %w", dir, err)
	}

	gate, err := OpenGate(fs, filepath.Join(dir, ".gate"), gateCapacity)
	if err != nil {
		return nil, fmt.Errorf("pool: open gate: %w", err)
	}

	return &Pool{
		fs:                    fs,
		dir:                   dir,
		gate:                  gate,
		cache:                 page.NewCache(pageCacheSlots),
		checkpointSizeTrigger: checkpointSizeTrigger,
		checkpointTimeTrigger: checkpointTimeTrigger,
		open:                  make(map[string]*openEntry),
	}, nil
}

// Gate returns the pool's cross-process gate.
func (p *Pool) Gate() *Gate { return p.gate }

func (p *Pool) storeDir(name string) string {
	return filepath.Join(p.dir, name)
}

// Get opens the named store, creating it if it does not exist, acquiring
// one gate slot for it. Repeated calls for an already-open name return the
// same *quadstore.Store without acquiring a second slot.
func (p *Pool) Get(name string) (*quadstore.Store, error) {
	return p.get(name, 0)
}

// GetWithTimeout is Get, but fails with [ErrCapacityExhausted] if no gate
// slot frees up within timeout.
func (p *Pool) GetWithTimeout(name string, timeout time.Duration) (*quadstore.Store, error) {
	return p.get(name, timeout)
}

func (p *Pool) get(name string, timeout time.Duration) (*quadstore.Store, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("pool: closed")
	}
	if e, ok := p.open[name]; ok {
		p.mu.Unlock()
		return e.store, nil
	}
	p.mu.Unlock()

	slot, err := p.gate.Acquire(timeout)
	if err != nil {
		return nil, err
	}

	dir := p.storeDir(name)
	exists, err := p.fs.Exists(filepath.Join(dir, "atoms.data"))
	if err != nil {
		_ = slot.Close()
		return nil, fmt.Errorf("pool: stat store %q: %w", name, err)
	}

	var store *quadstore.Store
	if exists {
		store, err = quadstore.OpenWithThresholds(dir, p.cache, nil, p.checkpointSizeTrigger, p.checkpointTimeTrigger)
	} else {
		store, err = quadstore.CreateWithThresholds(dir, p.cache, nil, p.checkpointSizeTrigger, p.checkpointTimeTrigger)
	}
	if err != nil {
		_ = slot.Close()
		return nil, fmt.Errorf("pool: open store %q: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.open[name]; ok {
		// Lost a race opening the same name concurrently: keep the
		// winner, discard our redundant copy and slot.
		_ = store.Close()
		_ = slot.Close()
		return e.store, nil
	}

	p.open[name] = &openEntry{store: store, slot: slot}
	return store, nil
}

// Active opens and returns the pool's currently active store, defaulting
// to [DefaultActiveName] if no active pointer has ever been recorded.
func (p *Pool) Active() (*quadstore.Store, error) {
	name, err := p.activeName()
	if err != nil {
		return nil, err
	}
	return p.Get(name)
}

func (p *Pool) activeName() (string, error) {
	path := filepath.Join(p.dir, activeFileName)

	exists, err := p.fs.Exists(path)
	if err != nil {
		return "", fmt.Errorf("pool: stat active pointer: %w", err)
	}
	if !exists {
		return DefaultActiveName, nil
	}

	data, err := p.fs.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("pool: read active pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Switch atomically moves the active pointer from from to to: the pool's
// recorded active name must currently equal from, or [ErrConflict] is
// returned. The active pointer is written with a temp-file-then-rename so
// a crash mid-switch leaves either the old or the new name in place, never
// a torn file (spec §4.6).
func (p *Pool) Switch(from, to string) error {
	current, err := p.activeName()
	if err != nil {
		return err
	}
	if current != from {
		return fmt.Errorf("%w: active is %q, expected %q", ErrConflict, current, from)
	}

	path := filepath.Join(p.dir, activeFileName)
	if err := atomic.WriteFile(path, strings.NewReader(to)); err != nil {
		return fmt.Errorf("pool: switch active pointer: %w", err)
	}
	return nil
}

// Clear closes (if open) and deletes a named store's files, releasing its
// gate slot.
func (p *Pool) Clear(name string) error {
	p.mu.Lock()
	e, ok := p.open[name]
	if ok {
		delete(p.open, name)
	}
	p.mu.Unlock()

	var firstErr error
	if ok {
		if err := e.store.Close(); err != nil {
			firstErr = err
		}
		if err := e.slot.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := p.fs.RemoveAll(p.storeDir(name)); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("pool: clear %q: %w", name, err)
	}
	return firstErr
}

// Close closes every currently open store in the pool, releasing its
// gate slot.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.open
	p.open = nil
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.slot.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
