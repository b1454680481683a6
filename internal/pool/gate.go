package pool

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/quadstore/pkg/storefs"
	"github.com/natefinch/atomic"
)

// ErrCapacityExhausted is returned by Gate.Acquire when no slot becomes
// free before the timeout (spec §4.6, error taxonomy §7).
var ErrCapacityExhausted = errors.New("pool: capacity exhausted")

// DefaultGateCapacity is the default number of concurrently open stores
// the gate bounds, within spec §4.6's recommended 4-6 range.
const DefaultGateCapacity = 6

const capacityFileName = "capacity"

// Gate is the cross-process semaphore bounding how many stores may be
// open system-wide at once (spec §4.6). This corpus has no named-POSIX-
// semaphore binding, so the gate always uses the flock-based fallback: one
// lock file per slot in a well-known directory, acquired with
// [storefs.Locker.TryLock] in round-robin fashion.
//
// The first process to open the gate directory writes the capacity file;
// later openers read and inherit that capacity rather than overriding it.
type Gate struct {
	fs       storefs.FS
	locker   *storefs.Locker
	dir      string
	capacity int
}

// OpenGate opens (creating if necessary) the gate rooted at dir. If the
// gate does not yet have a capacity file, defaultCapacity is written and
// used; otherwise the existing capacity file's value is used and
// defaultCapacity is ignored.
func OpenGate(fs storefs.FS, dir string, defaultCapacity int) (*Gate, error) {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultGateCapacity
	}

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pool: gate dir %q: %w", dir, err)
	}

	capPath := filepath.Join(dir, capacityFileName)

	capacity, err := readCapacity(fs, capPath)
	if errors.Is(err, errNoCapacityFile) {
		if werr := atomic.WriteFile(capPath, strings.NewReader(strconv.Itoa(defaultCapacity))); werr != nil {
			return nil, fmt.Errorf("pool: write gate capacity: %w", werr)
		}
		capacity = defaultCapacity
	} else if err != nil {
		return nil, err
	}

	return &Gate{
		fs:       fs,
		locker:   storefs.NewLocker(fs),
		dir:      dir,
		capacity: capacity,
	}, nil
}

var errNoCapacityFile = errors.New("pool: no capacity file")

func readCapacity(fs storefs.FS, path string) (int, error) {
	exists, err := fs.Exists(path)
	if err != nil {
		return 0, fmt.Errorf("pool: stat gate capacity: %w", err)
	}
	if !exists {
		return 0, errNoCapacityFile
	}

	data, err := fs.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pool: read gate capacity: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pool: parse gate capacity %q: %w", string(data), err)
	}
	return n, nil
}

// Capacity returns the gate's concurrency bound.
func (g *Gate) Capacity() int { return g.capacity }

// Acquire blocks until a slot is free, or until timeout elapses (timeout
// <= 0 blocks indefinitely), cycling through the gate's slot lock files
// with a backoff between full sweeps. Release the returned Lock to free
// the slot.
func (g *Gate) Acquire(timeout time.Duration) (*storefs.Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond
	for {
		for i := 0; i < g.capacity; i++ {
			lock, err := g.locker.TryLock(g.slotPath(i))
			if err == nil {
				return lock, nil
			}
			if !errors.Is(err, storefs.ErrWouldBlock) {
				return nil, fmt.Errorf("pool: acquire gate slot %d: %w", i, err)
			}
		}

		if timeout > 0 && !time.Now().Before(deadline) {
			return nil, ErrCapacityExhausted
		}

		time.Sleep(backoff)
		if backoff < 25*time.Millisecond {
			backoff *= 2
		}
	}
}

func (g *Gate) slotPath(i int) string {
	return filepath.Join(g.dir, fmt.Sprintf("slot-%d.lock", i))
}
