// Package quadstore is the storage engine's orchestrator (spec §4.5): it
// owns the AtomStore, the four QuadIndex instances, the write-ahead log,
// and the reader/writer lock that coordinates them.
package quadstore

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/calvinalkan/quadstore/internal/atomstore"
	"github.com/calvinalkan/quadstore/internal/btreeidx"
	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/quad"
	"github.com/calvinalkan/quadstore/internal/wal"
	"github.com/calvinalkan/quadstore/pkg/storefs"
)

// ErrClosed is returned by Store methods after Close.
var ErrClosed = errors.New("quadstore: closed")

const (
	gspoFile  = "index.gspo"
	gposFile  = "index.gpos"
	gospFile  = "index.gosp"
	tgspoFile = "index.tgspo"
	walFile   = "wal.log"
)

// Clock returns the current instant in the store's time domain
// (implementation-defined units, typically milliseconds since the Unix
// epoch per spec §6). Overridden in tests for deterministic timestamps.
type Clock func() quad.Time

func systemClock() quad.Time { return quad.Time(time.Now().UnixMilli()) }

// Store is a single quad store directory: one AtomStore, four QuadIndex
// trees, and one WAL, guarded by a single reader/writer lock.
//
// Locking follows spec §5: AddCurrent/DeleteCurrent/Checkpoint/the batch
// operations acquire and release the write lock internally, since they
// are single atomic calls. Query methods do not lock internally — the
// returned iterator holds page references that are only safe to dereference
// while the caller holds the read lock, so callers must call AcquireRead
// before iterating and ReleaseRead after, exactly as spec §5 describes
// ("the design deliberately hands lifetime management to callers").
type Store struct {
	dir string

	atoms   *atomstore.Store
	indexes [4]*btreeidx.Tree // indexed by quad.Index
	log     *wal.WAL

	mu    sync.RWMutex
	clock Clock

	quadCount        atomic.Int64
	lastCheckpointTx atomic.Uint64

	closed bool

	batchMu sync.Mutex
	batch   *batchSession
}

// Create initializes a new, empty store directory at dir, with a private
// PageCache of [page.DefaultCacheSlots] shared across its four indexes.
func Create(dir string) (*Store, error) {
	return CreateWithCache(dir, page.NewCache(page.DefaultCacheSlots))
}

// CreateWithCache is like Create, but fronts the store's four indexes
// with cache instead of a private one. Callers that open several stores
// in one process (e.g. [github.com/calvinalkan/quadstore/internal/pool])
// pass the same cache to each store, matching spec §4.2's "PageCache ...
// shared across stores".
func CreateWithCache(dir string, cache *page.Cache) (*Store, error) {
	return CreateWithOptions(dir, cache, nil)
}

// CreateWithOptions is CreateWithCache with an additional diagnostic
// logger passed through to the store's WAL; a nil logger disables
// diagnostics, same as [wal.CreateWithLogger].
func CreateWithOptions(dir string, cache *page.Cache, logger *log.Logger) (*Store, error) {
	return CreateWithThresholds(dir, cache, logger, 0, 0)
}

// CreateWithThresholds is CreateWithOptions with the WAL's hybrid
// checkpoint trigger overridden instead of defaulting to
// [wal.CheckpointSizeTrigger]/[wal.CheckpointTimeTrigger]; sizeTrigger <= 0
// or timeTrigger <= 0 fall back to the package defaults for that trigger,
// same as [wal.CreateWithThresholds]. [github.com/calvinalkan/quadstore/internal/config]
// calls this to apply an operator-supplied Options value.
func CreateWithThresholds(dir string, cache *page.Cache, logger *log.Logger, sizeTrigger int64, timeTrigger time.Duration) (*Store, error) {
	if err := (&storefs.Real{}).MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("quadstore: create dir %q: %w", dir, err)
	}

	atoms, err := atomstore.Create(dir)
	if err != nil {
		return nil, fmt.Errorf("quadstore: create atomstore: %w", err)
	}

	s := &Store{dir: dir, atoms: atoms, clock: systemClock}

	names := [4]string{gspoFile, gposFile, gospFile, tgspoFile}
	for i, name := range names {
		tree, err := btreeidx.CreateWithCache(filepath.Join(dir, name), cache)
		if err != nil {
			return nil, fmt.Errorf("quadstore: create index %s: %w", name, err)
		}
		s.indexes[i] = tree
	}

	wl, err := wal.CreateWithThresholds(&storefs.Real{}, filepath.Join(dir, walFile), logger, sizeTrigger, timeTrigger)
	if err != nil {
		return nil, fmt.Errorf("quadstore: create wal: %w", err)
	}
	s.log = wl

	return s, nil
}

// Open opens an existing store directory at dir, replaying its WAL, with
// a private PageCache of [page.DefaultCacheSlots] shared across its four
// indexes.
func Open(dir string) (*Store, error) {
	return OpenWithCache(dir, page.NewCache(page.DefaultCacheSlots))
}

// OpenWithCache is like Open, but fronts the store's four indexes with
// cache instead of a private one; see [CreateWithCache].
func OpenWithCache(dir string, cache *page.Cache) (*Store, error) {
	return OpenWithOptions(dir, cache, nil)
}

// OpenWithOptions is OpenWithCache with an additional diagnostic logger;
// see [CreateWithOptions]. Recovery's tail-truncation diagnostics, if any,
// are reported to logger before this returns.
func OpenWithOptions(dir string, cache *page.Cache, logger *log.Logger) (*Store, error) {
	return OpenWithThresholds(dir, cache, logger, 0, 0)
}

// OpenWithThresholds is OpenWithOptions with the WAL's hybrid checkpoint
// trigger overridden; see [CreateWithThresholds].
func OpenWithThresholds(dir string, cache *page.Cache, logger *log.Logger, sizeTrigger int64, timeTrigger time.Duration) (*Store, error) {
	atoms, err := atomstore.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("quadstore: open atomstore: %w", err)
	}

	s := &Store{dir: dir, atoms: atoms, clock: systemClock}

	names := [4]string{gspoFile, gposFile, gospFile, tgspoFile}
	for i, name := range names {
		tree, err := btreeidx.OpenWithCache(filepath.Join(dir, name), cache)
		if err != nil {
			return nil, fmt.Errorf("quadstore: open index %s: %w", name, err)
		}
		s.indexes[i] = tree
	}

	wl, err := wal.OpenWithThresholds(&storefs.Real{}, filepath.Join(dir, walFile), logger, sizeTrigger, timeTrigger)
	if err != nil {
		return nil, fmt.Errorf("quadstore: open wal: %w", err)
	}
	s.log = wl

	mutations, err := wl.Recover()
	if err != nil {
		return nil, fmt.Errorf("quadstore: recover wal: %w", err)
	}

	for _, m := range mutations {
		if err := s.applyToIndexes(m.Quad); err != nil {
			return nil, fmt.Errorf("quadstore: replay: %w", err)
		}
		s.quadCount.Add(1)
	}

	return s, nil
}

// AcquireRead acquires the store's read lock. Must be paired with
// ReleaseRead.
func (s *Store) AcquireRead() { s.mu.RLock() }

// ReleaseRead releases the store's read lock.
func (s *Store) ReleaseRead() { s.mu.RUnlock() }

// AcquireWrite acquires the store's write lock. Must be paired with
// ReleaseWrite.
func (s *Store) AcquireWrite() { s.mu.Lock() }

// ReleaseWrite releases the store's write lock.
func (s *Store) ReleaseWrite() { s.mu.Unlock() }

func (s *Store) applyToIndexes(q quad.Quad) error {
	for idx := quad.GSPO; idx <= quad.TGSPO; idx++ {
		key := quad.EncodeKey(idx, q)
		if err := s.indexes[idx].Insert(key, quad.NewValue(q.Tombstone)); err != nil {
			return fmt.Errorf("insert into index %s: %w", idx, err)
		}
	}
	return nil
}

func (s *Store) internTerm(term []byte) (quad.AtomID, error) {
	if term == nil {
		return quad.DefaultGraph, nil
	}
	return s.atoms.Intern(term)
}

// AddCurrent interns G/S/P/O, constructs a current-quad entry
// (valid_from = now, valid_to = +inf, tombstone = 0), inserts it into all
// four indexes, and appends a committed WAL record (spec §4.5). A nil
// graph term defaults to the default-graph sentinel.
func (s *Store) AddCurrent(graph, subject, predicate, object []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	q, err := s.buildQuad(graph, subject, predicate, object, false)
	if err != nil {
		return err
	}

	return s.commitSingle(wal.RecordInsert, q)
}

// DeleteCurrent inserts a tombstone entry for (G, S, P, O) at the current
// instant (spec §4.5); it does not physically remove any prior entry.
func (s *Store) DeleteCurrent(graph, subject, predicate, object []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	q, err := s.buildQuad(graph, subject, predicate, object, true)
	if err != nil {
		return err
	}

	return s.commitSingle(wal.RecordDelete, q)
}

func (s *Store) buildQuad(graph, subject, predicate, object []byte, tombstone bool) (quad.Quad, error) {
	g, err := s.internTerm(graph)
	if err != nil {
		return quad.Quad{}, fmt.Errorf("quadstore: intern graph: %w", err)
	}
	sub, err := s.atoms.Intern(subject)
	if err != nil {
		return quad.Quad{}, fmt.Errorf("quadstore: intern subject: %w", err)
	}
	p, err := s.atoms.Intern(predicate)
	if err != nil {
		return quad.Quad{}, fmt.Errorf("quadstore: intern predicate: %w", err)
	}
	o, err := s.atoms.Intern(object)
	if err != nil {
		return quad.Quad{}, fmt.Errorf("quadstore: intern object: %w", err)
	}

	now := s.clock()

	return quad.Quad{
		G: g, S: sub, P: p, O: o,
		ValidFrom: now,
		ValidTo:   quad.ValidToInfinity,
		TxTime:    now,
		Tombstone: tombstone,
	}, nil
}

// commitSingle writes one mutation's WAL transaction and applies it to
// the in-memory indexes. Caller must hold the write lock.
func (s *Store) commitSingle(rt wal.RecordType, q quad.Quad) error {
	if _, err := s.log.AppendTx([]wal.Mutation{{Type: rt, Quad: q}}); err != nil {
		return fmt.Errorf("quadstore: wal append: %w", err)
	}

	if err := s.applyToIndexes(q); err != nil {
		return err
	}

	s.quadCount.Add(1)

	return s.checkpointIfNeeded()
}

// InsertVersion inserts a fully-specified quad version, preserving the
// given validity interval and transaction time verbatim instead of
// stamping them with the current instant. PruneTransfer uses this to
// replay a source store's recorded history onto a fresh target store
// (spec §4.6); ordinary callers want AddCurrent/DeleteCurrent instead.
func (s *Store) InsertVersion(graph, subject, predicate, object []byte, validFrom, validTo, txTime quad.Time, tombstone bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	g, err := s.internTerm(graph)
	if err != nil {
		return fmt.Errorf("quadstore: intern graph: %w", err)
	}
	sub, err := s.atoms.Intern(subject)
	if err != nil {
		return fmt.Errorf("quadstore: intern subject: %w", err)
	}
	p, err := s.atoms.Intern(predicate)
	if err != nil {
		return fmt.Errorf("quadstore: intern predicate: %w", err)
	}
	o, err := s.atoms.Intern(object)
	if err != nil {
		return fmt.Errorf("quadstore: intern object: %w", err)
	}

	q := quad.Quad{
		G: g, S: sub, P: p, O: o,
		ValidFrom: validFrom, ValidTo: validTo, TxTime: txTime,
		Tombstone: tombstone,
	}

	rt := wal.RecordInsert
	if tombstone {
		rt = wal.RecordDelete
	}

	return s.commitSingle(rt, q)
}

// Checkpoint forces a checkpoint: flush every index page file and the
// AtomStore to disk, then append a Checkpoint record and truncate WAL
// entries preceding it (spec §4.4).
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	for _, idx := range s.indexes {
		if err := idx.Sync(); err != nil {
			return fmt.Errorf("quadstore: sync index: %w", err)
		}
	}
	if err := s.atoms.Sync(); err != nil {
		return fmt.Errorf("quadstore: sync atomstore: %w", err)
	}

	txID := s.log.CurrentTxID()
	if err := s.log.Checkpoint(txID); err != nil {
		return fmt.Errorf("quadstore: checkpoint: %w", err)
	}
	s.lastCheckpointTx.Store(txID)

	return nil
}

// checkpointIfNeeded runs a checkpoint when the WAL's hybrid size/time
// trigger has fired. Caller must hold the write lock.
func (s *Store) checkpointIfNeeded() error {
	if !s.log.NeedsCheckpoint() {
		return nil
	}
	return s.checkpointLocked()
}

// Stats is the snapshot returned by get_statistics (spec §4.5).
type Stats struct {
	QuadCount          int64
	AtomCount          uint64
	TotalBytes         uint64
	WALTxID            uint64
	WALCheckpointTxID  uint64
	WALSize            int64
}

// Stats returns a point-in-time snapshot of store statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		QuadCount:         s.quadCount.Load(),
		AtomCount:         s.atoms.AtomCount(),
		TotalBytes:        s.atoms.TotalBytes(),
		WALTxID:           s.log.CurrentTxID(),
		WALCheckpointTxID: s.lastCheckpointTx.Load(),
		WALSize:           s.log.Size(),
	}
}

// String renders stats as an aligned two-column table.
func (stats Stats) String() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "quad_count\t%d\n", stats.QuadCount)
	fmt.Fprintf(w, "atom_count\t%d\n", stats.AtomCount)
	fmt.Fprintf(w, "total_bytes\t%d\n", stats.TotalBytes)
	fmt.Fprintf(w, "wal_tx_id\t%d\n", stats.WALTxID)
	fmt.Fprintf(w, "wal_checkpoint_tx_id\t%d\n", stats.WALCheckpointTxID)
	fmt.Fprintf(w, "wal_size\t%d\n", stats.WALSize)
	_ = w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// Close closes the WAL, indexes, and AtomStore. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.log.Close())
	for _, idx := range s.indexes {
		record(idx.Close())
	}
	record(s.atoms.Close())

	return firstErr
}
