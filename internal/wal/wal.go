package wal

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/calvinalkan/quadstore/internal/quad"
	"github.com/calvinalkan/quadstore/pkg/storefs"
)

// ErrCorrupt reports WAL corruption found before the tail — a damaged
// record followed by further records is never expected from a crash
// mid-append and is treated as fatal (spec §4.4).
var ErrCorrupt = errors.New("wal: corrupt")

// CheckpointSizeTrigger and CheckpointTimeTrigger are the hybrid
// checkpoint thresholds from spec §4.4: whichever fires first.
const (
	CheckpointSizeTrigger = 16 * 1024 * 1024
	CheckpointTimeTrigger = 60 * time.Second
)

// Mutation is one applied Insert or Delete record, in commit order, for
// replaying into the QuadIndex trees during recovery or normal commit.
type Mutation struct {
	Type RecordType // RecordInsert or RecordDelete
	Quad quad.Quad
}

// WAL is the append-only log of committed transactions. It has no
// locking of its own beyond the mutex serializing its own writes: the
// store's single-writer lock already excludes concurrent callers.
type WAL struct {
	fs       storefs.FS
	path     string
	file     storefs.File
	mu       sync.Mutex
	nextTxID uint64

	bytesSinceCheckpoint int64
	lastCheckpoint       time.Time
	sizeTrigger          int64
	timeTrigger          time.Duration

	logger *log.Logger
	atomic *storefs.AtomicWriter
}

// Create creates a new, empty WAL file at path.
func Create(fs storefs.FS, path string) (*WAL, error) {
	return CreateWithLogger(fs, path, nil)
}

// CreateWithLogger is like Create, but reports tail-truncation diagnostics
// found during a later [WAL.Recover] to logger. A nil logger disables
// diagnostics, matching gholt-valuestore's recovery() convention of an
// optional diagnostic logger rather than the storage engine logging on its
// own behalf.
func CreateWithLogger(fs storefs.FS, path string, logger *log.Logger) (*WAL, error) {
	return CreateWithThresholds(fs, path, logger, CheckpointSizeTrigger, CheckpointTimeTrigger)
}

// CreateWithThresholds is CreateWithLogger with the hybrid checkpoint
// trigger overridden instead of defaulting to [CheckpointSizeTrigger]/
// [CheckpointTimeTrigger]; sizeTrigger <= 0 or timeTrigger <= 0 fall back
// to the package defaults for that trigger.
func CreateWithThresholds(fs storefs.FS, path string, logger *log.Logger, sizeTrigger int64, timeTrigger time.Duration) (*WAL, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create %q: %w", path, err)
	}

	return newWAL(fs, path, f, logger, sizeTrigger, timeTrigger), nil
}

// Open opens an existing WAL file at path without replaying it; callers
// replay separately via [WAL.Recover] before accepting new writes.
func Open(fs storefs.FS, path string) (*WAL, error) {
	return OpenWithLogger(fs, path, nil)
}

// OpenWithLogger is Open with a diagnostic logger; see [CreateWithLogger].
func OpenWithLogger(fs storefs.FS, path string, logger *log.Logger) (*WAL, error) {
	return OpenWithThresholds(fs, path, logger, CheckpointSizeTrigger, CheckpointTimeTrigger)
}

// OpenWithThresholds is OpenWithLogger with the hybrid checkpoint trigger
// overridden; see [CreateWithThresholds].
func OpenWithThresholds(fs storefs.FS, path string, logger *log.Logger, sizeTrigger int64, timeTrigger time.Duration) (*WAL, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %q: %w", path, err)
	}

	return newWAL(fs, path, f, logger, sizeTrigger, timeTrigger), nil
}

func newWAL(fs storefs.FS, path string, f storefs.File, logger *log.Logger, sizeTrigger int64, timeTrigger time.Duration) *WAL {
	if sizeTrigger <= 0 {
		sizeTrigger = CheckpointSizeTrigger
	}
	if timeTrigger <= 0 {
		timeTrigger = CheckpointTimeTrigger
	}

	return &WAL{
		fs: fs, path: path, file: f, nextTxID: 1, lastCheckpoint: time.Now(),
		sizeTrigger: sizeTrigger, timeTrigger: timeTrigger,
		logger: logger, atomic: storefs.NewAtomicWriter(fs),
	}
}

func (w *WAL) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	return w.file.Close()
}

// Sync fsyncs the underlying file.
func (w *WAL) Sync() error {
	return w.file.Sync()
}

// CurrentTxID returns the most recently assigned transaction ID (0 if
// none has been assigned yet), usable as a checkpoint watermark.
func (w *WAL) CurrentTxID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.nextTxID == 0 {
		return 0
	}
	return w.nextTxID - 1
}

// Size returns the current size of the WAL file in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// AppendTx appends a Begin record, one Insert or Delete record per
// mutation, and a Commit record as a single write+fsync, and returns the
// transaction ID assigned. mutations must be non-empty.
func (w *WAL) AppendTx(mutations []Mutation) (txID uint64, err error) {
	if len(mutations) == 0 {
		return 0, errors.New("wal: AppendTx requires at least one mutation")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	txID = w.nextTxID
	w.nextTxID++

	buf := make([]byte, 0, RecordSize*(len(mutations)+2))
	buf = appendRecord(buf, Record{Type: RecordBegin, TxID: txID})

	for _, m := range mutations {
		buf = appendRecord(buf, Record{
			Type:      m.Type,
			TxID:      txID,
			G:         m.Quad.G,
			S:         m.Quad.S,
			P:         m.Quad.P,
			O:         m.Quad.O,
			ValidFrom: m.Quad.ValidFrom,
			ValidTo:   m.Quad.ValidTo,
			TxTime:    m.Quad.TxTime,
		})
	}

	buf = appendRecord(buf, Record{Type: RecordCommit, TxID: txID})

	if _, err := w.file.Write(buf); err != nil {
		return 0, fmt.Errorf("wal: append tx %d: %w", txID, err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal: fsync tx %d: %w", txID, err)
	}

	w.bytesSinceCheckpoint += int64(len(buf))

	return txID, nil
}

func appendRecord(buf []byte, r Record) []byte {
	var tmp [RecordSize]byte
	r.Encode(tmp[:])
	return append(buf, tmp[:]...)
}

// NeedsCheckpoint reports whether the hybrid size/time trigger has
// fired since the last checkpoint.
func (w *WAL) NeedsCheckpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.bytesSinceCheckpoint >= w.sizeTrigger || time.Since(w.lastCheckpoint) >= w.timeTrigger
}

// Checkpoint marks that every transaction up to and including txID is
// durably reflected in the QuadIndex page files, then truncates the WAL
// to that watermark: every record preceding the checkpoint is discarded
// and the file is replaced, in one rename, with a file holding only the
// Checkpoint record itself, so the WAL never grows past one checkpoint
// interval's worth of records. Replacing the file via rename (rather than
// truncating the live descriptor in place) means a crash mid-checkpoint
// leaves either the pre-checkpoint log or the post-checkpoint log on
// disk, never a zero-length file in between. Callers must fsync those
// page files before calling Checkpoint.
func (w *WAL) Checkpoint(txID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var tmp [RecordSize]byte
	Record{Type: RecordCheckpoint, TxID: txID}.Encode(tmp[:])

	if err := w.atomic.WriteWithDefaults(w.path, bytes.NewReader(tmp[:])); err != nil {
		return fmt.Errorf("wal: checkpoint: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: checkpoint: close stale handle: %w", err)
	}

	f, err := w.fs.OpenFile(w.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("wal: checkpoint: reopen: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: checkpoint: seek: %w", err)
	}
	w.file = f

	w.bytesSinceCheckpoint = 0
	w.lastCheckpoint = time.Now()

	return nil
}

// Recover scans the WAL forward from the start, returning the mutations
// of every committed transaction after the last Checkpoint record, in
// commit order. A record that fails its CRC or is short is treated as a
// truncated tail (the expected shape of a crash mid-append) only when it
// is the last readable data in the file; the file is truncated to the
// last good record boundary and scanning stops there. Damaged data
// followed by further records is reported as [ErrCorrupt].
func (w *WAL) Recover() ([]Mutation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wal: recover seek: %w", err)
	}

	info, err := w.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("wal: recover stat: %w", err)
	}
	size := info.Size()

	pending := map[uint64][]Mutation{}
	var committed []Mutation
	var maxTxID uint64

	var offset int64
	buf := make([]byte, RecordSize)

scan:
	for offset < size {
		if size-offset < RecordSize {
			w.logf("wal: truncated tail at offset %d (%d bytes short of a full record), discarding", offset, RecordSize-(size-offset))
			break // truncated tail: partial record from a crash mid-write
		}

		if _, err := io.ReadFull(w.file, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("wal: recover read at %d: %w", offset, err)
		}

		rec, crcValid := Decode(buf)
		if !crcValid {
			if offset+RecordSize == size {
				w.logf("wal: corrupt checksum in final record at offset %d, truncating", offset)
				break // corrupt tail record, truncate and stop
			}
			return nil, fmt.Errorf("wal: bad checksum at offset %d: %w", offset, ErrCorrupt)
		}

		if rec.TxID > maxTxID {
			maxTxID = rec.TxID
		}

		switch rec.Type {
		case RecordBegin:
			pending[rec.TxID] = nil
		case RecordInsert, RecordDelete:
			pending[rec.TxID] = append(pending[rec.TxID], Mutation{
				Type: rec.Type,
				Quad: quad.Quad{
					G: rec.G, S: rec.S, P: rec.P, O: rec.O,
					ValidFrom: rec.ValidFrom, ValidTo: rec.ValidTo, TxTime: rec.TxTime,
					Tombstone: rec.Type == RecordDelete,
				},
			})
		case RecordCommit:
			committed = append(committed, pending[rec.TxID]...)
			delete(pending, rec.TxID)
		case RecordCheckpoint:
			committed = nil
		default:
			if offset+RecordSize == size {
				break scan
			}
			return nil, fmt.Errorf("wal: unknown record type %d at offset %d: %w", rec.Type, offset, ErrCorrupt)
		}

		offset += RecordSize
	}

	if offset != size {
		if err := w.truncateTo(offset); err != nil {
			return nil, fmt.Errorf("wal: truncate tail: %w", err)
		}
	}

	w.nextTxID = maxTxID + 1
	w.bytesSinceCheckpoint = offset
	w.lastCheckpoint = time.Now()

	return committed, nil
}

func (w *WAL) truncateTo(offset int64) error {
	fd := w.file.Fd()
	if err := truncate(fd, offset); err != nil {
		return err
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return w.file.Sync()
}
