package wal

import (
	"bytes"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/quadstore/internal/quad"
	"github.com/calvinalkan/quadstore/pkg/storefs"
)

func quadN(n int) quad.Quad {
	return quad.Quad{
		G: quad.AtomID(n), S: quad.AtomID(n + 1), P: quad.AtomID(n + 2), O: quad.AtomID(n + 3),
		ValidFrom: quad.Time(n), ValidTo: quad.ValidToInfinity, TxTime: quad.Time(n),
	}
}

func TestWAL_AppendTx_And_Recover_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}}); err != nil {
		t.Fatalf("AppendTx 1: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{
		{Type: RecordInsert, Quad: quadN(2)},
		{Type: RecordDelete, Quad: quadN(1)},
	}); err != nil {
		t.Fatalf("AppendTx 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(fs, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()

	muts, err := w2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if len(muts) != 3 {
		t.Fatalf("Recover returned %d mutations, want 3", len(muts))
	}
	if muts[0].Quad.G != quadN(1).G || muts[0].Type != RecordInsert {
		t.Fatalf("unexpected first mutation: %+v", muts[0])
	}
	if muts[2].Type != RecordDelete {
		t.Fatalf("unexpected third mutation type: %+v", muts[2])
	}
}

func TestWAL_Recover_Omits_Transaction_Without_Commit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}}); err != nil {
		t.Fatalf("AppendTx: %v", err)
	}

	// Simulate a crash mid-transaction: a Begin + Insert with no Commit.
	var beginBuf, insertBuf [RecordSize]byte
	Record{Type: RecordBegin, TxID: 99}.Encode(beginBuf[:])
	Record{Type: RecordInsert, TxID: 99, G: 5}.Encode(insertBuf[:])
	if _, err := w.file.Write(append(beginBuf[:], insertBuf[:]...)); err != nil {
		t.Fatalf("write partial tx: %v", err)
	}
	if err := w.file.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(fs, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()

	muts, err := w2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(muts) != 1 {
		t.Fatalf("Recover returned %d mutations, want 1 (uncommitted tx must be discarded)", len(muts))
	}
}

func TestWAL_Recover_Tolerates_Truncated_Tail_Record(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}}); err != nil {
		t.Fatalf("AppendTx: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Append a partial (short) record to the tail, as a crash mid-write
	// would leave behind.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.Write(make([]byte, RecordSize/2)); err != nil {
		t.Fatalf("write partial record: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := Open(fs, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()

	muts, err := w2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(muts) != 1 {
		t.Fatalf("Recover returned %d mutations, want 1 (one committed Insert)", len(muts))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 3*RecordSize {
		t.Fatalf("file size after recovery = %d, want %d (tail truncated)", info.Size(), 3*RecordSize)
	}
}

func TestWAL_Recover_WithLogger_ReportsTruncatedTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}}); err != nil {
		t.Fatalf("AppendTx: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	if _, err := f.Write(make([]byte, RecordSize/2)); err != nil {
		t.Fatalf("write partial record: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	w2, err := OpenWithLogger(fs, path, logger)
	if err != nil {
		t.Fatalf("OpenWithLogger: %v", err)
	}
	defer w2.Close()

	if _, err := w2.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if !strings.Contains(buf.String(), "truncated tail") {
		t.Fatalf("logger output = %q, want a mention of the truncated tail", buf.String())
	}
}

func TestWAL_Recover_Tolerates_Corrupt_Tail_Record(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}}); err != nil {
		t.Fatalf("AppendTx 1: %v", err)
	}

	// A second, full-sized record with a flipped bit, as the very last
	// bytes in the file.
	var rec [RecordSize]byte
	Record{Type: RecordBegin, TxID: 77}.Encode(rec[:])
	rec[20] ^= 0xFF
	if _, err := w.file.Write(rec[:]); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}
	if err := w.file.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(fs, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()

	muts, err := w2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(muts) != 1 {
		t.Fatalf("Recover returned %d mutations, want 1", len(muts))
	}
}

func TestWAL_Recover_Fails_On_MidLog_Corruption(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}}); err != nil {
		t.Fatalf("AppendTx 1: %v", err)
	}

	// Corrupt record NOT at the tail: one more valid transaction follows it.
	var corrupt [RecordSize]byte
	Record{Type: RecordBegin, TxID: 50}.Encode(corrupt[:])
	corrupt[15] ^= 0xFF
	if _, err := w.file.Write(corrupt[:]); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}
	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(2)}}); err != nil {
		t.Fatalf("AppendTx 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(fs, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()

	_, err = w2.Recover()
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Recover error = %v, want ErrCorrupt", err)
	}
}

func TestWAL_Checkpoint_Discards_Prior_Mutations_On_Recovery(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tx1, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(1)}})
	if err != nil {
		t.Fatalf("AppendTx 1: %v", err)
	}
	if err := w.Checkpoint(tx1); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after checkpoint: %v", err)
	}
	if info.Size() != RecordSize {
		t.Fatalf("file size after checkpoint = %d, want %d (prior records truncated away)", info.Size(), RecordSize)
	}

	if _, err := w.AppendTx([]Mutation{{Type: RecordInsert, Quad: quadN(2)}}); err != nil {
		t.Fatalf("AppendTx 2: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := Open(fs, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w2.Close()

	muts, err := w2.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(muts) != 1 {
		t.Fatalf("Recover returned %d mutations, want 1 (checkpointed tx must not replay)", len(muts))
	}
	if muts[0].Quad.G != quadN(2).G {
		t.Fatalf("unexpected surviving mutation: %+v", muts[0])
	}
}

func TestWAL_NeedsCheckpoint_Triggers_On_Size(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wal.log")
	fs := &storefs.Real{}

	w, err := Create(fs, path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Close()

	w.bytesSinceCheckpoint = CheckpointSizeTrigger

	if !w.NeedsCheckpoint() {
		t.Fatal("NeedsCheckpoint = false after crossing the size trigger")
	}
}
