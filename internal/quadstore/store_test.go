package quadstore

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/quad"
	"github.com/calvinalkan/quadstore/internal/wal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Create(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// A monotonically increasing fake clock, distinct per call, so that
	// successive add/delete calls in the same test never collide on an
	// identical (valid_from, valid_to, tx_time) key.
	var tick quad.Time
	s.clock = func() quad.Time {
		tick++
		return tick
	}

	return s
}

func patternFor(s *Store, t *testing.T, subject, predicate []byte) Pattern {
	t.Helper()
	sID, err := s.atoms.Intern(subject)
	if err != nil {
		t.Fatalf("intern subject: %v", err)
	}
	pID, err := s.atoms.Intern(predicate)
	if err != nil {
		t.Fatalf("intern predicate: %v", err)
	}
	return Pattern{S: sID, BoundS: true, P: pID, BoundP: true}
}

func collect(t *testing.T, s *Store, r Result) []Triple {
	t.Helper()
	s.AcquireRead()
	defer s.ReleaseRead()

	var out []Triple
	r(func(tr Triple) bool {
		out = append(out, tr)
		return true
	})
	return out
}

func objectStrings(triples []Triple) map[string]int {
	out := map[string]int{}
	for _, tr := range triples {
		out[string(tr.O)]++
	}
	return out
}

// Scenario A (spec §8): add two versions, delete one, check query_current
// and query_all_versions.
func TestStore_ScenarioA_AddDeleteQuery(t *testing.T) {
	s := newTestStore(t)

	a, p := []byte("a"), []byte("p")

	if err := s.AddCurrent(nil, a, p, []byte("1")); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := s.AddCurrent(nil, a, p, []byte("2")); err != nil {
		t.Fatalf("add 2: %v", err)
	}

	pattern := patternFor(s, t, a, p)

	current := collect(t, s, s.QueryCurrent(pattern))
	if got := objectStrings(current); len(got) != 2 || got["1"] != 1 || got["2"] != 1 {
		t.Fatalf("query_current after two adds = %v, want {1:1, 2:1}", got)
	}

	if err := s.DeleteCurrent(nil, a, p, []byte("1")); err != nil {
		t.Fatalf("delete 1: %v", err)
	}

	current = collect(t, s, s.QueryCurrent(pattern))
	if got := objectStrings(current); len(got) != 1 || got["2"] != 1 {
		t.Fatalf("query_current after delete = %v, want {2:1}", got)
	}

	all := collect(t, s, s.QueryAllVersions(pattern))
	got := objectStrings(all)
	if got["1"] != 2 {
		t.Fatalf("query_all_versions object %q count = %d, want 2 (live + tombstone)", "1", got["1"])
	}
	if got["2"] != 1 {
		t.Fatalf("query_all_versions object %q count = %d, want 1", "2", got["2"])
	}

	var tombstoned, live int
	for _, tr := range all {
		if string(tr.O) != "1" {
			continue
		}
		if tr.Tombstone {
			tombstoned++
		} else {
			live++
		}
	}
	if tombstoned != 1 || live != 1 {
		t.Fatalf("object %q: tombstoned=%d live=%d, want 1 and 1", "1", tombstoned, live)
	}
}

// Scenario D (spec §8): overlapping validity intervals, query_as_of and
// query_during.
func TestStore_ScenarioD_TemporalQueries(t *testing.T) {
	s := newTestStore(t)

	a, p := []byte("a"), []byte("p")
	sID, err := s.atoms.Intern(a)
	if err != nil {
		t.Fatalf("intern subject: %v", err)
	}
	pID, err := s.atoms.Intern(p)
	if err != nil {
		t.Fatalf("intern predicate: %v", err)
	}
	oEarly, err := s.atoms.Intern([]byte("early"))
	if err != nil {
		t.Fatalf("intern object: %v", err)
	}
	oLate, err := s.atoms.Intern([]byte("late"))
	if err != nil {
		t.Fatalf("intern object: %v", err)
	}

	insertAt := func(o quad.AtomID, from, to quad.Time) {
		q := quad.Quad{
			G: quad.DefaultGraph, S: sID, P: pID, O: o,
			ValidFrom: from, ValidTo: to, TxTime: from,
		}
		s.mu.Lock()
		err := s.commitSingle(wal.RecordInsert, q)
		s.mu.Unlock()
		if err != nil {
			t.Fatalf("commitSingle: %v", err)
		}
	}
	insertAt(oEarly, 100, 200)
	insertAt(oLate, 200, 300)

	pattern := Pattern{S: sID, BoundS: true, P: pID, BoundP: true}

	asOf := collect(t, s, s.QueryAsOf(pattern, 150))
	if got := objectStrings(asOf); len(got) != 1 || got["early"] != 1 {
		t.Fatalf("query_as_of(150) = %v, want {early:1}", got)
	}

	during := collect(t, s, s.QueryDuring(pattern, 180, 220))
	if got := objectStrings(during); len(got) != 2 || got["early"] != 1 || got["late"] != 1 {
		t.Fatalf("query_during([180,220]) = %v, want {early:1, late:1}", got)
	}
}

func TestStore_Batch_CommitMakesMutationsVisible(t *testing.T) {
	s := newTestStore(t)

	if err := s.BeginBatch(); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}

	a, p := []byte("a"), []byte("p")
	for _, o := range []string{"1", "2", "3"} {
		if err := s.AddCurrentBatched(nil, a, p, []byte(o)); err != nil {
			t.Fatalf("AddCurrentBatched(%s): %v", o, err)
		}
	}

	pattern := patternFor(s, t, a, p)
	if got := collect(t, s, s.QueryCurrent(pattern)); len(got) != 0 {
		t.Fatalf("query before commit = %d results, want 0", len(got))
	}

	if err := s.CommitBatch(); err != nil {
		t.Fatalf("CommitBatch: %v", err)
	}

	got := objectStrings(collect(t, s, s.QueryCurrent(pattern)))
	if len(got) != 3 || got["1"] != 1 || got["2"] != 1 || got["3"] != 1 {
		t.Fatalf("query after commit = %v, want {1,2,3}", got)
	}
}

func TestStore_Batch_RollbackDiscardsMutations(t *testing.T) {
	s := newTestStore(t)

	if err := s.BeginBatch(); err != nil {
		t.Fatalf("BeginBatch: %v", err)
	}

	a, p := []byte("a"), []byte("p")
	if err := s.AddCurrentBatched(nil, a, p, []byte("1")); err != nil {
		t.Fatalf("AddCurrentBatched: %v", err)
	}

	if err := s.RollbackBatch(); err != nil {
		t.Fatalf("RollbackBatch: %v", err)
	}

	pattern := patternFor(s, t, a, p)
	if got := collect(t, s, s.QueryCurrent(pattern)); len(got) != 0 {
		t.Fatalf("query after rollback = %d results, want 0", len(got))
	}

	if err := s.CommitBatch(); err == nil {
		t.Fatalf("CommitBatch after rollback: want ErrNoBatch, got nil")
	}
}

// Cancellation (spec §5): a query run with an already-cancelled context
// yields nothing instead of draining the scan.
func TestStore_QueryWithOptions_StopsOnCancelledContext(t *testing.T) {
	s := newTestStore(t)

	a, p := []byte("a"), []byte("p")
	for _, o := range []string{"1", "2", "3"} {
		if err := s.AddCurrent(nil, a, p, []byte(o)); err != nil {
			t.Fatalf("add %s: %v", o, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pattern := patternFor(s, t, a, p)
	got := collect(t, s, s.QueryCurrentWithOptions(pattern, QueryOptions{Context: ctx}))
	if len(got) != 0 {
		t.Fatalf("query with cancelled context returned %d results, want 0", len(got))
	}
}

func TestStats_String_RendersAllFields(t *testing.T) {
	s := newTestStore(t)

	if err := s.AddCurrent(nil, []byte("a"), []byte("p"), []byte("v")); err != nil {
		t.Fatalf("add: %v", err)
	}

	out := s.Stats().String()
	for _, field := range []string{
		"quad_count", "atom_count", "total_bytes",
		"wal_tx_id", "wal_checkpoint_tx_id", "wal_size",
	} {
		if !strings.Contains(out, field) {
			t.Fatalf("Stats.String() missing field %q:\n%s", field, out)
		}
	}
}

func TestStore_OpenWithOptions_LoggerReceivesWalRecoveryDiagnostics(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")

	s, err := Create(dir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.AddCurrent(nil, []byte("a"), []byte("p"), []byte("v")); err != nil {
		t.Fatalf("AddCurrent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	walPath := filepath.Join(dir, walFile)
	f, err := os.OpenFile(walPath, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open wal for append: %v", err)
	}
	if _, err := f.Write(make([]byte, wal.RecordSize/2)); err != nil {
		t.Fatalf("write partial record: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	s2, err := OpenWithOptions(dir, page.NewCache(page.DefaultCacheSlots), logger)
	if err != nil {
		t.Fatalf("OpenWithOptions: %v", err)
	}
	defer s2.Close()

	if !strings.Contains(buf.String(), "truncated tail") {
		t.Fatalf("logger output = %q, want a mention of the truncated tail", buf.String())
	}
}

func TestStore_IndexAgreement(t *testing.T) {
	s := newTestStore(t)

	subjects := [][]byte{[]byte("s1"), []byte("s2")}
	predicates := [][]byte{[]byte("p1"), []byte("p2")}

	var added int
	for _, sub := range subjects {
		for _, pred := range predicates {
			if err := s.AddCurrent(nil, sub, pred, []byte("v")); err != nil {
				t.Fatalf("add: %v", err)
			}
			added++
		}
	}

	for idx := quad.GSPO; idx <= quad.GOSP; idx++ {
		s.AcquireRead()
		var count int
		for range s.indexes[idx].FullScan() {
			count++
		}
		s.ReleaseRead()
		if count != added {
			t.Fatalf("index %s has %d entries, want %d", idx, count, added)
		}
	}
}
