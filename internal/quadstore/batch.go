package quadstore

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/quadstore/internal/wal"
)

// ErrBatchInProgress is returned by BeginBatch when a batch session is
// already open.
var ErrBatchInProgress = errors.New("quadstore: batch already in progress")

// ErrNoBatch is returned by the batched operations when no batch session
// is open.
var ErrNoBatch = errors.New("quadstore: no batch in progress")

// batchSession accumulates pending mutations entirely in memory. Index
// pages are never touched until CommitBatch, so RollbackBatch is a pure
// in-memory discard with no durable or in-mapped-page side effects (spec
// §4.4's rollback-consistency open question, resolved in favor of
// "buffer all mutations until commit").
type batchSession struct {
	mutations []wal.Mutation
}

// BeginBatch opens an amortized write session: add_current_batched calls
// accumulate in memory, and fsync is deferred until CommitBatch.
func (s *Store) BeginBatch() error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if s.batch != nil {
		return ErrBatchInProgress
	}
	s.batch = &batchSession{}
	return nil
}

// AddCurrentBatched buffers an add_current mutation into the open batch
// without touching the indexes or the WAL.
func (s *Store) AddCurrentBatched(graph, subject, predicate, object []byte) error {
	return s.addBatched(wal.RecordInsert, graph, subject, predicate, object, false)
}

// DeleteCurrentBatched buffers a delete_current mutation into the open
// batch.
func (s *Store) DeleteCurrentBatched(graph, subject, predicate, object []byte) error {
	return s.addBatched(wal.RecordDelete, graph, subject, predicate, object, true)
}

func (s *Store) addBatched(rt wal.RecordType, graph, subject, predicate, object []byte, tombstone bool) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if s.batch == nil {
		return ErrNoBatch
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	q, err := s.buildQuad(graph, subject, predicate, object, tombstone)
	if err != nil {
		return err
	}

	s.batch.mutations = append(s.batch.mutations, wal.Mutation{Type: rt, Quad: q})
	return nil
}

// CommitBatch appends every pending mutation as a single WAL transaction
// (one Begin, all records, one Commit, one fsync), applies them to the
// indexes, and closes the batch session. An empty batch is a no-op.
func (s *Store) CommitBatch() error {
	s.batchMu.Lock()
	batch := s.batch
	s.batch = nil
	s.batchMu.Unlock()

	if batch == nil {
		return ErrNoBatch
	}
	if len(batch.mutations) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.log.AppendTx(batch.mutations); err != nil {
		return fmt.Errorf("quadstore: batch wal append: %w", err)
	}

	for _, m := range batch.mutations {
		if err := s.applyToIndexes(m.Quad); err != nil {
			return err
		}
	}
	s.quadCount.Add(int64(len(batch.mutations)))

	return s.checkpointIfNeeded()
}

// RollbackBatch discards the pending batch's mutations. No durable state
// or index page is ever touched by a batched add/delete before commit, so
// rollback needs only to drop the in-memory session.
func (s *Store) RollbackBatch() error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if s.batch == nil {
		return ErrNoBatch
	}
	s.batch = nil
	return nil
}
