package quadstore

import (
	"context"

	"github.com/calvinalkan/quadstore/internal/quad"
)

// Triple is a resolved query result: the store's internal atom IDs have
// already been turned back into their canonical term bytes (spec §2:
// "resolve atom IDs back to strings, and yield temporal-aware triples").
type Triple struct {
	G, S, P, O                 []byte
	ValidFrom, ValidTo, TxTime quad.Time
	Tombstone                  bool
}

// Result is a pull-free iterator over query Triples, in the same style as
// btreeidx.Seq.
type Result func(yield func(Triple) bool)

// QueryOptions configures a single query call. The zero value runs the
// query to completion with no cancellation.
type QueryOptions struct {
	// Context, if non-nil, is checked for cancellation once per
	// leaf-page transition (spec §5 "Cancellation"). On cancellation the
	// iterator stops cleanly; the store's read lock is still the
	// caller's to release.
	Context context.Context
}

func (o QueryOptions) ctx() context.Context {
	if o.Context != nil {
		return o.Context
	}
	return context.Background()
}

// scan runs a key-range scan for pattern on the index SelectIndex picks,
// applying the residual Pattern.matches filter plus an extra predicate
// accept for temporal/tombstone filtering specific to each query method.
// Caller must hold the read lock for the lifetime of the returned Result.
func (s *Store) scan(ctx context.Context, pattern Pattern, accept func(quad.Quad) bool) Result {
	idx := quad.SelectIndex(pattern.bound())
	lo, hi := keyRange(idx, pattern)

	return func(yield func(Triple) bool) {
		for entry := range s.indexes[idx].RangeScanContext(ctx, lo, hi) {
			q := quad.DecodeKey(idx, entry.Key)
			q.Tombstone = entry.Value.Tombstone()

			if !pattern.matches(q) || !accept(q) {
				continue
			}

			t, ok := s.resolveTriple(q)
			if !ok {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

func (s *Store) resolveTriple(q quad.Quad) (Triple, bool) {
	g, err := s.resolveAtomOrDefault(q.G)
	if err != nil {
		return Triple{}, false
	}
	sub, err := s.atoms.Resolve(q.S)
	if err != nil {
		return Triple{}, false
	}
	p, err := s.atoms.Resolve(q.P)
	if err != nil {
		return Triple{}, false
	}
	o, err := s.atoms.Resolve(q.O)
	if err != nil {
		return Triple{}, false
	}

	return Triple{
		G: g, S: sub, P: p, O: o,
		ValidFrom: q.ValidFrom, ValidTo: q.ValidTo, TxTime: q.TxTime,
		Tombstone: q.Tombstone,
	}, true
}

func (s *Store) resolveAtomOrDefault(id quad.AtomID) ([]byte, error) {
	if id == quad.DefaultGraph {
		return nil, nil
	}
	return s.atoms.Resolve(id)
}

// QueryCurrent returns every currently-valid, non-deleted triple matching
// pattern (spec §4.5).
func (s *Store) QueryCurrent(pattern Pattern) Result {
	return s.QueryCurrentWithOptions(pattern, QueryOptions{})
}

// QueryCurrentWithOptions is QueryCurrent with an attached QueryOptions.
func (s *Store) QueryCurrentWithOptions(pattern Pattern, opts QueryOptions) Result {
	idx := quad.SelectIndex(pattern.bound())
	return s.scan(opts.ctx(), pattern, func(q quad.Quad) bool {
		if q.ValidTo != quad.ValidToInfinity || q.Tombstone {
			return false
		}
		// A tombstone for the same (G,S,P,O) at or after this version's
		// valid_from deletes it; such entries sort right after it.
		hiQ := q
		hiQ.ValidFrom, hiQ.ValidTo, hiQ.TxTime = quad.ValidToInfinity, quad.ValidToInfinity, quad.ValidToInfinity
		for e := range s.indexes[idx].RangeScan(quad.EncodeKey(idx, q), quad.EncodeKey(idx, hiQ)) {
			if e.Value.Tombstone() {
				return false
			}
		}
		return true
	})
}

// QueryAsOf returns every triple matching pattern whose validity interval
// [valid_from, valid_to) contains instant.
func (s *Store) QueryAsOf(pattern Pattern, instant quad.Time) Result {
	return s.QueryAsOfWithOptions(pattern, instant, QueryOptions{})
}

// QueryAsOfWithOptions is QueryAsOf with an attached QueryOptions.
func (s *Store) QueryAsOfWithOptions(pattern Pattern, instant quad.Time, opts QueryOptions) Result {
	return s.scan(opts.ctx(), pattern, func(q quad.Quad) bool {
		return q.ContainsInstant(instant)
	})
}

// QueryDuring returns every triple matching pattern whose validity
// interval intersects the closed range [lo, hi].
func (s *Store) QueryDuring(pattern Pattern, lo, hi quad.Time) Result {
	return s.QueryDuringWithOptions(pattern, lo, hi, QueryOptions{})
}

// QueryDuringWithOptions is QueryDuring with an attached QueryOptions.
func (s *Store) QueryDuringWithOptions(pattern Pattern, lo, hi quad.Time, opts QueryOptions) Result {
	return s.scan(opts.ctx(), pattern, func(q quad.Quad) bool {
		return q.IntersectsRange(lo, hi)
	})
}

// QueryAllVersions returns every version (including tombstones) matching
// pattern.
func (s *Store) QueryAllVersions(pattern Pattern) Result {
	return s.QueryAllVersionsWithOptions(pattern, QueryOptions{})
}

// QueryAllVersionsWithOptions is QueryAllVersions with an attached
// QueryOptions.
func (s *Store) QueryAllVersionsWithOptions(pattern Pattern, opts QueryOptions) Result {
	return s.scan(opts.ctx(), pattern, func(quad.Quad) bool { return true })
}

// ScanAllByTxTime returns every version of every quad in the store, across
// every graph and predicate, ordered by transaction time. PruneTransfer
// uses this ordering to replay the store's history onto a fresh sibling
// store (spec §4.6).
func (s *Store) ScanAllByTxTime() Result {
	return s.ScanAllByTxTimeWithOptions(QueryOptions{})
}

// ScanAllByTxTimeWithOptions is ScanAllByTxTime with an attached
// QueryOptions.
func (s *Store) ScanAllByTxTimeWithOptions(opts QueryOptions) Result {
	ctx := opts.ctx()
	return func(yield func(Triple) bool) {
		for entry := range s.indexes[quad.TGSPO].FullScanContext(ctx) {
			q := quad.DecodeKey(quad.TGSPO, entry.Key)
			q.Tombstone = entry.Value.Tombstone()

			t, ok := s.resolveTriple(q)
			if !ok {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}
