// Package prune implements PruneTransfer (spec §4.6): the offline rewrite
// half of the prune-and-switch protocol that reclaims physical space by
// copying live entries from a source store into an empty sibling store.
package prune

import (
	"errors"
	"fmt"
	"log"

	"github.com/calvinalkan/quadstore/internal/quad"
	"github.com/calvinalkan/quadstore/internal/quadstore"
)

// ErrTargetNotEmpty is returned by Transfer when target already contains
// quads (spec §4.6 step 1: "ensure target is empty").
var ErrTargetNotEmpty = errors.New("prune: target store is not empty")

// HistoryMode selects which versions of each logical quad survive a
// prune transfer.
type HistoryMode int

const (
	// FlattenToCurrent emits only the latest non-tombstoned version of
	// each (G, S, P, O).
	FlattenToCurrent HistoryMode = iota
	// PreserveVersions emits every non-tombstoned version.
	PreserveVersions
	// PreserveAll emits every version, including tombstones.
	PreserveAll
)

type filterMode int

const (
	filterNone filterMode = iota
	filterInclude
	filterExclude
)

type termSet struct {
	mode filterMode
	set  map[string]struct{}
}

func newTermSet(mode filterMode, terms [][]byte) termSet {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[string(t)] = struct{}{}
	}
	return termSet{mode: mode, set: set}
}

func (f termSet) allows(term []byte) bool {
	switch f.mode {
	case filterInclude:
		_, ok := f.set[string(term)]
		return ok
	case filterExclude:
		_, ok := f.set[string(term)]
		return !ok
	default:
		return true
	}
}

// GraphFilter restricts a transfer to an explicit set of included or
// excluded graph terms. The zero value allows every graph.
type GraphFilter struct{ termSet }

// IncludeGraph restricts a transfer to only the given graphs.
func IncludeGraph(graphs ...[]byte) GraphFilter {
	return GraphFilter{newTermSet(filterInclude, graphs)}
}

// ExcludeGraph restricts a transfer to every graph except the given ones.
func ExcludeGraph(graphs ...[]byte) GraphFilter {
	return GraphFilter{newTermSet(filterExclude, graphs)}
}

// PredicateFilter restricts a transfer to an explicit set of included or
// excluded predicate terms. The zero value allows every predicate.
type PredicateFilter struct{ termSet }

// IncludePredicate restricts a transfer to only the given predicates.
func IncludePredicate(predicates ...[]byte) PredicateFilter {
	return PredicateFilter{newTermSet(filterInclude, predicates)}
}

// ExcludePredicate restricts a transfer to every predicate except the
// given ones.
func ExcludePredicate(predicates ...[]byte) PredicateFilter {
	return PredicateFilter{newTermSet(filterExclude, predicates)}
}

// Filter combines a GraphFilter and a PredicateFilter; an entry survives
// only if both allow it.
type Filter struct {
	Graph     GraphFilter
	Predicate PredicateFilter
}

func (f Filter) matches(graph, predicate []byte) bool {
	return f.Graph.allows(graph) && f.Predicate.allows(predicate)
}

// Options configures a Transfer.
type Options struct {
	Filter  Filter
	History HistoryMode
	DryRun  bool

	// Logger, if non-nil, receives a one-line summary of the transfer
	// (scanned/written/bytes_saved) once it completes. Nil disables it.
	Logger *log.Logger
}

// Stats is the result of a Transfer (spec §4.6 step 4).
type Stats struct {
	Scanned    int64
	Written    int64
	BytesSaved int64
}

// perVersionIndexBytes approximates the on-disk cost of one quad version:
// a 56-byte key plus a 16-byte value in each of the four indexes.
const perVersionIndexBytes = int64(4 * (quad.KeySize + quad.ValueSize))

type quadKey struct{ g, s, p, o string }

// Transfer scans source's full history in tx_time order, applies opts's
// filter and history mode, and — unless opts.DryRun — writes the
// surviving versions into target, preserving each one's original validity
// interval and transaction time. target must be empty.
//
// Transfer never partially publishes its result: target is a plain quad
// store, never the pool's active store, so a Transfer that returns an
// error simply leaves an unfinished sibling that the caller discards
// instead of switching to.
func Transfer(source, target *quadstore.Store, opts Options) (Stats, error) {
	if n := target.Stats().QuadCount; n != 0 {
		return Stats{}, fmt.Errorf("%w: has %d quads", ErrTargetNotEmpty, n)
	}

	source.AcquireRead()
	defer source.ReleaseRead()

	var (
		stats Stats
		err   error
	)
	if opts.History == FlattenToCurrent {
		stats, err = transferFlattened(source, target, opts)
	} else {
		stats, err = transferStreaming(source, target, opts)
	}
	if err != nil {
		return Stats{}, err
	}

	if opts.Logger != nil {
		opts.Logger.Printf("prune: scanned=%d written=%d bytes_saved=%d dry_run=%t",
			stats.Scanned, stats.Written, stats.BytesSaved, opts.DryRun)
	}

	return stats, nil
}

func transferStreaming(source, target *quadstore.Store, opts Options) (Stats, error) {
	var scanned, written int64

	for t := range source.ScanAllByTxTime() {
		scanned++

		if !opts.Filter.matches(t.G, t.P) {
			continue
		}
		if opts.History == PreserveVersions && t.Tombstone {
			continue
		}

		if !opts.DryRun {
			if err := writeVersion(target, t); err != nil {
				return Stats{}, err
			}
		}
		written++
	}

	return statsFor(scanned, written), nil
}

// transferFlattened buffers the latest entry seen per (G, S, P, O) — since
// ScanAllByTxTime is tx_time-ascending, the last assignment to each key as
// the scan progresses is the newest version — then emits only the
// non-tombstoned survivors.
func transferFlattened(source, target *quadstore.Store, opts Options) (Stats, error) {
	latest := map[quadKey]quadstore.Triple{}
	var scanned int64

	for t := range source.ScanAllByTxTime() {
		scanned++

		if !opts.Filter.matches(t.G, t.P) {
			continue
		}

		latest[quadKey{string(t.G), string(t.S), string(t.P), string(t.O)}] = t
	}

	var written int64
	for _, t := range latest {
		if t.Tombstone {
			continue
		}
		if !opts.DryRun {
			if err := writeVersion(target, t); err != nil {
				return Stats{}, err
			}
		}
		written++
	}

	return statsFor(scanned, written), nil
}

func writeVersion(target *quadstore.Store, t quadstore.Triple) error {
	if err := target.InsertVersion(t.G, t.S, t.P, t.O, t.ValidFrom, t.ValidTo, t.TxTime, t.Tombstone); err != nil {
		return fmt.Errorf("prune: write version: %w", err)
	}
	return nil
}

func statsFor(scanned, written int64) Stats {
	saved := (scanned - written) * perVersionIndexBytes
	if saved < 0 {
		saved = 0
	}
	return Stats{Scanned: scanned, Written: written, BytesSaved: saved}
}
