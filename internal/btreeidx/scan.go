package btreeidx

import (
	"bytes"
	"context"

	"github.com/calvinalkan/quadstore/internal/quad"
)

// Entry is one (key, value) pair yielded by a range scan.
type Entry struct {
	Key   quad.IndexKey
	Value quad.Value
}

// Seq is a pull-free iterator over Entry values: ranging over it calls
// yield once per entry in ascending key order, stopping early if yield
// returns false. Mirrors the range-over-func iterator style the teacher
// uses for slot cache scans.
type Seq func(yield func(Entry) bool)

// RangeScan returns all entries with lo <= key <= hi in ascending key
// order, including tombstoned ones — spec §4.3's "do not have the
// tombstone bit set" filter belongs to the query layer (which also needs
// the tombstoned entries for history-aware reads per §4.5), not to this
// low-level primitive.
func (t *Tree) RangeScan(lo, hi quad.IndexKey) Seq {
	return t.RangeScanContext(context.Background(), lo, hi)
}

// RangeScanContext is RangeScan, but checks ctx for cancellation once per
// leaf-page transition (spec §5 "Cancellation"): a caller building a
// large scan over a cancelled or deadline-exceeded context stops at the
// next page boundary instead of draining every remaining leaf.
func (t *Tree) RangeScanContext(ctx context.Context, lo, hi quad.IndexKey) Seq {
	return func(yield func(Entry) bool) {
		leafID, _ := t.descend(lo)

		for leafID != 0 {
			if ctx.Err() != nil {
				return
			}

			buf := t.mustPage(leafID)
			count := nodeKeyCount(buf)

			pos, _ := searchLeaf(buf, count, lo)
			for i := pos; i < count; i++ {
				key := leafKeyAt(buf, i)
				if bytes.Compare(key[:], hi[:]) > 0 {
					return
				}
				if !yield(Entry{Key: key, Value: leafValueAt(buf, i)}) {
					return
				}
			}

			leafID = leafNextPage(buf)
		}
	}
}

// FullScan returns every entry in the tree in ascending key order.
func (t *Tree) FullScan() Seq {
	return t.FullScanContext(context.Background())
}

// FullScanContext is FullScan, but checks ctx for cancellation once per
// leaf-page transition; see [RangeScanContext].
func (t *Tree) FullScanContext(ctx context.Context) Seq {
	return func(yield func(Entry) bool) {
		leafID, _ := t.descend(quad.IndexKey{})

		for leafID != 0 {
			if ctx.Err() != nil {
				return
			}

			buf := t.mustPage(leafID)
			count := nodeKeyCount(buf)

			for i := 0; i < count; i++ {
				if !yield(Entry{Key: leafKeyAt(buf, i), Value: leafValueAt(buf, i)}) {
					return
				}
			}

			leafID = leafNextPage(buf)
		}
	}
}
