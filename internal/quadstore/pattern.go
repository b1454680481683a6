package quadstore

import (
	"github.com/calvinalkan/quadstore/internal/quad"
)

// Pattern is a triple pattern with an optional graph, matching spec
// §4.5's `query_current(G?, S?, P?, O?)` family: each position is either
// bound to a specific atom or left as a wildcard.
type Pattern struct {
	G, S, P, O                     quad.AtomID
	BoundG, BoundS, BoundP, BoundO bool
}

func (p Pattern) bound() quad.Bound {
	return quad.Bound{G: p.BoundG, S: p.BoundS, P: p.BoundP, O: p.BoundO}
}

// attrPositions returns, for idx, the four pattern-position selectors
// (value, bound) in the index's own key attribute order, matching
// quad.attrOrder but operating on a Pattern instead of a Quad.
func (p Pattern) attrPositions(idx quad.Index) (vals [4]quad.AtomID, bound [4]bool) {
	switch idx {
	case quad.GPOS:
		return [4]quad.AtomID{p.G, p.P, p.O, p.S}, [4]bool{p.BoundG, p.BoundP, p.BoundO, p.BoundS}
	case quad.GOSP:
		return [4]quad.AtomID{p.G, p.O, p.S, p.P}, [4]bool{p.BoundG, p.BoundO, p.BoundS, p.BoundP}
	default: // GSPO
		return [4]quad.AtomID{p.G, p.S, p.P, p.O}, [4]bool{p.BoundG, p.BoundS, p.BoundP, p.BoundO}
	}
}

// matches reports whether q's (G, S, P, O) satisfy every bound position
// of p. Used as the residual filter after a key-range scan, since the
// store's four index orderings cannot give every bound-subset a
// contiguous key range — see DESIGN.md's index-selection note.
func (p Pattern) matches(q quad.Quad) bool {
	if p.BoundG && q.G != p.G {
		return false
	}
	if p.BoundS && q.S != p.S {
		return false
	}
	if p.BoundP && q.P != p.P {
		return false
	}
	if p.BoundO && q.O != p.O {
		return false
	}
	return true
}

// keyRange builds the [lo, hi] key range to scan for p on idx: the
// leading attributes that are contiguously bound (starting from the
// index's first key position) narrow the range; every attribute past the
// first unbound one, plus the whole temporal suffix, spans its full
// domain and is left to the residual Pattern.matches filter.
func keyRange(idx quad.Index, p Pattern) (lo, hi quad.IndexKey) {
	vals, bound := p.attrPositions(idx)

	leading := 0
	for leading < 4 && bound[leading] {
		leading++
	}

	var loQ, hiQ quad.Quad

	setAttr := func(q *quad.Quad, i int, v quad.AtomID) {
		switch idx {
		case quad.GPOS:
			switch i {
			case 0:
				q.G = v
			case 1:
				q.P = v
			case 2:
				q.O = v
			case 3:
				q.S = v
			}
		case quad.GOSP:
			switch i {
			case 0:
				q.G = v
			case 1:
				q.O = v
			case 2:
				q.S = v
			case 3:
				q.P = v
			}
		default:
			switch i {
			case 0:
				q.G = v
			case 1:
				q.S = v
			case 2:
				q.P = v
			case 3:
				q.O = v
			}
		}
	}

	for i := 0; i < 4; i++ {
		if i < leading {
			setAttr(&loQ, i, vals[i])
			setAttr(&hiQ, i, vals[i])
		} else {
			setAttr(&loQ, i, 0)
			setAttr(&hiQ, i, quad.AtomID(^uint64(0)))
		}
	}

	hiQ.ValidFrom = quad.ValidToInfinity
	hiQ.ValidTo = quad.ValidToInfinity
	hiQ.TxTime = quad.ValidToInfinity

	return quad.EncodeKey(idx, loQ), quad.EncodeKey(idx, hiQ)
}
