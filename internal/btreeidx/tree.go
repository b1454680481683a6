package btreeidx

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/quad"
)

// Tree is a disk-resident B+Tree keyed on 56-byte [quad.IndexKey]s with
// 16-byte [quad.Value] payloads (spec §4.3). It has no locking of its
// own: callers serialize mutation and concurrent reads through the
// store's single reader/writer lock (spec §5), since a page.File remap
// during [page.File.Allocate] would otherwise race with an in-flight
// scan holding an older page slice.
type Tree struct {
	file *page.File
}

// Create creates a new, empty Tree backed by a fresh page file at path,
// with no PageCache attached.
func Create(path string) (*Tree, error) {
	return CreateWithCache(path, nil)
}

// CreateWithCache is like Create, but routes the Tree's page lookups
// through cache. Passing the same cache to every Tree a Store opens
// (and, per spec §4.2, across every Store a process has open) lets hot
// pages from different indexes contend for one fixed-size slot array.
func CreateWithCache(path string, cache *page.Cache) (*Tree, error) {
	f, err := page.OpenWithCache(path, cache)
	if err != nil {
		return nil, err
	}

	t := &Tree{file: f}

	rootID, err := f.Allocate()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("btreeidx: allocate root: %w", err)
	}

	buf, err := f.Page(rootID)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	initLeaf(buf)

	binary.LittleEndian.PutUint32(f.Header()[0:4], uint32(rootID))

	return t, nil
}

// Open opens an existing Tree backed by the page file at path, with no
// PageCache attached.
func Open(path string) (*Tree, error) {
	return OpenWithCache(path, nil)
}

// OpenWithCache is like Open, but routes the Tree's page lookups through
// cache; see [CreateWithCache].
func OpenWithCache(path string, cache *page.Cache) (*Tree, error) {
	f, err := page.OpenWithCache(path, cache)
	if err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint32(f.Header()[0:4]) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("btreeidx: %q: missing root page", path)
	}

	return &Tree{file: f}, nil
}

func (t *Tree) rootID() page.ID {
	return page.ID(binary.LittleEndian.Uint32(t.file.Header()[0:4]))
}

func (t *Tree) setRootID(id page.ID) {
	binary.LittleEndian.PutUint32(t.file.Header()[0:4], uint32(id))
}

func (t *Tree) mustPage(id page.ID) []byte {
	buf, err := t.file.Page(id)
	if err != nil {
		panic(fmt.Sprintf("btreeidx: invariant violated reading page %d: %v", id, err))
	}
	return buf
}

// Sync fsyncs the underlying page file.
func (t *Tree) Sync() error { return t.file.Sync() }

// Close closes the underlying page file.
func (t *Tree) Close() error { return t.file.Close() }

// pathStep records one internal ancestor visited while descending to a
// leaf, and which child pointer led to the next step.
type pathStep struct {
	id         page.ID
	childIndex int
}

func (t *Tree) descend(key quad.IndexKey) (leafID page.ID, path []pathStep) {
	curID := t.rootID()

	for {
		buf := t.mustPage(curID)
		if nodeIsLeaf(buf) {
			return curID, path
		}

		idx := findChildIndex(buf, key)
		path = append(path, pathStep{id: curID, childIndex: idx})
		curID = internalChildAt(buf, idx)
	}
}

// findChildIndex returns the child slot to descend into for key: the
// smallest i such that key < internalKeyAt(i), or keyCount if key is >=
// every separator key.
func findChildIndex(buf []byte, key quad.IndexKey) int {
	count := nodeKeyCount(buf)

	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		k := internalKeyAt(buf, mid)
		if bytes.Compare(key[:], k[:]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// searchLeaf returns the position where key is, or should be inserted,
// within a sorted leaf, and whether it was found exactly.
func searchLeaf(buf []byte, count int, key quad.IndexKey) (pos int, found bool) {
	lo, hi := 0, count
	for lo < hi {
		mid := (lo + hi) / 2
		k := leafKeyAt(buf, mid)
		c := bytes.Compare(k[:], key[:])
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// Insert writes (key, value) into the tree. If key is already present,
// its value is overwritten in place (spec §4.4 recovery note: "duplicate
// inserts into B+Trees are no-ops on identical keys" — overwriting with
// an identical value is exactly a no-op, and overwriting with a new
// value is how a tombstone supersedes a live entry at the same key).
func (t *Tree) Insert(key quad.IndexKey, value quad.Value) error {
	leafID, path := t.descend(key)

	leafBuf := t.mustPage(leafID)
	count := nodeKeyCount(leafBuf)
	pos, found := searchLeaf(leafBuf, count, key)

	if found {
		setLeafEntryAt(leafBuf, pos, key, value)
		return nil
	}

	if count < maxLeafKeys {
		insertLeafEntryAt(leafBuf, pos, count, key, value)
		setNodeKeyCount(leafBuf, count+1)
		return nil
	}

	return t.splitLeafAndInsert(leafID, path, pos, count, key, value)
}

func (t *Tree) splitLeafAndInsert(leafID page.ID, path []pathStep, pos, count int, key quad.IndexKey, value quad.Value) error {
	leafBuf := t.mustPage(leafID)

	combinedKeys := make([]quad.IndexKey, count+1)
	combinedVals := make([]quad.Value, count+1)
	for i := 0; i < pos; i++ {
		combinedKeys[i] = leafKeyAt(leafBuf, i)
		combinedVals[i] = leafValueAt(leafBuf, i)
	}
	combinedKeys[pos], combinedVals[pos] = key, value
	for i := pos; i < count; i++ {
		combinedKeys[i+1] = leafKeyAt(leafBuf, i)
		combinedVals[i+1] = leafValueAt(leafBuf, i)
	}

	mid := (count + 1) / 2
	oldNext := leafNextPage(leafBuf)

	newLeafID, err := t.file.Allocate()
	if err != nil {
		return fmt.Errorf("btreeidx: allocate leaf: %w", err)
	}

	leafBuf = t.mustPage(leafID)
	newLeafBuf := t.mustPage(newLeafID)
	initLeaf(newLeafBuf)

	setNodeKeyCount(leafBuf, mid)
	for i := 0; i < mid; i++ {
		setLeafEntryAt(leafBuf, i, combinedKeys[i], combinedVals[i])
	}
	setLeafNextPage(leafBuf, newLeafID)

	rightCount := count + 1 - mid
	for i := 0; i < rightCount; i++ {
		setLeafEntryAt(newLeafBuf, i, combinedKeys[mid+i], combinedVals[mid+i])
	}
	setNodeKeyCount(newLeafBuf, rightCount)
	setLeafNextPage(newLeafBuf, oldNext)

	return t.propagateSplit(path, leafID, combinedKeys[mid], newLeafID)
}

// propagateSplit inserts (sepKey, rightChild) into the innermost ancestor
// in path, splitting ancestors up the chain as needed, and creating a new
// root if the split reaches the top.
func (t *Tree) propagateSplit(path []pathStep, leftOfRoot page.ID, sepKey quad.IndexKey, rightChild page.ID) error {
	for i := len(path) - 1; i >= 0; i-- {
		anc := path[i]
		ancBuf := t.mustPage(anc.id)
		ancCount := nodeKeyCount(ancBuf)

		if ancCount < maxInternalKeys {
			insertInternalAt(ancBuf, anc.childIndex, ancCount, sepKey, rightChild)
			setNodeKeyCount(ancBuf, ancCount+1)
			return nil
		}

		var err error
		sepKey, rightChild, err = t.splitInternal(anc, ancCount, sepKey, rightChild)
		if err != nil {
			return err
		}
	}

	// Every ancestor split, so the old root (left half of its own split)
	// becomes the new root's left child.
	if len(path) > 0 {
		leftOfRoot = path[0].id
	}

	newRootID, err := t.file.Allocate()
	if err != nil {
		return fmt.Errorf("btreeidx: allocate root: %w", err)
	}

	newRootBuf := t.mustPage(newRootID)
	initInternal(newRootBuf)
	setNodeKeyCount(newRootBuf, 1)
	setInternalChildAt(newRootBuf, 0, leftOfRoot)
	setInternalKeyAt(newRootBuf, 0, sepKey)
	setInternalChildAt(newRootBuf, 1, rightChild)

	t.setRootID(newRootID)

	return nil
}

// splitInternal splits an overflowing internal node, returning the
// promoted separator key and the new right sibling's page ID.
func (t *Tree) splitInternal(anc pathStep, ancCount int, sepKey quad.IndexKey, rightChild page.ID) (quad.IndexKey, page.ID, error) {
	ancBuf := t.mustPage(anc.id)

	combinedKeys := make([]quad.IndexKey, ancCount+1)
	combinedChildren := make([]page.ID, ancCount+2)

	ci, ki := 0, 0
	for idx := 0; idx <= ancCount; idx++ {
		combinedChildren[ci] = internalChildAt(ancBuf, idx)
		ci++

		if idx == anc.childIndex {
			combinedChildren[ci] = rightChild
			ci++
			combinedKeys[ki] = sepKey
			ki++
		}
		if idx < ancCount {
			combinedKeys[ki] = internalKeyAt(ancBuf, idx)
			ki++
		}
	}

	midA := (ancCount + 1) / 2
	promoted := combinedKeys[midA]
	leftKeys, rightKeys := combinedKeys[:midA], combinedKeys[midA+1:]
	leftChildren, rightChildren := combinedChildren[:midA+1], combinedChildren[midA+1:]

	newAncID, err := t.file.Allocate()
	if err != nil {
		return quad.IndexKey{}, 0, fmt.Errorf("btreeidx: allocate internal node: %w", err)
	}

	ancBuf = t.mustPage(anc.id)
	newAncBuf := t.mustPage(newAncID)
	initInternal(newAncBuf)

	setNodeKeyCount(ancBuf, len(leftKeys))
	for i, k := range leftKeys {
		setInternalKeyAt(ancBuf, i, k)
	}
	for i, c := range leftChildren {
		setInternalChildAt(ancBuf, i, c)
	}

	setNodeKeyCount(newAncBuf, len(rightKeys))
	for i, k := range rightKeys {
		setInternalKeyAt(newAncBuf, i, k)
	}
	for i, c := range rightChildren {
		setInternalChildAt(newAncBuf, i, c)
	}

	return promoted, newAncID, nil
}

// Lookup performs a point lookup for key, matching spec §4.3's
// "binary search within pages" for both the descent and the leaf probe.
func (t *Tree) Lookup(key quad.IndexKey) (quad.Value, bool) {
	leafID, _ := t.descend(key)
	leafBuf := t.mustPage(leafID)
	count := nodeKeyCount(leafBuf)

	pos, found := searchLeaf(leafBuf, count, key)
	if !found {
		return quad.Value{}, false
	}
	return leafValueAt(leafBuf, pos), true
}
