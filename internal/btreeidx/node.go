// Package btreeidx implements the QuadIndex B+Tree described in spec
// §4.3: fixed 56-byte keys, fixed 16-byte values, leaf pages linked in
// key order, soft-delete only via the value's tombstone bit.
package btreeidx

import (
	"encoding/binary"

	"github.com/calvinalkan/quadstore/internal/page"
	"github.com/calvinalkan/quadstore/internal/quad"
)

const (
	nodeHeaderSize = 16
	leafEntrySize  = quad.KeySize + quad.ValueSize // 72

	// maxLeafKeys is how many (key, value) entries fit in one 16 KiB
	// leaf page.
	maxLeafKeys = (page.Size - nodeHeaderSize) / leafEntrySize

	// maxInternalKeys matches the branching factor target in spec §4.3
	// ("≈185 keys per internal page"); children capacity is
	// maxInternalKeys+1 page IDs (4 bytes each).
	maxInternalKeys = 185

	internalChildrenOffset = nodeHeaderSize
	internalChildrenCap    = maxInternalKeys + 1
	internalKeysOffset     = internalChildrenOffset + internalChildrenCap*4
)

// Node header layout (bytes 0..16 of every page):
//
//	[0]     isLeaf (1 = leaf, 0 = internal)
//	[1:4]   reserved
//	[4:8]   keyCount (uint32, little-endian)
//	[8:12]  nextLeaf page ID (leaf only; 0 = none)
//	[12:16] reserved
func nodeIsLeaf(buf []byte) bool      { return buf[0] == 1 }
func setNodeIsLeaf(buf []byte, v bool) {
	if v {
		buf[0] = 1
	} else {
		buf[0] = 0
	}
}

func nodeKeyCount(buf []byte) int { return int(binary.LittleEndian.Uint32(buf[4:8])) }
func setNodeKeyCount(buf []byte, n int) {
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n))
}

func leafNextPage(buf []byte) page.ID { return page.ID(binary.LittleEndian.Uint32(buf[8:12])) }
func setLeafNextPage(buf []byte, id page.ID) {
	binary.LittleEndian.PutUint32(buf[8:12], uint32(id))
}

func leafEntryOffset(i int) int { return nodeHeaderSize + i*leafEntrySize }

func leafKeyAt(buf []byte, i int) quad.IndexKey {
	off := leafEntryOffset(i)
	var k quad.IndexKey
	copy(k[:], buf[off:off+quad.KeySize])
	return k
}

func leafValueAt(buf []byte, i int) quad.Value {
	off := leafEntryOffset(i) + quad.KeySize
	var v quad.Value
	copy(v[:], buf[off:off+quad.ValueSize])
	return v
}

func setLeafEntryAt(buf []byte, i int, key quad.IndexKey, value quad.Value) {
	off := leafEntryOffset(i)
	copy(buf[off:off+quad.KeySize], key[:])
	copy(buf[off+quad.KeySize:off+leafEntrySize], value[:])
}

// insertLeafEntryAt shifts entries [i, keyCount) right by one slot and
// writes (key, value) at i. Caller must ensure keyCount < maxLeafKeys
// before calling.
func insertLeafEntryAt(buf []byte, i, keyCount int, key quad.IndexKey, value quad.Value) {
	for j := keyCount; j > i; j-- {
		copy(buf[leafEntryOffset(j):leafEntryOffset(j)+leafEntrySize], buf[leafEntryOffset(j-1):leafEntryOffset(j-1)+leafEntrySize])
	}
	setLeafEntryAt(buf, i, key, value)
}

func internalChildAt(buf []byte, i int) page.ID {
	off := internalChildrenOffset + i*4
	return page.ID(binary.LittleEndian.Uint32(buf[off : off+4]))
}

func setInternalChildAt(buf []byte, i int, id page.ID) {
	off := internalChildrenOffset + i*4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(id))
}

func internalKeyAt(buf []byte, i int) quad.IndexKey {
	off := internalKeysOffset + i*quad.KeySize
	var k quad.IndexKey
	copy(k[:], buf[off:off+quad.KeySize])
	return k
}

func setInternalKeyAt(buf []byte, i int, key quad.IndexKey) {
	off := internalKeysOffset + i*quad.KeySize
	copy(buf[off:off+quad.KeySize], key[:])
}

// insertInternalAt inserts key at key-slot i and child at child-slot i+1,
// shifting existing keys/children right. Caller must ensure keyCount <
// maxInternalKeys before calling.
func insertInternalAt(buf []byte, i, keyCount int, key quad.IndexKey, rightChild page.ID) {
	for j := keyCount; j > i; j-- {
		setInternalKeyAt(buf, j, internalKeyAt(buf, j-1))
	}
	setInternalKeyAt(buf, i, key)

	for j := keyCount + 1; j > i+1; j-- {
		setInternalChildAt(buf, j, internalChildAt(buf, j-1))
	}
	setInternalChildAt(buf, i+1, rightChild)
}

func initLeaf(buf []byte) {
	clear(buf[:nodeHeaderSize])
	setNodeIsLeaf(buf, true)
}

func initInternal(buf []byte) {
	clear(buf[:nodeHeaderSize])
	setNodeIsLeaf(buf, false)
}
