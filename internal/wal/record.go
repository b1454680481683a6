// Package wal implements the write-ahead log described in spec §4.4: a
// sequence of fixed 72-byte records (Begin/Insert/Delete/Commit/
// Checkpoint) with a per-record CRC32, replayed by a forward scan that
// tolerates a truncated or corrupt tail but treats corruption earlier in
// the log as fatal.
package wal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/calvinalkan/quadstore/internal/quad"
)

// RecordType identifies the kind of a WAL record.
type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordInsert
	RecordDelete
	RecordCommit
	RecordCheckpoint
)

// RecordSize is the fixed on-disk size of every WAL record, in bytes.
//
// Layout:
//
//	[0]     type (RecordType)
//	[1]     flags (reserved)
//	[2:4]   reserved
//	[4:12]  tx_id (uint64)
//	[12:20] G (AtomID)
//	[20:28] S (AtomID)
//	[28:36] P (AtomID)
//	[36:44] O (AtomID)
//	[44:52] valid_from (Time)
//	[52:60] valid_to (Time)
//	[60:68] tx_time (Time)
//	[68:72] crc32 (Castagnoli, over bytes [0:68))
const RecordSize = 72

const crcOffset = 68

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one decoded WAL entry. Only the fields relevant to its Type
// are meaningful: Begin/Commit/Checkpoint use only TxID, Insert/Delete
// use the full quad tuple.
type Record struct {
	Type      RecordType
	TxID      uint64
	G, S, P, O quad.AtomID
	ValidFrom quad.Time
	ValidTo   quad.Time
	TxTime    quad.Time
}

// Encode writes r into buf, which must be at least RecordSize bytes, and
// fills in the trailing CRC32.
func (r Record) Encode(buf []byte) {
	_ = buf[RecordSize-1]

	buf[0] = byte(r.Type)
	buf[1] = 0
	buf[2] = 0
	buf[3] = 0
	binary.LittleEndian.PutUint64(buf[4:12], r.TxID)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(r.G))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(r.S))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(r.P))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(r.O))
	binary.LittleEndian.PutUint64(buf[44:52], uint64(r.ValidFrom))
	binary.LittleEndian.PutUint64(buf[52:60], uint64(r.ValidTo))
	binary.LittleEndian.PutUint64(buf[60:68], uint64(r.TxTime))

	crc := crc32.Checksum(buf[:crcOffset], crcTable)
	binary.LittleEndian.PutUint32(buf[crcOffset:RecordSize], crc)
}

// Decode reads a Record out of buf, which must be at least RecordSize
// bytes, and reports whether its CRC32 is valid.
func Decode(buf []byte) (rec Record, crcValid bool) {
	_ = buf[RecordSize-1]

	rec = Record{
		Type:      RecordType(buf[0]),
		TxID:      binary.LittleEndian.Uint64(buf[4:12]),
		G:         quad.AtomID(binary.LittleEndian.Uint64(buf[12:20])),
		S:         quad.AtomID(binary.LittleEndian.Uint64(buf[20:28])),
		P:         quad.AtomID(binary.LittleEndian.Uint64(buf[28:36])),
		O:         quad.AtomID(binary.LittleEndian.Uint64(buf[36:44])),
		ValidFrom: quad.Time(binary.LittleEndian.Uint64(buf[44:52])),
		ValidTo:   quad.Time(binary.LittleEndian.Uint64(buf[52:60])),
		TxTime:    quad.Time(binary.LittleEndian.Uint64(buf[60:68])),
	}

	wantCRC := binary.LittleEndian.Uint32(buf[crcOffset:RecordSize])
	gotCRC := crc32.Checksum(buf[:crcOffset], crcTable)

	return rec, wantCRC == gotCRC
}
