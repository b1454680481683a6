package atomstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/calvinalkan/quadstore/internal/quad"
)

// ErrInvalidAtomID is returned by Resolve for an offset outside the data
// file's current mapped range (spec §4.1).
var ErrInvalidAtomID = errors.New("atomstore: invalid atom ID")

// Store is the append-only, memory-mapped term dictionary. Reads
// (Resolve, and the read half of Intern) are not lock-free: they take
// dataMu's read lock on the data mapping plus a reference on the active
// directory, so they never wait on writeMu but do wait while a writer
// holds dataMu's write lock. Writes (appending a new term, publishing it
// into the directory) serialize through writeMu, matching the
// single-writer contract in spec §4.1.
type Store struct {
	dataFd   int
	dataPath string

	// dataMu guards remapping the data file when it grows; readers take
	// a snapshot under RLock, the single writer takes Lock to extend.
	dataMu   sync.RWMutex
	data     []byte
	capacity int64

	used atomic.Uint64 // durable highwater, mirrored into the header

	dir      atomic.Pointer[directory]
	dirPath  string
	dirDir   string // directory containing dirPath, for rehash's atomic rename

	writeMu sync.Mutex
}

// Create initializes a new AtomStore at dir (a directory containing
// atoms.data and atoms.hash).
func Create(dir string) (*Store, error) {
	dataPath := filepath.Join(dir, "atoms.data")
	dirPath := filepath.Join(dir, "atoms.hash")

	fd, err := syscall.Open(dataPath, syscall.O_RDWR|syscall.O_CREAT|syscall.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("atomstore: create %q: %w", dataPath, err)
	}

	if err := syscall.Ftruncate(fd, initialDataCapacity); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: ftruncate %q: %w", dataPath, err)
	}

	hdr := make([]byte, dataHeaderSize)
	encodeDataHeader(hdr)
	binary.LittleEndian.PutUint64(hdr[8:16], dataHeaderSize) // initial highwater
	if _, err := syscall.Pwrite(fd, hdr, 0); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: write header %q: %w", dataPath, err)
	}
	if err := syscall.Fsync(fd); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: fsync %q: %w", dataPath, err)
	}

	data, err := syscall.Mmap(fd, 0, initialDataCapacity, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: mmap %q: %w", dataPath, err)
	}

	d, err := createDirectory(dirPath, initialBucketCount)
	if err != nil {
		_ = syscall.Munmap(data)
		_ = syscall.Close(fd)
		return nil, err
	}

	s := &Store{
		dataFd:   fd,
		dataPath: dataPath,
		data:     data,
		capacity: initialDataCapacity,
		dirPath:  dirPath,
		dirDir:   dir,
	}
	s.used.Store(dataHeaderSize)
	s.dir.Store(d)

	return s, nil
}

// Open opens an existing AtomStore at dir.
func Open(dir string) (*Store, error) {
	dataPath := filepath.Join(dir, "atoms.data")
	dirPath := filepath.Join(dir, "atoms.hash")

	fd, err := syscall.Open(dataPath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("atomstore: open %q: %w", dataPath, err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: fstat %q: %w", dataPath, err)
	}

	data, err := syscall.Mmap(fd, 0, int(st.Size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: mmap %q: %w", dataPath, err)
	}

	if len(data) < dataHeaderSize || string(data[0:4]) != dataMagic {
		_ = syscall.Munmap(data)
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("atomstore: %q: bad data header", dataPath)
	}

	used := binary.LittleEndian.Uint64(data[8:16])

	d, err := openDirectory(dirPath)
	if err != nil {
		_ = syscall.Munmap(data)
		_ = syscall.Close(fd)
		return nil, err
	}

	s := &Store{
		dataFd:   fd,
		dataPath: dataPath,
		data:     data,
		capacity: st.Size,
		dirPath:  dirPath,
		dirDir:   dir,
	}
	s.used.Store(used)
	s.dir.Store(d)

	return s, nil
}

// Intern assigns term a stable AtomID, returning the existing one if term
// was interned before (spec §4.1, property "intern idempotence").
func (s *Store) Intern(term []byte) (quad.AtomID, error) {
	fp := fnv1a32(term)

	if id, ok := s.lookup(fp, term); ok {
		return id, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Double-check under the writer lock: another writer (or a
	// concurrent call serialized just before us) may have interned the
	// same term while we waited.
	if id, ok := s.lookup(fp, term); ok {
		return id, nil
	}

	offset, err := s.append(term)
	if err != nil {
		return 0, err
	}

	d := s.dir.Load().acquire()
	d.insert(fp, offset)
	d.release()

	if err := s.rehashIfNeeded(); err != nil {
		return 0, err
	}

	return quad.AtomID(offset), nil
}

// lookup probes the active directory for term without taking the writer
// lock; safe for concurrent readers.
func (s *Store) lookup(fp uint32, term []byte) (quad.AtomID, bool) {
	d := s.dir.Load().acquire()
	defer d.release()

	matches, _, _ := d.probe(fp)
	for _, offset := range matches {
		existing, err := s.resolveAt(offset)
		if err == nil && bytes.Equal(existing, term) {
			return quad.AtomID(offset), true
		}
	}
	return 0, false
}

// Resolve returns the term bytes for id.
func (s *Store) Resolve(id quad.AtomID) ([]byte, error) {
	if id == quad.DefaultGraph {
		return nil, fmt.Errorf("%w: 0 is the default-graph sentinel", ErrInvalidAtomID)
	}
	return s.resolveAt(uint64(id))
}

func (s *Store) resolveAt(offset uint64) ([]byte, error) {
	s.dataMu.RLock()
	defer s.dataMu.RUnlock()

	if offset < dataHeaderSize || offset+4 > uint64(len(s.data)) {
		return nil, fmt.Errorf("%w: offset %d", ErrInvalidAtomID, offset)
	}

	length := binary.LittleEndian.Uint32(s.data[offset : offset+4])
	start := offset + 4
	end := start + uint64(length)

	if end > uint64(len(s.data)) {
		return nil, fmt.Errorf("%w: offset %d truncated", ErrInvalidAtomID, offset)
	}

	return s.data[start:end:end], nil
}

// append writes term's (length, bytes) record at the current highwater,
// growing the mmap if necessary, and returns its offset.
func (s *Store) append(term []byte) (uint64, error) {
	need := uint64(4 + len(term))
	offset := s.used.Load()
	newUsed := offset + need

	if newUsed > uint64(s.capacity) {
		if err := s.grow(newUsed); err != nil {
			return 0, err
		}
	}

	s.dataMu.RLock()
	binary.LittleEndian.PutUint32(s.data[offset:offset+4], uint32(len(term)))
	copy(s.data[offset+4:offset+4+uint64(len(term))], term)
	s.dataMu.RUnlock()

	s.used.Store(newUsed)
	s.dataMu.RLock()
	binary.LittleEndian.PutUint64(s.data[8:16], newUsed)
	s.dataMu.RUnlock()

	return offset, nil
}

// grow extends the data file so it can hold at least minSize bytes,
// doubling capacity until sufficient (spec §3 invariant 3: existing
// offsets never move, so growth only ever appends file space and remaps,
// it never copies live records to a new location).
func (s *Store) grow(minSize uint64) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	newCap := s.capacity
	for uint64(newCap) < minSize {
		newCap *= 2
	}

	if err := syscall.Ftruncate(s.dataFd, newCap); err != nil {
		return fmt.Errorf("atomstore: grow %q to %d: %w", s.dataPath, newCap, err)
	}

	if err := syscall.Munmap(s.data); err != nil {
		return fmt.Errorf("atomstore: unmap %q for grow: %w", s.dataPath, err)
	}

	data, err := syscall.Mmap(s.dataFd, 0, int(newCap), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("atomstore: remap %q after grow: %w", s.dataPath, err)
	}

	s.data = data
	s.capacity = newCap

	return nil
}

// rehashIfNeeded doubles the hash directory when its load factor exceeds
// rehashLoadFactor, publishing the new directory via an atomic pointer
// swap (spec §3 invariant 4, §9 "Hash directory growth"). Caller must
// hold writeMu.
func (s *Store) rehashIfNeeded() error {
	old := s.dir.Load()
	live := old.liveCount()

	if float64(live) < float64(old.bucketCount)*rehashLoadFactor {
		return nil
	}

	newBucketCount := old.bucketCount * 2
	tmpPath := filepath.Join(s.dirDir, fmt.Sprintf(".atoms.hash.tmp-%d", newBucketCount))

	_ = syscall.Unlink(tmpPath)
	newDir, err := createDirectory(tmpPath, newBucketCount)
	if err != nil {
		return fmt.Errorf("atomstore: rehash: %w", err)
	}

	for i := uint64(0); i < old.bucketCount; i++ {
		fp, offset := readBucket(old.data, i)
		if offset != 0 {
			newDir.insert(fp, offset)
		}
	}

	if err := syscall.Rename(tmpPath, s.dirPath); err != nil {
		newDir.close()
		_ = syscall.Unlink(tmpPath)
		return fmt.Errorf("atomstore: rehash rename: %w", err)
	}

	s.dir.Store(newDir)
	old.retire()

	return nil
}

// Sync fsyncs the data and directory files (spec §4.4 checkpoint step 3).
func (s *Store) Sync() error {
	s.dataMu.RLock()
	dataErr := syscall.Fsync(s.dataFd)
	s.dataMu.RUnlock()

	d := s.dir.Load().acquire()
	dirErr := syscall.Fsync(d.fd)
	d.release()

	return errors.Join(dataErr, dirErr)
}

// AtomCount returns the number of distinct interned terms.
func (s *Store) AtomCount() uint64 {
	d := s.dir.Load().acquire()
	defer d.release()
	return d.liveCount()
}

// TotalBytes returns the data file's current used byte count.
func (s *Store) TotalBytes() uint64 {
	return s.used.Load()
}

// Close unmaps and closes the store's files.
func (s *Store) Close() error {
	s.dataMu.Lock()
	dataErr := syscall.Munmap(s.data)
	closeErr := syscall.Close(s.dataFd)
	s.data = nil
	s.dataMu.Unlock()

	d := s.dir.Load()
	d.retire()

	return errors.Join(dataErr, closeErr)
}
