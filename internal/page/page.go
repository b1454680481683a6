// Package page provides the 16 KiB fixed-size page allocator that backs
// each QuadIndex B+Tree file, plus the clock-replacement PageCache that
// fronts hot pages.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
)

// Size is the fixed page size in bytes, per spec §4.2.
const Size = 16 * 1024

// ID is a 32-bit index into a page file. ID 0 is the file header page and
// is never handed out by Allocate.
type ID uint32

// ErrClosed is returned by File methods after Close.
var ErrClosed = errors.New("page: file closed")

// fileHeaderMagic identifies a page file. Laid out in page 0, which is
// never used as a B+Tree page.
const fileHeaderMagic = "QSPG"

// File is a memory-mapped, page-structured file. Pages beyond the current
// high-water mark are allocated by extending the file and zero-filling the
// new region; mmap always covers exactly the current file size.
//
// File itself does not perform locking: callers coordinate mutation
// through the store's single writer lock, matching the mmap lifecycle in
// the teacher's pkg/slotcache/open.go (ftruncate, pwrite, fsync, mmap).
type File struct {
	fd        int
	data      []byte
	pageCount uint32 // including the reserved header page
	closed    bool
	cache     *Cache // optional, shared across Files within a process
}

// Open opens or creates a page file at path, with no PageCache attached.
// A freshly created file has a single header page (page 0) and zero
// allocatable pages.
func Open(path string) (*File, error) {
	return OpenWithCache(path, nil)
}

// OpenWithCache is like Open, but routes [File.Page] lookups through
// cache. Passing a cache shared by several Files lets hot pages from
// different indexes (or different stores, per spec §4.2's "shared across
// stores") contend for the same fixed slot array instead of each File
// needing its own.
func OpenWithCache(path string, cache *Cache) (*File, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("page: open %q: %w", path, err)
	}

	var st syscall.Stat_t
	if err := syscall.Fstat(fd, &st); err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("page: fstat %q: %w", path, err)
	}

	if st.Size == 0 {
		if err := syscall.Ftruncate(fd, Size); err != nil {
			_ = syscall.Close(fd)
			return nil, fmt.Errorf("page: ftruncate %q: %w", path, err)
		}

		var hdr [Size]byte
		copy(hdr[:4], fileHeaderMagic)
		binary.LittleEndian.PutUint32(hdr[4:8], 1) // pageCount, header only

		if _, err := syscall.Pwrite(fd, hdr[:], 0); err != nil {
			_ = syscall.Close(fd)
			return nil, fmt.Errorf("page: write header %q: %w", path, err)
		}
		if err := syscall.Fsync(fd); err != nil {
			_ = syscall.Close(fd)
			return nil, fmt.Errorf("page: fsync %q: %w", path, err)
		}

		st.Size = Size
	}

	if st.Size%Size != 0 {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("page: %q size %d is not a multiple of page size %d", path, st.Size, Size)
	}

	data, err := syscall.Mmap(fd, 0, int(st.Size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("page: mmap %q: %w", path, err)
	}

	if string(data[:4]) != fileHeaderMagic {
		_ = syscall.Munmap(data)
		_ = syscall.Close(fd)
		return nil, fmt.Errorf("page: %q: bad header magic", path)
	}

	pageCount := binary.LittleEndian.Uint32(data[4:8])

	return &File{fd: fd, data: data, pageCount: pageCount, cache: cache}, nil
}

// Allocate extends the file by one page, zero-filling it, and returns its
// ID. The new page is not durable until the caller fsyncs (typically at
// checkpoint).
//
// Allocate may remap the file, invalidating any slice previously returned
// by [File.Page] or [File.Header]. Callers must re-fetch those slices
// after calling Allocate instead of retaining ones obtained beforehand.
func (f *File) Allocate() (ID, error) {
	if f.closed {
		return 0, ErrClosed
	}

	newCount := f.pageCount + 1
	newSize := int64(newCount) * Size

	if err := syscall.Ftruncate(f.fd, newSize); err != nil {
		return 0, fmt.Errorf("page: extend: %w", err)
	}

	if err := syscall.Munmap(f.data); err != nil {
		return 0, fmt.Errorf("page: remap (unmap): %w", err)
	}

	data, err := syscall.Mmap(f.fd, 0, int(newSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("page: remap (mmap): %w", err)
	}

	f.data = data
	id := ID(f.pageCount)
	f.pageCount = newCount

	binary.LittleEndian.PutUint32(f.data[4:8], f.pageCount)

	// The remap above moved every existing page out from under any
	// pointers cached before this call.
	if f.cache != nil {
		f.cache.InvalidateFile(f)
	}

	return id, nil
}

// Page returns the raw 16 KiB slice for id, a view into the mmap'd file.
// Mutations through the returned slice are visible immediately and become
// durable on the next Sync. If f has a PageCache attached, Page consults
// it before computing the slice and populates it on a miss.
func (f *File) Page(id ID) ([]byte, error) {
	if f.closed {
		return nil, ErrClosed
	}

	if id == 0 || uint32(id) >= f.pageCount {
		return nil, fmt.Errorf("page: id %d out of range [1,%d)", id, f.pageCount)
	}

	if f.cache != nil {
		if ptr, ok := f.cache.Get(f, id); ok {
			return ptr, nil
		}
	}

	off := int64(id) * Size
	ptr := f.data[off : off+Size : off+Size]

	if f.cache != nil {
		f.cache.Put(f, id, ptr)
	}

	return ptr, nil
}

// PageCount reports the number of allocated pages, including the reserved
// header page.
func (f *File) PageCount() uint32 {
	return f.pageCount
}

// Header returns the portion of the reserved page-0 header available for
// caller-defined metadata (e.g. a B+Tree's root page ID), past the bytes
// page.File itself owns (the magic and page count).
func (f *File) Header() []byte {
	return f.data[8:Size]
}

// Sync fsyncs the underlying file, making all page mutations durable.
func (f *File) Sync() error {
	if f.closed {
		return ErrClosed
	}
	return syscall.Fsync(f.fd)
}

// Close unmaps and closes the file. Idempotent.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true

	if f.cache != nil {
		f.cache.InvalidateFile(f)
	}

	unmapErr := syscall.Munmap(f.data)
	closeErr := syscall.Close(f.fd)
	f.data = nil

	if unmapErr != nil {
		return fmt.Errorf("page: munmap: %w", unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("page: close: %w", closeErr)
	}
	return nil
}
