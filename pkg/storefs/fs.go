// Package storefs provides the filesystem abstraction the storage engine
// uses for the WAL file, the pool's directory, capacity and active-pointer
// reads, and the pool gate's slot lock files. The AtomStore data/hash
// files and the QuadIndex page files are opened with raw syscalls instead.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
//   - [Locker]: flock-based advisory locking, used for the pool's
//     cross-process gate slots
//   - [AtomicWriter]: temp-file-then-rename durable writes, used to replace
//     the WAL file with its post-checkpoint contents
package storefs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File]. Implementations must behave
// like [os.File], including that [File.Fd] returns a valid OS file
// descriptor usable with syscalls (mmap, flock, ftruncate) until the file
// is closed.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor, for syscall.Mmap/Flock/Ftruncate.
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file.
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk (fsync).
	Sync() error

	// Chmod changes the mode of the file.
	Chmod(mode os.FileMode) error
}

// FS defines filesystem operations for reading, writing, and managing
// files. Paths use OS semantics, not the slash-separated paths of the
// standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	Open(path string) (File, error)
	Create(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
}

var _ File = (*os.File)(nil)
