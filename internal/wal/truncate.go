package wal

import "syscall"

// truncate trims the WAL file to size bytes, discarding a partially
// written tail record left by a crash mid-append.
func truncate(fd uintptr, size int64) error {
	return syscall.Ftruncate(int(fd), size)
}
