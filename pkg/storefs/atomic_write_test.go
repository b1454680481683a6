package storefs_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/quadstore/pkg/storefs"
)

const testContentHello = "hello, quadstore"

func Test_AtomicWriter_Write_Creates_File_With_Content(t *testing.T) {
	t.Parallel()

	writer := storefs.NewAtomicWriter(storefs.NewReal())
	path := filepath.Join(t.TempDir(), "final.txt")

	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != testContentHello {
		t.Fatalf("content = %q, want %q", got, testContentHello)
	}
}

func Test_AtomicWriter_Write_Replaces_Existing_File_Atomically(t *testing.T) {
	t.Parallel()

	writer := storefs.NewAtomicWriter(storefs.NewReal())
	path := filepath.Join(t.TempDir(), "pointer")

	if err := writer.WriteWithDefaults(path, strings.NewReader("v1")); err != nil {
		t.Fatalf("WriteWithDefaults v1: %v", err)
	}
	if err := writer.WriteWithDefaults(path, strings.NewReader("v2")); err != nil {
		t.Fatalf("WriteWithDefaults v2: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("content = %q, want %q", got, "v2")
	}
}

func Test_AtomicWriter_Write_Leaves_No_Temp_Files_Behind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writer := storefs.NewAtomicWriter(storefs.NewReal())
	path := filepath.Join(dir, "final.txt")

	if err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello)); err != nil {
		t.Fatalf("WriteWithDefaults: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "final.txt" {
		t.Fatalf("dir entries = %v, want only final.txt", entries)
	}
}

func Test_AtomicWriter_Write_Rejects_Empty_Path(t *testing.T) {
	t.Parallel()

	writer := storefs.NewAtomicWriter(storefs.NewReal())

	err := writer.Write("", strings.NewReader(testContentHello), writer.DefaultOptions())
	if err == nil {
		t.Fatal("expected error for empty path, got nil")
	}
}

func Test_AtomicWriter_Write_Rejects_Zero_Perm(t *testing.T) {
	t.Parallel()

	writer := storefs.NewAtomicWriter(storefs.NewReal())
	path := filepath.Join(t.TempDir(), "final.txt")

	err := writer.Write(path, strings.NewReader(testContentHello), storefs.AtomicWriteOptions{SyncDir: true})
	if err == nil {
		t.Fatal("expected error for zero Perm, got nil")
	}
}

func Test_NewAtomicWriter_Panics_On_Nil_FS(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for nil fs")
		}
	}()

	storefs.NewAtomicWriter(nil)
}

func Test_AtomicWriter_Write_Fails_When_Parent_Dir_Missing(t *testing.T) {
	t.Parallel()

	writer := storefs.NewAtomicWriter(storefs.NewReal())
	path := filepath.Join(t.TempDir(), "missing", "final.txt")

	err := writer.WriteWithDefaults(path, strings.NewReader(testContentHello))
	if err == nil {
		t.Fatal("expected error when parent directory is missing")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want wrapping os.ErrNotExist", err)
	}
}
