package config

import (
	"path/filepath"
	"testing"
)

func TestOpenStore_AppliesConfiguredCheckpointTrigger(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, ConfigFileName), `{
		"checkpoint_size_trigger": 4096,
		"page_cache_slots": 64,
	}`)

	storeDir := filepath.Join(workDir, "store")
	s, err := OpenStore(workDir, storeDir)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer s.Close()

	// Each AddCurrent appends 3 WAL records (216 bytes), so the 4096-byte
	// trigger fires on the 19th add; the 16 MiB default would not.
	for i := 0; i < 20; i++ {
		if err := s.AddCurrent(nil, []byte("a"), []byte("p"), []byte("v")); err != nil {
			t.Fatalf("AddCurrent %d: %v", i, err)
		}
	}
	if s.Stats().WALCheckpointTxID == 0 {
		t.Fatalf("no checkpoint after 20 adds, want the 4096-byte trigger to have fired")
	}
}

func TestOpenStore_ReopensExistingStore(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	workDir := t.TempDir()
	storeDir := filepath.Join(workDir, "store")

	s, err := OpenStore(workDir, storeDir)
	if err != nil {
		t.Fatalf("OpenStore (create): %v", err)
	}
	if err := s.AddCurrent(nil, []byte("a"), []byte("p"), []byte("v")); err != nil {
		t.Fatalf("AddCurrent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenStore(workDir, storeDir)
	if err != nil {
		t.Fatalf("OpenStore (reopen): %v", err)
	}
	defer s2.Close()

	if s2.Stats().QuadCount == 0 {
		t.Fatalf("reopened store has no quads, want the one added before close")
	}
}

func TestOpenPool_AppliesConfiguredGateCapacity(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, ConfigFileName), `{"pool_gate_capacity": 3}`)

	poolDir := filepath.Join(workDir, "pool")
	p, err := OpenPool(workDir, poolDir)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer p.Close()

	if p.Gate().Capacity() != 3 {
		t.Fatalf("gate capacity = %d, want 3", p.Gate().Capacity())
	}
}
