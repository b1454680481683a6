package btreeidx

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/quadstore/internal/quad"
)

// keyFor produces a key whose big-endian numeric value equals n, so
// lexicographic byte order on the key matches numeric order on n — tests
// rely on this to check range-scan completeness and ordering.
func keyFor(n int) quad.IndexKey {
	var k quad.IndexKey
	k[0] = byte(n >> 24)
	k[1] = byte(n >> 16)
	k[2] = byte(n >> 8)
	k[3] = byte(n)
	return k
}

func valueFor(n int) quad.Value {
	return quad.NewValue(n%7 == 0)
}

func TestTree_Insert_And_Lookup_RoundTrip(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	const n = 5000 // forces many leaf and internal splits

	for i := 0; i < n; i++ {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		got, ok := tr.Lookup(keyFor(i))
		if !ok {
			t.Fatalf("Lookup(%d): not found", i)
		}
		if got != valueFor(i) {
			t.Fatalf("Lookup(%d) = %v, want %v", i, got, valueFor(i))
		}
	}
}

func TestTree_Insert_Overwrites_Existing_Key(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	k := keyFor(42)
	if err := tr.Insert(k, valueFor(42)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(k, valueFor(99)); err != nil {
		t.Fatalf("Insert (overwrite): %v", err)
	}

	got, ok := tr.Lookup(k)
	if !ok {
		t.Fatal("Lookup: not found")
	}
	if got != valueFor(99) {
		t.Fatalf("Lookup after overwrite = %v, want %v", got, valueFor(99))
	}
}

func TestTree_Lookup_Missing_Key_Returns_False(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	if err := tr.Insert(keyFor(1), valueFor(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, ok := tr.Lookup(keyFor(999)); ok {
		t.Fatal("Lookup found a key that was never inserted")
	}
}

func TestTree_FullScan_Returns_Entries_In_Ascending_Order(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	const n = 3000
	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var prev quad.IndexKey
	count := 0
	first := true
	for e := range tr.FullScan() {
		if !first && string(prev[:]) >= string(e.Key[:]) {
			t.Fatalf("keys out of order at position %d", count)
		}
		prev = e.Key
		first = false
		count++
	}

	if count != n {
		t.Fatalf("FullScan returned %d entries, want %d", count, n)
	}
}

func TestTree_RangeScan_Bounds_Are_Inclusive(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	const n = 2000
	for i := 0; i < n; i++ {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	lo, hi := 500, 1500
	got := map[int]bool{}
	for e := range tr.RangeScan(keyFor(lo), keyFor(hi)) {
		n := int(e.Key[0])<<24 | int(e.Key[1])<<16 | int(e.Key[2])<<8 | int(e.Key[3])
		got[n] = true
		if n < lo || n > hi {
			t.Fatalf("RangeScan yielded out-of-range entry %d", n)
		}
	}

	for i := lo; i <= hi; i++ {
		if !got[i] {
			t.Fatalf("RangeScan missed entry %d", i)
		}
	}
}

func TestTree_RangeScan_Stops_When_Yield_Returns_False(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	for i := 0; i < 500; i++ {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	seen := 0
	tr.FullScan()(func(e Entry) bool {
		seen++
		return seen < 10
	})

	if seen != 10 {
		t.Fatalf("scan visited %d entries after early stop, want 10", seen)
	}
}

func TestTree_Reopen_Preserves_All_Entries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "idx")

	tr, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const n = 1000
	for i := 0; i < n; i++ {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := tr.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	tr2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr2.Close()

	for i := 0; i < n; i++ {
		got, ok := tr2.Lookup(keyFor(i))
		if !ok {
			t.Fatalf("Lookup(%d) after reopen: not found", i)
		}
		if got != valueFor(i) {
			t.Fatalf("Lookup(%d) after reopen = %v, want %v", i, got, valueFor(i))
		}
	}
}

func TestTree_Insert_Many_Forces_Multilevel_Splits(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	// maxLeafKeys * maxInternalKeys is roughly the point a second internal
	// level becomes necessary; go well past it.
	n := 2 * maxLeafKeys * maxInternalKeys
	if n < 10000 {
		n = 10000
	}

	for i := 0; i < n; i++ {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	for _, i := range []int{0, 1, n / 2, n - 1} {
		if _, ok := tr.Lookup(keyFor(i)); !ok {
			t.Fatalf("Lookup(%d) after %d inserts: not found", i, n)
		}
	}

	count := 0
	for range tr.FullScan() {
		count++
	}
	if count != n {
		t.Fatalf("FullScan after multilevel splits returned %d, want %d", count, n)
	}
}

func TestTree_FullScanContext_StopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	tr, err := Create(filepath.Join(t.TempDir(), "idx"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer tr.Close()

	for i := 0; i < 10; i++ {
		if err := tr.Insert(keyFor(i), valueFor(i)); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	for range tr.FullScanContext(ctx) {
		count++
	}
	if count != 0 {
		t.Fatalf("FullScanContext with cancelled context returned %d entries, want 0", count)
	}
}

func TestKeyFor_Is_Injective_For_Test_Fixture(t *testing.T) {
	t.Parallel()
	seen := map[string]int{}
	for i := 0; i < 2000; i++ {
		k := keyFor(i)
		if prev, ok := seen[string(k[:])]; ok {
			t.Fatalf("keyFor fixture collision: %d and %d produced the same key", prev, i)
		}
		seen[string(k[:])] = i
	}
}
