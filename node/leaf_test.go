package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bztree/epoch"
	"bztree/nvm"
	"bztree/pmwcas"
)

func newTestLeaf(t *testing.T, capacity int) (Leaf, *pmwcas.Pool, *epoch.Guard) {
	t.Helper()
	alloc := nvm.NewHeapAllocator()
	leaf := NewLeaf(alloc, capacity)
	// The guard below stays active for the whole test, so no descriptor
	// handed to Finish returns to the pool before the test ends; the pool
	// must hold every MWCAS a test issues (two per Insert).
	pool := pmwcas.NewPool(256)
	mgr := epoch.NewManager()
	guard := mgr.Enter()
	t.Cleanup(guard.Exit)
	return leaf, pool, guard
}

func TestLeafInsertReadRoundTrip(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("bdef"), 100, 3072))
	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("def"), 200, 3072))
	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("abc"), 300, 3072))

	rec, kind := leaf.Read(pool, []byte("abc"))
	re.Equal(Ok, kind)
	re.Equal(uint64(300), rec.Payload)

	rec, kind = leaf.Read(pool, []byte("bdef"))
	re.Equal(Ok, kind)
	re.Equal(uint64(100), rec.Payload)

	_, kind = leaf.Read(pool, []byte("zzz"))
	re.Equal(NotFound, kind)
}

func TestLeafInsertDuplicateRejected(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("abc"), 100, 3072))
	re.Equal(KeyExists, leaf.Insert(pool, guard, log, []byte("abc"), 200, 3072))

	rec, kind := leaf.Read(pool, []byte("abc"))
	re.Equal(Ok, kind)
	re.Equal(uint64(100), rec.Payload)
}

func TestLeafRangeScanOrdersAcrossUnsortedTail(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("bdef"), 100, 3072))
	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("def"), 200, 3072))
	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("abc"), 300, 3072))

	recs := leaf.RangeScan(pool, []byte("a"), []byte("e"))
	re.Len(recs, 3)
	re.Equal("abc", string(recs[0].Key))
	re.Equal("bdef", string(recs[1].Key))
	re.Equal("def", string(recs[2].Key))
}

func TestLeafDeleteThenReinsert(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("k"), 1, 3072))
	re.Equal(Ok, leaf.Delete(pool, guard, []byte("k")))

	_, kind := leaf.Read(pool, []byte("k"))
	re.Equal(NotFound, kind)

	re.Equal(Ok, leaf.Insert(pool, guard, log, []byte("k"), 2, 3072))
	rec, kind := leaf.Read(pool, []byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(2), rec.Payload)
}

func TestLeafNoDuplicateVisibleKeys(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i%26), byte(i)}
		re.Equal(Ok, leaf.Insert(pool, guard, log, key, uint64(i), 3072))
	}

	recordCount := int(leaf.LoadStatus(pool).RecordCount())
	seen := make(map[string]bool)
	for i := 0; i < recordCount; i++ {
		meta := leaf.LoadMeta(pool, i)
		if !meta.Visible() {
			continue
		}
		k := string(leaf.Key(meta))
		re.False(seen[k], "duplicate visible key %q", k)
		seen[k] = true
	}
}

func TestLeafConsolidatePreservesVisibleSetAndCapacity(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for i, k := range keys {
		re.Equal(Ok, leaf.Insert(pool, guard, log, []byte(k), uint64(i), 3072))
	}
	for _, k := range keys[:5] {
		re.Equal(Ok, leaf.Delete(pool, guard, []byte(k)))
	}

	fresh, ok := leaf.Consolidate(nvm.NewHeapAllocator(), pool, guard, log)
	re.True(ok)
	re.Equal(uint32(5), fresh.SortedCount())
	re.Equal(uint32(5), fresh.LoadStatus(pool).RecordCount())
	re.Equal(uint32(0), fresh.LoadStatus(pool).DeleteSize())
	re.Equal(leaf.Size(), fresh.Size())

	recs := fresh.RangeScan(pool, []byte("a"), []byte("z"))
	re.Len(recs, 5)
	for i := 1; i < len(recs); i++ {
		re.True(compareKeys(recs[i-1].Key, recs[i].Key) < 0)
	}
}

// TestLeafReadAfterDeleteInSortedRegionFindsCorrectSlot covers the case
// where a binary-search midpoint over the sorted region lands on a
// tombstoned slot: resolveVisible must resolve to the actual matching
// slot, not leave searchSorted reporting the tombstoned mid itself.
func TestLeafReadAfterDeleteInSortedRegionFindsCorrectSlot(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	// Sorted region ends up as 0=a, 1=b, 2=c, 3=d after consolidation.
	for i, k := range []string{"a", "b", "c", "d"} {
		re.Equal(Ok, leaf.Insert(pool, guard, log, []byte(k), uint64(i), 3072))
	}
	fresh, ok := leaf.Consolidate(nvm.NewHeapAllocator(), pool, guard, log)
	re.True(ok)
	re.Equal(uint32(4), fresh.SortedCount())

	// Deleting "b" tombstones slot 1. A search for "a" computes mid=2 (c,
	// too big), then mid=1 (b, tombstoned) -- the binary search must still
	// resolve to slot 0, not report a spurious miss.
	re.Equal(Ok, fresh.Delete(pool, guard, []byte("b")))

	rec, kind := fresh.Read(pool, []byte("a"))
	re.Equal(Ok, kind)
	re.Equal(uint64(0), rec.Payload)

	rec, kind = fresh.Read(pool, []byte("c"))
	re.Equal(Ok, kind)
	re.Equal(uint64(2), rec.Payload)

	rec, kind = fresh.Read(pool, []byte("d"))
	re.Equal(Ok, kind)
	re.Equal(uint64(3), rec.Payload)

	_, kind = fresh.Read(pool, []byte("b"))
	re.Equal(NotFound, kind)

	re.Equal(Ok, fresh.Update(pool, guard, []byte("a"), 100))
	rec, kind = fresh.Read(pool, []byte("a"))
	re.Equal(Ok, kind)
	re.Equal(uint64(100), rec.Payload)

	// A tombstoned sorted-region slot does not block a later reinsert of
	// the same key.
	re.Equal(Ok, fresh.Insert(pool, guard, log, []byte("b"), 200, 3072))
	rec, kind = fresh.Read(pool, []byte("b"))
	re.Equal(Ok, kind)
	re.Equal(uint64(200), rec.Payload)
}

func TestLeafPrepareForSplitByteBalances(t *testing.T) {
	re := require.New(t)
	leaf, pool, guard := newTestLeaf(t, 4096)
	log := zapNop()

	var keys []string
	for i := 0; i < 50; i++ {
		keys = append(keys, string([]byte{byte('a' + i%26), byte(i / 26)}))
	}
	for i, k := range keys {
		re.Equal(Ok, leaf.Insert(pool, guard, log, []byte(k), uint64(i), 3072))
	}

	re.True(leaf.Freeze(pool, guard, log))
	left, right, sep := leaf.PrepareForSplit(pool, nvm.NewHeapAllocator())

	re.Equal(uint32(len(keys)), left.LoadStatus(pool).RecordCount()+right.LoadStatus(pool).RecordCount())

	leftRecs := left.RangeScan(pool, []byte{0}, []byte{0xff, 0xff})
	rightRecs := right.RangeScan(pool, []byte{0}, []byte{0xff, 0xff})
	for _, r := range leftRecs {
		re.True(compareKeys(r.Key, sep) <= 0)
	}
	for _, r := range rightRecs {
		re.True(compareKeys(r.Key, sep) > 0)
	}
	re.Equal(string(sep), string(leftRecs[len(leftRecs)-1].Key))
}
