package bztree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioS1BasicInsertReadRangeScan covers scenario S1.
func TestScenarioS1BasicInsertReadRangeScan(t *testing.T) {
	re := require.New(t)
	tree := New()

	re.Equal(Ok, tree.Insert([]byte("bdef"), 100))
	re.Equal(Ok, tree.Insert([]byte("def"), 200))
	re.Equal(Ok, tree.Insert([]byte("abc"), 300))

	rec, kind := tree.Read([]byte("abc"))
	re.Equal(Ok, kind)
	re.Equal(uint64(300), rec.Payload)

	rec, kind = tree.Read([]byte("bdef"))
	re.Equal(Ok, kind)
	re.Equal(uint64(100), rec.Payload)

	_, kind = tree.Read([]byte("zzz"))
	re.Equal(NotFound, kind)

	recs := tree.RangeScan([]byte("a"), []byte("e"))
	re.Len(recs, 3)
	re.Equal("abc", string(recs[0].Key))
	re.Equal(uint64(300), recs[0].Payload)
	re.Equal("bdef", string(recs[1].Key))
	re.Equal(uint64(100), recs[1].Payload)
	re.Equal("def", string(recs[2].Key))
	re.Equal(uint64(200), recs[2].Payload)
}

// TestScenarioS2DuplicateInsertRejected covers scenario S2 and invariant 7.
func TestScenarioS2DuplicateInsertRejected(t *testing.T) {
	re := require.New(t)
	tree := New()

	re.Equal(Ok, tree.Insert([]byte("abc"), 100))
	re.Equal(KeyExists, tree.Insert([]byte("abc"), 200))

	rec, kind := tree.Read([]byte("abc"))
	re.Equal(Ok, kind)
	re.Equal(uint64(100), rec.Payload)
}

// TestUpdateOnMissingKeyNotFound covers the second half of invariant 7.
func TestUpdateOnMissingKeyNotFound(t *testing.T) {
	re := require.New(t)
	tree := New()
	re.Equal(NotFound, tree.Update([]byte("missing"), 1))
}

// TestInvariant6InsertThenReadRoundTrips covers invariant 6.
func TestInvariant6InsertThenReadRoundTrips(t *testing.T) {
	re := require.New(t)
	tree := New()
	re.Equal(Ok, tree.Insert([]byte("k"), 42))
	rec, kind := tree.Read([]byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(42), rec.Payload)

	re.Equal(Ok, tree.Update([]byte("k"), 43))
	rec, kind = tree.Read([]byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(43), rec.Payload)
}

// TestInvariant8DeleteThenReadNotFoundUntilReinsert covers invariant 8 and
// scenario S4's delete-then-verify half.
func TestInvariant8DeleteThenReadNotFoundUntilReinsert(t *testing.T) {
	re := require.New(t)
	tree := New()
	re.Equal(Ok, tree.Insert([]byte("k"), 1))
	re.Equal(Ok, tree.Delete([]byte("k")))

	_, kind := tree.Read([]byte("k"))
	re.Equal(NotFound, kind)
	re.Equal(NotFound, tree.Delete([]byte("k")))

	re.Equal(Ok, tree.Insert([]byte("k"), 2))
	rec, kind := tree.Read([]byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(2), rec.Payload)
}

// TestScenarioS4DeleteThenRangeScan covers the tree-level half of scenario
// S4: insert 10 keys, delete 5, and range-scan the remaining 5 in order.
// No consolidation happens here; node's
// TestLeafConsolidatePreservesVisibleSetAndCapacity covers that half.
func TestScenarioS4DeleteThenRangeScan(t *testing.T) {
	re := require.New(t)
	tree := New()

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for i, k := range keys {
		re.Equal(Ok, tree.Insert([]byte(k), uint64(i)))
	}
	for _, k := range keys[:5] {
		re.Equal(Ok, tree.Delete([]byte(k)))
	}

	recs := tree.RangeScan([]byte("a"), []byte("z"))
	re.Len(recs, 5)
	for i := 1; i < len(recs); i++ {
		re.True(string(recs[i-1].Key) < string(recs[i].Key))
	}
	for _, rec := range recs {
		re.Contains(keys[5:], string(rec.Key))
	}
}

// TestUpsertInsertsThenUpdatesThenShortCircuits covers Upsert's
// insert/update/equality-short-circuit paths.
func TestUpsertInsertsThenUpdatesThenShortCircuits(t *testing.T) {
	re := require.New(t)
	tree := New()

	re.Equal(Ok, tree.Upsert([]byte("k"), 1))
	rec, kind := tree.Read([]byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(1), rec.Payload)

	re.Equal(Ok, tree.Upsert([]byte("k"), 2))
	rec, kind = tree.Read([]byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(2), rec.Payload)

	re.Equal(Ok, tree.Upsert([]byte("k"), 2))
	rec, kind = tree.Read([]byte("k"))
	re.Equal(Ok, kind)
	re.Equal(uint64(2), rec.Payload)
}

// TestInvariant9RangeScanExactSetAscending covers invariant 9.
func TestInvariant9RangeScanExactSetAscending(t *testing.T) {
	re := require.New(t)
	tree := New()

	all := []string{"m", "a", "z", "f", "q", "b"}
	for i, k := range all {
		re.Equal(Ok, tree.Insert([]byte(k), uint64(i)))
	}
	re.Equal(Ok, tree.Delete([]byte("z")))

	recs := tree.RangeScan([]byte("a"), []byte("m"))
	var got []string
	for _, r := range recs {
		got = append(got, string(r.Key))
	}
	re.Equal([]string{"a", "b", "f", "m"}, got)
}
