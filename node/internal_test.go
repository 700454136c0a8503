package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bztree/epoch"
	"bztree/nvm"
	"bztree/pmwcas"
)

func TestInternalGetChildIndex(t *testing.T) {
	re := require.New(t)
	alloc := nvm.NewHeapAllocator()
	// Three children, separators at "c" and "m": child 0 covers (-inf,"c"],
	// child 1 covers ("c","m"], child 2 covers ("m", +inf).
	entries := []kv{
		{key: nil, child: 0x1111},
		{key: []byte("c"), child: 0x2222},
		{key: []byte("m"), child: 0x3333},
	}
	in := buildFromEntries(alloc, 4096, entries)
	pool := pmwcas.NewPool(8)

	re.Equal(0, in.GetChildIndex(pool, []byte("a"), true))
	re.Equal(0, in.GetChildIndex(pool, []byte("c"), true), "exact match steers left by default")
	re.Equal(1, in.GetChildIndex(pool, []byte("c"), false), "le_child=false steers right on exact match")
	re.Equal(1, in.GetChildIndex(pool, []byte("f"), true))
	re.Equal(1, in.GetChildIndex(pool, []byte("m"), true))
	re.Equal(2, in.GetChildIndex(pool, []byte("m"), false))
	re.Equal(2, in.GetChildIndex(pool, []byte("z"), true))
}

func TestInternalUpdateSwingsChildPointer(t *testing.T) {
	re := require.New(t)
	alloc := nvm.NewHeapAllocator()
	pool := pmwcas.NewPool(8)
	mgr := epoch.NewManager()
	guard := mgr.Enter()
	defer guard.Exit()

	in := NewRoot(alloc, 4096, []byte("m"), 0x1111, 0x2222)
	meta := in.LoadMeta(pool, 1)
	re.Equal(Ok, in.Update(pool, guard, 1, meta, 0x2222, 0x3333))
	re.Equal(uint64(0x3333), in.ChildAt(pool, 1))

	// A stale old-value no longer matches: PMWCAS fails.
	re.Equal(PMWCASFailure, in.Update(pool, guard, 1, meta, 0x2222, 0x4444))
}

func TestInternalPrepareForSplitFitsWithoutSplitting(t *testing.T) {
	re := require.New(t)
	alloc := nvm.NewHeapAllocator()
	pool := pmwcas.NewPool(8)
	in := NewRoot(alloc, 4096, []byte("m"), 0x1111, 0x2222)

	augmented, left, right, _ := in.PrepareForSplit(pool, alloc, 1, []byte("t"), 0x2222, 0x3333, 3072)
	re.NotNil(augmented)
	re.Nil(left)
	re.Nil(right)
	re.Equal(uint32(3), augmented.SortedCount())
	// Separators "m" and "t": an exact match steers left by default, so "m"
	// lands in child 0 and "t" in child 1.
	re.Equal(0, augmented.GetChildIndex(pool, []byte("a"), true))
	re.Equal(0, augmented.GetChildIndex(pool, []byte("m"), true))
	re.Equal(1, augmented.GetChildIndex(pool, []byte("t"), true))
}

func TestInternalPrepareForSplitSplitsWhenOversized(t *testing.T) {
	re := require.New(t)
	alloc := nvm.NewHeapAllocator()
	pool := pmwcas.NewPool(8)

	entries := []kv{
		{key: nil, child: 1},
		{key: []byte("b"), child: 2},
		{key: []byte("d"), child: 3},
		{key: []byte("f"), child: 4},
	}
	in := buildFromEntries(alloc, 4096, entries)

	augmented, left, right, midSep := in.PrepareForSplit(pool, alloc, 2, []byte("e"), 3, 30, 1)
	re.Nil(augmented)
	re.NotNil(left)
	re.NotNil(right)
	re.NotEmpty(midSep)
	re.Equal(uint32(0), left.LoadMeta(pool, 0).KeyLength(), "left half's slot 0 is still the dummy")
	re.Equal(uint32(0), right.LoadMeta(pool, 0).KeyLength(), "right half's slot 0 becomes a fresh dummy")
}
