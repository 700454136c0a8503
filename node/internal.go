package node

import (
	"sync/atomic"

	"bztree/epoch"
	"bztree/nvm"
	"bztree/pmwcas"
)

// Internal is the non-terminal node variant holding separator keys and
// child addresses, per §3/§4.3. Exactly SortedCount() slots are occupied,
// all in sorted order; slot 0 is the dummy slot (key_length == 0) whose
// payload is the leftmost child.
type Internal struct{ Node }

// NewInternal allocates an internal node buffer; callers populate it via
// buildFromEntries (below) before it is published anywhere a reader could
// observe it.
func NewInternal(alloc nvm.Allocator, capacity int, sortedCount uint32) Internal {
	return Internal{New(alloc, capacity, false, sortedCount)}
}

type kv struct {
	key   []byte
	child uint64
}

func buildFromEntries(alloc nvm.Allocator, capacity int, entries []kv) Internal {
	in := NewInternal(alloc, capacity, uint32(len(entries)))
	heapEnd := in.Size()
	blockSize := uint32(0)
	for i, e := range entries {
		kl := uint32(len(e.key))
		t := recordSpan(kl)
		heapEnd -= t
		in.writeRecord(heapEnd, kl, e.key, e.child)
		meta := ReservedMeta().WithVisible(heapEnd, kl, t)
		atomic.StoreUint64(in.metaWord(i), uint64(meta))
		blockSize += t
	}
	status := Status(0).WithRecordCount(uint32(len(entries))).WithBlockSize(blockSize)
	atomic.StoreUint64(in.statusWord(), uint64(status))
	return in
}

func sumSpans(entries []kv) int {
	total := 0
	for _, e := range entries {
		total += int(recordSpan(uint32(len(e.key))))
	}
	return total
}

// NewRoot builds a fresh two-child internal root, the new_parent_or_null
// case from §4.2 PrepareForSplit when the splitting node had no existing
// parent.
func NewRoot(alloc nvm.Allocator, capacity int, sepKey []byte, leftChild, rightChild uint64) Internal {
	return buildFromEntries(alloc, capacity, []kv{
		{key: nil, child: leftChild},
		{key: sepKey, child: rightChild},
	})
}

// ChildAt returns the child address stored at slot.
func (in Internal) ChildAt(pool *pmwcas.Pool, slot int) uint64 {
	return in.Payload(pool, in.LoadMeta(pool, slot))
}

// GetChildIndex implements §4.3: binary search for the slot whose child
// should be followed for key, resolving exact separator matches according
// to leChild. Separators K_1..K_{n-1} live at slots 1..n-1 in increasing
// order; slot i's child covers (K_i, K_{i+1}] for 1<=i<n-1, slot 0's covers
// (-inf, K_1], and slot n-1's covers (K_{n-1}, +inf). An exact match on K_i
// therefore belongs to slot i-1 by default (go-left-if-<=, matching the
// split separator rule in §4.2); leChild=false steers into slot i instead.
func (in Internal) GetChildIndex(pool *pmwcas.Pool, key []byte, leChild bool) int {
	n := int(in.SortedCount())
	lo, hi := 1, n
	for lo < hi {
		mid := (lo + hi) / 2
		meta := in.LoadMeta(pool, mid)
		if compareKeys(in.Key(meta), key) >= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	idx := lo - 1
	if !leChild && lo < n {
		if compareKeys(in.Key(in.LoadMeta(pool, lo)), key) == 0 {
			idx = lo
		}
	}
	return idx
}

// Update implements §4.3 Update: a single-pointer swap via a two-entry
// MWCAS, used to swing a parent's child pointer from an old (frozen)
// subtree to its replacement.
func (in Internal) Update(pool *pmwcas.Pool, guard *epoch.Guard, slot int, meta RecordMeta, oldChild, newChild uint64) Kind {
	status := in.LoadStatus(pool)
	if status.Frozen() {
		return NodeFrozen
	}
	off := meta.Offset() + alignUp8(meta.KeyLength())
	word := wordAt(in.Buf(), int(off))
	ok := pmwcas.Run(pool, guard,
		pmwcas.EntrySpec{Target: in.statusWord(), OldVal: uint64(status), NewVal: uint64(status)},
		pmwcas.EntrySpec{Target: word, OldVal: oldChild, NewVal: newChild},
	)
	if ok {
		return Ok
	}
	if in.LoadStatus(pool).Frozen() {
		return NodeFrozen
	}
	return PMWCASFailure
}

func (in Internal) augmentedEntries(pool *pmwcas.Pool, atSlot int, sepKey []byte, leftChild, rightChild uint64) []kv {
	n := int(in.SortedCount())
	entries := make([]kv, 0, n+1)
	for i := 0; i < n; i++ {
		meta := in.LoadMeta(pool, i)
		var key []byte
		if i > 0 {
			key = in.Key(meta)
		}
		child := in.Payload(pool, meta)
		if i == atSlot {
			child = leftChild
		}
		entries = append(entries, kv{key: key, child: child})
		if i == atSlot {
			entries = append(entries, kv{key: sepKey, child: rightChild})
		}
	}
	return entries
}

// PrepareForSplit implements the local node-rebuild step of §4.3's upward
// propagation: assumes the receiver is already frozen. Given a new
// separator key and the two children replacing the single child that
// lived at atSlot, it either returns an augmented replacement node (if it
// fits under splitThreshold) or splits into two halves plus the middle
// separator the caller must propagate to this node's own parent.
func (in Internal) PrepareForSplit(pool *pmwcas.Pool, alloc nvm.Allocator, atSlot int, sepKey []byte, leftChild, rightChild uint64, splitThreshold uint32) (augmented, left, right *Internal, midSep []byte) {
	entries := in.augmentedEntries(pool, atSlot, sepKey, leftChild, rightChild)
	projected := HeaderSize + len(entries)*8 + sumSpans(entries)
	if uint32(projected) < splitThreshold {
		n := buildFromEntries(alloc, int(in.Size()), entries)
		return &n, nil, nil, nil
	}

	mid := len(entries) / 2
	leftEntries := entries[:mid]
	rightEntries := append([]kv{{key: nil, child: entries[mid].child}}, entries[mid+1:]...)
	sep := entries[mid].key

	l := buildFromEntries(alloc, int(in.Size()), leftEntries)
	r := buildFromEntries(alloc, int(in.Size()), rightEntries)
	return nil, &l, &r, sep
}
