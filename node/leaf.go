package node

import (
	"encoding/binary"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"bztree/epoch"
	"bztree/nvm"
	"bztree/pmwcas"
)

// Leaf is the terminal node variant holding user (key, payload) records,
// per §3/§4.2. Slots [0, SortedCount()) are key-sorted; slots
// [SortedCount(), RecordCount()) are an append-ordered unsorted tail.
type Leaf struct{ Node }

// NewLeaf allocates a fresh, empty leaf of the given capacity.
func NewLeaf(alloc nvm.Allocator, capacity int) Leaf {
	return Leaf{New(alloc, capacity, true, 0)}
}

// Record is an owning snapshot of one (key, payload) pair, safe to read
// after the node that produced it may have been retired -- every read
// path in this package (Read, RangeScan) copies key bytes into a Record
// before returning, per §4.2 "materialize an immutable snapshot".
type Record struct {
	Key     []byte
	Payload uint64
}

type uniqueState int

const (
	isUnique uniqueState = iota
	duplicate
	recheckNeeded
)

// checkUnique implements §4.2 CheckUnique: search sorted then unsorted,
// returning isUnique, duplicate, or recheckNeeded (candidate slot still
// inserting, so the caller must RecheckUnique after publishing).
func (l Leaf) checkUnique(pool *pmwcas.Pool, key []byte) (uniqueState, int) {
	sortedCount := int(l.SortedCount())
	recordCount := int(l.LoadStatus(pool).RecordCount())

	if slot, found := searchSorted(pool, l.Node, key, sortedCount, sortedCount); found {
		return duplicate, slot
	}
	res := searchUnsorted(pool, l.Node, key, sortedCount, recordCount, recordCount, true)
	switch {
	case res.Recheck:
		return recheckNeeded, res.Slot
	case res.Found:
		return duplicate, res.Slot
	default:
		return isUnique, -1
	}
}

// recheckUnique implements §4.2 RecheckUnique: scan only the unsorted tail
// bounded by endPos (the caller's own reserved slot), spin-waiting past any
// still-inserting slot until it resolves.
func (l Leaf) recheckUnique(pool *pmwcas.Pool, key []byte, endPos int) uniqueState {
	sortedCount := int(l.SortedCount())
	for i := sortedCount; i < endPos; i++ {
		for {
			meta := l.LoadMeta(pool, i)
			if meta.Inserting() {
				continue // spin-wait for the reserving writer to publish or abandon.
			}
			if meta.Visible() && compareKeys(key, l.Key(meta)) == 0 {
				return duplicate
			}
			break
		}
	}
	return isUnique
}

// Insert implements the two-phase protocol from §4.2.
func (l Leaf) Insert(pool *pmwcas.Pool, guard *epoch.Guard, log *zap.Logger, key []byte, payload uint64, splitThreshold uint32) Kind {
	status := l.LoadStatus(pool)
	if status.Frozen() {
		return NodeFrozen
	}

	switch state, _ := l.checkUnique(pool, key); state {
	case duplicate:
		return KeyExists
	case recheckNeeded:
		// A concurrent writer might still land on this exact key; resolve
		// before reserving a slot.
		if l.recheckUnique(pool, key, int(status.RecordCount())) == duplicate {
			return KeyExists
		}
	}

	totalLen := recordSpan(uint32(len(key)))
	recordCount := status.RecordCount()
	projected := HeaderSize + int((recordCount+1))*8 + int(status.BlockSize()) + int(totalLen)
	if projected >= int(splitThreshold) {
		return NotEnoughSpace
	}

	slot := int(recordCount)
	desiredStatus := status.AddRecordCount(1).AddBlockSize(int32(totalLen))
	reserved := ReservedMeta()

	ok := pmwcas.Run(pool, guard,
		pmwcas.EntrySpec{Target: l.statusWord(), OldVal: uint64(status), NewVal: uint64(desiredStatus)},
		pmwcas.EntrySpec{Target: l.metaWord(slot), OldVal: 0, NewVal: uint64(reserved)},
	)
	if !ok {
		// Phase 1 lost the race (status or slot moved under us); the tree
		// layer restarts Insert from the top, re-traversing if needed.
		if l.LoadStatus(pool).Frozen() {
			return NodeFrozen
		}
		return PMWCASFailure
	}

	// Phase 1.5: copy the record body into the heap, from the high end of
	// the buffer downward.
	offset := l.Size() - desiredStatus.BlockSize()
	l.writeRecord(offset, uint32(len(key)), key, payload)
	final := reserved.WithVisible(offset, uint32(len(key)), totalLen)

	// Phase 2: publish, retrying the fence-check-then-CAS step against this
	// same reserved slot on a transient MWCAS loss (§4.2 "restart Phase 2"):
	// the status word can move for reasons unrelated to our own slot (any
	// concurrent Insert/Delete elsewhere in this leaf touches it too), and
	// abandoning the slot on every such collision would leak one ghost
	// "inserting" record per contended attempt.
	for {
		// Re-validate uniqueness against the unsorted tail up to (not
		// including) our own slot -- a duplicate writer could have landed
		// between Phase 1's reservation and now.
		if l.recheckUnique(pool, key, slot) == duplicate {
			// Abandon: leave the slot inserting with its already-zero offset;
			// readers ignore it and the next consolidation compacts it away (§7).
			return KeyExists
		}

		curStatus := l.LoadStatus(pool)
		if curStatus.Frozen() {
			return NodeFrozen
		}
		ok = pmwcas.Run(pool, guard,
			pmwcas.EntrySpec{Target: l.statusWord(), OldVal: uint64(curStatus), NewVal: uint64(curStatus)},
			pmwcas.EntrySpec{Target: l.metaWord(slot), OldVal: uint64(reserved), NewVal: uint64(final)},
		)
		if ok {
			break
		}
		if l.LoadStatus(pool).Frozen() {
			return NodeFrozen
		}
		// Transient loss -- the fence CAS's status guard didn't hold
		// because something else in this leaf moved. Retry the same
		// publish against the same slot, not the whole Insert.
	}
	log.Debug("leaf insert published", zap.Int("slot", slot), zap.Int("keyLen", len(key)))
	return Ok
}

// findVisible locates a visible, non-inserting record by key, scanning
// sorted then unsorted, for Update/Delete/Read.
func (l Leaf) findVisible(pool *pmwcas.Pool, key []byte) (int, RecordMeta, bool) {
	sortedCount := int(l.SortedCount())
	recordCount := int(l.LoadStatus(pool).RecordCount())
	if slot, found := searchSorted(pool, l.Node, key, sortedCount, sortedCount); found {
		if m := l.LoadMeta(pool, slot); m.Visible() {
			return slot, m, true
		}
	}
	res := searchUnsorted(pool, l.Node, key, sortedCount, recordCount, recordCount, false)
	if res.Found {
		return res.Slot, res.Meta, true
	}
	return 0, RecordMeta(0), false
}

// Update implements §4.2 Update: locate, no-op if unchanged, else a
// three-entry MWCAS that also re-checks meta and status for tombstoning
// and freezing.
func (l Leaf) Update(pool *pmwcas.Pool, guard *epoch.Guard, key []byte, payload uint64) Kind {
	for {
		slot, meta, found := l.findVisible(pool, key)
		if !found {
			return NotFound
		}
		if l.Payload(pool, meta) == payload {
			return Ok
		}
		status := l.LoadStatus(pool)
		if status.Frozen() {
			return NodeFrozen
		}
		off := meta.Offset() + alignUp8(meta.KeyLength())
		payloadWord := wordAt(l.Buf(), int(off))
		oldPayload := pmwcas.ReadUint64(pool, payloadWord)
		ok := pmwcas.Run(pool, guard,
			pmwcas.EntrySpec{Target: payloadWord, OldVal: oldPayload, NewVal: payload},
			pmwcas.EntrySpec{Target: l.metaWord(slot), OldVal: uint64(meta), NewVal: uint64(meta)},
			pmwcas.EntrySpec{Target: l.statusWord(), OldVal: uint64(status), NewVal: uint64(status)},
		)
		if ok {
			return Ok
		}
		if l.LoadStatus(pool).Frozen() {
			return NodeFrozen
		}
		// Contention: retry.
	}
}

// Delete implements §4.2 Delete: locate, then a two-entry MWCAS clearing
// visibility/offset and crediting delete_size.
func (l Leaf) Delete(pool *pmwcas.Pool, guard *epoch.Guard, key []byte) Kind {
	for {
		slot, meta, found := l.findVisible(pool, key)
		if !found {
			return NotFound
		}
		status := l.LoadStatus(pool)
		if status.Frozen() {
			return NodeFrozen
		}
		newMeta := meta.WithDeleted()
		newStatus := status.AddDeleteSize(int32(meta.TotalLength()))
		ok := pmwcas.Run(pool, guard,
			pmwcas.EntrySpec{Target: l.statusWord(), OldVal: uint64(status), NewVal: uint64(newStatus)},
			pmwcas.EntrySpec{Target: l.metaWord(slot), OldVal: uint64(meta), NewVal: uint64(newMeta)},
		)
		if ok {
			return Ok
		}
		if l.LoadStatus(pool).Frozen() {
			return NodeFrozen
		}
	}
}

// Read implements §4.2 Read: a non-concurrency-checked search that
// materializes an owning snapshot.
func (l Leaf) Read(pool *pmwcas.Pool, key []byte) (Record, Kind) {
	_, meta, found := l.findVisible(pool, key)
	if !found {
		return Record{}, NotFound
	}
	return Record{Key: l.Key(meta), Payload: l.Payload(pool, meta)}, Ok
}

// RangeScan implements §4.2 RangeScan: every visible slot whose key falls
// in [lo, hi] is snapshotted; results are returned sorted by key.
func (l Leaf) RangeScan(pool *pmwcas.Pool, lo, hi []byte) []Record {
	recordCount := int(l.LoadStatus(pool).RecordCount())
	sortedCount := int(l.SortedCount())
	var out []Record
	for i := 0; i < recordCount; i++ {
		meta := l.LoadMeta(pool, i)
		if !meta.Visible() {
			continue
		}
		key := l.Key(meta)
		if compareKeys(key, lo) < 0 {
			continue
		}
		if compareKeys(key, hi) > 0 {
			if i < sortedCount {
				// Sorted region is monotonic: every later sorted slot is
				// also out of range, skip straight to the unsorted tail.
				i = sortedCount - 1
			}
			continue
		}
		out = append(out, Record{Key: key, Payload: l.Payload(pool, meta)})
	}
	sort.Slice(out, func(i, j int) bool { return compareKeys(out[i].Key, out[j].Key) < 0 })
	return out
}

// Consolidate implements §4.2 Consolidate: freeze, collect every visible
// record, and rebuild a dense, fully sorted replacement leaf of the same
// capacity. The caller swings the parent's child pointer to the result.
func (l Leaf) Consolidate(alloc nvm.Allocator, pool *pmwcas.Pool, guard *epoch.Guard, log *zap.Logger) (Leaf, bool) {
	if !l.Freeze(pool, guard, log) {
		return Leaf{}, false
	}
	recordCount := int(l.LoadStatus(pool).RecordCount())
	type kv struct {
		key     []byte
		payload uint64
	}
	live := make([]kv, 0, recordCount)
	for i := 0; i < recordCount; i++ {
		meta := l.LoadMeta(pool, i)
		if !meta.Visible() {
			continue
		}
		live = append(live, kv{key: l.Key(meta), payload: l.Payload(pool, meta)})
	}
	sort.Slice(live, func(i, j int) bool { return compareKeys(live[i].key, live[j].key) < 0 })

	fresh := NewLeaf(alloc, int(l.Size()))
	heapEnd := l.Size()
	blockSize := uint32(0)
	for i, rec := range live {
		total := recordSpan(uint32(len(rec.key)))
		heapEnd -= total
		fresh.writeRecord(heapEnd, uint32(len(rec.key)), rec.key, rec.payload)
		meta := ReservedMeta().WithVisible(heapEnd, uint32(len(rec.key)), total)
		atomic.StoreUint64(fresh.metaWord(i), uint64(meta))
		blockSize += total
	}
	setSortedCount(fresh.Node, uint32(len(live)))
	status := Status(0).WithRecordCount(uint32(len(live))).WithBlockSize(blockSize)
	atomic.StoreUint64(fresh.statusWord(), uint64(status))
	log.Info("leaf consolidated", zap.Int("records", len(live)))
	return fresh, true
}

// PrepareForSplit implements §4.2 PrepareForSplit: assumes the receiver is
// already frozen. It byte-balances the split: the smallest prefix (by
// sorted key order) whose cumulative total_length is >= half of the total
// visible bytes goes left.
func (l Leaf) PrepareForSplit(pool *pmwcas.Pool, alloc nvm.Allocator) (left, right Leaf, separator []byte) {
	recordCount := int(l.LoadStatus(pool).RecordCount())
	type kv struct {
		key     []byte
		payload uint64
		total   uint32
	}
	live := make([]kv, 0, recordCount)
	totalBytes := uint32(0)
	for i := 0; i < recordCount; i++ {
		meta := l.LoadMeta(pool, i)
		if !meta.Visible() {
			continue
		}
		t := meta.TotalLength()
		live = append(live, kv{key: l.Key(meta), payload: l.Payload(pool, meta), total: t})
		totalBytes += t
	}
	sort.Slice(live, func(i, j int) bool { return compareKeys(live[i].key, live[j].key) < 0 })

	half := totalBytes / 2
	splitIdx := len(live)
	cum := uint32(0)
	for i, rec := range live {
		cum += rec.total
		if cum >= half {
			splitIdx = i + 1
			break
		}
	}
	if splitIdx == 0 {
		splitIdx = 1
	}

	buildSide := func(recs []kv) Leaf {
		ln := NewLeaf(alloc, int(l.Size()))
		heapEnd := ln.Size()
		blockSize := uint32(0)
		for i, rec := range recs {
			heapEnd -= rec.total
			ln.writeRecord(heapEnd, uint32(len(rec.key)), rec.key, rec.payload)
			meta := ReservedMeta().WithVisible(heapEnd, uint32(len(rec.key)), rec.total)
			atomic.StoreUint64(ln.metaWord(i), uint64(meta))
			blockSize += rec.total
		}
		setSortedCount(ln.Node, uint32(len(recs)))
		status := Status(0).WithRecordCount(uint32(len(recs))).WithBlockSize(blockSize)
		atomic.StoreUint64(ln.statusWord(), uint64(status))
		return ln
	}

	left = buildSide(live[:splitIdx])
	right = buildSide(live[splitIdx:])
	separator = live[splitIdx-1].key
	return left, right, separator
}

// setSortedCount is only ever called while constructing a brand-new leaf
// (New/Consolidate/PrepareForSplit), before it is published anywhere a
// reader could observe it concurrently -- consistent with SortedCount's
// "immutable after construction" contract.
func setSortedCount(n Node, count uint32) {
	binary.LittleEndian.PutUint32(n.Buf()[offSortedCount:], count)
}
