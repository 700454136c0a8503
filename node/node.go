// Package node implements the shared BzTree node layout (spec §3, §4.1):
// a fixed-size contiguous byte buffer holding a header, a forward-growing
// record-metadata array, and a backward-growing record heap. Leaf (leaf.go)
// and Internal (internal.go) are the two concrete variants built on top of
// this shared header view, matching §9's "tagged variant with shared
// preamble" design note.
package node

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"bztree/epoch"
	"bztree/nvm"
	"bztree/pmwcas"
)

// Buffer layout, all offsets in bytes from the start of a node's backing
// []byte. status is placed at offset 16 so that it, and every metadata
// slot after it, lands on an 8-byte boundary -- required for atomic
// access via unsafe pointers into the slice. This assumes the backing
// array itself starts 8-byte aligned, which holds for HeapAllocator's
// make([]byte, n) buffers and for RegionAllocator's arena offsets as long
// as node capacities are multiples of 8.
const (
	offIsLeaf      = 0
	offSortedCount = 4
	offSize        = 8
	offStatus      = 16
	HeaderSize     = 24
)

// Node is a thin, comparable view over a node's backing buffer. It carries
// no mutable state of its own -- every field lives in buf, which may be
// shared (and mutated through pmwcas) by many goroutines.
type Node struct {
	Addr nvm.Address
	buf  []byte
}

// Wrap views an already-initialized buffer as a Node.
func Wrap(addr nvm.Address, buf []byte) Node { return Node{Addr: addr, buf: buf} }

// New allocates and initializes a fresh node buffer of the given
// capacity. sortedCount is fixed for the node's entire lifetime per §3
// ("consolidation resets it" describes a new node, not a mutation of this
// one).
func New(alloc nvm.Allocator, capacity int, isLeaf bool, sortedCount uint32) Node {
	addr, buf := alloc.New(capacity)
	if isLeaf {
		buf[offIsLeaf] = 1
	}
	binary.LittleEndian.PutUint32(buf[offSortedCount:], sortedCount)
	binary.LittleEndian.PutUint32(buf[offSize:], uint32(capacity))
	atomic.StoreUint64(wordAt(buf, offStatus), 0)
	return Node{Addr: addr, buf: buf}
}

func wordAt(buf []byte, offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&buf[offset]))
}

func (n Node) Buf() []byte { return n.buf }

func (n Node) IsLeaf() bool { return n.buf[offIsLeaf] == 1 }

func (n Node) Size() uint32 { return binary.LittleEndian.Uint32(n.buf[offSize:]) }

// SortedCount is immutable for a node's lifetime; see New's doc comment.
func (n Node) SortedCount() uint32 { return binary.LittleEndian.Uint32(n.buf[offSortedCount:]) }

func (n Node) statusWord() *uint64 { return wordAt(n.buf, offStatus) }

// LoadStatus reads the status word through pmwcas.ReadUint64's
// dirty-bit-aware protected load: a plain load could observe the word
// mid-MWCAS (e.g. another goroutine's in-flight Freeze or Insert Phase 1)
// and hand the caller a descriptor tag instead of a real record_count.
func (n Node) LoadStatus(pool *pmwcas.Pool) Status {
	return Status(pmwcas.ReadUint64(pool, n.statusWord()))
}

func (n Node) metaWord(slot int) *uint64 { return wordAt(n.buf, HeaderSize+slot*8) }

// LoadMeta reads one metadata slot through the same protected load as
// LoadStatus -- a slot's word can be mid-install from a concurrent Update,
// Delete, or Internal.Update swinging a child pointer.
func (n Node) LoadMeta(pool *pmwcas.Pool, slot int) RecordMeta {
	return RecordMeta(pmwcas.ReadUint64(pool, n.metaWord(slot)))
}

// MaxSlots is how many 8-byte metadata words fit between the header and
// the end of the buffer, leaving no room for record bodies; it is an upper
// bound only, never a bound a live node reaches.
func (n Node) MaxSlots() int {
	return (len(n.buf) - HeaderSize) / 8
}

// Key reads the key bytes for a visible or inserting slot whose offset and
// key_length are already known to be valid.
func (n Node) Key(meta RecordMeta) []byte {
	off, kl := meta.Offset(), meta.KeyLength()
	out := make([]byte, kl)
	copy(out, n.buf[off:off+kl])
	return out
}

// Payload reads the trailing 8-byte payload (leaf) or child address
// (internal) that follows the padded key at meta's offset. This word is
// exactly what Leaf.Update and Internal.Update swing via MWCAS, so it is
// read through the same protected load as the status/metadata words.
func (n Node) Payload(pool *pmwcas.Pool, meta RecordMeta) uint64 {
	off := meta.Offset() + alignUp8(meta.KeyLength())
	return pmwcas.ReadUint64(pool, wordAt(n.buf, int(off)))
}

// writeRecord copies key bytes and an 8-byte payload into the heap at
// offset, per §3's record body layout.
func (n Node) writeRecord(offset, keyLength uint32, key []byte, payload uint64) {
	copy(n.buf[offset:offset+keyLength], key)
	padded := alignUp8(keyLength)
	for i := keyLength; i < padded; i++ {
		n.buf[offset+i] = 0
	}
	binary.LittleEndian.PutUint64(n.buf[offset+padded:offset+padded+8], payload)
}

func compareKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if c := bytes.Compare(a[:n], b[:n]); c != 0 {
		return c
	}
	return len(a) - len(b)
}

// Freeze performs the single-word MWCAS described in §4.1: set the frozen
// bit, guarded by the status word's current value. It is idempotent in
// effect (observing an already-frozen node yields false) and irreversible.
func (n Node) Freeze(pool *pmwcas.Pool, guard *epoch.Guard, log *zap.Logger) bool {
	for {
		cur := n.LoadStatus(pool)
		if cur.Frozen() {
			return false
		}
		desired := cur.WithFrozen()
		ok := pmwcas.Run(pool, guard, pmwcas.EntrySpec{
			Target: n.statusWord(), OldVal: uint64(cur), NewVal: uint64(desired),
		})
		if ok {
			log.Debug("node frozen", zap.Uint64("addr", uint64(n.Addr)))
			return true
		}
		if n.LoadStatus(pool).Frozen() {
			return false
		}
	}
}

// searchResult is returned by the shared binary+linear search fusion
// described in §4.1.
type searchResult struct {
	Slot      int
	Meta      RecordMeta
	Found     bool
	Recheck   bool
}

// searchSorted runs the binary-search phase over [0, min(sortedCount,
// endPos)), tolerating tombstoned midpoints by scanning outward for a
// visible neighbour, exactly as §4.1 step 1 describes. resolveVisible may
// resolve to a slot other than mid, so the returned slot -- and the bounds
// used to keep narrowing the search -- must track that resolved index, not
// mid itself; using mid there would report a tombstoned slot as the match.
func searchSorted(pool *pmwcas.Pool, n Node, key []byte, sortedCount, endPos int) (int, bool) {
	lo, hi := 0, sortedCount
	if endPos < hi {
		hi = endPos
	}
	for lo < hi {
		mid := (lo + hi) / 2
		idx, meta, mv := resolveVisible(pool, n, lo, hi, mid)
		if !mv {
			// Entire window tombstoned: binary phase terminates (§4.1 step 1).
			return 0, false
		}
		cmp := compareKeys(key, n.Key(meta))
		switch {
		case cmp == 0:
			return idx, true
		case cmp < 0:
			hi = idx
		default:
			lo = idx + 1
		}
	}
	return 0, false
}

// resolveVisible finds a visible slot at or near mid within [lo, hi),
// scanning left then right past tombstones, and reports which slot it
// actually resolved to alongside its metadata.
func resolveVisible(pool *pmwcas.Pool, n Node, lo, hi, mid int) (int, RecordMeta, bool) {
	if m := n.LoadMeta(pool, mid); m.Visible() {
		return mid, m, true
	}
	for i, j := mid-1, mid+1; i >= lo || j < hi; i, j = i-1, j+1 {
		if i >= lo {
			if m := n.LoadMeta(pool, i); m.Visible() {
				return i, m, true
			}
		}
		if j < hi {
			if m := n.LoadMeta(pool, j); m.Visible() {
				return j, m, true
			}
		}
	}
	return 0, RecordMeta(0), false
}

// searchUnsorted runs the linear-scan phase over [sortedCount, min(recordCount,
// endPos)) described in §4.1 step 2. checkConcurrency selects the caller's
// policy for slots still mid-insertion: true returns them as a "recheck
// needed" sentinel (used by CheckUnique), false skips them (used by reads).
func searchUnsorted(pool *pmwcas.Pool, n Node, key []byte, sortedCount, recordCount, endPos int, checkConcurrency bool) searchResult {
	hi := recordCount
	if endPos < hi {
		hi = endPos
	}
	for i := sortedCount; i < hi; i++ {
		meta := n.LoadMeta(pool, i)
		if meta.Inserting() {
			if checkConcurrency {
				return searchResult{Slot: i, Meta: meta, Recheck: true}
			}
			continue
		}
		if !meta.Visible() {
			continue
		}
		if compareKeys(key, n.Key(meta)) == 0 {
			return searchResult{Slot: i, Meta: meta, Found: true}
		}
	}
	return searchResult{}
}
