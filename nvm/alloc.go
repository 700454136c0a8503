// Package nvm provides the allocator abstraction consumed by node/ and
// bztree/ as an external collaborator (spec §6): a transient heap flavour
// and a simulated persistent-memory flavour, both satisfying the same
// Allocator interface so node buffers are addressed identically whether
// they live on the Go heap or inside a single mapped region.
//
// Address/offset translation and Flush degrade to near-identities on the
// heap allocator and become meaningful on RegionAllocator, matching §9's
// "keep an allocator abstraction with to_direct/to_offset that degenerates
// to identity on volatile memory" design note.
package nvm

import (
	"sync"
	"unsafe"
)

// Address identifies an allocation; its meaning (heap registry key vs.
// byte offset into a region) is private to the Allocator that produced
// it. Zero is reserved and never returned by New.
type Address uint64

// Allocator is the contract node buffers are obtained through. Node code
// never calls make([]byte, ...) directly so that the same code path works
// unmodified against the heap or the simulated NVM region.
type Allocator interface {
	New(size int) (Address, []byte)
	ToDirect(addr Address) []byte
	ToOffset(buf []byte) Address
	Free(addr Address)
	Flush(addr Address, size int)
}

// HeapAllocator backs node buffers with ordinary Go heap allocations. It
// keeps a registry mapping synthetic addresses to buffers because two Go
// byte slices are not otherwise comparable/addressable the way a real
// pointer or NVM offset would be.
type HeapAllocator struct {
	mu   sync.RWMutex
	next uint64
	bufs map[Address][]byte
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{bufs: make(map[Address][]byte), next: 1}
}

func (a *HeapAllocator) New(size int) (Address, []byte) {
	buf := make([]byte, size)
	a.mu.Lock()
	addr := Address(a.next)
	a.next++
	a.bufs[addr] = buf
	a.mu.Unlock()
	return addr, buf
}

func (a *HeapAllocator) ToDirect(addr Address) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bufs[addr]
}

// ToOffset is a rarely-used diagnostic path on the heap allocator (node
// code keeps its own Address alongside its buffer rather than calling
// this on the hot path); it recovers the address by scanning the
// registry for a matching backing array.
func (a *HeapAllocator) ToOffset(buf []byte) Address {
	if len(buf) == 0 {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for addr, b := range a.bufs {
		if len(b) > 0 && &b[0] == &buf[0] {
			return addr
		}
	}
	return 0
}

func (a *HeapAllocator) Free(addr Address) {
	a.mu.Lock()
	delete(a.bufs, addr)
	a.mu.Unlock()
}

// Flush is a no-op: the Go heap offers no persistence guarantee to flush.
func (a *HeapAllocator) Flush(Address, int) {}

// RegionAllocator simulates a byte-addressable NVM region as a single
// large in-process arena. Addresses are real offsets into the arena, so
// the tree survives being "remapped" (here: a fresh RegionAllocator
// wrapping the same arena bytes) across a simulated restart, per §6.
type RegionAllocator struct {
	mu    sync.Mutex
	arena []byte
	bump  uint64
	sizes map[Address]int
}

// NewRegionAllocator creates a simulated region of the given byte
// capacity. A bump allocator is sufficient here: nodes are retired
// through epoch reclamation but this simulation never reuses their
// offsets, mirroring the spec's statement that persistent node buffers
// are addressed by offset for the lifetime of the region.
func NewRegionAllocator(capacity int) *RegionAllocator {
	// bump starts at 8, not 0: Address zero is reserved (see the Address
	// doc comment) and must never be returned by New, and starting at 8
	// keeps buffers 8-byte aligned for package node's atomic word access.
	// This wastes the arena's first 8 bytes.
	return &RegionAllocator{arena: make([]byte, capacity), sizes: make(map[Address]int), bump: 8}
}

func (r *RegionAllocator) New(size int) (Address, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := r.bump
	if int(off)+size > len(r.arena) {
		panic("nvm: region exhausted")
	}
	r.bump += uint64(size)
	r.sizes[Address(off)] = size
	return Address(off), r.arena[off : off+uint64(size) : off+uint64(size)]
}

func (r *RegionAllocator) ToDirect(addr Address) []byte {
	r.mu.Lock()
	size := r.sizes[addr]
	r.mu.Unlock()
	return r.arena[uint64(addr) : uint64(addr)+uint64(size)]
}

func (r *RegionAllocator) ToOffset(buf []byte) Address {
	if len(buf) == 0 || len(r.arena) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&r.arena[0]))
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	return Address(ptr - base)
}

func (r *RegionAllocator) Free(addr Address) {
	r.mu.Lock()
	delete(r.sizes, addr)
	r.mu.Unlock()
}

// Flush marks [addr, addr+size) as a durability boundary. A real NVM
// deployment would msync or CLWB the range here; this simulation has no
// real persistent medium to flush, so the call exists purely so callers
// mark the boundary explicitly, matching the "flush a range of bytes"
// contract from §1/§6.
func (r *RegionAllocator) Flush(addr Address, size int) {
	_ = addr
	_ = size
}
