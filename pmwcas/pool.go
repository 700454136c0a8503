package pmwcas

import (
	"sync"
	"unsafe"
)

// Pool is a fixed-size descriptor table. Allocate/Finish implement the
// "allocate-descriptor" and "finish (reclaim descriptor)" operations from
// the consumed MWCAS contract (spec §6). Descriptors are addressed by a
// small index rather than a pointer so that a dirty target word's upper
// 63 bits can hold that index directly.
type Pool struct {
	descriptors []Descriptor
	free        chan uint32
}

// NewPool creates a descriptor table with room for capacity concurrent
// in-flight MWCAS operations. capacity must fit in 63 bits trivially;
// bztree's default (Config.DescriptorPoolSize) is 64.
func NewPool(capacity int) *Pool {
	p := &Pool{
		descriptors: make([]Descriptor, capacity),
		free:        make(chan uint32, capacity),
	}
	for i := range p.descriptors {
		p.descriptors[i].pool = p
		p.descriptors[i].index = uint32(i)
		p.free <- uint32(i)
	}
	return p
}

// Allocate blocks until a descriptor slot is available, resets it, and
// returns it ready for AddEntry/ReserveEntry calls. A slot handed to
// Finish comes back to the free channel only after every epoch guard
// active at that moment has exited, so every descriptor a guard uses stays
// checked out until that guard exits; a guard that issues more MWCAS
// operations than the pool's capacity blocks here indefinitely.
func (p *Pool) Allocate() *Descriptor {
	idx := <-p.free
	d := &p.descriptors[idx]
	d.entries = d.entries[:0]
	d.status = int32(statusUndecided)
	d.sortOnce = sync.Once{}
	return d
}

func (p *Pool) descriptorAt(idx uint32) *Descriptor {
	if int(idx) >= len(p.descriptors) {
		return nil
	}
	return &p.descriptors[idx]
}

func (p *Pool) release(idx uint32) {
	p.free <- idx
}

func ptrOf(w *uint64) unsafe.Pointer { return unsafe.Pointer(w) }
