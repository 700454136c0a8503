package pmwcas

import (
	"sync/atomic"

	"bztree/epoch"
)

// EntrySpec is a convenience value for the common case of a short-lived
// descriptor used exactly once, which is how every node-primitive MWCAS
// in this repository is issued (§4.1/§4.2/§4.3 describe each mutation as
// a single two- or three-entry MWCAS).
type EntrySpec struct {
	Target *uint64
	OldVal uint64
	NewVal uint64
}

// Run allocates a descriptor, adds specs in order, executes it, and
// returns the descriptor to the pool under the given epoch guard. It
// reports whether the combined CAS committed.
func Run(pool *Pool, guard *epoch.Guard, specs ...EntrySpec) bool {
	d := pool.Allocate()
	for _, s := range specs {
		d.AddEntry(s.Target, s.OldVal, s.NewVal)
	}
	ok := d.Execute()
	d.Finish(guard)
	return ok
}

// ReadUint64 is the "GetValueProtected" step of the protocol: a plain
// atomic.LoadUint64 can observe a target word mid-install, holding
// dirtyBit|descriptorIndex instead of real domain data. ReadUint64 detects
// that tag and helps the referenced descriptor finish -- which, win or
// lose, always ends by writing a real value back to every one of its
// entries -- before re-reading. Every status/metadata/payload/child-pointer
// read anywhere above this package must go through this, never a bare
// atomic.LoadUint64, or it risks handing a corrupted word to its caller.
func ReadUint64(pool *Pool, target *uint64) uint64 {
	for {
		v := atomic.LoadUint64(target)
		if v&dirtyBit == 0 {
			return v
		}
		if helper := pool.descriptorAt(uint32(v &^ dirtyBit)); helper != nil {
			helper.Execute()
		}
	}
}
