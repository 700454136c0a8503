// Package pmwcas implements the multi-word compare-and-swap primitive that
// every structural mutation in node/, bztree/, and the internal node
// protocol goes through (spec §6 "Consumed contracts / MWCAS primitive").
//
// It follows the classic descriptor-based MWCAS protocol: every
// participating uint64 reserves its most significant bit as a "dirty"
// flag. While a descriptor is installing, a target word temporarily holds
// dirtyBit|descriptorIndex instead of its real value; any thread that
// observes the dirty bit helps the blocking descriptor finish before
// retrying its own operation, which is what makes the protocol
// lock-free -- no thread ever blocks waiting on another.
//
// Because bit 63 is reserved this way, every domain word that can
// participate in an MWCAS (node.Status, node.RecordMeta, a leaf's payload
// word, an internal node's child-address word) only has 63 usable bits;
// both packed-word types in package node budget for this explicitly. The
// tree's root cell is swung with a plain single-word CAS, not through here.
package pmwcas

import (
	"sort"
	"sync"
	"sync/atomic"

	"bztree/epoch"
)

const dirtyBit uint64 = 1 << 63

type status int32

const (
	statusUndecided status = iota
	statusSucceeded
	statusFailed
)

type entry struct {
	target *uint64
	oldVal uint64
	newVal uint64
}

// Descriptor batches the target/expected/desired triples for one atomic
// multi-word commit-or-abort. Obtain one from a Pool, add entries, then
// call Execute.
type Descriptor struct {
	pool     *Pool
	index    uint32
	status   int32
	entries  []entry
	sortOnce sync.Once
}

func (d *Descriptor) tag() uint64 { return dirtyBit | uint64(d.index) }

// AddEntry registers a target word expected to hold oldVal and to be
// swapped to newVal when the descriptor commits.
func (d *Descriptor) AddEntry(target *uint64, oldVal, newVal uint64) {
	d.entries = append(d.entries, entry{target: target, oldVal: oldVal, newVal: newVal})
}

// ReserveEntry registers a target word whose desired value is not yet
// known (e.g. the address of a node still being allocated). It returns a
// pointer the caller must fill in before calling Execute -- the "reserve
// and add entry" operation from the consumed MWCAS contract (spec §6),
// used so a recovering process can still find the eventual new value
// associated with an in-flight descriptor.
func (d *Descriptor) ReserveEntry(target *uint64, oldVal uint64) *uint64 {
	d.entries = append(d.entries, entry{target: target, oldVal: oldVal})
	return &d.entries[len(d.entries)-1].newVal
}

// Execute attempts to install every entry atomically. It returns true iff
// every target word still held its expected old value (directly, or
// behind a descriptor that was helped to completion) at the moment this
// descriptor examined it; in that case every target now holds its new
// value. Otherwise every target that this call (or a helper) managed to
// touch is rolled back to its old value and Execute returns false.
//
// Execute is safe to call concurrently by multiple goroutines on the same
// descriptor (the owner and any number of helpers racing to unblock it);
// every step is a single CAS, so redundant concurrent calls converge on
// the same outcome.
func (d *Descriptor) Execute() bool {
	tag := d.tag()

	// entries is only ever mutated by AddEntry/ReserveEntry, which run
	// single-threaded before this descriptor is handed to Run -- but Execute
	// itself is called concurrently by the owner and by helpers, so the sort
	// that fixes the lock-ordering must happen exactly once, not on every
	// call, or two goroutines sorting the same backing array concurrently
	// race and can corrupt the order the rest of this method depends on.
	d.sortOnce.Do(func() {
		sort.Slice(d.entries, func(i, j int) bool {
			return uintptr(ptrOf(d.entries[i].target)) < uintptr(ptrOf(d.entries[j].target))
		})
	})

entries:
	for i := range d.entries {
		e := &d.entries[i]
		for {
			cur := atomic.LoadUint64(e.target)
			switch {
			case cur == tag:
				// Already installed, by us or a helper.
			case cur&dirtyBit != 0:
				helperIdx := uint32(cur &^ dirtyBit)
				if helper := d.pool.descriptorAt(helperIdx); helper != nil && helper != d {
					helper.Execute()
				}
				continue
			case cur != e.oldVal:
				atomic.CompareAndSwapInt32(&d.status, int32(statusUndecided), int32(statusFailed))
				break entries
			default:
				if !atomic.CompareAndSwapUint64(e.target, cur, tag) {
					continue
				}
			}
			break
		}
		if status(atomic.LoadInt32(&d.status)) == statusFailed {
			break
		}
	}

	atomic.CompareAndSwapInt32(&d.status, int32(statusUndecided), int32(statusSucceeded))
	succeeded := status(atomic.LoadInt32(&d.status)) == statusSucceeded

	for i := range d.entries {
		e := &d.entries[i]
		final := e.oldVal
		if succeeded {
			final = e.newVal
		}
		atomic.CompareAndSwapUint64(e.target, tag, final)
	}
	return succeeded
}

// Finish returns the descriptor to its pool once it is epoch-safe to do
// so: a helper that is mid-flight on a stale tagged word might still call
// Execute against this slot's contents, so the slot is only recycled after
// every guard active right now has exited.
func (d *Descriptor) Finish(guard *epoch.Guard) {
	pool, idx := d.pool, d.index
	guard.Retire(func() { pool.release(idx) })
}
