package bztree

import (
	"sync/atomic"

	"bztree/node"
	"bztree/nvm"
)

// frame is one entry of the thread-local traversal stack described in §9
// "Traversal stack": the internal node visited, the slot chosen, and a
// snapshot of that slot's metadata word. A later Internal.Update uses the
// metadata to locate the slot's child word; its MWCAS checks the parent's
// status word and that the child word still holds the expected address.
type frame struct {
	addr nvm.Address
	in   node.Internal
	slot int
	meta node.RecordMeta
}

// stack is reset on every operation entry; it is never shared across
// goroutines (each call to traverseToLeaf/traverseToNode builds its own).
type stack []frame

func (t *BzTree) loadNode(addr nvm.Address) node.Node {
	return node.Wrap(addr, t.alloc.ToDirect(addr))
}

func (t *BzTree) rootAddr() nvm.Address {
	return nvm.Address(atomic.LoadUint64(&t.root))
}

// traverseToLeaf implements §4.4 TraverseToLeaf: walk from the current
// root, recording each (internal_node, child-index-metadata) breadcrumb,
// until a leaf is reached.
func (t *BzTree) traverseToLeaf(key []byte, leChild bool) (node.Leaf, nvm.Address, stack) {
	var st stack
	addr := t.rootAddr()
	for {
		n := t.loadNode(addr)
		if n.IsLeaf() {
			return node.Leaf{Node: n}, addr, st
		}
		in := node.Internal{Node: n}
		slot := in.GetChildIndex(t.pool, key, leChild)
		st = append(st, frame{addr: addr, in: in, slot: slot, meta: in.LoadMeta(t.pool, slot)})
		addr = nvm.Address(in.ChildAt(t.pool, slot))
	}
}

// traverseToNode implements §4.4 TraverseToNode: the same walk, but
// terminating once it reaches stopAddr rather than a leaf. Used by the
// freeze-retry and swing-retry paths in tree.go to rediscover the current
// parent of a node whose address is already known.
func (t *BzTree) traverseToNode(key []byte, leChild bool, stopAddr nvm.Address) stack {
	var st stack
	addr := t.rootAddr()
	for addr != stopAddr {
		n := t.loadNode(addr)
		if n.IsLeaf() {
			return nil
		}
		in := node.Internal{Node: n}
		slot := in.GetChildIndex(t.pool, key, leChild)
		st = append(st, frame{addr: addr, in: in, slot: slot, meta: in.LoadMeta(t.pool, slot)})
		addr = nvm.Address(in.ChildAt(t.pool, slot))
	}
	return st
}
