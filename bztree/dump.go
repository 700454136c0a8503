package bztree

import (
	"strings"

	"bztree/node"
	"bztree/nvm"
)

// Dump renders the whole tree, depth-first from the root, using
// node.Dump for each node visited. It is a diagnostic-only operation: it
// does not enter an epoch guard against concurrent structural change, so
// it is intended for offline inspection (the cli dump command against a
// quiescent tree), not for use alongside concurrent writers.
func (t *BzTree) Dump() string {
	var b strings.Builder
	t.dumpNode(&b, t.rootAddr(), 0)
	return b.String()
}

func (t *BzTree) dumpNode(b *strings.Builder, addr nvm.Address, depth int) {
	n := t.loadNode(addr)
	indent := strings.Repeat("  ", depth)
	for _, line := range strings.Split(strings.TrimRight(node.Dump(t.pool, n), "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if n.IsLeaf() {
		return
	}
	in := node.Internal{Node: n}
	for i := 0; i < int(in.SortedCount()); i++ {
		t.dumpNode(b, nvm.Address(in.ChildAt(t.pool, i)), depth+1)
	}
}
