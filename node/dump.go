package node

import (
	"fmt"
	"strings"

	"bztree/pmwcas"
)

// Dump renders a node's header and slot table as a diagnostic string,
// grounded on the teacher's cli.Visualizer pretty-printing pattern: a
// plain-text table the caller (the bztree dump command) colorizes.
func Dump(pool *pmwcas.Pool, n Node) string {
	var b strings.Builder
	status := n.LoadStatus(pool)
	kind := "leaf"
	if !n.IsLeaf() {
		kind = "internal"
	}
	fmt.Fprintf(&b, "%s addr=%d size=%d sorted_count=%d record_count=%d block_size=%d delete_size=%d frozen=%v\n",
		kind, n.Addr, n.Size(), n.SortedCount(), status.RecordCount(), status.BlockSize(), status.DeleteSize(), status.Frozen())

	recordCount := int(status.RecordCount())
	for i := 0; i < recordCount; i++ {
		meta := n.LoadMeta(pool, i)
		switch {
		case meta.Vacant():
			fmt.Fprintf(&b, "  [%d] vacant\n", i)
		case meta.Inserting():
			fmt.Fprintf(&b, "  [%d] inserting\n", i)
		case meta.Tombstoned():
			fmt.Fprintf(&b, "  [%d] tombstoned\n", i)
		default:
			key := n.Key(meta)
			fmt.Fprintf(&b, "  [%d] key=%q payload=%d offset=%d total_length=%d\n",
				i, key, n.Payload(pool, meta), meta.Offset(), meta.TotalLength())
		}
	}
	return b.String()
}
