package bztree

import "bztree/node"

// Kind re-exports the node package's result codes (§7): exposed tree
// operations only ever return Ok, NotFound, or KeyExists to callers.
// NodeFrozen, NotEnoughSpace, and PMWCASFailure remain internal retry
// signals and are consumed entirely within this package.
type Kind = node.Kind

const (
	Ok        = node.Ok
	NotFound  = node.NotFound
	KeyExists = node.KeyExists
)
