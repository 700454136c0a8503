package node

// Status is the packed 64-bit node status word described in §3: a freeze
// bit, a record count, the bytes consumed by the record heap, the bytes
// reclaimable from logically deleted records, and (bit 63) the control bit
// pmwcas reserves across every word it can CAS.
//
// Bit 63 is never touched directly by this package; pmwcas.Descriptor
// owns it exclusively while a status word is mid-MWCAS.
type Status uint64

const (
	frozenBit uint64 = 1 << 62

	recordCountBits  = 20
	recordCountShift = 42
	recordCountMask  = (uint64(1)<<recordCountBits - 1) << recordCountShift

	blockSizeBits  = 20
	blockSizeShift = 22
	blockSizeMask  = (uint64(1)<<blockSizeBits - 1) << blockSizeShift

	deleteSizeBits  = 20
	deleteSizeShift = 2
	deleteSizeMask  = (uint64(1)<<deleteSizeBits - 1) << deleteSizeShift
)

func (s Status) Frozen() bool { return uint64(s)&frozenBit != 0 }

func (s Status) RecordCount() uint32 {
	return uint32((uint64(s) & recordCountMask) >> recordCountShift)
}

func (s Status) BlockSize() uint32 {
	return uint32((uint64(s) & blockSizeMask) >> blockSizeShift)
}

func (s Status) DeleteSize() uint32 {
	return uint32((uint64(s) & deleteSizeMask) >> deleteSizeShift)
}

func (s Status) WithFrozen() Status {
	return Status(uint64(s) | frozenBit)
}

func (s Status) WithRecordCount(n uint32) Status {
	return Status((uint64(s) &^ recordCountMask) | (uint64(n)<<recordCountShift)&recordCountMask)
}

func (s Status) WithBlockSize(n uint32) Status {
	return Status((uint64(s) &^ blockSizeMask) | (uint64(n)<<blockSizeShift)&blockSizeMask)
}

func (s Status) WithDeleteSize(n uint32) Status {
	return Status((uint64(s) &^ deleteSizeMask) | (uint64(n)<<deleteSizeShift)&deleteSizeMask)
}

func (s Status) AddRecordCount(delta int32) Status {
	return s.WithRecordCount(uint32(int32(s.RecordCount()) + delta))
}

func (s Status) AddBlockSize(delta int32) Status {
	return s.WithBlockSize(uint32(int32(s.BlockSize()) + delta))
}

func (s Status) AddDeleteSize(delta int32) Status {
	return s.WithDeleteSize(uint32(int32(s.DeleteSize()) + delta))
}

// NeedsConsolidation implements the Open Question 3 resolution recorded in
// SPEC_FULL.md §9: a leaf is eligible for consolidation once more than a
// quarter of its capacity is reclaimable delete_size.
func (s Status) NeedsConsolidation(capacity uint32) bool {
	return uint64(s.DeleteSize())*4 > uint64(capacity)
}
