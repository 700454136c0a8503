package node

// RecordMeta is the packed 64-bit per-slot metadata word described in §3:
// visibility, in-flight-insertion, the byte offset of the record body, and
// its key/total length. As with Status, bit 63 is reserved for pmwcas and
// is never touched by this package directly.
type RecordMeta uint64

const (
	metaVisibleBit   uint64 = 1 << 62
	metaInsertingBit uint64 = 1 << 61

	keyLenBits  = 16
	keyLenShift = 45
	keyLenMask  = (uint64(1)<<keyLenBits - 1) << keyLenShift

	totalLenBits  = 16
	totalLenShift = 29
	totalLenMask  = (uint64(1)<<totalLenBits - 1) << totalLenShift

	offsetBits  = 29
	offsetMask  = uint64(1)<<offsetBits - 1
)

func (m RecordMeta) Visible() bool   { return uint64(m)&metaVisibleBit != 0 }
func (m RecordMeta) Inserting() bool { return uint64(m)&metaInsertingBit != 0 }

func (m RecordMeta) Offset() uint32 { return uint32(uint64(m) & offsetMask) }

func (m RecordMeta) KeyLength() uint32 {
	return uint32((uint64(m) & keyLenMask) >> keyLenShift)
}

func (m RecordMeta) TotalLength() uint32 {
	return uint32((uint64(m) & totalLenMask) >> totalLenShift)
}

// Vacant reports whether the slot has never been reserved.
func (m RecordMeta) Vacant() bool { return uint64(m) == 0 }

// Tombstoned matches invariant (a) from §3: offset == 0 and visible ==
// false identifies a logically deleted (or abandoned, see §7) slot.
func (m RecordMeta) Tombstoned() bool {
	return !m.Visible() && m.Offset() == 0 && !m.Vacant()
}

// ReservedMeta is the Phase-1 "inserting" placeholder metadata word: no key
// bytes have necessarily landed yet, so offset/key_length/total_length are
// left at zero until WithVisible publishes them in Phase 2.
func ReservedMeta() RecordMeta {
	return RecordMeta(metaInsertingBit)
}

// WithVisible builds the Phase-2 "final_meta" word: visible set, inserting
// cleared, offset/key_length/total_length populated.
func (m RecordMeta) WithVisible(offset, keyLength, totalLength uint32) RecordMeta {
	w := uint64(m)
	w &^= metaInsertingBit
	w |= metaVisibleBit
	w = (w &^ offsetMask) | (uint64(offset) & offsetMask)
	w = (w &^ keyLenMask) | (uint64(keyLength)<<keyLenShift)&keyLenMask
	w = (w &^ totalLenMask) | (uint64(totalLength)<<totalLenShift)&totalLenMask
	return RecordMeta(w)
}

// WithDeleted builds the logical-delete metadata word: visible cleared,
// offset zeroed, key_length/total_length left as-is (still needed by
// Delete's caller to compute delete_size before installing this word).
func (m RecordMeta) WithDeleted() RecordMeta {
	w := uint64(m) &^ metaVisibleBit &^ metaInsertingBit &^ offsetMask
	return RecordMeta(w)
}

// alignUp8 pads a key length up to the next multiple of 8, as required by
// the record body layout (§3: "zero-padded up to 8-byte alignment").
func alignUp8(n uint32) uint32 { return (n + 7) &^ 7 }

// recordSpan returns total_length for a key of the given length: the
// padded key plus the fixed 8-byte payload/child-address field.
func recordSpan(keyLength uint32) uint32 { return alignUp8(keyLength) + 8 }
