package dwarfcfi

import (
	"encoding/binary"

	lru "github.com/hashicorp/golang-lru"
)

// rowCacheKey identifies one decoded row: the FDE it came from (by
// identity) and the exact PC ExecuteUntilPC was asked to resolve. Rows
// are cached per exact PC rather than per [RowStart, RowEnd) range since
// ExecuteUntilPC only ever decodes up to the requested PC and has no
// cheap way to report where the row would end without running further —
// a coarser range-keyed cache would need that extra work to stay correct.
type rowCacheKey struct {
	fde *FrameDescriptionEntry
	pc  uint64
}

// RowCache memoizes ExecuteUntilPC results, avoiding re-running the CFI
// virtual machine for a PC this process has already unwound through once
// (repeated unwinds of the same hot call site, e.g. a recursive
// panic handler, should not re-decode the same CFI program every time).
// Grounded on hashicorp/golang-lru.Cache, the same bounded-size eviction
// policy this pack's retrieval tool would reach for over a plain map plus
// hand-rolled eviction.
type RowCache struct {
	cache *lru.Cache
}

// NewRowCache constructs a RowCache holding at most size decoded rows.
func NewRowCache(size int) (*RowCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RowCache{cache: c}, nil
}

// ExecuteUntilPCCached behaves exactly like ExecuteUntilPC, consulting
// and populating cache around the call. A nil cache disables memoization
// and always decodes.
func ExecuteUntilPCCached(cache *RowCache, fde *FrameDescriptionEntry, pc uint64, order binary.ByteOrder, ptrSize int) (*FrameContext, error) {
	if cache == nil {
		return ExecuteUntilPC(fde, pc, order, ptrSize)
	}

	key := rowCacheKey{fde: fde, pc: pc}
	if v, ok := cache.cache.Get(key); ok {
		return v.(*FrameContext), nil
	}

	row, err := ExecuteUntilPC(fde, pc, order, ptrSize)
	if err != nil {
		return nil, err
	}
	cache.cache.Add(key, row)
	return row, nil
}
