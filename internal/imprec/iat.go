package imprec

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/ZacharyZcR/HookScan/internal/pe"
)

// Thunk is one pointer-sized slot of an IAT candidate. Null slots bridged
// inside a block have VA 0 and no Funcs.
type Thunk struct {
	Offset uint32
	VA     uint64
	Funcs  []ExportedFunc
}

// IsNull reports whether the slot is an interior null.
func (t Thunk) IsNull() bool {
	return t.VA == 0
}

// Series is a run of contiguous thunks imported from one module. Each series
// becomes one import descriptor whose FirstThunk is Offset.
type Series struct {
	Module string
	Offset uint32
	Funcs  []ExportedFunc
}

// IATBlock is a contiguous run of slots resolved through the ExportsMap.
type IATBlock struct {
	Offset     uint32
	Thunks     []Thunk
	Series     []Series
	Terminated bool
	Accepted   bool
}

// Resolved returns the number of non-null slots.
func (b *IATBlock) Resolved() int {
	return lo.CountBy(b.Thunks, func(t Thunk) bool { return !t.IsNull() })
}

// Density returns resolved slots over slots spanned.
func (b *IATBlock) Density() float64 {
	if len(b.Thunks) == 0 {
		return 0
	}
	return float64(b.Resolved()) / float64(len(b.Thunks))
}

// End returns the offset just past the last slot.
func (b *IATBlock) End(ptrSize int) uint32 {
	return b.Offset + uint32(len(b.Thunks)*ptrSize)
}

func (b *IATBlock) String() string {
	return fmt.Sprintf("IAT 0x%X: %d/%d 已解析, %d 组", b.Offset, b.Resolved(), len(b.Thunks), len(b.Series))
}

// splitSeries groups the block's thunks into per-module runs. A null slot
// always ends a run. An address exported by several modules is attributed to
// the module shared by the longest run of neighbours.
func (b *IATBlock) splitSeries(ptrSize int) {
	type run struct {
		start, count int
		candidates   []string
	}
	var runs []run
	var current *run

	for i, t := range b.Thunks {
		if t.IsNull() {
			current = nil
			continue
		}
		mods := lo.Uniq(lo.Map(t.Funcs, func(f ExportedFunc, _ int) string { return f.Module }))
		if current != nil {
			if shared := lo.Intersect(current.candidates, mods); len(shared) > 0 {
				current.candidates = shared
				current.count++
				continue
			}
		}
		runs = append(runs, run{start: i, count: 1, candidates: mods})
		current = &runs[len(runs)-1]
	}

	b.Series = make([]Series, 0, len(runs))
	for _, r := range runs {
		slices.Sort(r.candidates)
		s := Series{Module: r.candidates[0], Offset: b.Offset + uint32(r.start*ptrSize)}
		for _, t := range b.Thunks[r.start : r.start+r.count] {
			s.Funcs = append(s.Funcs, pickExport(t.Funcs, s.Module))
		}
		b.Series = append(b.Series, s)
	}
}

// pickExport prefers a named export of module, then any export of module.
func pickExport(funcs []ExportedFunc, module string) ExportedFunc {
	owned := lo.Filter(funcs, func(f ExportedFunc, _ int) bool { return f.Module == module })
	if named, ok := lo.Find(owned, func(f ExportedFunc) bool { return f.Name != "" }); ok {
		return named
	}
	return owned[0]
}

// findIATBlocks scans img at pointer granularity and assembles resolved slots
// into blocks, bridging at most maxNullGap consecutive null slots.
func findIATBlocks(img *pe.ImageBuffer, exports *ExportsMap, maxNullGap int) []*IATBlock {
	data := img.Bytes()
	ptrSize := img.PtrSize()

	var (
		blocks []*IATBlock
		block  *IATBlock
		nulls  int
	)
	closeBlock := func() {
		if block == nil {
			return
		}
		block.Thunks = block.Thunks[:len(block.Thunks)-nulls]
		end := int(block.End(ptrSize))
		block.Terminated = end+ptrSize <= len(data) && pe.ReadPtr(data[end:], ptrSize) == 0
		blocks = append(blocks, block)
		block, nulls = nil, 0
	}

	for off := 0; off+ptrSize <= len(data); off += ptrSize {
		va := pe.ReadPtr(data[off:], ptrSize)
		if funcs, ok := exports.Find(va); ok {
			if block == nil {
				block = &IATBlock{Offset: uint32(off)}
			}
			block.Thunks = append(block.Thunks, Thunk{Offset: uint32(off), VA: va, Funcs: funcs})
			nulls = 0
			continue
		}
		if block != nil && va == 0 && nulls < maxNullGap {
			block.Thunks = append(block.Thunks, Thunk{Offset: uint32(off)})
			nulls++
			continue
		}
		closeBlock()
	}
	closeBlock()

	for _, b := range blocks {
		b.splitSeries(ptrSize)
	}
	return blocks
}
