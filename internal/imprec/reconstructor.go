package imprec

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/ZacharyZcR/HookScan/internal/pe"
)

// tableAlign is the alignment of each area of a fabricated table.
const tableAlign = 8

// Status describes what Rebuild did.
type Status int

const (
	// StatusSkipped means reconstruction was disabled.
	StatusSkipped Status = iota
	// StatusDefaultValid means the existing import directory already resolves.
	StatusDefaultValid
	// StatusRebuilt means a new import directory was spliced in.
	StatusRebuilt
)

func (s Status) String() string {
	switch s {
	case StatusSkipped:
		return "skipped"
	case StatusDefaultValid:
		return "default-valid"
	case StatusRebuilt:
		return "rebuilt"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result summarises one reconstruction.
type Result struct {
	Status      Status
	Found       int    // IAT candidates discovered.
	Accepted    int    // Candidates that passed filtering.
	Descriptors int    // Descriptors written, sentinel excluded.
	Thunks      int    // Imports written.
	TableRVA    uint32 // RVA of the new descriptor array.
	TableSize   uint32 // Bytes used by all three areas.
	Extended    bool   // The image was grown to fit the table.
}

// Reconstructor rebuilds the import directory of one dumped image.
type Reconstructor struct {
	img    *pe.ImageBuffer
	policy Policy
	blocks map[uint32]*IATBlock
}

// NewReconstructor returns a reconstructor for img. img itself is never modified.
func NewReconstructor(img *pe.ImageBuffer, policy Policy) *Reconstructor {
	return &Reconstructor{
		img:    img,
		policy: policy,
		blocks: make(map[uint32]*IATBlock),
	}
}

// appendFoundIAT registers a block; a second block at the same offset is rejected.
func (r *Reconstructor) appendFoundIAT(b *IATBlock) bool {
	if _, exists := r.blocks[b.Offset]; exists {
		return false
	}
	r.blocks[b.Offset] = b
	return true
}

// Blocks returns the discovered blocks in ascending offset order.
func (r *Reconstructor) Blocks() []*IATBlock {
	offsets := lo.Keys(r.blocks)
	slices.Sort(offsets)
	return lo.Map(offsets, func(off uint32, _ int) *IATBlock { return r.blocks[off] })
}

// Rebuild returns a copy of the image carrying an import directory built from
// the pointers it holds. The source image is left untouched on every path.
func (r *Reconstructor) Rebuild(exports *ExportsMap, mode Mode) (*pe.ImageBuffer, *Result, error) {
	if mode == ModeNone {
		return r.img.Clone(), &Result{Status: StatusSkipped}, nil
	}
	if !r.img.IsValid() {
		return nil, nil, fmt.Errorf("%w: 镜像头无效", ErrBounds)
	}

	clear(r.blocks)
	for _, b := range findIATBlocks(r.img, exports, r.policy.MaxNullGap) {
		r.appendFoundIAT(b)
	}
	result := &Result{Found: len(r.blocks)}

	if mode == ModeAuto && r.isDefaultImportValid(exports) {
		result.Status = StatusDefaultValid
		return r.img.Clone(), result, nil
	}

	var accepted []*IATBlock
	for _, b := range r.Blocks() {
		b.Accepted = mode == ModeUnfiltered || r.isGenuine(b)
		if b.Accepted {
			accepted = append(accepted, b)
		}
	}
	result.Accepted = len(accepted)
	if len(accepted) == 0 {
		return nil, result, ErrNoImports
	}

	series := lo.FlatMap(accepted, func(b *IATBlock, _ int) []Series { return b.Series })
	out := r.img.Clone()
	tb, err := r.buildTable(out, series, result)
	if err != nil {
		return nil, result, err
	}
	if err := tb.SetTableInPe(out); err != nil {
		return nil, result, err
	}

	result.Status = StatusRebuilt
	result.Descriptors = len(series)
	result.Thunks = lo.SumBy(series, func(s Series) int { return len(s.Funcs) })
	result.TableRVA = tb.DescriptorsRVA()
	result.TableSize = tb.TotalSize()
	return out, result, nil
}

// isGenuine applies the Policy thresholds.
func (r *Reconstructor) isGenuine(b *IATBlock) bool {
	return b.Resolved() >= r.policy.MinThunks && b.Density() > r.policy.MinCoverage
}

// isDefaultImportValid reports whether the image's own import directory has
// at least one import and every one of its IAT slots resolves in exports.
func (r *Reconstructor) isDefaultImportValid(exports *ExportsMap) bool {
	h, err := r.img.Headers()
	if err != nil {
		return false
	}
	dir := h.Directory(pe.DirectoryImport)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return false
	}
	descs, err := pe.ReadImportDescriptors(r.img.Bytes(), dir)
	if err != nil || len(descs) == 0 {
		return false
	}

	total := 0
	for _, d := range descs {
		if dll, err := pe.ReadString(r.img.Bytes(), d.Name); err != nil || dll == "" {
			return false
		}
		thunks, err := pe.ReadThunks(r.img.Bytes(), d.FirstThunk, r.img.PtrSize())
		if err != nil || len(thunks) == 0 {
			return false
		}
		for _, va := range thunks {
			if _, ok := exports.Find(va); !ok {
				return false
			}
		}
		total += len(thunks)
	}
	return total > 0
}

// tableLayout is the byte layout of the three areas of a new table.
type tableLayout struct {
	descSize, namesSize, dllsSize uint32
	dllNames                      []string
}

func (l tableLayout) total() uint32 {
	return alignUp(l.descSize, tableAlign) + alignUp(l.namesSize, tableAlign) + l.dllsSize
}

func layoutFor(series []Series, ptrSize int) tableLayout {
	l := tableLayout{
		descSize: uint32((len(series) + 1) * pe.ImportDescriptorSize),
		dllNames: lo.Uniq(lo.Map(series, func(s Series, _ int) string { return s.Module })),
	}
	for _, s := range series {
		l.namesSize += uint32((len(s.Funcs) + 1) * ptrSize)
		for _, f := range s.Funcs {
			if f.Name != "" {
				l.namesSize += hintNameSize(f.Name)
			}
		}
	}
	for _, name := range l.dllNames {
		l.dllsSize += uint32(len(name) + 1)
	}
	return l
}

// hintNameSize is the size of an IMAGE_IMPORT_BY_NAME entry, padded to even.
func hintNameSize(name string) uint32 {
	return alignUp(uint32(2+len(name)+1), 2)
}

// buildTable places and fills the table for series inside out.
func (r *Reconstructor) buildTable(out *pe.ImageBuffer, series []Series, result *Result) (*ImportTableBuffer, error) {
	ptrSize := out.PtrSize()
	layout := layoutFor(series, ptrSize)
	total := layout.total()
	if total > r.policy.MaxTableSize {
		return nil, fmt.Errorf("%w: 需要 0x%X 字节, 上限 0x%X", ErrAllocation, total, r.policy.MaxTableSize)
	}

	rva, err := r.place(out, total, result)
	if err != nil {
		return nil, err
	}

	tb := NewImportTableBuffer(rva)
	namesRVA := rva + alignUp(layout.descSize, tableAlign)
	dllsRVA := namesRVA + alignUp(layout.namesSize, tableAlign)
	if err := tb.AllocDescriptors(len(series)); err != nil {
		return nil, err
	}
	if err := tb.AllocNamesSpace(namesRVA, layout.namesSize); err != nil {
		return nil, err
	}
	if err := tb.AllocDllsSpace(dllsRVA, layout.dllsSize); err != nil {
		return nil, err
	}

	dllRVA := make(map[string]uint32, len(layout.dllNames))
	dlls := tb.Dlls()
	cursor := uint32(0)
	for _, name := range layout.dllNames {
		dllRVA[name] = dllsRVA + cursor
		copy(dlls[cursor:], name)
		cursor += uint32(len(name) + 1)
	}

	names := tb.Names()
	cursor = 0
	for i, s := range series {
		intRVA := namesRVA + cursor
		thunkArea := cursor
		cursor += uint32((len(s.Funcs) + 1) * ptrSize)

		for k, f := range s.Funcs {
			var thunk uint64
			if f.Name != "" {
				thunk = uint64(namesRVA + cursor)
				// Hint 0: the index into the export name table is not tracked.
				binary.LittleEndian.PutUint16(names[cursor:], 0)
				copy(names[cursor+2:], f.Name)
				cursor += hintNameSize(f.Name)
			} else {
				thunk = pe.OrdinalFlag(ptrSize) | uint64(f.Ordinal)
			}
			pe.WritePtr(names[thunkArea+uint32(k*ptrSize):], thunk, ptrSize)
		}

		desc := pe.ImportDescriptor{
			OriginalFirstThunk: intRVA,
			Name:               dllRVA[s.Module],
			FirstThunk:         s.Offset,
		}
		if err := tb.SetDescriptor(i, desc); err != nil {
			return nil, err
		}
	}
	return tb, nil
}

// place finds room for size bytes in out, growing it when the policy allows.
func (r *Reconstructor) place(out *pe.ImageBuffer, size uint32, result *Result) (uint32, error) {
	h, err := out.Headers()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBounds, err)
	}
	if rva, ok := pe.FindFreeSpace(out.Bytes(), h, size, tableAlign, pe.DirectoryImport); ok {
		return rva, nil
	}
	if !r.policy.ExtendImage {
		return 0, fmt.Errorf("%w: 镜像中没有 0x%X 字节的空闲空间", ErrAllocation, size)
	}

	align := max(h.SectionAlignment, 0x1000)
	rva := alignUp(uint32(out.Size()), align)
	newSize := rva + alignUp(size, align)
	out.Grow(int(newSize) - out.Size())
	h.SetSizeOfImage(out.Bytes(), newSize)
	result.Extended = true
	return rva, nil
}

func alignUp(value, alignment uint32) uint32 {
	return ((value + alignment - 1) / alignment) * alignment
}
