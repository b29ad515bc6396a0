package imprec

import (
	"fmt"

	"github.com/ZacharyZcR/HookScan/internal/pe"
)

// Range is one RVA range claimed by an ImportTableBuffer.
type Range struct {
	Name string
	RVA  uint32
	Size uint32
}

// End returns the RVA just past the range.
func (r Range) End() uint64 {
	return uint64(r.RVA) + uint64(r.Size)
}

func (r Range) overlaps(o Range) bool {
	if r.Size == 0 || o.Size == 0 {
		return false
	}
	return uint64(r.RVA) < o.End() && uint64(o.RVA) < r.End()
}

type area struct {
	rva       uint32
	buf       []byte
	allocated bool
}

func (a *area) alloc(rva, size uint32) error {
	if uint64(rva)+uint64(size) > 0xFFFFFFFF {
		return fmt.Errorf("%w: RVA 0x%X + 0x%X 溢出", ErrAllocation, rva, size)
	}
	a.rva = rva
	a.buf = make([]byte, size)
	a.allocated = true
	return nil
}

// ImportTableBuffer stages a new import directory: the descriptor array, the
// names area (lookup thunk arrays and hint/name entries) and the DLL-name
// area. Nothing touches the image until SetTableInPe.
type ImportTableBuffer struct {
	descriptors area
	names       area
	dlls        area
}

// NewImportTableBuffer returns a buffer whose descriptor array will live at descriptorsRVA.
func NewImportTableBuffer(descriptorsRVA uint32) *ImportTableBuffer {
	return &ImportTableBuffer{descriptors: area{rva: descriptorsRVA}}
}

// AllocDescriptors reserves one descriptor per group plus the zero sentinel.
func (b *ImportTableBuffer) AllocDescriptors(groups int) error {
	if groups < 0 {
		return fmt.Errorf("%w: 描述符数量无效 (%d)", ErrAllocation, groups)
	}
	return b.descriptors.alloc(b.descriptors.rva, uint32((groups+1)*pe.ImportDescriptorSize))
}

// AllocNamesSpace reserves the names area.
func (b *ImportTableBuffer) AllocNamesSpace(rva, size uint32) error {
	return b.names.alloc(rva, size)
}

// AllocDllsSpace reserves the DLL-name area.
func (b *ImportTableBuffer) AllocDllsSpace(rva, size uint32) error {
	return b.dlls.alloc(rva, size)
}

// DescriptorsCount returns the number of descriptors including the sentinel.
func (b *ImportTableBuffer) DescriptorsCount() int {
	return len(b.descriptors.buf) / pe.ImportDescriptorSize
}

// DescriptorsRVA returns the RVA of the descriptor array.
func (b *ImportTableBuffer) DescriptorsRVA() uint32 {
	return b.descriptors.rva
}

// DescriptorsSize returns the size of the descriptor array in bytes.
func (b *ImportTableBuffer) DescriptorsSize() uint32 {
	return uint32(len(b.descriptors.buf))
}

// SetDescriptor writes descriptor i. The sentinel slot cannot be written.
func (b *ImportTableBuffer) SetDescriptor(i int, desc pe.ImportDescriptor) error {
	if i < 0 || i >= b.DescriptorsCount()-1 {
		return fmt.Errorf("%w: 描述符索引 %d 超出范围", ErrBounds, i)
	}
	pe.EncodeDescriptor(b.descriptors.buf[i*pe.ImportDescriptorSize:], desc)
	return nil
}

// descriptor decodes descriptor i, sentinel included.
func (b *ImportTableBuffer) descriptor(i int) pe.ImportDescriptor {
	return pe.DecodeDescriptor(b.descriptors.buf[i*pe.ImportDescriptorSize:])
}

// NamesRVA returns the RVA of the names area.
func (b *ImportTableBuffer) NamesRVA() uint32 {
	return b.names.rva
}

// Names returns the names area for filling.
func (b *ImportTableBuffer) Names() []byte {
	return b.names.buf
}

// DllsRVA returns the RVA of the DLL-name area.
func (b *ImportTableBuffer) DllsRVA() uint32 {
	return b.dlls.rva
}

// Dlls returns the DLL-name area for filling.
func (b *ImportTableBuffer) Dlls() []byte {
	return b.dlls.buf
}

// Ranges returns the three claimed ranges.
func (b *ImportTableBuffer) Ranges() []Range {
	return []Range{
		{Name: "descriptors", RVA: b.descriptors.rva, Size: uint32(len(b.descriptors.buf))},
		{Name: "names", RVA: b.names.rva, Size: uint32(len(b.names.buf))},
		{Name: "dlls", RVA: b.dlls.rva, Size: uint32(len(b.dlls.buf))},
	}
}

// TotalSize returns the sum of the three areas.
func (b *ImportTableBuffer) TotalSize() uint32 {
	return uint32(len(b.descriptors.buf) + len(b.names.buf) + len(b.dlls.buf))
}

// SetTableInPe validates every range against img and then copies the three
// areas in and points the import directory at the descriptor array. On error
// img is left untouched.
func (b *ImportTableBuffer) SetTableInPe(img *pe.ImageBuffer) error {
	for _, a := range []struct {
		name string
		area *area
	}{
		{"descriptors", &b.descriptors},
		{"names", &b.names},
		{"dlls", &b.dlls},
	} {
		if !a.area.allocated {
			return fmt.Errorf("%w: %s 未分配", ErrAllocation, a.name)
		}
	}

	h, err := img.Headers()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBounds, err)
	}

	ranges := b.Ranges()
	for i, r := range ranges {
		if r.End() > uint64(img.Size()) {
			return fmt.Errorf("%w: %s [0x%X, 0x%X) 超出镜像大小 0x%X", ErrBounds, r.Name, r.RVA, r.End(), img.Size())
		}
		for _, o := range ranges[i+1:] {
			if r.overlaps(o) {
				return fmt.Errorf("%w: %s 与 %s 重叠", ErrBounds, r.Name, o.Name)
			}
		}
		if r.Size != 0 && pe.Overlaps(h, r.RVA, r.Size, pe.DirectoryImport) {
			return fmt.Errorf("%w: %s [0x%X, 0x%X) 与现有节区或数据目录重叠", ErrBounds, r.Name, r.RVA, r.End())
		}
	}

	if len(h.Directories) <= pe.DirectoryImport {
		return fmt.Errorf("%w: 镜像缺少导入数据目录", ErrBounds)
	}

	data := img.Bytes()
	copy(data[b.descriptors.rva:], b.descriptors.buf)
	copy(data[b.names.rva:], b.names.buf)
	copy(data[b.dlls.rva:], b.dlls.buf)
	return h.SetDirectory(data, pe.DirectoryImport, pe.DataDirectory{
		VirtualAddress: b.descriptors.rva,
		Size:           b.DescriptorsSize(),
	})
}
