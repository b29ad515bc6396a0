// Package petest builds small synthetic PE images for tests.
package petest

import (
	"encoding/binary"
)

// Layout constants shared by every generated image.
const (
	PEOffset         = 0x40
	SectionAlignment = 0x1000
	FileAlignment    = 0x200
	SizeOfHeaders    = 0x400
)

// Data directory indexes used by tests.
const (
	DirExport    = 0
	DirImport    = 1
	DirBaseReloc = 5
	DirIAT       = 12
)

// Section characteristics used by tests.
const (
	Code = 0x00000020 | 0x20000000 | 0x40000000 // CNT_CODE | MEM_EXECUTE | MEM_READ
	Data = 0x00000040 | 0x40000000 | 0x80000000 // CNT_INITIALIZED_DATA | MEM_READ | MEM_WRITE
)

// Section describes one section of a synthetic image.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Characteristics uint32
	Data            []byte
}

// Dir is a data directory entry.
type Dir struct {
	RVA  uint32
	Size uint32
}

// Image describes a synthetic PE image.
type Image struct {
	Is64            bool
	Machine         uint16
	Characteristics uint16
	TimeDateStamp   uint32
	ImageBase       uint64
	EntryPoint      uint32
	SizeOfImage     uint32
	Sections        []Section
	Directories     map[int]Dir
}

// New returns an image with a single code section at 0x1000.
func New(is64 bool, code []byte) *Image {
	base := uint64(0x10000000)
	if is64 {
		base = 0x180000000
	}
	return &Image{
		Is64:          is64,
		TimeDateStamp: 0x5F000000,
		ImageBase:     base,
		EntryPoint:    0x1000,
		Sections: []Section{
			{Name: ".text", VirtualAddress: 0x1000, VirtualSize: uint32(len(code)), Characteristics: Code, Data: code},
		},
		Directories: map[int]Dir{},
	}
}

// AddSection appends a section placed after the last one.
func (img *Image) AddSection(name string, size uint32, characteristics uint32, data []byte) uint32 {
	va := uint32(SectionAlignment)
	if n := len(img.Sections); n > 0 {
		last := img.Sections[n-1]
		va = alignUp(last.VirtualAddress+max(last.VirtualSize, 1), SectionAlignment)
	}
	img.Sections = append(img.Sections, Section{
		Name: name, VirtualAddress: va, VirtualSize: size, Characteristics: characteristics, Data: data,
	})
	return va
}

// SetDirectory records a data directory entry.
func (img *Image) SetDirectory(idx int, rva, size uint32) {
	if img.Directories == nil {
		img.Directories = map[int]Dir{}
	}
	img.Directories[idx] = Dir{RVA: rva, Size: size}
}

// ImageSize returns SizeOfImage, computing it from the sections when unset.
func (img *Image) ImageSize() uint32 {
	if img.SizeOfImage != 0 {
		return img.SizeOfImage
	}
	end := uint32(SectionAlignment)
	for _, s := range img.Sections {
		end = max(end, alignUp(s.VirtualAddress+max(s.VirtualSize, 1), SectionAlignment))
	}
	return end
}

// Build returns the image in virtual layout, as a loader maps it.
func (img *Image) Build() []byte {
	data := make([]byte, img.ImageSize())
	img.writeHeaders(data)
	for _, s := range img.Sections {
		copy(data[s.VirtualAddress:], s.Data)
	}
	return data
}

// BuildRaw returns the image in file layout.
func (img *Image) BuildRaw() []byte {
	offsets := img.rawOffsets()
	size := uint32(SizeOfHeaders)
	for i, s := range img.Sections {
		size = max(size, offsets[i]+rawSize(s))
	}
	data := make([]byte, size)
	img.writeHeaders(data)
	for i, s := range img.Sections {
		copy(data[offsets[i]:], s.Data)
	}
	return data
}

func (img *Image) rawOffsets() []uint32 {
	offsets := make([]uint32, len(img.Sections))
	cursor := uint32(SizeOfHeaders)
	for i, s := range img.Sections {
		offsets[i] = cursor
		cursor += rawSize(s)
	}
	return offsets
}

func rawSize(s Section) uint32 {
	return alignUp(max(s.VirtualSize, uint32(len(s.Data))), FileAlignment)
}

func (img *Image) writeHeaders(data []byte) {
	le := binary.LittleEndian

	data[0], data[1] = 'M', 'Z'
	le.PutUint32(data[0x3C:], PEOffset)
	copy(data[PEOffset:], "PE\x00\x00")

	machine := img.Machine
	if machine == 0 {
		machine = 0x14c
		if img.Is64 {
			machine = 0x8664
		}
	}
	characteristics := img.Characteristics
	if characteristics == 0 {
		characteristics = 0x2102 // DLL | EXECUTABLE_IMAGE | 32BIT_MACHINE
		if img.Is64 {
			characteristics = 0x2022 // DLL | EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
		}
	}
	optSize := uint16(224)
	if img.Is64 {
		optSize = 240
	}

	coff := data[PEOffset+4:]
	le.PutUint16(coff[0:], machine)
	le.PutUint16(coff[2:], uint16(len(img.Sections)))
	le.PutUint32(coff[4:], img.TimeDateStamp)
	le.PutUint16(coff[16:], optSize)
	le.PutUint16(coff[18:], characteristics)

	opt := data[PEOffset+4+20:]
	var dirOffset int
	if img.Is64 {
		le.PutUint16(opt[0:], 0x20b)
		le.PutUint64(opt[24:], img.ImageBase)
		le.PutUint64(opt[72:], 0x100000)
		le.PutUint64(opt[80:], 0x1000)
		le.PutUint64(opt[88:], 0x100000)
		le.PutUint64(opt[96:], 0x1000)
		le.PutUint32(opt[108:], 16)
		dirOffset = 112
	} else {
		le.PutUint16(opt[0:], 0x10b)
		le.PutUint32(opt[28:], uint32(img.ImageBase))
		le.PutUint32(opt[72:], 0x100000)
		le.PutUint32(opt[76:], 0x1000)
		le.PutUint32(opt[80:], 0x100000)
		le.PutUint32(opt[84:], 0x1000)
		le.PutUint32(opt[92:], 16)
		dirOffset = 96
	}
	le.PutUint32(opt[16:], img.EntryPoint)
	le.PutUint32(opt[32:], SectionAlignment)
	le.PutUint32(opt[36:], FileAlignment)
	le.PutUint16(opt[40:], 6)
	le.PutUint16(opt[48:], 6)
	le.PutUint32(opt[56:], img.ImageSize())
	le.PutUint32(opt[60:], SizeOfHeaders)
	le.PutUint16(opt[68:], 2) // WINDOWS_GUI

	for idx, d := range img.Directories {
		le.PutUint32(opt[dirOffset+idx*8:], d.RVA)
		le.PutUint32(opt[dirOffset+idx*8+4:], d.Size)
	}

	offsets := img.rawOffsets()
	table := data[PEOffset+4+20+int(optSize):]
	for i, s := range img.Sections {
		hdr := table[i*40 : i*40+40]
		copy(hdr[0:8], s.Name)
		le.PutUint32(hdr[8:], s.VirtualSize)
		le.PutUint32(hdr[12:], s.VirtualAddress)
		le.PutUint32(hdr[16:], rawSize(s))
		le.PutUint32(hdr[20:], offsets[i])
		le.PutUint32(hdr[36:], s.Characteristics)
	}
}

// RelocBlock encodes one IMAGE_BASE_RELOCATION block with (type<<12 | offset) entries.
func RelocBlock(pageRVA uint32, entries ...uint16) []byte {
	if len(entries)%2 != 0 {
		entries = append(entries, 0) // ABSOLUTE padding
	}
	block := make([]byte, 8+2*len(entries))
	binary.LittleEndian.PutUint32(block[0:], pageRVA)
	binary.LittleEndian.PutUint32(block[4:], uint32(len(block)))
	for i, e := range entries {
		binary.LittleEndian.PutUint16(block[8+2*i:], e)
	}
	return block
}

func alignUp(value, alignment uint32) uint32 {
	return ((value + alignment - 1) / alignment) * alignment
}

// ExportDir encodes an export directory placed at rva: IMAGE_EXPORT_DIRECTORY
// followed by the function, name and ordinal arrays and the strings. names[i]
// exports funcs[i]; names must be sorted.
func ExportDir(rva uint32, dllName string, names []string, funcs []uint32) []byte {
	le := binary.LittleEndian
	n := uint32(len(funcs))

	const dirSize = 40
	funcsOff := uint32(dirSize)
	namesOff := funcsOff + 4*n
	ordsOff := namesOff + 4*uint32(len(names))
	strOff := alignUp(ordsOff+2*uint32(len(names)), 4)

	var strs []byte
	dllNameRVA := rva + strOff
	strs = append(strs, dllName...)
	strs = append(strs, 0)
	nameRVAs := make([]uint32, len(names))
	for i, name := range names {
		nameRVAs[i] = rva + strOff + uint32(len(strs))
		strs = append(strs, name...)
		strs = append(strs, 0)
	}

	out := make([]byte, strOff+uint32(len(strs)))
	le.PutUint32(out[12:], dllNameRVA)
	le.PutUint32(out[16:], 1) // Base
	le.PutUint32(out[20:], n)
	le.PutUint32(out[24:], uint32(len(names)))
	le.PutUint32(out[28:], rva+funcsOff)
	le.PutUint32(out[32:], rva+namesOff)
	le.PutUint32(out[36:], rva+ordsOff)
	for i, f := range funcs {
		le.PutUint32(out[funcsOff+4*uint32(i):], f)
	}
	for i := range names {
		le.PutUint32(out[namesOff+4*uint32(i):], nameRVAs[i])
		le.PutUint16(out[ordsOff+2*uint32(i):], uint16(i))
	}
	copy(out[strOff:], strs)
	return out
}
