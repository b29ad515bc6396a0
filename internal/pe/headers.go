package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPE is returned when a buffer does not carry well-formed PE headers.
var ErrInvalidPE = errors.New("无效的PE头")

// Data directory indexes.
const (
	DirectoryExport    = 0
	DirectoryImport    = 1
	DirectoryBaseReloc = 5
	DirectoryIAT       = 12
)

// Section characteristics used by the scanners.
const (
	ScnCntCode        = 0x00000020
	ScnCntInitialized = 0x00000040
	ScnMemExecute     = 0x20000000
	ScnMemRead        = 0x40000000
	ScnMemWrite       = 0x80000000
)

// Machine types.
const (
	MachineI386  = 0x14c
	MachineAMD64 = 0x8664
)

const (
	magicPE32     = 0x10b
	magicPE32Plus = 0x20b

	dosHeaderSize     = 64
	coffHeaderSize    = 20
	sectionHeaderSize = 40
	dataDirectorySize = 8
	maxSections       = 96
)

// DataDirectory is one IMAGE_DATA_DIRECTORY entry.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// Section is a parsed section header.
type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	RawSize         uint32
	RawOffset       uint32
	Characteristics uint32
}

// End returns the end RVA of the section as it is mapped in memory.
func (s Section) End() uint32 {
	size := s.VirtualSize
	if size == 0 {
		size = s.RawSize
	}
	return s.VirtualAddress + size
}

// IsExecutable reports whether the section holds code.
func (s Section) IsExecutable() bool {
	return s.Characteristics&(ScnMemExecute|ScnCntCode) != 0
}

// Headers holds the NT header fields the scanners and the import rebuilder need,
// together with the offsets required to patch them in place.
type Headers struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16

	Magic            uint16
	EntryPoint       uint32
	ImageBase        uint64
	SectionAlignment uint32
	FileAlignment    uint32
	SizeOfImage      uint32
	SizeOfHeaders    uint32
	CheckSum         uint32
	Subsystem        uint16

	Directories []DataDirectory
	Sections    []Section

	peOffset      int
	optOffset     int
	dataDirOffset int
	sectionOffset int
}

// Is64Bit reports whether the optional header is PE32+.
func (h *Headers) Is64Bit() bool {
	return h.Magic == magicPE32Plus
}

// Directory returns the data directory at idx, or a zero entry when absent.
func (h *Headers) Directory(idx int) DataDirectory {
	if idx < 0 || idx >= len(h.Directories) {
		return DataDirectory{}
	}
	return h.Directories[idx]
}

// SectionAt returns the section whose mapped range contains rva.
func (h *Headers) SectionAt(rva uint32) (Section, bool) {
	for _, s := range h.Sections {
		if rva >= s.VirtualAddress && rva < s.End() {
			return s, true
		}
	}
	return Section{}, false
}

// ParseHeaders walks the DOS, COFF and optional headers of an image buffer.
func ParseHeaders(data []byte) (*Headers, error) {
	if len(data) < dosHeaderSize || data[0] != 'M' || data[1] != 'Z' {
		return nil, fmt.Errorf("%w: 缺少DOS签名", ErrInvalidPE)
	}

	peOffset := int(binary.LittleEndian.Uint32(data[60:64]))
	if peOffset < dosHeaderSize || peOffset+4+coffHeaderSize > len(data) {
		return nil, fmt.Errorf("%w: e_lfanew 越界 (0x%X)", ErrInvalidPE, peOffset)
	}
	if string(data[peOffset:peOffset+4]) != "PE\x00\x00" {
		return nil, fmt.Errorf("%w: 缺少PE签名", ErrInvalidPE)
	}

	coff := data[peOffset+4 : peOffset+4+coffHeaderSize]
	h := &Headers{
		Machine:              binary.LittleEndian.Uint16(coff[0:2]),
		NumberOfSections:     binary.LittleEndian.Uint16(coff[2:4]),
		TimeDateStamp:        binary.LittleEndian.Uint32(coff[4:8]),
		SizeOfOptionalHeader: binary.LittleEndian.Uint16(coff[16:18]),
		Characteristics:      binary.LittleEndian.Uint16(coff[18:20]),
		peOffset:             peOffset,
		optOffset:            peOffset + 4 + coffHeaderSize,
	}

	if h.NumberOfSections > maxSections {
		return nil, fmt.Errorf("%w: 节区数量异常 (%d)", ErrInvalidPE, h.NumberOfSections)
	}

	opt := h.optOffset
	if opt+2 > len(data) {
		return nil, fmt.Errorf("%w: 可选头被截断", ErrInvalidPE)
	}
	h.Magic = binary.LittleEndian.Uint16(data[opt : opt+2])

	var rvaCountOffset int
	switch h.Magic {
	case magicPE32:
		rvaCountOffset = 92
		h.dataDirOffset = opt + 96
	case magicPE32Plus:
		rvaCountOffset = 108
		h.dataDirOffset = opt + 112
	default:
		return nil, fmt.Errorf("%w: 未知的可选头魔数 0x%X", ErrInvalidPE, h.Magic)
	}
	if h.dataDirOffset > len(data) {
		return nil, fmt.Errorf("%w: 可选头被截断", ErrInvalidPE)
	}

	h.EntryPoint = binary.LittleEndian.Uint32(data[opt+16 : opt+20])
	if h.Is64Bit() {
		h.ImageBase = binary.LittleEndian.Uint64(data[opt+24 : opt+32])
	} else {
		h.ImageBase = uint64(binary.LittleEndian.Uint32(data[opt+28 : opt+32]))
	}
	h.SectionAlignment = binary.LittleEndian.Uint32(data[opt+32 : opt+36])
	h.FileAlignment = binary.LittleEndian.Uint32(data[opt+36 : opt+40])
	h.SizeOfImage = binary.LittleEndian.Uint32(data[opt+56 : opt+60])
	h.SizeOfHeaders = binary.LittleEndian.Uint32(data[opt+60 : opt+64])
	h.CheckSum = binary.LittleEndian.Uint32(data[opt+64 : opt+68])
	h.Subsystem = binary.LittleEndian.Uint16(data[opt+68 : opt+70])

	dirCount := int(binary.LittleEndian.Uint32(data[opt+rvaCountOffset : opt+rvaCountOffset+4]))
	if dirCount > 16 {
		dirCount = 16
	}
	for i := 0; i < dirCount; i++ {
		off := h.dataDirOffset + i*dataDirectorySize
		if off+dataDirectorySize > len(data) || off+dataDirectorySize > opt+int(h.SizeOfOptionalHeader) {
			break
		}
		h.Directories = append(h.Directories, DataDirectory{
			VirtualAddress: binary.LittleEndian.Uint32(data[off : off+4]),
			Size:           binary.LittleEndian.Uint32(data[off+4 : off+8]),
		})
	}

	h.sectionOffset = opt + int(h.SizeOfOptionalHeader)
	for i := 0; i < int(h.NumberOfSections); i++ {
		off := h.sectionOffset + i*sectionHeaderSize
		if off+sectionHeaderSize > len(data) {
			return nil, fmt.Errorf("%w: 节区表被截断", ErrInvalidPE)
		}
		raw := data[off : off+sectionHeaderSize]
		h.Sections = append(h.Sections, Section{
			Name:            strings.TrimRight(string(raw[0:8]), "\x00"),
			VirtualSize:     binary.LittleEndian.Uint32(raw[8:12]),
			VirtualAddress:  binary.LittleEndian.Uint32(raw[12:16]),
			RawSize:         binary.LittleEndian.Uint32(raw[16:20]),
			RawOffset:       binary.LittleEndian.Uint32(raw[20:24]),
			Characteristics: binary.LittleEndian.Uint32(raw[36:40]),
		})
	}

	return h, nil
}

// SetDirectory overwrites data directory idx inside data.
func (h *Headers) SetDirectory(data []byte, idx int, dir DataDirectory) error {
	if idx < 0 || idx >= len(h.Directories) {
		return fmt.Errorf("数据目录 %d 不存在", idx)
	}
	off := h.dataDirOffset + idx*dataDirectorySize
	if off+dataDirectorySize > len(data) {
		return fmt.Errorf("数据目录 %d 越界", idx)
	}
	binary.LittleEndian.PutUint32(data[off:off+4], dir.VirtualAddress)
	binary.LittleEndian.PutUint32(data[off+4:off+8], dir.Size)
	h.Directories[idx] = dir
	return nil
}

// SetImageBase overwrites the ImageBase field inside data.
func (h *Headers) SetImageBase(data []byte, base uint64) {
	start, end := h.ImageBaseRange()
	if h.Is64Bit() {
		binary.LittleEndian.PutUint64(data[start:end], base)
	} else {
		binary.LittleEndian.PutUint32(data[start:end], uint32(base))
	}
	h.ImageBase = base
}

// SetSizeOfImage overwrites the SizeOfImage field inside data.
func (h *Headers) SetSizeOfImage(data []byte, size uint32) {
	// PE32: offset 56, PE32+: offset 56.
	binary.LittleEndian.PutUint32(data[h.optOffset+56:h.optOffset+60], size)
	h.SizeOfImage = size
}

// ImageBaseRange returns the byte range of the ImageBase field.
func (h *Headers) ImageBaseRange() (start, end int) {
	if h.Is64Bit() {
		return h.optOffset + 24, h.optOffset + 32
	}
	return h.optOffset + 28, h.optOffset + 32
}

// CheckSumOffset returns the file offset of the CheckSum field.
func (h *Headers) CheckSumOffset() int {
	return h.optOffset + 64
}

// HeadersEnd returns the end of the header region, bounded by the first section.
func (h *Headers) HeadersEnd() uint32 {
	end := h.SizeOfHeaders
	if end == 0 {
		end = uint32(h.sectionOffset + len(h.Sections)*sectionHeaderSize)
	}
	for _, s := range h.Sections {
		if s.VirtualAddress != 0 && s.VirtualAddress < end {
			end = s.VirtualAddress
		}
	}
	return end
}

// alignUp aligns a value up to the nearest multiple of alignment.
func alignUp(value, alignment uint32) uint32 {
	if alignment == 0 {
		return value
	}
	return ((value + alignment - 1) / alignment) * alignment
}
