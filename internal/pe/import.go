package pe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ImportDescriptorSize is sizeof(IMAGE_IMPORT_DESCRIPTOR).
const ImportDescriptorSize = 20

// maxDescriptors bounds the walk over a damaged descriptor table.
const maxDescriptors = 4096

// maxThunks bounds the walk over a single thunk array.
const maxThunks = 10000

// ImportDescriptor represents IMAGE_IMPORT_DESCRIPTOR.
type ImportDescriptor struct {
	OriginalFirstThunk uint32 // RVA to Import Name Table (INT).
	TimeDateStamp      uint32 // Usually 0.
	ForwarderChain     uint32 // Usually 0.
	Name               uint32 // RVA to DLL name.
	FirstThunk         uint32 // RVA to Import Address Table (IAT).
}

// IsZero reports whether d is the terminating null descriptor. The timestamp
// and forwarder fields are not considered.
func (d ImportDescriptor) IsZero() bool {
	return d.OriginalFirstThunk == 0 && d.Name == 0 && d.FirstThunk == 0
}

// EncodeDescriptor encodes an ImportDescriptor to bytes.
func EncodeDescriptor(buf []byte, desc ImportDescriptor) {
	binary.LittleEndian.PutUint32(buf[0:4], desc.OriginalFirstThunk)
	binary.LittleEndian.PutUint32(buf[4:8], desc.TimeDateStamp)
	binary.LittleEndian.PutUint32(buf[8:12], desc.ForwarderChain)
	binary.LittleEndian.PutUint32(buf[12:16], desc.Name)
	binary.LittleEndian.PutUint32(buf[16:20], desc.FirstThunk)
}

// DecodeDescriptor decodes an ImportDescriptor from bytes.
func DecodeDescriptor(buf []byte) ImportDescriptor {
	return ImportDescriptor{
		OriginalFirstThunk: binary.LittleEndian.Uint32(buf[0:4]),
		TimeDateStamp:      binary.LittleEndian.Uint32(buf[4:8]),
		ForwarderChain:     binary.LittleEndian.Uint32(buf[8:12]),
		Name:               binary.LittleEndian.Uint32(buf[12:16]),
		FirstThunk:         binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// ReadImportDescriptors reads descriptors at the import directory of a
// virtual-layout image until the null descriptor.
func ReadImportDescriptors(data []byte, dir DataDirectory) ([]ImportDescriptor, error) {
	if dir.VirtualAddress == 0 {
		return nil, fmt.Errorf("PE文件没有导入表")
	}

	var descriptors []ImportDescriptor
	offset := uint64(dir.VirtualAddress)
	for len(descriptors) < maxDescriptors {
		if offset+ImportDescriptorSize > uint64(len(data)) {
			return nil, fmt.Errorf("导入描述符越界 (RVA 0x%X)", offset)
		}
		desc := DecodeDescriptor(data[offset : offset+ImportDescriptorSize])

		if desc.IsZero() {
			break
		}

		descriptors = append(descriptors, desc)
		offset += ImportDescriptorSize
	}

	return descriptors, nil
}

// ReadThunks reads a null-terminated thunk array at rva.
func ReadThunks(data []byte, rva uint32, ptrSize int) ([]uint64, error) {
	if rva == 0 {
		return nil, fmt.Errorf("invalid RVA")
	}

	var entries []uint64
	offset := uint64(rva)
	for len(entries) < maxThunks {
		if offset+uint64(ptrSize) > uint64(len(data)) {
			return nil, fmt.Errorf("thunk 越界 (RVA 0x%X)", offset)
		}
		value := ReadPtr(data[offset:], ptrSize)
		if value == 0 {
			break
		}
		entries = append(entries, value)
		offset += uint64(ptrSize)
	}

	return entries, nil
}

// ReadPtr decodes a little-endian pointer of the given width.
func ReadPtr(buf []byte, ptrSize int) uint64 {
	if ptrSize == 8 {
		return binary.LittleEndian.Uint64(buf)
	}
	return uint64(binary.LittleEndian.Uint32(buf))
}

// WritePtr encodes a little-endian pointer of the given width.
func WritePtr(buf []byte, value uint64, ptrSize int) {
	if ptrSize == 8 {
		binary.LittleEndian.PutUint64(buf, value)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	}
}

// OrdinalFlag returns the import-by-ordinal flag based on architecture.
func OrdinalFlag(ptrSize int) uint64 {
	if ptrSize == 8 {
		return 0x8000000000000000
	}
	return 0x80000000
}

// ReadString reads a null-terminated string at rva of a virtual-layout image.
func ReadString(data []byte, rva uint32) (string, error) {
	return readCString(bytes.NewReader(data), int64(rva))
}
