package pe

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/HookScan/internal/pe/petest"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		name      string
		is64      bool
		machine   uint16
		magic     uint16
		imageBase uint64
	}{
		{name: "PE32", is64: false, machine: MachineI386, magic: magicPE32, imageBase: 0x10000000},
		{name: "PE32+", is64: true, machine: MachineAMD64, magic: magicPE32Plus, imageBase: 0x180000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := petest.New(tt.is64, []byte{0xC3})
			img.AddSection(".data", 0x200, petest.Data, nil)
			img.SetDirectory(DirectoryImport, 0x2000, 0x28)

			h, err := ParseHeaders(img.Build())
			require.NoError(t, err)

			assert.Equal(t, tt.machine, h.Machine)
			assert.Equal(t, tt.magic, h.Magic)
			assert.Equal(t, tt.is64, h.Is64Bit())
			assert.Equal(t, tt.imageBase, h.ImageBase)
			assert.Equal(t, uint32(0x1000), h.EntryPoint)
			assert.Equal(t, uint32(0x3000), h.SizeOfImage)
			assert.Equal(t, uint32(petest.SizeOfHeaders), h.SizeOfHeaders)
			assert.Len(t, h.Directories, 16)
			assert.Equal(t, DataDirectory{VirtualAddress: 0x2000, Size: 0x28}, h.Directory(DirectoryImport))
			assert.Equal(t, DataDirectory{}, h.Directory(42))

			require.Len(t, h.Sections, 2)
			assert.Equal(t, ".text", h.Sections[0].Name)
			assert.True(t, h.Sections[0].IsExecutable())
			assert.Equal(t, ".data", h.Sections[1].Name)
			assert.False(t, h.Sections[1].IsExecutable())
		})
	}
}

func TestParseHeadersInvalid(t *testing.T) {
	valid := petest.New(false, []byte{0xC3}).Build()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "Too short",
			mutate: func(b []byte) []byte { return b[:32] },
		},
		{
			name: "Missing MZ",
			mutate: func(b []byte) []byte {
				b[0] = 'X'
				return b
			},
		},
		{
			name: "e_lfanew out of range",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[0x3C:], 0xFFFFFF)
				return b
			},
		},
		{
			name: "Missing PE signature",
			mutate: func(b []byte) []byte {
				b[petest.PEOffset] = 'X'
				return b
			},
		},
		{
			name: "Unknown optional header magic",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint16(b[petest.PEOffset+24:], 0x999)
				return b
			},
		},
		{
			name: "Section table truncated",
			mutate: func(b []byte) []byte {
				return b[:petest.PEOffset+24+224+10]
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte(nil), valid...)
			_, err := ParseHeaders(tt.mutate(data))
			if !errors.Is(err, ErrInvalidPE) {
				t.Errorf("ParseHeaders() error = %v, want ErrInvalidPE", err)
			}
		})
	}
}

func TestHeadersSetters(t *testing.T) {
	data := petest.New(true, []byte{0xC3}).Build()
	h, err := ParseHeaders(data)
	require.NoError(t, err)

	h.SetImageBase(data, 0x7FF800000000)
	h.SetSizeOfImage(data, 0x5000)
	require.NoError(t, h.SetDirectory(data, DirectoryImport, DataDirectory{VirtualAddress: 0x3000, Size: 0x3C}))
	assert.Error(t, h.SetDirectory(data, 20, DataDirectory{}))

	reparsed, err := ParseHeaders(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7FF800000000), reparsed.ImageBase)
	assert.Equal(t, uint32(0x5000), reparsed.SizeOfImage)
	assert.Equal(t, DataDirectory{VirtualAddress: 0x3000, Size: 0x3C}, reparsed.Directory(DirectoryImport))

	start, end := reparsed.ImageBaseRange()
	assert.Equal(t, 8, end-start)
	assert.Equal(t, uint64(0x7FF800000000), binary.LittleEndian.Uint64(data[start:end]))
}

func TestHeadersEnd(t *testing.T) {
	img := petest.New(false, []byte{0xC3})
	h, err := ParseHeaders(img.Build())
	require.NoError(t, err)
	assert.Equal(t, uint32(petest.SizeOfHeaders), h.HeadersEnd())

	s, ok := h.SectionAt(0x1000)
	assert.True(t, ok)
	assert.Equal(t, ".text", s.Name)
	_, ok = h.SectionAt(0x10)
	assert.False(t, ok)
}

func TestImageBuffer(t *testing.T) {
	img := NewImageBuffer(petest.New(true, []byte{0xC3}).Build())
	assert.True(t, img.IsValid())
	assert.True(t, img.Is64Bit())
	assert.Equal(t, 8, img.PtrSize())

	clone := img.Clone()
	clone.Bytes()[0x1000] = 0x90
	assert.Equal(t, byte(0xC3), img.Bytes()[0x1000])
	assert.True(t, clone.Is64Bit())

	clone.Grow(0x1000)
	assert.Equal(t, img.Size()+0x1000, clone.Size())

	clone.Release()
	assert.Equal(t, 0, clone.Size())
}

func TestImageBufferHeaderlessBitness(t *testing.T) {
	code64 := []byte{
		0x48, 0x83, 0xEC, 0x28, 0xC3,
		0x48, 0x89, 0x5C, 0x24, 0x08, 0xC3,
	}
	code32 := []byte{
		0x55, 0x8B, 0xEC, 0xC3,
		0x55, 0x8B, 0xEC, 0xC3,
	}

	img := NewImageBuffer(code64)
	assert.False(t, img.IsValid())
	assert.True(t, img.Is64Bit())

	img = NewImageBuffer(code32)
	assert.False(t, img.IsValid())
	assert.False(t, img.Is64Bit())
	assert.Equal(t, 4, img.PtrSize())
}
