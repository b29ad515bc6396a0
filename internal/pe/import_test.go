package pe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/HookScan/internal/pe/petest"
)

func TestDescriptorRoundTrip(t *testing.T) {
	desc := ImportDescriptor{OriginalFirstThunk: 0x3000, Name: 0x3100, FirstThunk: 0x2000}
	buf := make([]byte, ImportDescriptorSize)
	EncodeDescriptor(buf, desc)
	assert.Equal(t, desc, DecodeDescriptor(buf))
	assert.False(t, desc.IsZero())
	assert.True(t, ImportDescriptor{}.IsZero())
	assert.True(t, ImportDescriptor{TimeDateStamp: 0xFFFFFFFF, ForwarderChain: 0xFFFFFFFF}.IsZero())
}

func TestReadImportDescriptorsAndThunks(t *testing.T) {
	img := petest.New(true, []byte{0xC3})
	idata := make([]byte, 0x100)
	// One descriptor at 0x00, sentinel at 0x14, IAT at 0x40, name at 0x80.
	EncodeDescriptor(idata[0:], ImportDescriptor{Name: 0x2080, FirstThunk: 0x2040})
	WritePtr(idata[0x40:], 0x7FF812340000, 8)
	WritePtr(idata[0x48:], 0x7FF812340100, 8)
	copy(idata[0x80:], "kernel32.dll\x00")
	rva := img.AddSection(".idata", uint32(len(idata)), petest.Data, idata)
	img.SetDirectory(DirectoryImport, rva, 2*ImportDescriptorSize)
	data := img.Build()

	h, err := ParseHeaders(data)
	require.NoError(t, err)

	descs, err := ReadImportDescriptors(data, h.Directory(DirectoryImport))
	require.NoError(t, err)
	require.Len(t, descs, 1)

	name, err := ReadString(data, descs[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "kernel32.dll", name)

	thunks, err := ReadThunks(data, descs[0].FirstThunk, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x7FF812340000, 0x7FF812340100}, thunks)

	_, err = ReadImportDescriptors(data, DataDirectory{})
	assert.Error(t, err)
	_, err = ReadThunks(data, uint32(len(data)-4), 8)
	assert.Error(t, err)
}

func TestPtrHelpers(t *testing.T) {
	buf := make([]byte, 8)
	WritePtr(buf, 0x11223344, 4)
	assert.Equal(t, uint64(0x11223344), ReadPtr(buf, 4))
	assert.Equal(t, uint64(0x80000000), OrdinalFlag(4))
	assert.Equal(t, uint64(0x8000000000000000), OrdinalFlag(8))
}
