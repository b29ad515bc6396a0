package imprec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/pe/petest"
)

// tableTarget is a 32-bit image of 0x2000 bytes: headers up to 0x400, .text at
// 0x1000 and a relocation directory at 0x800.
func tableTarget() *pe.ImageBuffer {
	img := petest.New(false, []byte{0xC3})
	img.SetDirectory(pe.DirectoryBaseReloc, 0x800, 0x10)
	return pe.NewImageBuffer(img.Build())
}

func TestImportTableBufferSentinelOnly(t *testing.T) {
	img := tableTarget()
	tb := NewImportTableBuffer(0x400)
	require.NoError(t, tb.AllocDescriptors(0))
	require.NoError(t, tb.AllocNamesSpace(0x500, 0))
	require.NoError(t, tb.AllocDllsSpace(0x600, 0))

	assert.Equal(t, 1, tb.DescriptorsCount())
	assert.True(t, tb.descriptor(0).IsZero())
	assert.ErrorIs(t, tb.SetDescriptor(0, pe.ImportDescriptor{Name: 1}), ErrBounds)

	require.NoError(t, tb.SetTableInPe(img))
	h, err := img.Headers()
	require.NoError(t, err)
	assert.Equal(t, pe.DataDirectory{VirtualAddress: 0x400, Size: pe.ImportDescriptorSize}, h.Directory(pe.DirectoryImport))
	assert.True(t, pe.DecodeDescriptor(img.Bytes()[0x400:]).IsZero())
}

func TestImportTableBufferCommit(t *testing.T) {
	img := tableTarget()
	tb := NewImportTableBuffer(0x400)
	require.NoError(t, tb.AllocDescriptors(2))
	require.NoError(t, tb.AllocNamesSpace(0x440, 0x20))
	require.NoError(t, tb.AllocDllsSpace(0x460, 0x10))

	require.NoError(t, tb.SetDescriptor(0, pe.ImportDescriptor{OriginalFirstThunk: 0x440, Name: 0x460, FirstThunk: 0x1000}))
	require.NoError(t, tb.SetDescriptor(1, pe.ImportDescriptor{OriginalFirstThunk: 0x448, Name: 0x468, FirstThunk: 0x1008}))
	copy(tb.Dlls(), "a.dll\x00\x00\x00b.dll\x00")
	assert.Equal(t, 3, tb.DescriptorsCount())

	ranges := tb.Ranges()
	for i := range ranges {
		assert.LessOrEqual(t, ranges[i].End(), uint64(img.Size()))
		for j := i + 1; j < len(ranges); j++ {
			assert.False(t, ranges[i].overlaps(ranges[j]), "%s overlaps %s", ranges[i].Name, ranges[j].Name)
		}
	}

	require.NoError(t, tb.SetTableInPe(img))
	descs, err := pe.ReadImportDescriptors(img.Bytes(), pe.DataDirectory{VirtualAddress: 0x400, Size: 60})
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, uint32(0x1008), descs[1].FirstThunk)

	name, err := pe.ReadString(img.Bytes(), descs[1].Name)
	require.NoError(t, err)
	assert.Equal(t, "b.dll", name)
}

func TestImportTableBufferFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*ImportTableBuffer)
		wantErr error
	}{
		{
			name:    "Nothing allocated",
			setup:   func(*ImportTableBuffer) {},
			wantErr: ErrAllocation,
		},
		{
			name: "Names never allocated",
			setup: func(tb *ImportTableBuffer) {
				_ = tb.AllocDescriptors(1)
				_ = tb.AllocDllsSpace(0x500, 0x10)
			},
			wantErr: ErrAllocation,
		},
		{
			name: "Dlls never allocated",
			setup: func(tb *ImportTableBuffer) {
				_ = tb.AllocDescriptors(1)
				_ = tb.AllocNamesSpace(0x500, 0x10)
			},
			wantErr: ErrAllocation,
		},
		{
			name: "Areas overlap each other",
			setup: func(tb *ImportTableBuffer) {
				_ = tb.AllocDescriptors(1)
				_ = tb.AllocNamesSpace(0x410, 0x20)
				_ = tb.AllocDllsSpace(0x500, 0x10)
			},
			wantErr: ErrBounds,
		},
		{
			name: "Past end of image",
			setup: func(tb *ImportTableBuffer) {
				_ = tb.AllocDescriptors(1)
				_ = tb.AllocNamesSpace(0x500, 0x10)
				_ = tb.AllocDllsSpace(0x1FF8, 0x10)
			},
			wantErr: ErrBounds,
		},
		{
			name: "Inside a section",
			setup: func(tb *ImportTableBuffer) {
				_ = tb.AllocDescriptors(1)
				_ = tb.AllocNamesSpace(0x1000, 0x10)
				_ = tb.AllocDllsSpace(0x500, 0x10)
			},
			wantErr: ErrBounds,
		},
		{
			name: "On another directory",
			setup: func(tb *ImportTableBuffer) {
				_ = tb.AllocDescriptors(1)
				_ = tb.AllocNamesSpace(0x500, 0x10)
				_ = tb.AllocDllsSpace(0x808, 0x10)
			},
			wantErr: ErrBounds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := tableTarget()
			before := bytes.Clone(img.Bytes())
			tb := NewImportTableBuffer(0x400)
			tt.setup(tb)

			err := tb.SetTableInPe(img)
			assert.True(t, errors.Is(err, tt.wantErr), "error = %v, want %v", err, tt.wantErr)
			assert.Equal(t, before, img.Bytes(), "failed commit must not touch the image")

			// Same outcome on retry.
			assert.True(t, errors.Is(tb.SetTableInPe(img), tt.wantErr))
		})
	}
}

func TestImportTableBufferAllocOverflow(t *testing.T) {
	tb := NewImportTableBuffer(0x400)
	assert.ErrorIs(t, tb.AllocNamesSpace(0xFFFFFFF0, 0x20), ErrAllocation)
	assert.ErrorIs(t, tb.AllocDescriptors(-1), ErrAllocation)
}
