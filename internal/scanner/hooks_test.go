package scanner

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/pe/petest"
	"github.com/ZacharyZcR/HookScan/internal/process"
)

// relocatableImage returns a 32-bit image preferring base whose code loads
// the absolute address of .data, with a matching relocation.
func relocatableImage(base uint64) *petest.Image {
	code := make([]byte, 0x40)
	code[0] = 0xB8 // mov eax, imm32
	binary.LittleEndian.PutUint32(code[1:], uint32(base)+0x2000)
	code[5] = 0xC3

	img := petest.New(false, code)
	img.ImageBase = base
	img.AddSection(".data", 0x10, petest.Data, make([]byte, 0x10))
	reloc := petest.RelocBlock(0x1000, pe.IMAGE_REL_BASED_HIGHLOW<<12|0x001)
	rva := img.AddSection(".reloc", uint32(len(reloc)), petest.Data, reloc)
	img.SetDirectory(petest.DirBaseReloc, rva, uint32(len(reloc)))
	return img
}

func scanHooks(t *testing.T, ref []byte, live []byte, base uint64, protect ...uint64) (Status, PatchList) {
	t.Helper()
	snap := process.NewSnapshot(1).Map(base, live)
	for _, addr := range protect {
		snap.Protect(addr, process.PageSize)
	}
	refImg := pe.NewImageBuffer(ref)
	before := append([]byte(nil), ref...)
	status, patches := NewHookScanner(DefaultMinMatchRun).Scan(snap, base, uint32(len(live)), refImg)
	require.Equal(t, before, refImg.Bytes(), "reference must not be modified")
	return status, patches
}

func TestHookScanner(t *testing.T) {
	img := petest.New(false, []byte{0x8B, 0xFF, 0x55, 0x8B, 0xEC, 0x5D, 0xC3, 0x90, 0x90, 0x90})
	img.AddSection(".data", 0x20, petest.Data, make([]byte, 0x20))
	ref := img.Build()

	tests := []struct {
		name        string
		mutate      func([]byte)
		wantStatus  Status
		wantPatches []Patch
	}{
		{
			name:       "Unmodified",
			mutate:     func([]byte) {},
			wantStatus: NotModified,
		},
		{
			name: "Jump in DOS header",
			mutate: func(b []byte) {
				copy(b[0x10:], []byte{0xE9, 0x11, 0x22, 0x33, 0x44})
			},
			wantStatus: Modified,
			wantPatches: []Patch{{
				Offset:   0x10,
				Original: []byte{0, 0, 0, 0, 0},
				Current:  []byte{0xE9, 0x11, 0x22, 0x33, 0x44},
			}},
		},
		{
			name: "Inline hook at entry",
			mutate: func(b []byte) {
				copy(b[0x1000:], []byte{0xEB, 0xFE})
			},
			wantStatus: Modified,
			wantPatches: []Patch{{
				Offset:   0x1000,
				Original: []byte{0x8B, 0xFF},
				Current:  []byte{0xEB, 0xFE},
			}},
		},
		{
			name: "Two separate hooks",
			mutate: func(b []byte) {
				b[0x1000] = 0xCC
				b[0x1006] = 0xCC
			},
			wantStatus: Modified,
			wantPatches: []Patch{
				{Offset: 0x1000, Original: []byte{0x8B}, Current: []byte{0xCC}},
				{Offset: 0x1006, Original: []byte{0xC3}, Current: []byte{0xCC}},
			},
		},
		{
			name: "Writable data is ignored",
			mutate: func(b []byte) {
				b[0x2000] = 0x41
			},
			wantStatus: NotModified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := img.Build()
			tt.mutate(live)
			status, patches := scanHooks(t, ref, live, testBase)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, PatchList(tt.wantPatches), patches)
		})
	}
}

func TestHookScannerRelocated(t *testing.T) {
	const loadBase = 0x20000000
	ref := relocatableImage(testBase).Build()

	t.Run("Rebased copy is clean", func(t *testing.T) {
		live := relocatableImage(loadBase).Build()
		status, patches := scanHooks(t, ref, live, loadBase)
		assert.Equal(t, NotModified, status)
		assert.Empty(t, patches)
	})

	t.Run("Rebased copy with a hook", func(t *testing.T) {
		live := relocatableImage(loadBase).Build()
		live[0x1005] = 0xCC
		status, patches := scanHooks(t, ref, live, loadBase)
		require.Equal(t, Modified, status)
		require.Len(t, patches, 1)
		assert.Equal(t, uint64(0x1005), patches[0].Offset)
	})

	t.Run("Without relocations", func(t *testing.T) {
		plain := petest.New(false, []byte{0xC3})
		live := plain.Build()
		status, patches := scanHooks(t, plain.Build(), live, loadBase)
		assert.Equal(t, Error, status)
		assert.Nil(t, patches)
	})
}

func TestHookScannerMasksIAT(t *testing.T) {
	img := petest.New(false, make([]byte, 0x40))
	img.SetDirectory(petest.DirIAT, 0x1020, 0x10)
	ref := img.Build()

	live := img.Build()
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(live[0x1020+4*i:], 0x77000000+uint32(i)*0x10)
	}
	status, patches := scanHooks(t, ref, live, testBase)
	assert.Equal(t, NotModified, status)
	assert.Empty(t, patches)

	live[0x1030] = 0xCC
	status, patches = scanHooks(t, ref, live, testBase)
	require.Equal(t, Modified, status)
	require.Len(t, patches, 1)
	assert.Equal(t, uint64(0x1030), patches[0].Offset)
}

func TestHookScannerReadError(t *testing.T) {
	img := petest.New(false, []byte{0xC3})
	ref := img.Build()
	live := img.Build()
	live[0x1000] = 0xCC

	status, patches := scanHooks(t, ref, live, testBase, testBase+0x1000)
	assert.Equal(t, Error, status)
	assert.Nil(t, patches)
}

func TestHookScannerInvalidReference(t *testing.T) {
	ref := make([]byte, 0x100)
	live := make([]byte, 0x100)
	live[0x80] = 0x90

	status, patches := scanHooks(t, ref, live, testBase)
	require.Equal(t, Modified, status)
	require.Len(t, patches, 1)
	assert.Equal(t, uint64(0x80), patches[0].Offset)
}

func TestNewHookScannerDefaults(t *testing.T) {
	assert.Equal(t, DefaultMinMatchRun, NewHookScanner(0).minMatchRun)
	assert.Equal(t, 5, NewHookScanner(5).minMatchRun)
}
