package scanner

import (
	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/process"
)

// headerReadSize bounds the live header read.
const headerReadSize = 0x1000

// HollowingScanner decides whether a live module is still the binary its
// reference was loaded from, by comparing identity fields of the headers.
type HollowingScanner struct{}

// Scan returns Modified when the live headers describe a different binary.
func (HollowingScanner) Scan(r process.MemoryReader, base uint64, size uint32, ref *pe.ImageBuffer) Status {
	status, _ := HollowingScanner{}.Compare(r, base, size, ref)
	return status
}

// Compare is Scan that also returns the mismatching fields.
func (HollowingScanner) Compare(r process.MemoryReader, base uint64, size uint32, ref *pe.ImageBuffer) (Status, []pe.Mismatch) {
	n := min(size, headerReadSize)
	if n == 0 {
		return Error, nil
	}
	hdr, err := r.ReadMemory(base, int(n))
	if err != nil {
		return Error, nil
	}

	refHeaders, err := ref.Headers()
	if err != nil {
		// Nothing structural to compare against; the hook scanner diffs the raw bytes.
		return NotModified, nil
	}

	liveHeaders, err := pe.ParseHeaders(hdr)
	if err != nil {
		return Modified, []pe.Mismatch{{Field: "Headers", Reference: "PE", Live: err.Error()}}
	}

	if mismatches := pe.CompareIdentity(refHeaders, liveHeaders); len(mismatches) > 0 {
		return Modified, mismatches
	}
	return NotModified, nil
}
