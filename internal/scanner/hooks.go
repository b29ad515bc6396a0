package scanner

import (
	"cmp"
	"slices"

	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/process"
)

// DefaultMinMatchRun is the number of matching bytes that closes a patch.
const DefaultMinMatchRun = 3

// HookScanner diffs the code of a live module against its relocated reference.
type HookScanner struct {
	minMatchRun int
}

// NewHookScanner returns a scanner that closes a patch after minMatchRun matching bytes.
func NewHookScanner(minMatchRun int) *HookScanner {
	if minMatchRun < 1 {
		minMatchRun = DefaultMinMatchRun
	}
	return &HookScanner{minMatchRun: minMatchRun}
}

type scanRegion struct {
	start, end uint32
}

// Scan compares the headers and every executable section. It returns Error
// without patches as soon as one live read fails.
func (s *HookScanner) Scan(r process.MemoryReader, base uint64, size uint32, ref *pe.ImageBuffer) (Status, PatchList) {
	work := ref.Clone()
	defer work.Release()

	limit := min(size, uint32(work.Size()))
	if limit == 0 {
		return Error, nil
	}

	var (
		regions []scanRegion
		iat     pe.DataDirectory
	)
	if work.IsValid() {
		if _, err := pe.Relocate(work, base); err != nil {
			return Error, nil
		}
		h, err := work.Headers()
		if err != nil {
			return Error, nil
		}
		regions = codeRegions(h, limit)
		iat = h.Directory(pe.DirectoryIAT)
	} else {
		regions = []scanRegion{{start: 0, end: limit}}
	}

	refData := work.Bytes()
	var patches PatchList
	for _, reg := range regions {
		live, err := r.ReadMemory(base+uint64(reg.start), int(reg.end-reg.start))
		if err != nil {
			return Error, nil
		}
		orig := refData[reg.start:reg.end]
		maskRange(orig, live, reg.start, iat)
		patches = append(patches, Diff(orig, live, uint64(reg.start), s.minMatchRun)...)
	}

	if len(patches) == 0 {
		return NotModified, nil
	}
	return Modified, patches
}

// codeRegions returns the header region and the executable sections, clamped
// to limit and sorted by start.
func codeRegions(h *pe.Headers, limit uint32) []scanRegion {
	var regions []scanRegion
	add := func(start, end uint32) {
		end = min(end, limit)
		if start >= end {
			return
		}
		if n := len(regions); n > 0 && start < regions[n-1].end {
			start = regions[n-1].end
			if start >= end {
				return
			}
		}
		regions = append(regions, scanRegion{start: start, end: end})
	}

	add(0, h.HeadersEnd())
	for _, sec := range sortedSections(h.Sections) {
		if sec.IsExecutable() {
			add(sec.VirtualAddress, sec.End())
		}
	}
	return regions
}

func sortedSections(sections []pe.Section) []pe.Section {
	out := slices.Clone(sections)
	slices.SortFunc(out, func(a, b pe.Section) int { return cmp.Compare(a.VirtualAddress, b.VirtualAddress) })
	return out
}

// maskRange copies live bytes over the reference where the region meets dir,
// so loader-written data is not reported.
func maskRange(ref, live []byte, regionStart uint32, dir pe.DataDirectory) {
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return
	}
	regionEnd := uint64(regionStart) + uint64(len(ref))
	start := max(uint64(dir.VirtualAddress), uint64(regionStart))
	end := min(uint64(dir.VirtualAddress)+uint64(dir.Size), regionEnd)
	if start >= end {
		return
	}
	from, to := start-uint64(regionStart), end-uint64(regionStart)
	copy(ref[from:to], live[from:to])
}
