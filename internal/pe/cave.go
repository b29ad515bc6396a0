package pe

import (
	"slices"
	"sort"
)

// CodeCave is a zero-filled gap of a virtual-layout image that belongs to no
// section, no header and no data directory.
type CodeCave struct {
	After string // Name of the preceding section, empty for the header gap.
	RVA   uint32 // Relative Virtual Address.
	Size  uint32 // Available size in bytes.
}

type span struct {
	start, end uint64
	name       string
}

// FindCodeCaves lists zero-filled gaps of at least minSize bytes. Directories
// listed in skipDirs are not treated as occupied.
func FindCodeCaves(data []byte, h *Headers, minSize uint32, skipDirs ...int) []CodeCave {
	occupied := occupiedSpans(h, skipDirs)

	var caves []CodeCave
	cursor := uint64(0)
	after := ""
	limit := uint64(len(data))
	for _, sp := range occupied {
		if sp.start > cursor {
			caves = append(caves, zeroRuns(data, cursor, min(sp.start, limit), minSize, after)...)
		}
		if sp.end > cursor {
			cursor = sp.end
			if sp.name != "" {
				after = sp.name
			}
		}
	}
	if cursor < limit {
		caves = append(caves, zeroRuns(data, cursor, limit, minSize, after)...)
	}
	return caves
}

// FindFreeSpace returns the first aligned RVA where size zero bytes fit in a cave.
func FindFreeSpace(data []byte, h *Headers, size, align uint32, skipDirs ...int) (uint32, bool) {
	for _, cave := range FindCodeCaves(data, h, size, skipDirs...) {
		start := alignUp(cave.RVA, align)
		if uint64(start)+uint64(size) <= uint64(cave.RVA)+uint64(cave.Size) {
			return start, true
		}
	}
	return 0, false
}

// Overlaps reports whether [rva, rva+size) intersects a header, a section or a
// data directory other than the skipped ones.
func Overlaps(h *Headers, rva, size uint32, skipDirs ...int) bool {
	start, end := uint64(rva), uint64(rva)+uint64(size)
	for _, sp := range occupiedSpans(h, skipDirs) {
		if start < sp.end && sp.start < end {
			return true
		}
	}
	return false
}

func occupiedSpans(h *Headers, skipDirs []int) []span {
	spans := []span{{start: 0, end: uint64(h.HeadersEnd())}}
	for _, s := range h.Sections {
		spans = append(spans, span{start: uint64(s.VirtualAddress), end: uint64(s.End()), name: s.Name})
	}
	for i, d := range h.Directories {
		if d.VirtualAddress == 0 || d.Size == 0 || slices.Contains(skipDirs, i) {
			continue
		}
		spans = append(spans, span{start: uint64(d.VirtualAddress), end: uint64(d.VirtualAddress) + uint64(d.Size)})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	return spans
}

// zeroRuns scans [start, end) for consecutive zero bytes.
func zeroRuns(data []byte, start, end uint64, minSize uint32, after string) []CodeCave {
	var caves []CodeCave
	caveStart := int64(-1)

	for i := start; i < end; i++ {
		if data[i] == 0x00 {
			if caveStart == -1 {
				caveStart = int64(i)
			}
			continue
		}
		// Non-fill byte, end current cave if exists.
		if caveStart != -1 && uint64(int64(i)-caveStart) >= uint64(minSize) {
			caves = append(caves, CodeCave{After: after, RVA: uint32(caveStart), Size: uint32(int64(i) - caveStart)})
		}
		caveStart = -1
	}

	// Handle cave extending to end of the gap.
	if caveStart != -1 && uint64(int64(end)-caveStart) >= uint64(minSize) {
		caves = append(caves, CodeCave{After: after, RVA: uint32(caveStart), Size: uint32(int64(end) - caveStart)})
	}
	return caves
}
