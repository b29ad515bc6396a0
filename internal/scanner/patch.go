package scanner

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Status is the outcome of one scanner run on one module.
type Status int

const (
	// NotModified means no evidence of tampering was found.
	NotModified Status = iota
	// Modified means the scanner found tampering.
	Modified
	// Error means live memory needed by the scanner could not be read.
	Error
)

func (s Status) String() string {
	switch s {
	case NotModified:
		return "NOT_MODIFIED"
	case Modified:
		return "MODIFIED"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Patch is one contiguous range where live bytes differ from the reference.
type Patch struct {
	Offset   uint64 // Relative to the module base.
	Original []byte
	Current  []byte
}

// Len returns the number of bytes covered by the patch.
func (p Patch) Len() int {
	return len(p.Current)
}

// End returns the offset just past the patch.
func (p Patch) End() uint64 {
	return p.Offset + uint64(p.Len())
}

// PatchList holds patches in ascending, non-overlapping offset order.
type PatchList []Patch

// Report writes one record per patch: offset, length, original bytes and
// current bytes, separated by delim. It returns the number of records written.
func (l PatchList) Report(w io.Writer, delim string) (int, error) {
	bw := bufio.NewWriter(w)
	for _, p := range l {
		if _, err := fmt.Fprintf(bw, "0x%X%s%d%s%X%s%X\n", p.Offset, delim, p.Len(), delim, p.Original, delim, p.Current); err != nil {
			return 0, fmt.Errorf("写入补丁报告失败: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("写入补丁报告失败: %w", err)
	}
	return len(l), nil
}

// Diff compares ref and live over their common length. A patch starts at a
// differing byte and ends once minMatchRun consecutive bytes match again; the
// matching tail is not part of the patch. Offsets are reported relative to
// start.
func Diff(ref, live []byte, start uint64, minMatchRun int) PatchList {
	minMatchRun = max(minMatchRun, 1)
	n := min(len(ref), len(live))

	var list PatchList
	for i := 0; i < n; {
		if ref[i] == live[i] {
			i++
			continue
		}

		begin, last, matches := i, i, 0
		for i++; i < n && matches < minMatchRun; i++ {
			if ref[i] == live[i] {
				matches++
				continue
			}
			last, matches = i, 0
		}

		list = append(list, Patch{
			Offset:   start + uint64(begin),
			Original: bytes.Clone(ref[begin : last+1]),
			Current:  bytes.Clone(live[begin : last+1]),
		})
		i = last + 1
	}
	return list
}
