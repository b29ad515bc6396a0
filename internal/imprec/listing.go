package imprec

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
)

// PrintFoundIATs writes every discovered IAT block and its resolved slots to w,
// whether or not the block was committed.
func (r *Reconstructor) PrintFoundIATs(w io.Writer) error {
	blocks := r.Blocks()
	h, err := r.img.Headers()
	if err != nil {
		return fmt.Errorf("列出IAT失败: %w", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"IAT", "Slot", "Address", "Import"})

	for i, b := range blocks {
		if i > 0 {
			t.AppendSeparator()
		}
		status := "rejected"
		if b.Accepted {
			status = "accepted"
		}
		location := fmt.Sprintf("0x%X", b.Offset)
		if sec, ok := h.SectionAt(b.Offset); ok {
			location += " (" + sec.Name + ")"
		}
		t.AppendRow(table.Row{
			location,
			"",
			"",
			fmt.Sprintf("%d/%d resolved, terminated=%t, %s", b.Resolved(), len(b.Thunks), b.Terminated, status),
		})
		for _, th := range b.Thunks {
			if th.IsNull() {
				t.AppendRow(table.Row{"", fmt.Sprintf("0x%X", th.Offset), "-", "(null)"})
				continue
			}
			names := lo.Map(th.Funcs, func(f ExportedFunc, _ int) string { return f.String() })
			t.AppendRow(table.Row{"", fmt.Sprintf("0x%X", th.Offset), fmt.Sprintf("0x%X", th.VA), strings.Join(names, ", ")})
		}
	}
	t.AppendFooter(table.Row{"", "", "Blocks", len(blocks)})
	t.Render()
	return nil
}
