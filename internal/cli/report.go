// Package cli provides command-line interface utilities.
package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"

	"github.com/ZacharyZcR/HookScan/internal/imprec"
	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/scanner"
)

// MaxExitCode caps the modified-module count used as process exit code.
// 255 is reserved for fatal errors.
const MaxExitCode = 254

// ExitCode returns the exit status for a finished scan.
func ExitCode(s *scanner.Summary) int {
	return min(s.TotalModified(), MaxExitCode)
}

// Reporter formats and prints scan results.
type Reporter struct {
	summary *scanner.Summary
	w       io.Writer
	verbose bool
}

// NewReporter creates a new reporter for the given summary.
func NewReporter(summary *scanner.Summary) *Reporter {
	return &Reporter{summary: summary, w: color.Output}
}

// SetVerbose lists every module instead of only the flagged ones.
func (r *Reporter) SetVerbose(verbose bool) {
	r.verbose = verbose
}

// SetOutput redirects the report.
func (r *Reporter) SetOutput(w io.Writer) {
	r.w = w
}

// Print outputs the complete scan report.
func (r *Reporter) Print() {
	r.printHeader()
	r.printCounts()
	r.printModules()
	r.printOutput()
}

func (r *Reporter) printHeader() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintln(r.w, "\n╔════════════════════════════════════════╗")
	_, _ = cyan.Fprintln(r.w, "║          HookScan 扫描报告             ║")
	_, _ = cyan.Fprintln(r.w, "╚════════════════════════════════════════╝")
}

func (r *Reporter) printCounts() {
	s := r.summary
	yellow := color.New(color.FgYellow, color.Bold)
	_, _ = yellow.Fprintln(r.w, "\n【扫描统计】")

	fmt.Fprintf(r.w, "  %-20s: %d\n", "进程ID", s.PID)
	fmt.Fprintf(r.w, "  %-20s: %d\n", "已扫描模块", s.Scanned)
	r.printCount("已挂钩 (hooked)", s.Hooked, color.FgYellow)
	r.printCount("已替换 (hollowed)", s.Hollowed, color.FgRed)
	r.printCount("可疑 (suspicious)", s.Suspicious, color.FgMagenta)
	fmt.Fprintf(r.w, "  %-20s: %d\n", "未修改", s.Unmodified)
	r.printCount("读取错误", s.Errors, color.FgHiBlack)

	patches := lo.SumBy(s.Modules, func(m scanner.ModuleResult) int { return m.Patches })
	fmt.Fprintf(r.w, "  %-20s: %s\n", "补丁总数", humanize.Comma(int64(patches)))

	fmt.Fprintf(r.w, "  %-20s: ", "结论")
	if total := s.TotalModified(); total == 0 {
		_, _ = color.New(color.FgGreen).Fprintln(r.w, "✓ 未发现修改")
	} else {
		_, _ = color.New(color.FgRed, color.Bold).Fprintf(r.w, "✗ %d 个模块被修改\n", total)
	}
}

func (r *Reporter) printCount(label string, n int, attr color.Attribute) {
	fmt.Fprintf(r.w, "  %-20s: ", label)
	if n == 0 {
		fmt.Fprintln(r.w, 0)
		return
	}
	_, _ = color.New(attr, color.Bold).Fprintln(r.w, n)
}

func (r *Reporter) printModules() {
	modules := r.summary.Modules
	if !r.verbose {
		modules = lo.Filter(modules, func(m scanner.ModuleResult, _ int) bool {
			return m.Verdict != scanner.VerdictUnmodified || m.ReadError
		})
	}

	yellow := color.New(color.FgYellow, color.Bold)
	if r.verbose {
		_, _ = yellow.Fprintf(r.w, "\n【模块列表】(共 %d 个)\n", len(modules))
	} else {
		_, _ = yellow.Fprintf(r.w, "\n【异常模块】(共 %d 个)\n", len(modules))
	}

	if len(modules) == 0 {
		fmt.Fprintln(r.w, "  未发现异常模块")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "基址", "大小", "模块", "结论", "详情", "转储"})
	for i, m := range modules {
		t.AppendRow(table.Row{
			i + 1,
			fmt.Sprintf("0x%X", m.Module.Base),
			humanize.IBytes(uint64(m.Module.Size)),
			m.Module.DisplayName(),
			verdictLabel(m),
			details(m),
			dumpLabel(m.Dump),
		})
	}
	t.Render()
}

func verdictLabel(m scanner.ModuleResult) string {
	if m.ReadError {
		return "error"
	}
	return m.Verdict.String()
}

func details(m scanner.ModuleResult) string {
	switch {
	case m.Verdict == scanner.VerdictHooked:
		return fmt.Sprintf("%d 处补丁", m.Patches)
	case m.Verdict == scanner.VerdictHollowed:
		return mismatchSummary(m.Mismatches)
	default:
		return m.Reason
	}
}

func mismatchSummary(mismatches []pe.Mismatch) string {
	const maxFields = 3
	names := lo.Map(mismatches, func(mm pe.Mismatch, _ int) string { return mm.Field })
	if len(names) > maxFields {
		return fmt.Sprintf("%s 等 %d 项", strings.Join(names[:maxFields], ", "), len(names))
	}
	return strings.Join(names, ", ")
}

func dumpLabel(d *scanner.DumpResult) string {
	if d == nil || d.Path == "" {
		return "-"
	}
	label := filepath.Base(d.Path)
	if d.ReportPath != "" {
		label += " (+tag)"
	}
	if d.Imports != nil && d.Imports.Status == imprec.StatusRebuilt {
		label += " (+imports)"
	}
	return label
}

func (r *Reporter) printOutput() {
	s := r.summary
	dumps := lo.Filter(s.Modules, func(m scanner.ModuleResult, _ int) bool {
		return m.Dump != nil && m.Dump.Path != ""
	})
	if len(dumps) == 0 {
		fmt.Fprintln(r.w)
		return
	}

	dir := s.OutputDir
	if dir == "" {
		dir = "."
	}
	green := color.New(color.FgGreen)
	_, _ = green.Fprintf(r.w, "\n✓ 已转储 %d 个模块到 %s\n\n", len(dumps), dir)
}
