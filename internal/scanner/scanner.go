// Package scanner classifies the modules of a live process as unmodified,
// hooked, hollowed or suspicious, and dumps the flagged ones.
package scanner

import (
	"errors"
	"fmt"
	"os"

	"github.com/ZacharyZcR/HookScan/internal/config"
	"github.com/ZacharyZcR/HookScan/internal/imprec"
	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/process"
)

// Verdict is the final classification of one module.
type Verdict int

const (
	VerdictUnmodified Verdict = iota
	VerdictHooked
	VerdictHollowed
	VerdictSuspicious
)

func (v Verdict) String() string {
	switch v {
	case VerdictUnmodified:
		return "unmodified"
	case VerdictHooked:
		return "hooked"
	case VerdictHollowed:
		return "hollowed"
	case VerdictSuspicious:
		return "suspicious"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// ModuleResult is the outcome for one module.
type ModuleResult struct {
	Module     process.Module
	Verdict    Verdict
	ReadError  bool
	Patches    int
	Mismatches []pe.Mismatch
	Reason     string
	Dump       *DumpResult
}

// Summary aggregates a whole scan.
type Summary struct {
	PID        uint32
	OutputDir  string
	Scanned    int
	Hooked     int
	Hollowed   int
	Suspicious int
	Unmodified int
	Errors     int
	Modules    []ModuleResult
}

// TotalModified returns the number of flagged modules.
func (s *Summary) TotalModified() int {
	return s.Hooked + s.Hollowed + s.Suspicious
}

// Verify checks that every scanned module received exactly one verdict.
func (s *Summary) Verify() error {
	if got := s.Hooked + s.Hollowed + s.Suspicious + s.Unmodified; got != s.Scanned {
		return fmt.Errorf("统计不一致: %d 个结论, 扫描了 %d 个模块", got, s.Scanned)
	}
	return nil
}

func (s *Summary) add(res ModuleResult) {
	s.Scanned++
	switch res.Verdict {
	case VerdictHooked:
		s.Hooked++
	case VerdictHollowed:
		s.Hollowed++
	case VerdictSuspicious:
		s.Suspicious++
	default:
		s.Unmodified++
	}
	if res.ReadError {
		s.Errors++
	}
	s.Modules = append(s.Modules, res)
}

// ReferenceLoader loads the on-disk image of a module.
type ReferenceLoader func(path string) (*pe.ImageBuffer, error)

// Option customises a Scanner.
type Option func(*Scanner)

// WithReferenceLoader replaces pe.LoadImage.
func WithReferenceLoader(load ReferenceLoader) Option {
	return func(s *Scanner) { s.loadReference = load }
}

// WithLogger sets the progress logger.
func WithLogger(log Logger) Option {
	return func(s *Scanner) { s.log = log }
}

// WithExportsMap supplies a prebuilt export map instead of indexing the target.
func WithExportsMap(exports *imprec.ExportsMap) Option {
	return func(s *Scanner) { s.exports = exports }
}

// Scanner drives the per-module pipeline over one process.
type Scanner struct {
	cfg           config.Config
	proc          process.Process
	loadReference ReferenceLoader
	log           Logger
	exports       *imprec.ExportsMap
	hollowing     HollowingScanner
	hooks         *HookScanner
}

// New returns a scanner over proc. proc stays owned by the caller.
func New(cfg config.Config, proc process.Process, opts ...Option) *Scanner {
	s := &Scanner{
		cfg:           cfg,
		proc:          proc,
		loadReference: pe.LoadImage,
		log:           NopLogger{},
		hooks:         NewHookScanner(cfg.MinMatchRun),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run scans every module in enumeration order. Only failures to enumerate
// the process or to build the export map abort the run.
func (s *Scanner) Run() (*Summary, error) {
	modules, err := s.proc.Modules()
	if err != nil {
		return nil, fmt.Errorf("枚举模块失败: %w", err)
	}
	s.log.Infof("进程 %d: %d 个模块", s.proc.PID(), len(modules))

	summary := &Summary{PID: s.proc.PID()}
	var dumper *Dumper
	if !s.cfg.NoDump {
		if s.cfg.ImportMode != imprec.ModeNone && s.exports == nil {
			exports, err := imprec.BuildExportsMap(s.proc, modules)
			if err != nil {
				return nil, err
			}
			s.exports = exports
			s.log.Infof("导出表: %d 个模块, %d 个地址", len(exports.Modules()), exports.Len())
		}
		summary.OutputDir = s.prepareOutputDir()
		dumper = NewDumper(summary.OutputDir, s.cfg, s.exports, s.log)
	}

	for _, m := range modules {
		res, patches := s.scanModule(m)
		if res.Verdict != VerdictUnmodified && dumper != nil {
			s.dump(dumper, &res, patches)
		}
		s.report(res)
		summary.add(res)
	}

	if err := summary.Verify(); err != nil {
		return summary, err
	}
	return summary, nil
}

// prepareOutputDir creates the session directory, falling back to the
// working directory when it cannot be created.
func (s *Scanner) prepareOutputDir() string {
	dir := s.cfg.SessionDir(s.proc.PID())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warnf("无法创建输出目录 %s, 使用当前目录: %v", dir, err)
		return ""
	}
	return dir
}

// scanModule runs the hollowing check and, when it passes, the hook scan.
// The patch list is only returned for hooked modules.
func (s *Scanner) scanModule(m process.Module) (ModuleResult, PatchList) {
	res := ModuleResult{Module: m, Verdict: VerdictUnmodified}
	if s.cfg.Verbose {
		s.log.Infof("扫描 %s (0x%X, %d 字节)", m.DisplayName(), m.Base, m.Size)
	}

	ref, err := s.reference(m)
	if err != nil {
		res.Verdict = VerdictSuspicious
		res.Reason = err.Error()
		return res, nil
	}
	defer ref.Release()

	status, mismatches := s.hollowing.Compare(s.proc, m.Base, m.Size, ref)
	switch status {
	case Error:
		res.ReadError = true
		res.Reason = "无法读取模块头"
	case Modified:
		res.Verdict = VerdictHollowed
		res.Mismatches = mismatches
	case NotModified:
		hookStatus, patches := s.hooks.Scan(s.proc, m.Base, m.Size, ref)
		switch hookStatus {
		case Error:
			res.ReadError = true
			res.Reason = "无法读取模块代码"
		case Modified:
			res.Verdict = VerdictHooked
			res.Patches = len(patches)
			return res, patches
		}
	}
	return res, nil
}

func (s *Scanner) reference(m process.Module) (*pe.ImageBuffer, error) {
	if m.Path == "" {
		return nil, fmt.Errorf("%w: 无法解析模块路径", pe.ErrReferenceLoad)
	}
	ref, err := s.loadReference(m.Path)
	if err != nil {
		if !errors.Is(err, pe.ErrReferenceLoad) {
			err = fmt.Errorf("%w: %w", pe.ErrReferenceLoad, err)
		}
		return nil, err
	}
	return ref, nil
}

func (s *Scanner) dump(dumper *Dumper, res *ModuleResult, patches PatchList) {
	d, err := dumper.Dump(s.proc, res.Module, patches)
	res.Dump = d
	if err != nil {
		s.log.Errorf("%v", err)
		return
	}
	switch {
	case d.ImportErr != nil:
		s.log.Warnf("%s: 导入表重建失败, 写入原始镜像: %v", res.Module.DisplayName(), d.ImportErr)
	case d.Imports != nil && d.Imports.Status == imprec.StatusRebuilt:
		s.log.Successf("%s: 已重建导入表 (%d 个DLL, %d 个函数)", res.Module.DisplayName(), d.Imports.Descriptors, d.Imports.Thunks)
	}
}

func (s *Scanner) report(res ModuleResult) {
	name := res.Module.DisplayName()
	switch res.Verdict {
	case VerdictHooked:
		s.log.Warnf("[hooked] %s: %d 处补丁", name, res.Patches)
	case VerdictHollowed:
		s.log.Errorf("[hollowed] %s: %d 个标识字段不一致", name, len(res.Mismatches))
	case VerdictSuspicious:
		s.log.Warnf("[suspicious] %s: %s", name, res.Reason)
	default:
		if res.ReadError {
			s.log.Errorf("[error] %s: %s", name, res.Reason)
		}
	}
}
