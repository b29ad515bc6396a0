package scanner

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ZacharyZcR/HookScan/internal/config"
	"github.com/ZacharyZcR/HookScan/internal/imprec"
	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/process"
)

// File suffixes next to a module dump.
const (
	ReportSuffix  = ".tag"
	IATListSuffix = ".iat.txt"
)

// DumpResult lists what a Dump wrote.
type DumpResult struct {
	Path        string
	ReportPath  string
	IATListPath string
	Imports     *imprec.Result
	ImportErr   error
}

// Dumper writes flagged module images and their reports into a session directory.
type Dumper struct {
	dir     string
	cfg     config.Config
	exports *imprec.ExportsMap
	log     Logger
}

// NewDumper returns a dumper writing into dir. exports may be nil when
// cfg.ImportMode is none.
func NewDumper(dir string, cfg config.Config, exports *imprec.ExportsMap, log Logger) *Dumper {
	if log == nil {
		log = NopLogger{}
	}
	return &Dumper{dir: dir, cfg: cfg, exports: exports, log: log}
}

// DumpName returns the file name of a module dump: hex base, dot, display name.
func DumpName(m process.Module) string {
	return fmt.Sprintf("%x.%s", m.Base, m.DisplayName())
}

// Dump reads the live image of m and writes it, together with the patch
// report when patches is non-empty.
func (d *Dumper) Dump(r process.MemoryReader, m process.Module, patches PatchList) (*DumpResult, error) {
	data, err := process.ReadImage(r, m.Base, m.Size)
	if err != nil {
		return nil, fmt.Errorf("转储模块 %s 失败: %w", m.DisplayName(), err)
	}
	img := pe.NewImageBuffer(data)
	defer img.Release()

	res := &DumpResult{Path: filepath.Join(d.dir, DumpName(m))}
	out := img
	if d.cfg.ImportMode != imprec.ModeNone {
		out = d.rebuildImports(img, res)
		if out != img {
			defer out.Release()
		}
	}

	if err := os.WriteFile(res.Path, out.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("写入转储文件失败: %w", err)
	}

	if len(patches) > 0 {
		var buf bytes.Buffer
		if _, err := patches.Report(&buf, d.cfg.Delimiter); err != nil {
			return res, err
		}
		res.ReportPath = res.Path + ReportSuffix
		if err := os.WriteFile(res.ReportPath, buf.Bytes(), 0o644); err != nil {
			res.ReportPath = ""
			return res, fmt.Errorf("写入补丁报告失败: %w", err)
		}
	}
	return res, nil
}

// rebuildImports runs the reconstructor over img. On failure img is returned
// unchanged and the error is kept in res.
func (d *Dumper) rebuildImports(img *pe.ImageBuffer, res *DumpResult) *pe.ImageBuffer {
	if !img.IsValid() {
		res.ImportErr = fmt.Errorf("%w: 转储镜像没有有效的PE头", imprec.ErrBounds)
		return img
	}

	rec := imprec.NewReconstructor(img, d.cfg.IAT)
	rebuilt, result, err := rec.Rebuild(d.exports, d.cfg.ImportMode)
	res.Imports = result

	if d.cfg.ListIATs {
		var buf bytes.Buffer
		if perr := rec.PrintFoundIATs(&buf); perr == nil {
			path := res.Path + IATListSuffix
			if werr := os.WriteFile(path, buf.Bytes(), 0o644); werr == nil {
				res.IATListPath = path
			} else {
				d.log.Warnf("写入IAT列表失败: %v", werr)
			}
		}
	}

	if err != nil {
		res.ImportErr = err
		return img
	}
	if result.Status == imprec.StatusRebuilt {
		if err := pe.UpdateChecksum(rebuilt); err != nil {
			d.log.Warnf("更新校验和失败: %v", err)
		} else if sum, err := pe.VerifyChecksum(rebuilt.Bytes()); err == nil && !sum.Valid {
			d.log.Warnf("校验和不一致: 存储 0x%08X, 计算 0x%08X", sum.Stored, sum.Computed)
		}
	}
	return rebuilt
}
