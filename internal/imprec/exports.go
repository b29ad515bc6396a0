package imprec

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/ZacharyZcR/HookScan/internal/pe"
	"github.com/ZacharyZcR/HookScan/internal/process"
)

// ExportedFunc identifies one export of a loaded module.
type ExportedFunc struct {
	Module  string // Lower-case module file name, e.g. "kernel32.dll".
	Name    string // Empty for ordinal-only exports.
	Ordinal uint16
}

func (f ExportedFunc) String() string {
	if f.Name != "" {
		return f.Module + "!" + f.Name
	}
	return fmt.Sprintf("%s!#%d", f.Module, f.Ordinal)
}

// ExportsMap resolves absolute addresses to the exports living there. It is
// read-only once built and may be shared by any number of reconstructions.
type ExportsMap struct {
	byVA    map[uint64][]ExportedFunc
	modules []string
}

// Find returns every export at va.
func (m *ExportsMap) Find(va uint64) ([]ExportedFunc, bool) {
	if m == nil || va == 0 {
		return nil, false
	}
	funcs, ok := m.byVA[va]
	return funcs, ok
}

// Len returns the number of distinct addresses.
func (m *ExportsMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.byVA)
}

// Modules returns the sorted names of the indexed modules.
func (m *ExportsMap) Modules() []string {
	if m == nil {
		return nil
	}
	return slices.Clone(m.modules)
}

// ExportsMapBuilder accumulates exports before freezing them into an ExportsMap.
type ExportsMapBuilder struct {
	byVA    map[uint64][]ExportedFunc
	modules map[string]struct{}
}

// NewExportsMapBuilder returns an empty builder.
func NewExportsMapBuilder() *ExportsMapBuilder {
	return &ExportsMapBuilder{
		byVA:    make(map[uint64][]ExportedFunc),
		modules: make(map[string]struct{}),
	}
}

// Add registers fn at va. Duplicate entries are ignored.
func (b *ExportsMapBuilder) Add(va uint64, fn ExportedFunc) {
	fn.Module = strings.ToLower(fn.Module)
	b.modules[fn.Module] = struct{}{}
	if slices.Contains(b.byVA[va], fn) {
		return
	}
	b.byVA[va] = append(b.byVA[va], fn)
}

// AddModule registers the exports of a module mapped at base.
func (b *ExportsMapBuilder) AddModule(module string, base uint64, exports []pe.Export) {
	for _, e := range exports {
		b.Add(base+uint64(e.RVA), ExportedFunc{Module: module, Name: e.Name, Ordinal: e.Ordinal})
	}
}

// Build freezes the accumulated exports. The builder must not be used afterwards.
func (b *ExportsMapBuilder) Build() *ExportsMap {
	modules := lo.Keys(b.modules)
	slices.Sort(modules)
	m := &ExportsMap{byVA: b.byVA, modules: modules}
	b.byVA, b.modules = nil, nil
	return m
}

// BuildExportsMap indexes the exports of every module currently loaded in the
// target. Modules that cannot be read or parsed are skipped; the map is only
// rejected when nothing could be indexed.
func BuildExportsMap(r process.MemoryReader, modules []process.Module) (*ExportsMap, error) {
	b := NewExportsMapBuilder()
	indexed := 0
	for _, m := range modules {
		data, err := process.ReadImage(r, m.Base, m.Size)
		if err != nil {
			continue
		}
		img := pe.NewImageBuffer(data)
		if !img.IsValid() {
			continue
		}
		exports, err := pe.ListExports(img)
		img.Release()
		if err != nil || len(exports) == 0 {
			continue
		}
		b.AddModule(m.DisplayName(), m.Base, exports)
		indexed++
	}
	if indexed == 0 {
		return nil, fmt.Errorf("构建导出表失败: %d 个模块中没有可用的导出", len(modules))
	}
	return b.Build(), nil
}
