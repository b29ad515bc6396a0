// Package imprec rebuilds the import directory of dumped module images by
// resolving the pointers they hold against the exports of loaded modules.
package imprec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllocation is returned when the new import table cannot be placed.
	ErrAllocation = errors.New("导入表空间分配失败")
	// ErrBounds is returned when a table range leaves the image or collides with it.
	ErrBounds = errors.New("导入表越界")
	// ErrNoImports is returned when no IAT candidate survived filtering.
	ErrNoImports = errors.New("未发现可用的导入地址表")
)

// Mode selects how strictly discovered IAT candidates are filtered.
type Mode int

const (
	// ModeNone skips reconstruction.
	ModeNone Mode = iota
	// ModeUnfiltered accepts every discovered candidate.
	ModeUnfiltered
	// ModeAuto keeps a valid existing directory, else applies Policy thresholds.
	ModeAuto
)

var modeNames = map[Mode]string{
	ModeNone:       "none",
	ModeUnfiltered: "unfiltered",
	ModeAuto:       "auto",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("未知的导入重建模式: %q (可选: none, unfiltered, auto)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Policy holds the thresholds that separate real IATs from coincidental
// pointer-looking values.
type Policy struct {
	// MinThunks is the minimum number of resolved slots in an accepted block.
	MinThunks int `toml:"min_thunks"`
	// MinCoverage is the resolved/spanned ratio a block must exceed. A block
	// with n resolved slots spans at most n+(n-1)*MaxNullGap slots, so with
	// MaxNullGap=1 its density is always above 0.5 and the default never
	// rejects. The threshold takes effect once MaxNullGap > 1 or MinCoverage
	// is raised.
	MinCoverage float64 `toml:"min_coverage"`
	// MaxNullGap is the number of consecutive null slots a block may bridge.
	MaxNullGap int `toml:"max_null_gap"`
	// MaxTableSize caps the size of the fabricated import table.
	MaxTableSize uint32 `toml:"max_table_size"`
	// ExtendImage allows growing the image when no gap is large enough.
	ExtendImage bool `toml:"extend_image"`
}

// DefaultPolicy returns the thresholds used by the CLI.
func DefaultPolicy() Policy {
	return Policy{
		MinThunks:    2,
		MinCoverage:  0.5,
		MaxNullGap:   1,
		MaxTableSize: 1 << 20,
		ExtendImage:  true,
	}
}

// Validate checks the policy ranges.
func (p Policy) Validate() error {
	switch {
	case p.MinThunks < 1:
		return fmt.Errorf("min_thunks 必须 >= 1 (当前 %d)", p.MinThunks)
	case p.MinCoverage < 0 || p.MinCoverage >= 1:
		return fmt.Errorf("min_coverage 必须在 [0, 1) 之间 (当前 %g)", p.MinCoverage)
	case p.MaxNullGap < 0:
		return fmt.Errorf("max_null_gap 不能为负数 (当前 %d)", p.MaxNullGap)
	case p.MaxTableSize == 0:
		return fmt.Errorf("max_table_size 不能为0")
	}
	return nil
}
