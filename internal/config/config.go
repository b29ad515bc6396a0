// Package config holds the tunables of a scan session.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/ZacharyZcR/HookScan/internal/imprec"
)

// Config is the full set of scan options. Zero values are not meaningful;
// start from Default.
type Config struct {
	// OutputDir is the session directory; empty means "process_<pid>".
	OutputDir string `toml:"output_dir"`
	// Delimiter separates the fields of patch report records.
	Delimiter string `toml:"delimiter"`
	// MinMatchRun is the number of matching bytes that ends a patch.
	MinMatchRun int `toml:"min_match_run"`
	// ImportMode selects import table reconstruction for dumps.
	ImportMode imprec.Mode `toml:"import_mode"`
	// IAT holds the IAT acceptance thresholds.
	IAT imprec.Policy `toml:"iat"`
	// NoDump disables every file output.
	NoDump bool `toml:"no_dump"`
	// ListIATs writes the discovered IAT listing next to each dump.
	ListIATs bool `toml:"list_iats"`
	// Verbose logs every module, not only flagged ones.
	Verbose bool `toml:"verbose"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Delimiter:   ";",
		MinMatchRun: 3,
		ImportMode:  imprec.ModeAuto,
		IAT:         imprec.DefaultPolicy(),
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("配置文件包含未知字段: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Delimiter == "" {
		return fmt.Errorf("分隔符不能为空")
	}
	if c.MinMatchRun < 1 {
		return fmt.Errorf("min_match_run 必须 >= 1 (当前 %d)", c.MinMatchRun)
	}
	switch c.ImportMode {
	case imprec.ModeNone, imprec.ModeUnfiltered, imprec.ModeAuto:
	default:
		return fmt.Errorf("未知的导入重建模式: %v", c.ImportMode)
	}
	if err := c.IAT.Validate(); err != nil {
		return fmt.Errorf("IAT 策略无效: %w", err)
	}
	return nil
}

// SessionDir returns the output directory for pid.
func (c Config) SessionDir(pid uint32) string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return fmt.Sprintf("process_%d", pid)
}
