package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZacharyZcR/HookScan/internal/imprec"
)

func TestRunRejectsBadPID(t *testing.T) {
	tests := []string{"", "abc", "-1", "0x1FFFFFFFF"}
	for _, arg := range tests {
		t.Run(arg, func(t *testing.T) {
			if _, err := run(arg); err == nil {
				t.Errorf("run(%q) succeeded, want error", arg)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookscan.toml")
	content := "delimiter = \",\"\nimport_mode = \"unfiltered\"\nmin_match_run = 8\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	*configPath = path
	t.Cleanup(func() { *configPath = "" })

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Delimiter != "," || cfg.ImportMode != imprec.ModeUnfiltered || cfg.MinMatchRun != 8 {
		t.Errorf("loadConfig() = %+v, want values from file", cfg)
	}

	// Explicit flags win over the file.
	if err := flag.Set("min-match", "5"); err != nil {
		t.Fatal(err)
	}
	if err := flag.Set("out", "scan_out"); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.MinMatchRun != 5 || cfg.OutputDir != "scan_out" || cfg.Delimiter != "," {
		t.Errorf("loadConfig() = %+v, want flags applied over file", cfg)
	}
}

func TestLoadConfigBadMode(t *testing.T) {
	if err := flag.Set("imp", "everything"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = flag.Set("imp", "auto") })

	if _, err := loadConfig(); err == nil {
		t.Error("loadConfig() succeeded with an unknown import mode")
	}
}
