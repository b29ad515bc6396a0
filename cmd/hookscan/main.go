// Package main provides the HookScan CLI tool.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"

	"github.com/ZacharyZcR/HookScan/internal/cli"
	"github.com/ZacharyZcR/HookScan/internal/config"
	"github.com/ZacharyZcR/HookScan/internal/imprec"
	"github.com/ZacharyZcR/HookScan/internal/process"
	"github.com/ZacharyZcR/HookScan/internal/scanner"
)

// exitFatal is returned when the scan could not run at all.
const exitFatal = 255

var (
	configPath = flag.String("config", "", "TOML配置文件路径")
	outputDir  = flag.String("out", "", "输出目录（默认: process_<pid>）")
	importMode = flag.String("imp", "", "导入表重建模式: none, unfiltered, auto")
	delimiter  = flag.String("delim", "", "补丁报告字段分隔符（默认: ;）")
	minMatch   = flag.Int("min-match", 0, "结束一个补丁所需的连续相同字节数（默认: 3）")
	noDump     = flag.Bool("no-dump", false, "不写入任何文件")
	listIATs   = flag.Bool("list-iats", false, "在转储旁写入发现的IAT列表")
	verbose    = flag.Bool("v", false, "详细模式：显示所有模块")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() != 1 {
		printUsage()
		os.Exit(exitFatal)
	}

	code, err := run(flag.Arg(0))
	if err != nil {
		red := color.New(color.FgRed, color.Bold)
		_, _ = red.Fprintf(os.Stderr, "\n错误: %v\n\n", err)
		os.Exit(exitFatal)
	}
	os.Exit(code)
}

func run(pidArg string) (int, error) {
	pid, err := strconv.ParseUint(pidArg, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("无效的进程ID: %s", pidArg)
	}

	cfg, err := loadConfig()
	if err != nil {
		return 0, err
	}

	proc, err := process.Open(uint32(pid))
	if err != nil {
		return 0, err
	}
	defer func() { _ = proc.Close() }()

	log := cli.NewConsoleLogger(nil)
	summary, err := scanner.New(cfg, proc, scanner.WithLogger(log)).Run()
	if err != nil {
		return 0, err
	}

	reporter := cli.NewReporter(summary)
	reporter.SetVerbose(cfg.Verbose)
	reporter.Print()
	return cli.ExitCode(summary), nil
}

// loadConfig reads the optional config file and applies explicitly set flags over it.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}

	var ferr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.OutputDir = *outputDir
		case "imp":
			mode, err := imprec.ParseMode(*importMode)
			if err != nil {
				ferr = err
				return
			}
			cfg.ImportMode = mode
		case "delim":
			cfg.Delimiter = *delimiter
		case "min-match":
			cfg.MinMatchRun = *minMatch
		case "no-dump":
			cfg.NoDump = *noDump
		case "list-iats":
			cfg.ListIATs = *listIATs
		case "v":
			cfg.Verbose = *verbose
		}
	})
	if ferr != nil {
		return config.Config{}, ferr
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func printUsage() {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintln(os.Stderr, "HookScan - 进程模块挂钩/替换扫描与转储工具")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "用法:")
	fmt.Fprintln(os.Stderr, "  hookscan [选项] <pid>")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "选项:")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "示例:")
	fmt.Fprintln(os.Stderr, "  hookscan 1234")
	fmt.Fprintln(os.Stderr, "  hookscan -imp unfiltered -list-iats -out scan_1234 1234")
	fmt.Fprintln(os.Stderr, "  hookscan -config hookscan.toml -no-dump 0x4D2")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "退出码: 被修改的模块数（最大254），255 表示致命错误")
}
