package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.stackvm.dev/stackvm/internal/engineconfig"
	"go.stackvm.dev/stackvm/internal/logging"
)

// engineFlags holds the flag values shared by compile, run and disasm: GC sizing,
// lazy JIT, debug printing, and verbosity, mirroring the knobs
// engineconfig.Config exposes (spec.md §4 ambient config surface).
type engineFlags struct {
	lazy             bool
	youngSize        int
	oldSize          int
	callStackSize    int
	windows          bool
	debugPrint       bool
	printAllocations bool
	verbose          bool
}

func (f *engineFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.lazy, "lazy", false, "compile functions on first call instead of ahead of time")
	cmd.Flags().IntVar(&f.youngSize, "young-heap", 0, "young generation size in bytes (0 selects the default)")
	cmd.Flags().IntVar(&f.oldSize, "old-heap", 0, "old generation size in bytes (0 selects the default)")
	cmd.Flags().IntVar(&f.callStackSize, "call-stack-depth", 4096, "maximum call-stack depth")
	cmd.Flags().BoolVar(&f.windows, "windows-abi", false, "use the Windows x64 calling convention instead of POSIX")
	cmd.Flags().BoolVar(&f.debugPrint, "debug-print", false, "emit a stack-frame dump at every return")
	cmd.Flags().BoolVar(&f.printAllocations, "print-allocations", false, "log one line per heap allocation")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "enable development-mode (human-readable) logging")
}

func (f *engineFlags) config() engineconfig.Config {
	cfg := engineconfig.Default(f.windows)
	cfg.LazyJIT = f.lazy
	cfg.EnableDebugPrint = f.debugPrint
	cfg.PrintAllocations = f.printAllocations
	if f.youngSize > 0 {
		cfg.GC.YoungSize = f.youngSize
	}
	if f.oldSize > 0 {
		cfg.GC.OldSize = f.oldSize
	}
	return cfg
}

func (f *engineFlags) logger() *zap.Logger {
	return logging.New(f.verbose).Desugar()
}

func readSource(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}
