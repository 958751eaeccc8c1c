package main

import (
	"os"
	"path/filepath"
	"testing"

	"go.stackvm.dev/stackvm/internal/engineconfig"
)

func TestConfigAppliesOverridesOverDefaults(t *testing.T) {
	f := &engineFlags{lazy: true, windows: true, debugPrint: true, printAllocations: true, youngSize: 1024, oldSize: 2048}
	cfg := f.config()
	if !cfg.LazyJIT || !cfg.EnableDebugPrint || !cfg.PrintAllocations {
		t.Fatalf("config() = %+v, want every opt-in flag carried through", cfg)
	}
	if cfg.CallingConvention != engineconfig.ABIWindows {
		t.Fatalf("config().CallingConvention = %v, want ABIWindows", cfg.CallingConvention)
	}
	if cfg.GC.YoungSize != 1024 || cfg.GC.OldSize != 2048 {
		t.Fatalf("config().GC = %+v, want the overridden sizes", cfg.GC)
	}
}

func TestConfigZeroHeapSizesKeepDefaults(t *testing.T) {
	f := &engineFlags{}
	cfg := f.config()
	want := engineconfig.DefaultGCConfig()
	if cfg.GC.YoungSize != want.YoungSize || cfg.GC.OldSize != want.OldSize {
		t.Fatalf("config().GC = %+v, want the defaults %+v when sizes are unset", cfg.GC, want)
	}
}

func TestLoggerDesugarsToZapLogger(t *testing.T) {
	f := &engineFlags{verbose: false}
	if f.logger() == nil {
		t.Fatalf("logger() returned nil")
	}
}

func TestReadSourceFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prog.asm")
	if err := os.WriteFile(path, []byte("func main() Void { .locals 0 ret }"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := readSource(path)
	if err != nil {
		t.Fatalf("readSource: %v", err)
	}
	if got != "func main() Void { .locals 0 ret }" {
		t.Fatalf("readSource() = %q", got)
	}
}

func TestReadSourceMissingFileErrors(t *testing.T) {
	if _, err := readSource(filepath.Join(t.TempDir(), "missing.asm")); err == nil {
		t.Fatalf("expected an error reading a nonexistent file")
	}
}
