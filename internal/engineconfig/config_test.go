package engineconfig

import "testing"

func TestDefaultGCConfigValues(t *testing.T) {
	gc := DefaultGCConfig()
	if gc.YoungSize != 4<<20 || gc.OldSize != 32<<20 {
		t.Fatalf("GCConfig sizes = %+v, want young 4MiB, old 32MiB", gc)
	}
	if gc.CardSize != 512 || gc.PromotionAge != 3 {
		t.Fatalf("GCConfig = %+v, want CardSize 512, PromotionAge 3", gc)
	}
}

func TestDefaultSelectsABIByPlatform(t *testing.T) {
	if got := Default(false); got.CallingConvention != ABIPosix {
		t.Fatalf("Default(false).CallingConvention = %v, want ABIPosix", got.CallingConvention)
	}
	if got := Default(true); got.CallingConvention != ABIWindows {
		t.Fatalf("Default(true).CallingConvention = %v, want ABIWindows", got.CallingConvention)
	}
}

func TestDefaultDisablesLazyJITAndDebugFlags(t *testing.T) {
	cfg := Default(false)
	if cfg.LazyJIT || cfg.EnableDebugPrint || cfg.PrintAllocations {
		t.Fatalf("Default() = %+v, want every opt-in flag off", cfg)
	}
}

func TestDefaultEmbedsDefaultGCConfig(t *testing.T) {
	cfg := Default(false)
	if cfg.GC != DefaultGCConfig() {
		t.Fatalf("Default().GC = %+v, want %+v", cfg.GC, DefaultGCConfig())
	}
}
