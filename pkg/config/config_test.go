package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yandex/perforator/pkg/profile"
)

func TestDefault_MatchesDocumentedLimits(t *testing.T) {
	cfg := Default()
	if cfg.Limits.MaxTracedCgroups != 16384 {
		t.Errorf("MaxTracedCgroups: got %d, want 16384", cfg.Limits.MaxTracedCgroups)
	}
	if cfg.Limits.MaxPythonSymbols != 200000 {
		t.Errorf("MaxPythonSymbols: got %d, want 200000", cfg.Limits.MaxPythonSymbols)
	}
	if !cfg.Merge.NormalizeValueTypes || !cfg.Merge.CleanupThreadNames {
		t.Errorf("merge defaults: got %+v, want NormalizeValueTypes and CleanupThreadNames on", cfg.Merge)
	}
	if cfg.Merge.KeepProcesses {
		t.Errorf("merge defaults: KeepProcesses should be off by default")
	}
	if cfg.Sampling.TraceWholeSystem {
		t.Errorf("sampling defaults: TraceWholeSystem should be off by default")
	}
}

func TestLoad_PartialFileOverridesOnlyMentionedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "sampling:\n  trace_whole_system: true\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Sampling.TraceWholeSystem {
		t.Errorf("expected trace_whole_system override to apply")
	}
	if cfg.Limits.MaxTracedCgroups != 16384 {
		t.Errorf("unmentioned section should keep its default: got %d", cfg.Limits.MaxTracedCgroups)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatalf("expected an error loading a missing file")
	}
}

func buildOneSampleProfile(t *testing.T, processID int32) *profile.Profile {
	t.Helper()
	b := profile.NewBuilder()
	if _, err := b.AddValueType(profile.ValueType{Type: "cpu", Unit: "nanoseconds"}); err != nil {
		t.Fatalf("AddValueType: %v", err)
	}
	thread := b.AddThread(profile.Thread{ProcessID: processID, ThreadName: "worker"})
	key := b.AddSampleKey(profile.SampleKey{Thread: thread, UserStack: profile.ZeroStackID(), KernelStack: profile.ZeroStackID()})
	b.AddSample(key, []int64{100}, nil)
	return b.Finish()
}

// Config.MergeProfiles applies cfg.Merge's defaults (NormalizeValueTypes and
// CleanupThreadNames on, KeepProcesses off) to a batch merge job.
func TestConfig_MergeProfiles_AppliesMergeDefaults(t *testing.T) {
	cfg := Default()
	p1 := buildOneSampleProfile(t, 111)
	p2 := buildOneSampleProfile(t, 222)

	merged, err := cfg.MergeProfiles([]*profile.Profile{p1, p2})
	if err != nil {
		t.Fatalf("MergeProfiles: %v", err)
	}
	if len(merged.Samples()) != 1 {
		t.Fatalf("got %d samples, want 1 (KeepProcesses=false collapses both)", len(merged.Samples()))
	}
	if got := merged.Samples()[0].Values[0]; got != 200 {
		t.Fatalf("merged value: got %d, want 200", got)
	}
}
