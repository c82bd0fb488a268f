// Package config loads the YAML-configurable policy knobs for the sampling
// pipeline and the profile merger (§4.E, §4.G, §5).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yandex/perforator/pkg/profile"
)

// ResourceLimits mirrors the §5 "Resource limits (ENUMERATED)" table. These
// are compile-time constants in the sampling domain (bpf map max-entries);
// here they are configurable so the userspace reimplementation can be
// tuned per deployment, but Default() reproduces the reference numbers
// exactly.
type ResourceLimits struct {
	MaxBinaries             int `yaml:"max_binaries"`
	MaxUnwindPages           int `yaml:"max_unwind_pages"`
	MaxTracedCgroups        int `yaml:"max_traced_cgroups"`
	MaxTracedProcesses      int `yaml:"max_traced_processes"`
	MaxTrackedProcessInfos  int `yaml:"max_tracked_process_infos"`
	MaxPythonThreadStates   int `yaml:"max_python_thread_states"`
	MaxPythonSymbols        int `yaml:"max_python_symbols"`
	MaxNativeFrames         int `yaml:"max_native_frames"`
	MaxPythonFrames         int `yaml:"max_python_frames"`
	MaxTLSVariablesPerBinary int `yaml:"max_tls_variables_per_binary"`
	MaxTLSStringBytes       int `yaml:"max_tls_string_bytes"`
}

// DefaultResourceLimits reproduces §5's enumerated limits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxBinaries:              1024 * 1024,
		MaxUnwindPages:           1024 * 1024,
		MaxTracedCgroups:         16384,
		MaxTracedProcesses:       1024,
		MaxTrackedProcessInfos:   65536,
		MaxPythonThreadStates:    16384,
		MaxPythonSymbols:         200000,
		MaxNativeFrames:          128,
		MaxPythonFrames:          128,
		MaxTLSVariablesPerBinary: 4,
		MaxTLSStringBytes:        128,
	}
}

// SamplingPolicy configures the §4.E entry points: which attach points run,
// and at what rate.
type SamplingPolicy struct {
	TraceKernelThreads  bool `yaml:"trace_kernel_threads"`
	TraceWholeSystem    bool `yaml:"trace_whole_system"`
	SchedSwitchModulo   uint32 `yaml:"sched_switch_modulo"`
	SignalMask          uint64 `yaml:"signal_mask"`
	RecordThreadWalltime bool `yaml:"record_thread_walltime"`
}

// DefaultSamplingPolicy matches the reference's conservative defaults:
// kernel threads excluded, system-wide tracing off (an explicit traced set
// is required), every Nth scheduler switch sampled, no signals tracked.
func DefaultSamplingPolicy() SamplingPolicy {
	return SamplingPolicy{
		TraceKernelThreads:   false,
		TraceWholeSystem:     false,
		SchedSwitchModulo:    100,
		SignalMask:           0,
		RecordThreadWalltime: true,
	}
}

// MergeDefaults configures the default profile.MergeOptions applied when a
// batch merge job doesn't override them, per §4.G.
type MergeDefaults struct {
	KeepProcesses       bool `yaml:"keep_processes"`
	KeepBinaries        bool `yaml:"keep_binaries"`
	KeepBinaryPaths     bool `yaml:"keep_binary_paths"`
	KeepTimestamps      bool `yaml:"keep_timestamps"`
	KeepLineNumbers     bool `yaml:"keep_line_numbers"`
	NormalizeValueTypes bool `yaml:"normalize_value_types"`
	CleanupThreadNames  bool `yaml:"cleanup_thread_names"`
}

// DefaultMergeDefaults turns NormalizeValueTypes and CleanupThreadNames on
// and every Keep* option off. This differs from profile.DefaultMergeOptions,
// which keeps processes, binaries, binary paths and line numbers.
func DefaultMergeDefaults() MergeDefaults {
	return MergeDefaults{
		NormalizeValueTypes: true,
		CleanupThreadNames:  true,
	}
}

// ToMergeOptions converts m into profile.MergeOptions, so a batch merge job
// driven by a loaded Config applies the same YAML-configurable policy as
// everything else in this package.
func (m MergeDefaults) ToMergeOptions() profile.MergeOptions {
	return profile.MergeOptions{
		KeepProcesses:       m.KeepProcesses,
		KeepBinaries:        m.KeepBinaries,
		KeepBinaryPaths:     m.KeepBinaryPaths,
		KeepTimestamps:      m.KeepTimestamps,
		KeepLineNumbers:     m.KeepLineNumbers,
		NormalizeValueTypes: m.NormalizeValueTypes,
		CleanupThreadNames:  m.CleanupThreadNames,
	}
}

// Config bundles every configurable policy this module exposes.
type Config struct {
	Limits   ResourceLimits `yaml:"limits"`
	Sampling SamplingPolicy `yaml:"sampling"`
	Merge    MergeDefaults  `yaml:"merge"`
}

// Default returns a Config with every section at its documented default.
func Default() Config {
	return Config{
		Limits:   DefaultResourceLimits(),
		Sampling: DefaultSamplingPolicy(),
		Merge:    DefaultMergeDefaults(),
	}
}

// MergeProfiles merges profiles using cfg's MergeDefaults, the configured
// entry point for the §4.G batch merge job.
func (cfg Config) MergeProfiles(profiles []*profile.Profile) (*profile.Profile, error) {
	return profile.MergeProfiles(profiles, cfg.Merge.ToMergeOptions())
}

// Load reads and parses a YAML config file, starting from Default() so a
// partial file only overrides the sections it mentions.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}
