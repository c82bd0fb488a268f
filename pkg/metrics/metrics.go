// Package metrics collects the Prometheus counters that name the
// "fatal-to-the-current-operation" error kinds §7 lists for the builder and
// merger, complementing unwind.Counters which covers the sampling-domain
// error kinds.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// BuilderCounters names the §7 builder/merger error kinds.
type BuilderCounters struct {
	DuplicateRemap        prometheus.Counter
	ValueTypeAfterSample   prometheus.Counter
	FeatureFlagMismatch    prometheus.Counter
	StringTableOverflow    prometheus.Counter
}

// NewBuilderCounters registers the §7 builder/merger error-kind counters on
// reg under the "perforator_profile" namespace, mirroring how
// unwind.NewCounters registers the sampling-domain kinds.
func NewBuilderCounters(reg prometheus.Registerer) *BuilderCounters {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perforator",
		Subsystem: "profile",
		Name:      "errors_total",
		Help:      "Profile builder/merger errors by kind.",
	}, []string{"kind"})
	reg.MustRegister(vec)
	return &BuilderCounters{
		DuplicateRemap:       vec.WithLabelValues("duplicate_remap"),
		ValueTypeAfterSample: vec.WithLabelValues("value_type_after_sample"),
		FeatureFlagMismatch:  vec.WithLabelValues("feature_flag_mismatch"),
		StringTableOverflow:  vec.WithLabelValues("string_table_overflow"),
	}
}

// PipelineCounters names the per-stage counters the Sample Pipeline (§4.E)
// increments when a stage aborts early, alongside unwind.Counters and
// python's implicit error returns.
type PipelineCounters struct {
	CgroupFilterRejected     prometheus.Counter
	ProcessInfoMissing       prometheus.Counter
	PythonWalkFailed         prometheus.Counter
	TLSVariableReadFailed    prometheus.Counter
	RingBufferDropped        prometheus.Counter
}

// NewPipelineCounters registers the §4.E pipeline counters.
func NewPipelineCounters(reg prometheus.Registerer) *PipelineCounters {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perforator",
		Subsystem: "sample_pipeline",
		Name:      "events_total",
		Help:      "Sample pipeline stage outcomes by kind.",
	}, []string{"kind"})
	reg.MustRegister(vec)
	return &PipelineCounters{
		CgroupFilterRejected:  vec.WithLabelValues("cgroup_filter_rejected"),
		ProcessInfoMissing:    vec.WithLabelValues("process_info_missing"),
		PythonWalkFailed:      vec.WithLabelValues("python_walk_failed"),
		TLSVariableReadFailed: vec.WithLabelValues("tls_variable_read_failed"),
		RingBufferDropped:     vec.WithLabelValues("ring_buffer_dropped"),
	}
}
