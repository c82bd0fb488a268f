// Package sample implements the per-event Sample Pipeline (§4.E): it
// identifies the sampled thread, decides which unwinders to run, collects
// native, Python, and TLS-variable data, and emits one normalized record
// per sample.
package sample

import "github.com/yandex/perforator/pkg/python"

// maxNativeFrames/maxPythonFrames/maxCgroupAncestors/maxTLSVariables are the
// §5 resource limits this record format is built around.
const (
	maxNativeFrames    = 128
	maxPythonFrames    = 128
	maxCgroupAncestors = 16
	maxTLSVariables    = 4
	taskCommLength     = 16
)

// endOfCgroupList is the sentinel terminating a short cgroup hierarchy, per
// cgroups.h's END_OF_CGROUP_LIST.
const endOfCgroupList = ^uint64(0)

// Tag distinguishes the two kinds of record this pipeline emits, per
// output.h's record_tag.
type Tag uint8

const (
	TagSample Tag = iota
	TagNewProcess
)

// Type distinguishes the three attach points that can produce a Sample, per
// §4.E's "Entry points" and output.h's sample_type.
type Type uint32

const (
	TypeUndefined Type = iota
	TypePerfEvent
	TypeSchedSwitch
	TypeSignalDeliver
)

// TLSValue is one decoded thread-local-variable reading, tagged by the
// kind recorded alongside its magic bytes (see pkg/tlsvar).
type TLSValue struct {
	Name    string
	IsInt   bool
	Int     int64
	Str     string
}

// Sample is the normalized form of the reference's record_sample: a single
// stack sample plus the identity and timing information the rest of the
// pipeline needs (§3.5).
type Sample struct {
	Type         Type
	SampleConfig uint64

	KernelThread bool
	CPU          uint16
	RuntimeNanos uint32

	ThreadComm  string
	ProcessComm string
	PID         uint32
	TID         uint32
	StartTimeNanos uint64

	ParentCgroup     uint64
	CgroupHierarchy  []uint64

	KernelStack []uint64
	UserStack   []uint64

	PythonStack []python.Frame

	TLSValues []TLSValue

	Value         uint64
	TimeDeltaNanos uint64
}

// NewProcessEvent is the normalized form of record_new_process: notification
// that a traced pid started, carried on a separate ring so consumers that
// only care about process lifecycle don't have to filter the sample
// stream.
type NewProcessEvent struct {
	PID            uint32
	StartTimeNanos uint64
}
