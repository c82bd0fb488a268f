package sample

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yandex/perforator/pkg/config"
	"github.com/yandex/perforator/pkg/metrics"
	"github.com/yandex/perforator/pkg/python"
	"github.com/yandex/perforator/pkg/tlsvar"
	"github.com/yandex/perforator/pkg/unwind"
)

// ProcessInfo is what step 3 looks up per pid: which native unwind strategy
// applies and whether the process runs Python, per §4.C/§4.D/§4.E.
type ProcessInfo struct {
	MainBinary   unwind.BinaryID
	UnwindPolicy UnwindPolicy
	PythonConfig *python.Config
}

// UnwindPolicy selects the native-unwinding strategy for a process, per
// §4.E step 3 ("per-process unwind type (disabled/frame-pointer/DWARF)").
type UnwindPolicy int

const (
	UnwindDisabled UnwindPolicy = iota
	UnwindFramePointer
	UnwindDWARF
)

// ProcessInfoTable resolves a pid to its ProcessInfo, standing in for the
// reference's process_info BPF map; populated by process discovery, which
// is out of scope here (§1 Non-goals).
type ProcessInfoTable interface {
	Lookup(pid uint32) (ProcessInfo, bool)
}

// TLSOffsetsFor resolves the up-to-maxTLSVariablesPerBinary configured
// offsets to probe for one binary, per §3.4/§4.E step 4.
type TLSOffsetsFor interface {
	Offsets(binary unwind.BinaryID) []TLSOffset
}

// TLSOffset names one configured thread-local variable probe.
type TLSOffset struct {
	Name   string
	Offset uint64
}

// FSBaseResolver resolves a thread's FS-base register, the one piece of
// task-struct introspection both TLS-variable and Python-stack collection
// need. Reading another thread's register state is out of this module's
// scope (§1 Non-goals name process discovery); callers that integrate with
// a real ptrace/perf-context layer supply it here.
type FSBaseResolver interface {
	FSBase(pid, tid uint32) (uint64, error)
}

// Pipeline implements the §4.E staged execution for one sampling event: it
// is handed an already-captured register snapshot (how that snapshot is
// captured — hardware perf interrupt, kprobe, tracepoint — is the concern
// of whichever attach point drives it) and produces one normalized Sample.
type Pipeline struct {
	processInfos ProcessInfoTable
	tlsOffsets   TLSOffsetsFor
	traced       *TracedSet
	cgroupVersion CgroupVersion

	unwinder *unwind.Unwinder
	mem      python.Memory

	policy config.SamplingPolicy

	pythonThreads *python.ThreadStateCache
	pythonSymbols *python.SymbolCache
	fsbase        FSBaseResolver

	walltimeDeltas *lru.Cache[uint32, uint64]

	missingProcessInfoWarned *lru.Cache[uint32, struct{}]

	counters *metrics.PipelineCounters
}

// NewPipeline builds a Pipeline. counters may be nil. policy gates which
// optional collection steps run (§4.E); limits sizes every bounded cache
// the pipeline owns (§5).
func NewPipeline(
	processInfos ProcessInfoTable,
	tlsOffsets TLSOffsetsFor,
	traced *TracedSet,
	cgroupVersion CgroupVersion,
	unwinder *unwind.Unwinder,
	mem python.Memory,
	fsbase FSBaseResolver,
	policy config.SamplingPolicy,
	limits config.ResourceLimits,
	counters *metrics.PipelineCounters,
) *Pipeline {
	walltime, _ := lru.New[uint32, uint64](limits.MaxTrackedProcessInfos)
	warned, _ := lru.New[uint32, struct{}](limits.MaxTrackedProcessInfos)
	return &Pipeline{
		processInfos:  processInfos,
		tlsOffsets:    tlsOffsets,
		traced:        traced,
		cgroupVersion: cgroupVersion,
		unwinder:      unwinder,
		mem:           mem,
		fsbase:        fsbase,
		policy:        policy,
		pythonThreads: python.NewThreadStateCache(limits.MaxPythonThreadStates),
		pythonSymbols: python.NewSymbolCache(limits.MaxPythonSymbols),
		walltimeDeltas: walltime,
		missingProcessInfoWarned: warned,
		counters:      counters,
	}
}

// Event carries the raw facts an attach point captured before handing
// control to the pipeline: the sampled task's identity plus the register
// state needed to start a native unwind (§4.E step 1's "Start").
type Event struct {
	Type          Type
	SampleConfig  uint64
	KernelThread  bool
	CPU           uint16
	RuntimeNanos  uint32
	PID, TID      uint32
	StartTimeNanos uint64
	ThreadComm, ProcessComm string
	Regs          unwind.RegisterTriple
	Value         uint64
}

// Run executes §4.E steps 2 through 6 for one Event, returning nil (not an
// error) if the cgroup/process filter rejects the event — mirroring the
// in-kernel pipeline's "silently stop, keep scratch valid for next sample"
// behavior rather than propagating a userspace error for an ordinary
// filtering decision.
func (p *Pipeline) Run(ev Event) (*Sample, error) {
	if ev.KernelThread && !p.allowKernelThreads() {
		return nil, nil
	}

	hierarchy, err := ResolveCgroupHierarchy(ev.PID, p.cgroupVersion, p.traced)
	if err != nil {
		return nil, fmt.Errorf("sample: resolve cgroup hierarchy: %w", err)
	}
	if !p.traced.wholeSystem && hierarchy.Parent == endOfCgroupList && !p.traced.hasProcess(ev.PID) {
		p.count(func(c *metrics.PipelineCounters) { c.CgroupFilterRejected.Inc() })
		return nil, nil
	}

	info, ok := p.processInfos.Lookup(ev.PID)
	if !ok {
		p.warnMissingProcessInfoOnce(ev.PID)
		info = ProcessInfo{UnwindPolicy: UnwindFramePointer}
	}

	s := &Sample{
		Type:            ev.Type,
		SampleConfig:    ev.SampleConfig,
		KernelThread:    ev.KernelThread,
		CPU:             ev.CPU,
		RuntimeNanos:    ev.RuntimeNanos,
		ThreadComm:      ev.ThreadComm,
		ProcessComm:     ev.ProcessComm,
		PID:             ev.PID,
		TID:             ev.TID,
		StartTimeNanos:  ev.StartTimeNanos,
		ParentCgroup:    hierarchy.Parent,
		CgroupHierarchy: hierarchy.Ancestors,
		Value:           ev.Value,
		TimeDeltaNanos:  p.walltimeDelta(ev.TID),
	}

	p.collectNativeStacks(s, ev, info)
	p.collectTLSVariables(s, info)
	p.collectPythonStack(s, ev, info)

	return s, nil
}

func (p *Pipeline) allowKernelThreads() bool { return p.policy.TraceKernelThreads }

// collectNativeStacks implements the user-stack half of §4.E step 3: the
// user stack follows the process's UnwindPolicy. The kernel stack is not
// collected: Event carries no kernel stack, and s.KernelStack stays empty.
func (p *Pipeline) collectNativeStacks(s *Sample, ev Event, info ProcessInfo) {
	switch info.UnwindPolicy {
	case UnwindDisabled:
		return
	case UnwindFramePointer, UnwindDWARF:
		if p.unwinder == nil {
			return
		}
		res := p.unwinder.Unwind(ev.PID, ev.Regs)
		s.UserStack = res.Frames
	}
}

// collectTLSVariables implements §4.E step 4.
func (p *Pipeline) collectTLSVariables(s *Sample, info ProcessInfo) {
	if p.tlsOffsets == nil {
		return
	}
	offsets := p.tlsOffsets.Offsets(info.MainBinary)
	if len(offsets) > tlsvar.MaxVariablesPerBinary() {
		offsets = offsets[:tlsvar.MaxVariablesPerBinary()]
	}

	fsbase, err := p.currentFSBase(s.PID, s.TID)
	if err != nil {
		return
	}

	for _, off := range offsets {
		v, ok, err := tlsvar.Collect(p.mem, fsbase, off.Offset)
		if err != nil {
			p.count(func(c *metrics.PipelineCounters) { c.TLSVariableReadFailed.Inc() })
			continue
		}
		if !ok {
			continue
		}
		tv := TLSValue{Name: off.Name, IsInt: v.Kind == tlsvar.KindUnsignedInt64}
		if tv.IsInt {
			tv.Int = int64(v.UInt64)
		} else {
			tv.Str = v.Str
		}
		s.TLSValues = append(s.TLSValues, tv)
	}
}

// currentFSBase resolves pid/tid's FS-base via the injected FSBaseResolver.
// Skipping TLS/Python collection when no resolver is configured is always a
// safe degradation (both are optional per §4.E steps 4/5).
func (p *Pipeline) currentFSBase(pid, tid uint32) (uint64, error) {
	if p.fsbase == nil {
		return 0, fmt.Errorf("sample: no FSBaseResolver configured")
	}
	return p.fsbase.FSBase(pid, tid)
}

// collectPythonStack implements §4.E step 5.
func (p *Pipeline) collectPythonStack(s *Sample, ev Event, info ProcessInfo) {
	if info.PythonConfig == nil || p.mem == nil {
		return
	}
	walker := python.NewWalker(p.mem, p.pythonThreads, p.pythonSymbols)
	fsbase, err := p.currentFSBase(ev.PID, ev.TID)
	if err != nil {
		return
	}
	frames, err := walker.CollectStack(python.TaskContext{PID: ev.PID, NativeTID: ev.TID, FSBase: fsbase}, info.PythonConfig)
	if err != nil && len(frames) == 0 {
		p.count(func(c *metrics.PipelineCounters) { c.PythonWalkFailed.Inc() })
		return
	}
	s.PythonStack = frames
}

func (p *Pipeline) warnMissingProcessInfoOnce(pid uint32) {
	if _, ok := p.missingProcessInfoWarned.Get(pid); ok {
		return
	}
	p.missingProcessInfoWarned.Add(pid, struct{}{})
	p.count(func(c *metrics.PipelineCounters) { c.ProcessInfoMissing.Inc() })
}

// walltimeDelta implements §5's per-thread "time since previous sample"
// bookkeeping: 0 if tid has no recorded previous sample, including when the
// tid's entry has been evicted from the bounded cache. When
// RecordThreadWalltime is off, it returns 0 without touching the cache
// (§4.E step 1's "if enabled").
func (p *Pipeline) walltimeDelta(tid uint32) uint64 {
	if !p.policy.RecordThreadWalltime {
		return 0
	}
	now := uint64(time.Now().UnixNano())
	var delta uint64
	if prev, ok := p.walltimeDeltas.Get(tid); ok {
		delta = now - prev
	}
	p.walltimeDeltas.Add(tid, now)
	return delta
}

func (p *Pipeline) count(f func(*metrics.PipelineCounters)) {
	if p.counters == nil {
		return
	}
	f(p.counters)
}
