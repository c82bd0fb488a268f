package unwind

import (
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// maxNativeFrames bounds one sample's native stack, per §3.5/§5.
const maxNativeFrames = 128

// kernelAddressTop marks the boundary of the kernel half of the address
// space (top byte all-ones), used to decide the kernel-vs-user split in
// §4.C.
const kernelAddressTop = uint64(0xff00000000000000)

// sentinelReturnAddress is the distinguished value meaning "the walk
// reached the bottom of the stack successfully", per §4.C termination.
const sentinelReturnAddress = ^uint64(0)

// Options configures one Unwinder, including the BP == 0 Design-Notes open
// question resolved for this implementation (§9, SPEC_FULL §4.C); the
// touching-ranges one is PreprocessingOptions.AcceptTouchingRanges.
type Options struct {
	// StopOnZeroBasePointer, when set, ends the walk cleanly as soon as a
	// step yields BP == 0, before the next step is attempted (whether that
	// step would use CFI or frame pointers). Default false, matching the
	// reference's commented-out behavior.
	StopOnZeroBasePointer bool
}

// BinaryRoots resolves a mapped binary to the root page of its unwind
// table, analogous to the reference's unwind_roots map.
type BinaryRoots interface {
	Root(bid BinaryID) (PageID, bool)
}

// Tables resolves a binary to its Table, keyed by the same root page ids
// BinaryRoots hands out.
type Tables interface {
	TableFor(bid BinaryID) (*Table, bool)
}

// Counters names the error-kind counters §7 requires for the sampling
// domain's native unwinding path.
type Counters struct {
	TooManyFrames            prometheus.Counter
	NoRuleForInstruction     prometheus.Counter
	RuleEvaluationFailed     prometheus.Counter
	MappingLookupMiss        prometheus.Counter
	MappingHasNoBinary       prometheus.Counter
	MappingWithoutRoot       prometheus.Counter
	FramePointerReadFailure  prometheus.Counter
}

// NewCounters registers the §7 error-kind counters on reg under the
// "perforator_unwind" namespace.
func NewCounters(reg prometheus.Registerer) *Counters {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perforator",
		Subsystem: "unwind",
		Name:      "errors_total",
		Help:      "Native unwinder errors by kind.",
	}, []string{"kind"})
	reg.MustRegister(vec)
	return &Counters{
		TooManyFrames:           vec.WithLabelValues("too_many_frames"),
		NoRuleForInstruction:    vec.WithLabelValues("no_rule_for_instruction"),
		RuleEvaluationFailed:    vec.WithLabelValues("rule_evaluation_failed"),
		MappingLookupMiss:       vec.WithLabelValues("mapping_lookup_miss"),
		MappingHasNoBinary:      vec.WithLabelValues("mapping_has_no_binary"),
		MappingWithoutRoot:      vec.WithLabelValues("mapping_without_root"),
		FramePointerReadFailure: vec.WithLabelValues("frame_pointer_read_failure"),
	}
}

// Unwinder drives the paged table (A), the CFI evaluator (B), and the
// frame-pointer fallback per sample, per §4.C.
type Unwinder struct {
	mappings *MappingTable
	roots    BinaryRoots
	tables   Tables
	mem      UserMemory
	options  Options
	counters *Counters
	logger   log.Logger
}

// NewUnwinder builds an Unwinder. logger may be nil (defaults to a no-op
// logger); counters may be nil (errors are simply not counted, useful in
// tests).
func NewUnwinder(mappings *MappingTable, roots BinaryRoots, tables Tables, mem UserMemory, options Options, counters *Counters, logger log.Logger) *Unwinder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Unwinder{
		mappings: mappings,
		roots:    roots,
		tables:   tables,
		mem:      mem,
		options:  options,
		counters: counters,
		logger:   log.With(logger, "component", "unwind"),
	}
}

// Result carries the frames collected plus the DWARF-vs-frame-pointer
// attribution the pipeline records, per §4.C.
type Result struct {
	Frames          []uint64
	DWARFFrames     int
	FramePointers   int
}

// Unwind walks the user-space native stack starting from regs for pid,
// returning up to maxNativeFrames instruction pointers, innermost first.
func (u *Unwinder) Unwind(pid uint32, regs RegisterTriple) Result {
	var res Result
	current := regs

	for i := 0; i < maxNativeFrames; i++ {
		res.Frames = append(res.Frames, current.IP)

		next, usedFP, ok := u.step(pid, current)
		if !ok {
			level.Debug(u.logger).Log("msg", "unwind step failed, stopping", "pid", pid, "ip", fmt.Sprintf("%#x", current.IP))
			return res
		}
		if usedFP {
			res.FramePointers++
		} else {
			res.DWARFFrames++
		}

		if next.IP == sentinelReturnAddress {
			return res
		}
		if u.options.StopOnZeroBasePointer && next.BP == 0 {
			return res
		}
		current = next
	}

	u.count(u.counters, func(c *Counters) prometheus.Counter { return c.TooManyFrames })
	level.Debug(u.logger).Log("msg", "frame budget exhausted", "pid", pid, "max", maxNativeFrames)
	return res
}

// step performs one native unwind step, per §4.C: locate the mapping,
// locate the rule, evaluate CFI, and fall back to one frame-pointer step on
// failure. usedFP reports which path produced next.
func (u *Unwinder) step(pid uint32, current RegisterTriple) (next RegisterTriple, usedFP bool, ok bool) {
	rule, err := u.locateRule(pid, current.IP)
	if err != nil {
		level.Debug(u.logger).Log("msg", "rule lookup failed, falling back to frame pointers", "err", err)
		n, fpOK := u.stepFramePointers(current)
		return n, true, fpOK
	}

	next, err = Evaluate(u.mem, current, rule)
	if err != nil {
		u.count(u.counters, func(c *Counters) prometheus.Counter { return c.RuleEvaluationFailed })
		level.Debug(u.logger).Log("msg", "CFI evaluation failed, falling back to frame pointers", "err", err)
		n, fpOK := u.stepFramePointers(current)
		return n, true, fpOK
	}
	return next, false, true
}

func (u *Unwinder) locateRule(pid uint32, ip uint64) (UnwindRule, error) {
	mapping, err := u.mappings.Lookup(pid, ip)
	if err != nil {
		if errors.Is(err, errMappingHasNoBinary) {
			u.count(u.counters, func(c *Counters) prometheus.Counter { return c.MappingHasNoBinary })
		} else {
			u.count(u.counters, func(c *Counters) prometheus.Counter { return c.MappingLookupMiss })
		}
		return UnwindRule{}, err
	}

	root, ok := u.roots.Root(mapping.BinaryID)
	if !ok {
		u.count(u.counters, func(c *Counters) prometheus.Counter { return c.MappingWithoutRoot })
		return UnwindRule{}, fmt.Errorf("unwind: no root page for binary %d", mapping.BinaryID)
	}

	table, ok := u.tables.TableFor(mapping.BinaryID)
	if !ok {
		return UnwindRule{}, fmt.Errorf("unwind: no table for binary %d", mapping.BinaryID)
	}
	_ = root // the root is embedded in the Table via NewTable; kept for parity with the reference's two-step lookup

	relativePC := ip - uint64(int64(mapping.Offset))
	rule, err := table.Lookup(relativePC)
	if err != nil {
		u.count(u.counters, func(c *Counters) prometheus.Counter { return c.NoRuleForInstruction })
		return UnwindRule{}, err
	}
	return rule, nil
}

// stepFramePointers performs the one-step fallback of §4.C.4: read
// *(BP+8) as RA, *BP as the previous BP, and set SP = BP + 16.
func (u *Unwinder) stepFramePointers(current RegisterTriple) (RegisterTriple, bool) {
	ra, err := u.mem.ReadUint64(current.BP + 8)
	if err != nil {
		u.count(u.counters, func(c *Counters) prometheus.Counter { return c.FramePointerReadFailure })
		return RegisterTriple{}, false
	}
	prevBP, err := u.mem.ReadUint64(current.BP)
	if err != nil {
		u.count(u.counters, func(c *Counters) prometheus.Counter { return c.FramePointerReadFailure })
		return RegisterTriple{}, false
	}
	return RegisterTriple{
		IP: ra - 1,
		SP: current.BP + 16,
		BP: prevBP,
	}, true
}

func (u *Unwinder) count(c *Counters, pick func(*Counters) prometheus.Counter) {
	if c == nil {
		return
	}
	pick(c).Inc()
}
