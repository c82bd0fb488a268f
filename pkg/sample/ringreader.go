package sample

import (
	"fmt"

	bpf "github.com/aquasecurity/libbpfgo"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// perfBufferPageCount is a modest power-of-two page count traded against
// how bursty sampling output can get.
const perfBufferPageCount = 64

// RingConsumer drains the "samples" and "processes" perf-event arrays
// output.h defines (BPF_MAP(samples, ...)/BPF_MAP(processes, ...)) and
// decodes each event into a Sample or NewProcessEvent.
type RingConsumer struct {
	samplesBuf   *bpf.PerfBuffer
	processesBuf *bpf.PerfBuffer

	sampleEvents  chan []byte
	sampleLost    chan uint64
	processEvents chan []byte
	processLost   chan uint64

	logger log.Logger
}

// NewRingConsumer opens perf buffers over module's "samples" and
// "processes" maps, the two BPF_MAP_TYPE_PERF_EVENT_ARRAY maps output.h
// declares.
func NewRingConsumer(module *bpf.Module, logger log.Logger) (*RingConsumer, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "sample.ring")

	c := &RingConsumer{
		sampleEvents:  make(chan []byte, 4096),
		sampleLost:    make(chan uint64, 64),
		processEvents: make(chan []byte, 256),
		processLost:   make(chan uint64, 64),
		logger:        logger,
	}

	var err error
	c.samplesBuf, err = module.InitPerfBuf("samples", c.sampleEvents, c.sampleLost, perfBufferPageCount)
	if err != nil {
		return nil, fmt.Errorf("sample: init samples perf buffer: %w", err)
	}
	c.processesBuf, err = module.InitPerfBuf("processes", c.processEvents, c.processLost, perfBufferPageCount)
	if err != nil {
		c.samplesBuf.Close()
		return nil, fmt.Errorf("sample: init processes perf buffer: %w", err)
	}

	return c, nil
}

// Start begins polling both perf buffers.
func (c *RingConsumer) Start() {
	c.samplesBuf.Start()
	c.processesBuf.Start()
}

// Stop halts polling of both perf buffers; Close releases them.
func (c *RingConsumer) Stop() {
	c.samplesBuf.Stop()
	c.processesBuf.Stop()
}

// Close releases the perf buffers entirely.
func (c *RingConsumer) Close() {
	c.samplesBuf.Close()
	c.processesBuf.Close()
}

// Samples returns the channel of decoded Sample records. Run it in a
// dedicated goroutine; a decode failure is logged and the event dropped,
// mirroring the reference's "never propagate a malformed sample" posture.
func (c *RingConsumer) Samples() <-chan *Sample {
	out := make(chan *Sample, cap(c.sampleEvents))
	go func() {
		defer close(out)
		for raw := range c.sampleEvents {
			s, err := DecodeSample(raw)
			if err != nil {
				level.Warn(c.logger).Log("msg", "dropping malformed sample record", "err", err)
				continue
			}
			out <- s
		}
	}()
	return out
}

// NewProcesses returns the channel of decoded NewProcessEvent records.
func (c *RingConsumer) NewProcesses() <-chan NewProcessEvent {
	out := make(chan NewProcessEvent, cap(c.processEvents))
	go func() {
		defer close(out)
		for raw := range c.processEvents {
			ev, err := decodeNewProcessEvent(raw)
			if err != nil {
				level.Warn(c.logger).Log("msg", "dropping malformed new-process record", "err", err)
				continue
			}
			out <- ev
		}
	}()
	return out
}

// LogLost logs, at debug level, each count of events the kernel dropped
// because userspace polled too slowly, separately for the sample ring and
// the new-process ring, the way the reference's BPF_TRACE calls are
// informational-only.
func (c *RingConsumer) LogLost() {
	go func() {
		for n := range c.sampleLost {
			level.Debug(c.logger).Log("msg", "lost sample events", "count", n)
		}
	}()
	go func() {
		for n := range c.processLost {
			level.Debug(c.logger).Log("msg", "lost new-process events", "count", n)
		}
	}()
}

func decodeNewProcessEvent(raw []byte) (NewProcessEvent, error) {
	if len(raw) < 12 {
		return NewProcessEvent{}, fmt.Errorf("sample: new-process record too short (%d bytes)", len(raw))
	}
	pid := leUint32(raw[0:4])
	start := leUint64(raw[4:12])
	return NewProcessEvent{PID: pid, StartTimeNanos: start}, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
