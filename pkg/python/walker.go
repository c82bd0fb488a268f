package python

import (
	"errors"
	"fmt"
)

// maxStackDepth bounds one sample's Python stack, per §3.5/§5.
const maxStackDepth = 128

// maxThreadStateWalk bounds the interpreter thread-list walk performed in
// each direction while refreshing the thread-state cache, per §4.D.
const maxThreadStateWalk = 32

// maxFileNameLength and maxFuncNameLength bound the decoded ASCII strings,
// mirroring the reference's fixed-size python_symbol buffers (python.h).
const (
	maxFileNameLength = 256
	maxFuncNameLength = 256
)

var (
	errNoThreadState  = errors.New("python: no PyThreadState found via TLS or cache")
	errNoCurrentFrame = errors.New("python: current frame is NULL")
	errMalformedCStackFrames = errors.New("python: two consecutive C-stack-owned frames")
)

// TaskContext carries the per-thread facts the walker needs but cannot
// derive itself — reading another thread's FS base and a process's
// mm.start_code is process-discovery machinery that is out of scope here
// (§1 Non-goals); the sample pipeline supplies these.
type TaskContext struct {
	PID        uint32
	NativeTID  uint32
	FSBase     uint64
	StartCode  uint64
}

// Walker reconstructs one thread's Python call stack from its memory, per
// §4.D.
type Walker struct {
	mem     Memory
	threads *ThreadStateCache
	symbols *SymbolCache
}

// NewWalker builds a Walker. threads and symbols may be shared across many
// Walker instances (e.g. one per traced process) the way the reference
// shares its two BPF maps across all threads.
func NewWalker(mem Memory, threads *ThreadStateCache, symbols *SymbolCache) *Walker {
	return &Walker{mem: mem, threads: threads, symbols: symbols}
}

// Frame is one collected Python stack entry: either a resolved symbol key
// or the C-stack stub sentinel.
type Frame struct {
	Key       SymbolKey
	IsCStub   bool
}

// CollectStack runs the full §4.D pipeline for one task: locate the current
// PyThreadState, read its current frame, and walk up to maxStackDepth
// frames.
func (w *Walker) CollectStack(ctx TaskContext, cfg *Config) ([]Frame, error) {
	threadState, err := w.getThreadStateAndUpdateCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	frame, err := w.readCurrentFrameFromThreadState(cfg, threadState)
	if err != nil {
		return nil, err
	}
	if frame == 0 {
		return nil, errNoCurrentFrame
	}

	return w.walkStack(ctx.PID, frame, cfg)
}

// getThreadStateAndUpdateCache implements §4.D's thread-state acquisition:
// try TLS first, then fill the cache by walking the interpreter's thread
// list from whatever thread state is available, then fall back to the
// cache if TLS failed.
func (w *Walker) getThreadStateAndUpdateCache(ctx TaskContext, cfg *Config) (uint64, error) {
	current, tlsErr := w.readThreadStatePtrFromTLS(ctx.FSBase, cfg.ThreadStateTLSOffset)

	fillFrom := current
	if fillFrom == 0 {
		fillFrom = w.getHeadThreadState(ctx.StartCode, cfg)
	}
	w.fillThreadsCache(fillFrom, &cfg.Offsets.ThreadState)

	if current == 0 {
		if cached, ok := w.threads.Get(ctx.NativeTID); ok {
			current = cached
		}
	}

	if current == 0 {
		if tlsErr != nil {
			return 0, fmt.Errorf("%w: %v", errNoThreadState, tlsErr)
		}
		return 0, errNoThreadState
	}
	return current, nil
}

// readThreadStatePtrFromTLS reads the pointer stored at fsbase - offset,
// mirroring python_read_py_thread_state_ptr_from_tls (py_threads.h).
func (w *Walker) readThreadStatePtrFromTLS(fsbase, offset uint64) (uint64, error) {
	addr := fsbase - offset
	v, err := w.mem.ReadUint64(addr)
	if err != nil {
		return 0, fmt.Errorf("python: read TLS PyThreadState* at %#x: %w", addr, err)
	}
	return v, nil
}

// getGlobalRuntimeAddress bypasses ASLR by adding _PyRuntime's relative
// address to the process's mm.start_code, per py_threads.h's comment.
func getGlobalRuntimeAddress(startCode, relativeAddress uint64) uint64 {
	return startCode + relativeAddress
}

func (w *Walker) getHeadThreadState(startCode uint64, cfg *Config) uint64 {
	if cfg.RuntimeRelativeAddress == 0 {
		return 0
	}
	runtimeAddr := getGlobalRuntimeAddress(startCode, cfg.RuntimeRelativeAddress)

	mainInterp, err := w.mem.ReadUint64(runtimeAddr + uint64(cfg.Offsets.Runtime.InterpretersMainOffset))
	if err != nil || mainInterp == 0 {
		return 0
	}

	head, err := w.mem.ReadUint64(mainInterp + uint64(cfg.Offsets.Interpreter.ThreadsHeadOffset))
	if err != nil {
		return 0
	}
	return head
}

// fillThreadsCache walks the interpreter's doubly-linked thread-state list
// forward and backward from seed, up to maxThreadStateWalk hops each way,
// upserting every native thread id it finds, per py_threads.h.
func (w *Walker) fillThreadsCache(seed uint64, offsets *ThreadStateOffsets) {
	if seed == 0 {
		return
	}

	forward := seed
	for i := 0; i < maxThreadStateWalk && forward != 0; i++ {
		w.upsertThreadState(forward, offsets)
		next, err := w.mem.ReadUint64(forward + uint64(offsets.NextThreadOffset))
		if err != nil {
			break
		}
		forward = next
	}

	backward := seed
	for i := 0; i < maxThreadStateWalk && backward != 0; i++ {
		w.upsertThreadState(backward, offsets)
		prev, err := w.mem.ReadUint64(backward + uint64(offsets.PrevThreadOffset))
		if err != nil {
			break
		}
		backward = prev
	}
}

func (w *Walker) upsertThreadState(threadState uint64, offsets *ThreadStateOffsets) {
	tid, err := w.mem.ReadUint32(threadState + uint64(offsets.NativeThreadIDOffset))
	if err != nil || tid == 0 {
		return
	}
	w.threads.Upsert(tid, threadState)
}

// readCurrentFrameFromThreadState follows the optional _PyCFrame
// indirection (3.11+) to reach the current frame pointer, per python.h.
func (w *Walker) readCurrentFrameFromThreadState(cfg *Config, threadState uint64) (uint64, error) {
	if threadState == 0 {
		return 0, nil
	}

	base := threadState
	currentFrameOffset := cfg.Offsets.ThreadState.CurrentFrameOffset
	if cfg.Offsets.ThreadState.HasCFrame() {
		cframe, err := w.mem.ReadUint64(threadState + uint64(cfg.Offsets.ThreadState.CFrameOffset))
		if err != nil {
			return 0, fmt.Errorf("python: read cframe: %w", err)
		}
		if cframe == 0 {
			return 0, nil
		}
		base = cframe
		currentFrameOffset = cfg.Offsets.CFrame.CurrentFrameOffset
	}

	frame, err := w.mem.ReadUint64(base + uint64(currentFrameOffset))
	if err != nil {
		return 0, fmt.Errorf("python: read current frame: %w", err)
	}
	return frame, nil
}

// walkStack implements §4.D's frame walk, including the C-stack-stub
// boundary rule: two consecutive frames owned by the C stack are malformed
// and stop the walk.
func (w *Walker) walkStack(pid uint32, frame uint64, cfg *Config) ([]Frame, error) {
	var frames []Frame
	previousWasCStub := false

	for i := 0; i < maxStackDepth && frame != 0; i++ {
		owner, err := w.readFrameOwner(frame, cfg)
		if err != nil {
			break
		}

		if owner == FrameOwnedByCStack {
			if previousWasCStub {
				return frames, errMalformedCStackFrames
			}
			frames = append(frames, Frame{IsCStub: true, Key: SymbolKey{FirstLineNo: cframeLineNoSentinel}})
			previousWasCStub = true
			frame = w.readPreviousFrame(frame, cfg)
			continue
		}
		previousWasCStub = false

		key, ok, err := w.processFrame(pid, frame, cfg)
		if err != nil || !ok {
			break
		}
		frames = append(frames, Frame{Key: key})

		frame = w.readPreviousFrame(frame, cfg)
	}

	return frames, nil
}

func (w *Walker) readFrameOwner(frame uint64, cfg *Config) (FrameOwner, error) {
	v, err := w.mem.ReadUint8(frame + uint64(cfg.Offsets.InterpreterFrame.OwnerOffset))
	if err != nil {
		return 0, err
	}
	return FrameOwner(v), nil
}

func (w *Walker) readPreviousFrame(frame uint64, cfg *Config) uint64 {
	prev, err := w.mem.ReadUint64(frame + uint64(cfg.Offsets.InterpreterFrame.PreviousOffset))
	if err != nil {
		return 0
	}
	return prev
}

// processFrame resolves one frame's PyCodeObject into a SymbolKey, reading
// and caching its filename/qualname strings only on the key's first
// appearance (§4.D's "Rationale").
func (w *Walker) processFrame(pid uint32, frame uint64, cfg *Config) (SymbolKey, bool, error) {
	code, err := w.mem.ReadUint64(frame + uint64(cfg.Offsets.InterpreterFrame.CodeOffset))
	if err != nil || code == 0 {
		return SymbolKey{}, false, err
	}

	firstLine, err := w.mem.ReadUint32(code + uint64(cfg.Offsets.CodeObject.FirstLineNoOffset))
	if err != nil {
		return SymbolKey{}, false, err
	}

	key := SymbolKey{CodeObject: code, PID: pid, FirstLineNo: int32(firstLine)}

	if _, ok := w.symbols.Get(key); ok {
		return key, true, nil
	}

	sym, err := w.readSymbol(cfg, code)
	if err != nil {
		// The frame keeps its key; nothing is cached, so a later sample
		// retries the string reads.
		return key, true, nil
	}
	w.symbols.Insert(key, sym)
	return key, true, nil
}

func (w *Walker) readSymbol(cfg *Config, code uint64) (Symbol, error) {
	filenamePtr, err := w.mem.ReadUint64(code + uint64(cfg.Offsets.CodeObject.FilenameOffset))
	if err != nil {
		return Symbol{}, fmt.Errorf("python: read filename pointer: %w", err)
	}
	qualnamePtr, err := w.mem.ReadUint64(code + uint64(cfg.Offsets.CodeObject.QualnameOffset))
	if err != nil {
		return Symbol{}, fmt.Errorf("python: read qualname pointer: %w", err)
	}

	var sym Symbol
	if filenamePtr != 0 {
		sym.FileName, err = w.readAsciiString(cfg, filenamePtr, maxFileNameLength)
		if err != nil {
			return Symbol{}, fmt.Errorf("python: read filename string: %w", err)
		}
	}
	if qualnamePtr != 0 {
		sym.QualName, err = w.readAsciiString(cfg, qualnamePtr, maxFuncNameLength)
		if err != nil {
			return Symbol{}, fmt.Errorf("python: read qualname string: %w", err)
		}
	}
	return sym, nil
}

// readAsciiString decodes a compact-ASCII PyASCIIObject's payload, per
// python.h's python_read_python_ascii_string: it rejects non-ASCII or
// non-compact strings via the state bitfield rather than attempt a general
// Unicode decode.
func (w *Walker) readAsciiString(cfg *Config, obj uint64, bufSize int) (string, error) {
	off := cfg.Offsets.AsciiObject

	length, err := w.mem.ReadUint64(obj + uint64(off.LengthOffset))
	if err != nil {
		return "", fmt.Errorf("read length: %w", err)
	}
	length++ // reference reads length+1 bytes to include the NUL terminator

	state, err := w.mem.ReadUint32(obj + uint64(off.StateOffset))
	if err != nil {
		return "", fmt.Errorf("read state: %w", err)
	}
	if state&(1<<off.AsciiBit) == 0 || state&(1<<off.CompactBit) == 0 {
		return "", fmt.Errorf("non-ascii or non-compact string object")
	}

	if length > uint64(bufSize) {
		length = uint64(bufSize)
	}
	buf := make([]byte, length)
	if err := w.mem.ReadAt(obj+uint64(off.DataOffset), buf); err != nil {
		return "", fmt.Errorf("read data: %w", err)
	}
	return nullTerminated(buf), nil
}

func nullTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
