package python

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// maxThreadStateCacheEntries is the fallback bound for the native-tid →
// PyThreadState* cache when a caller passes capacity <= 0, per §5 ("max
// 16,384 Python thread-state cache entries"). Callers that have loaded a
// config.ResourceLimits should pass its MaxPythonThreadStates instead.
const maxThreadStateCacheEntries = 16384

// maxSymbolCacheEntries is the fallback bound for the code-object-key →
// symbol cache when a caller passes capacity <= 0, per §5 ("max 200,000
// Python symbol entries"). Callers that have loaded a config.ResourceLimits
// should pass its MaxPythonSymbols instead.
const maxSymbolCacheEntries = 200000

// SymbolKey identifies one PyCodeObject within one process's lifetime: the
// object's address is stable for as long as the process runs, the
// first-line number guards against address reuse granularity, and the pid
// disambiguates across replaced processes with coincidentally equal
// addresses (§4.D's "Rationale").
type SymbolKey struct {
	CodeObject    uint64
	PID           uint32
	FirstLineNo   int32
}

// Symbol is the pair of strings read out of one PyCodeObject, cached so
// each code object's strings are read at most once.
type Symbol struct {
	FileName string
	QualName string
}

// ThreadStateCache maps a native thread id to its last-seen PyThreadState
// address, mirroring the reference's python_thread_id_py_thread_state LRU
// map (py_threads.h).
type ThreadStateCache struct {
	lru *lru.Cache[uint32, uint64]
}

// NewThreadStateCache returns an empty, bounded cache. capacity <= 0 falls
// back to maxThreadStateCacheEntries.
func NewThreadStateCache(capacity int) *ThreadStateCache {
	if capacity <= 0 {
		capacity = maxThreadStateCacheEntries
	}
	c, _ := lru.New[uint32, uint64](capacity)
	return &ThreadStateCache{lru: c}
}

// Get looks up the PyThreadState address cached for nativeTID.
func (c *ThreadStateCache) Get(nativeTID uint32) (uint64, bool) {
	return c.lru.Get(nativeTID)
}

// Upsert records addr as the current PyThreadState for nativeTID.
func (c *ThreadStateCache) Upsert(nativeTID uint32, addr uint64) {
	if nativeTID == 0 {
		return
	}
	c.lru.Add(nativeTID, addr)
}

// SymbolCache maps a SymbolKey to its decoded Symbol, mirroring the
// reference's python_symbols LRU map (python.h).
type SymbolCache struct {
	lru *lru.Cache[SymbolKey, Symbol]
}

// NewSymbolCache returns an empty, bounded cache. capacity <= 0 falls back
// to maxSymbolCacheEntries.
func NewSymbolCache(capacity int) *SymbolCache {
	if capacity <= 0 {
		capacity = maxSymbolCacheEntries
	}
	c, _ := lru.New[SymbolKey, Symbol](capacity)
	return &SymbolCache{lru: c}
}

// Get looks up the symbol cached for key.
func (c *SymbolCache) Get(key SymbolKey) (Symbol, bool) {
	return c.lru.Get(key)
}

// Insert caches sym for key.
func (c *SymbolCache) Insert(key SymbolKey, sym Symbol) {
	c.lru.Add(key, sym)
}
