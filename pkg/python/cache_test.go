package python

import "testing"

func TestThreadStateCache_GetUpsert(t *testing.T) {
	c := NewThreadStateCache(0)
	if _, ok := c.Get(1); ok {
		t.Fatalf("empty cache should miss")
	}
	c.Upsert(1, 0xabc)
	got, ok := c.Get(1)
	if !ok || got != 0xabc {
		t.Fatalf("got (%#x, %v), want (0xabc, true)", got, ok)
	}
}

// Upsert with nativeTID 0 is a no-op, since 0 means "no valid thread id".
func TestThreadStateCache_ZeroTIDIsNoop(t *testing.T) {
	c := NewThreadStateCache(0)
	c.Upsert(0, 0xdead)
	if _, ok := c.Get(0); ok {
		t.Fatalf("tid 0 should never be cached")
	}
}

func TestSymbolCache_GetInsert(t *testing.T) {
	c := NewSymbolCache(0)
	key := SymbolKey{CodeObject: 0x1000, PID: 7, FirstLineNo: 3}
	if _, ok := c.Get(key); ok {
		t.Fatalf("empty cache should miss")
	}
	c.Insert(key, Symbol{FileName: "a.py", QualName: "f"})
	sym, ok := c.Get(key)
	if !ok || sym.FileName != "a.py" || sym.QualName != "f" {
		t.Fatalf("got (%+v, %v)", sym, ok)
	}
}
