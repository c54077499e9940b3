package pool

import (
	"testing"
)

func TestGenericPoolReuse(t *testing.T) {
	type obj struct{ n int }
	resetCalls := 0

	p := NewGenericPool(4,
		func() interface{} { return &obj{} },
		func(o interface{}) {
			o.(*obj).n = 0
			resetCalls++
		},
	)

	a := p.Get().(*obj)
	a.n = 42
	p.Put(a)

	if resetCalls != 1 {
		t.Fatalf("reset not invoked on put")
	}

	b := p.Get().(*obj)
	if b != a {
		t.Fatalf("expected pooled object reuse")
	}
	if b.n != 0 {
		t.Fatalf("object state not reset")
	}

	created, gotten, put := p.Stats()
	if created != 1 || gotten != 2 || put != 1 {
		t.Fatalf("stats = %d/%d/%d", created, gotten, put)
	}
}

func TestByteBufferPoolSizing(t *testing.T) {
	p := NewByteBufferPool()

	buf := p.GetBuffer(100)
	if len(buf) != 100 {
		t.Fatalf("buffer length = %d, want 100", len(buf))
	}
	if cap(buf) != 256 {
		t.Fatalf("should come from the 256 sub-pool, cap = %d", cap(buf))
	}
	p.PutBuffer(buf)

	// 超过最大档位：直接分配
	huge := p.GetBuffer(1 << 20)
	if len(huge) != 1<<20 {
		t.Fatalf("oversized buffer length = %d", len(huge))
	}
}

func TestFramePoolReset(t *testing.T) {
	p := NewFramePool(8)

	f := p.GetFrame()
	f.Critical = true
	f.SetData([]byte("hello"))
	if string(f.Data) != "hello" {
		t.Fatalf("set data failed")
	}
	p.PutFrame(f)

	g := p.GetFrame()
	if g.Critical || len(g.Data) != 0 {
		t.Fatalf("frame not reset: %+v", g)
	}
}
