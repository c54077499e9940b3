package hub

import (
	"fmt"
	"testing"
	"time"
)

func TestPeerQueueOverflowPolicy(t *testing.T) {
	p := newPeer("peer-a", nil)

	// 队首关键帧 + 填满非关键帧
	p.enqueue([]byte("critical-0"), true)
	for i := 1; i < outboundQueueSize; i++ {
		p.enqueue([]byte(fmt.Sprintf("f-%d", i)), false)
	}

	// 溢出：丢最旧的非关键帧
	if err := p.enqueue([]byte("overflow"), false); err != nil {
		t.Fatalf("overflow with droppable frames: %v", err)
	}

	first, _ := p.dequeue()
	if string(first.data) != "critical-0" {
		t.Fatalf("critical frame dropped")
	}
	second, _ := p.dequeue()
	if string(second.data) != "f-2" {
		t.Fatalf("expected f-1 dropped, head is %s", second.data)
	}
}

func TestPeerQueueBackpressureAbort(t *testing.T) {
	p := newPeer("peer-a", nil)

	for i := 0; i < outboundQueueSize; i++ {
		if err := p.enqueue([]byte("c"), true); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := p.enqueue([]byte("x"), true); err != errBackpressureAbort {
		t.Fatalf("expected backpressure abort, got %v", err)
	}
}

func TestPeerEnqueueAfterShutdown(t *testing.T) {
	p := newPeer("peer-a", nil)
	p.shutdown()

	if err := p.enqueue([]byte("x"), false); err == nil {
		t.Fatalf("enqueue after shutdown must fail")
	}
}

func TestPeerRTTSmoothing(t *testing.T) {
	p := newPeer("peer-a", nil)

	p.updateRTT(100 * time.Millisecond)
	if p.LastRTT != 100*time.Millisecond {
		t.Fatalf("first sample is taken as-is, got %v", p.LastRTT)
	}

	// α=0.3：0.3*200 + 0.7*100 = 130ms
	p.updateRTT(200 * time.Millisecond)
	if p.LastRTT < 125*time.Millisecond || p.LastRTT > 135*time.Millisecond {
		t.Fatalf("ewma off: %v", p.LastRTT)
	}

	// 负采样按0处理
	p.updateRTT(-50 * time.Millisecond)
	if p.LastRTT < 0 {
		t.Fatalf("rtt must never go negative")
	}
}
