package transport

import (
	"fmt"
	"testing"
)

func TestQueueDropsOldestNonCritical(t *testing.T) {
	q := newSendQueue()

	// 填满：第1帧关键，其余非关键
	q.push([]byte("critical-0"), true)
	for i := 1; i < queueCapacity; i++ {
		q.push([]byte(fmt.Sprintf("frame-%d", i)), false)
	}

	// 溢出：最旧的非关键帧（frame-1）被丢
	if err := q.push([]byte("overflow"), false); err != nil {
		t.Fatalf("push with droppable frames should succeed: %v", err)
	}
	if q.depth() != queueCapacity {
		t.Fatalf("depth = %d, want %d", q.depth(), queueCapacity)
	}

	first, _ := q.pop()
	if string(first.data) != "critical-0" {
		t.Fatalf("critical head must survive, got %s", first.data)
	}
	second, _ := q.pop()
	if string(second.data) != "frame-2" {
		t.Fatalf("frame-1 should have been dropped, head is %s", second.data)
	}
}

func TestQueueAbortsWhenFullOfCritical(t *testing.T) {
	q := newSendQueue()

	for i := 0; i < queueCapacity; i++ {
		if err := q.push([]byte("c"), true); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if err := q.push([]byte("one-more"), true); err != ErrQueueAbort {
		t.Fatalf("expected BACKPRESSURE_ABORT, got %v", err)
	}
}

func TestQueueUnshiftRestoresHead(t *testing.T) {
	q := newSendQueue()
	q.push([]byte("a"), false)
	q.push([]byte("b"), false)

	f, _ := q.pop()
	q.unshift(f)

	head, ok := q.pop()
	if !ok || string(head.data) != "a" {
		t.Fatalf("unshift should restore the head, got %s", head.data)
	}
}
