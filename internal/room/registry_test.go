package room

import (
	"strings"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, config RegistryConfig) (*Registry, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	reg := NewRegistry(config, sender, nil, nil)
	t.Cleanup(reg.Close)
	return reg, sender
}

func TestRoomIDShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		if !strings.HasPrefix(id, "room-") {
			t.Fatalf("unexpected id shape: %s", id)
		}
		// 48位熵的随机后缀：12个hex字符
		parts := strings.Split(id, "-")
		suffix := parts[len(parts)-1]
		if len(suffix) != 12 {
			t.Fatalf("suffix length = %d, want 12: %s", len(suffix), id)
		}
		if seen[id] {
			t.Fatalf("duplicate room id: %s", id)
		}
		seen[id] = true
	}
}

func TestCreateGetDispose(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryConfig{})

	r := reg.Create(DefaultOptions())
	if reg.Count() != 1 {
		t.Fatalf("count = %d, want 1", reg.Count())
	}

	got, err := reg.Get(r.ID())
	if err != nil || got != r {
		t.Fatalf("get failed: %v", err)
	}

	if _, err := reg.Get("room-none"); err != ErrRoomNotFound {
		t.Fatalf("expected ROOM_NOT_FOUND, got %v", err)
	}

	reg.Dispose(r.ID())
	if reg.Count() != 0 {
		t.Fatalf("room not removed")
	}
}

func TestSweepRemovesLongEmptyRooms(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryConfig{
		EmptyGrace: 50 * time.Millisecond,
		IdleTTL:    time.Hour,
	})

	empty := reg.Create(DefaultOptions())
	occupied := reg.Create(DefaultOptions())
	occupied.AddPlayer("peer-a")

	// 宽限期未到：不回收
	if removed := reg.Sweep(time.Now()); removed != 0 {
		t.Fatalf("premature sweep removed %d", removed)
	}

	// 宽限期已过：只回收空房
	if removed := reg.Sweep(time.Now().Add(time.Second)); removed != 1 {
		t.Fatalf("sweep removed %d, want 1", removed)
	}
	if _, err := reg.Get(empty.ID()); err != ErrRoomNotFound {
		t.Fatalf("empty room should be gone")
	}
	if _, err := reg.Get(occupied.ID()); err != nil {
		t.Fatalf("occupied room should survive")
	}
}

func TestSweepRemovesExpiredRooms(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryConfig{
		EmptyGrace: time.Hour,
		IdleTTL:    time.Hour,
	})

	r := reg.Create(DefaultOptions())
	r.AddPlayer("peer-a") // 非空也要受存活时长约束

	if removed := reg.Sweep(time.Now().Add(2 * time.Hour)); removed != 1 {
		t.Fatalf("expired room not removed")
	}
}
