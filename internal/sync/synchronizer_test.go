package sync

import (
	"testing"

	"github.com/puoxiu/sanxiao-battle/internal/model"
)

func baseState() *model.StateSnapshot {
	return &model.StateSnapshot{
		PlayerGrid: [][]string{
			{"r", "g", "b"},
			{"b", "r", "g"},
		},
		OpponentGrid: [][]string{
			{"g", "g", "b"},
			{"b", "b", "r"},
		},
		PlayerScore:  100,
		CurrentTurn:  "host",
		ActiveEvents: []string{"frenzy"},
	}
}

func TestVersionMonotonePerProducer(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)

	prev := int64(0)
	for i := 0; i < 20; i++ {
		snap := s.CreateSnapshot(baseState())
		if snap.Version <= prev {
			t.Fatalf("version not strictly increasing: %d after %d", snap.Version, prev)
		}
		prev = snap.Version
	}
}

func TestGenerateDeltaFindsCellAndScalarChanges(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)
	s.CreateSnapshot(baseState())

	next := baseState()
	next.PlayerGrid[0][0] = "b"
	next.PlayerGrid[1][2] = "r"
	next.PlayerScore = 150
	next.CurrentTurn = "guest"
	s.CreateSnapshot(next)

	delta := GenerateDelta(s.previous, s.current)
	if delta == nil {
		t.Fatalf("expected delta")
	}
	// 2格 + 1计分 + 1回合 = 4条变更
	if len(delta.Changes) != 4 {
		t.Fatalf("expected 4 changes, got %d: %+v", len(delta.Changes), delta.Changes)
	}
	if delta.BaseVersion != 1 || delta.Version != 2 {
		t.Fatalf("bad delta versions: base=%d version=%d", delta.BaseVersion, delta.Version)
	}
}

func TestGenerateDeltaNilWhenIdentical(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)
	s.CreateSnapshot(baseState())
	s.CreateSnapshot(baseState())

	if delta := GenerateDelta(s.previous, s.current); delta != nil {
		t.Fatalf("expected nil delta for identical states, got %d changes", len(delta.Changes))
	}
}

func TestApplyDeltaMatchesDirectSnapshot(t *testing.T) {
	s := NewSynchronizer(SyncModeDelta)
	first := s.CreateSnapshot(baseState())

	next := baseState()
	next.OpponentGrid[0][1] = "r"
	next.OpponentScore = 55
	next.EventProgress = 3
	next.ActiveEvents = []string{"frenzy", "storm"}
	second := s.CreateSnapshot(next)

	delta := GenerateDelta(first, second)
	if delta == nil {
		t.Fatalf("expected delta")
	}

	applied, err := ApplyDelta(first, delta)
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if applied.Version != second.Version {
		t.Fatalf("version after apply = %d, want %d", applied.Version, second.Version)
	}
	if applied.OpponentGrid[0][1] != "r" || applied.OpponentScore != 55 || applied.EventProgress != 3 {
		t.Fatalf("delta not applied: %+v", applied)
	}
	if len(applied.ActiveEvents) != 2 {
		t.Fatalf("active events not applied: %v", applied.ActiveEvents)
	}

	// 等幂：对已在目标版本的快照重放结果不变
	again, err := ApplyDelta(applied, delta)
	if err != nil {
		t.Fatalf("idempotent apply: %v", err)
	}
	if again.Version != applied.Version || again.OpponentScore != applied.OpponentScore {
		t.Fatalf("second apply diverged")
	}
}

func TestApplyDeltaRejectsVersionMismatch(t *testing.T) {
	snap := baseState()
	snap.Version = 7
	delta := &model.StateDelta{Version: 10, BaseVersion: 9}

	if _, err := ApplyDelta(snap, delta); err == nil {
		t.Fatalf("expected base version mismatch error")
	}
}

func TestApplyDeltaDoesNotMutateInput(t *testing.T) {
	snap := baseState()
	snap.Version = 1
	delta := &model.StateDelta{
		Version:     2,
		BaseVersion: 1,
		Changes: []model.StateChange{
			{Kind: model.ChangeCell, Grid: model.GridPlayer, Row: 0, Col: 0, Cell: "x"},
		},
	}

	if _, err := ApplyDelta(snap, delta); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if snap.PlayerGrid[0][0] != "r" {
		t.Fatalf("input snapshot mutated")
	}
}

func TestHybridModeSwitch(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)

	// 第1次：无上个快照，必须全量
	s.CreateSnapshot(baseState())
	p := s.BuildPayload("r")
	if p.IsDelta() {
		t.Fatalf("first sync must be full")
	}

	// 第2..9次：小变更走增量
	for i := 2; i <= 9; i++ {
		next := baseState()
		next.PlayerScore = int64(100 + i)
		s.CreateSnapshot(next)
		p = s.BuildPayload("r")
		if !p.IsDelta() {
			t.Fatalf("sync %d expected delta", i)
		}
	}

	// 第10次：周期关键帧，全量
	next := baseState()
	next.PlayerScore = 500
	s.CreateSnapshot(next)
	p = s.BuildPayload("r")
	if p.IsDelta() {
		t.Fatalf("10th sync must be a keyframe")
	}

	// 第11次：变更数超过50，全量
	big := baseState()
	big.PlayerGrid = make([][]string, 8)
	big.OpponentGrid = make([][]string, 8)
	for r := 0; r < 8; r++ {
		big.PlayerGrid[r] = []string{"z", "z", "z", "z", "z", "z", "z", "z"}
		big.OpponentGrid[r] = []string{"z", "z", "z", "z", "z", "z", "z", "z"}
	}
	s.CreateSnapshot(big)
	p = s.BuildPayload("r")
	if p.IsDelta() {
		t.Fatalf("oversized delta must fall back to full snapshot")
	}
}

func TestFullModeNeverDelta(t *testing.T) {
	s := NewSynchronizer(SyncModeFull)
	for i := 0; i < 5; i++ {
		next := baseState()
		next.PlayerScore = int64(i)
		s.CreateSnapshot(next)
		if p := s.BuildPayload("r"); p.IsDelta() {
			t.Fatalf("FULL mode produced a delta")
		}
	}
}

func TestAcceptRemoteSnapshotWindow(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)
	for i := 0; i < 10; i++ {
		s.CreateSnapshot(baseState())
	}
	// 本地版本10，窗口到5
	if !s.AcceptRemoteSnapshot(&model.StateSnapshot{Version: 5}) {
		t.Fatalf("version 5 should be inside window")
	}
	if s.AcceptRemoteSnapshot(&model.StateSnapshot{Version: 4}) {
		t.Fatalf("version 4 should be discarded")
	}
}

func TestIsConflictingDelta(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)
	s.CreateSnapshot(baseState())
	s.CreateSnapshot(baseState())

	if !s.IsConflictingDelta(&model.StateDelta{BaseVersion: 1, Version: 2}) {
		t.Fatalf("base version behind local should signal conflict")
	}
	if s.IsConflictingDelta(&model.StateDelta{BaseVersion: 2, Version: 3}) {
		t.Fatalf("base version at local should not signal conflict")
	}
}

func TestAdoptSnapshotKeepsVersionMonotone(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)
	s.CreateSnapshot(baseState())

	remote := baseState()
	remote.Version = 42
	s.AdoptSnapshot(remote)

	snap := s.CreateSnapshot(baseState())
	if snap.Version <= 42 {
		t.Fatalf("version after adopt = %d, want > 42", snap.Version)
	}
}

func TestStatsTracking(t *testing.T) {
	s := NewSynchronizer(SyncModeHybrid)
	s.CreateSnapshot(baseState())
	s.BuildPayload("r")

	next := baseState()
	next.PlayerScore = 1
	s.CreateSnapshot(next)
	s.BuildPayload("r")

	stats := s.GetStats()
	if stats.TotalSyncs != 2 || stats.FullSyncs != 1 || stats.DeltaSyncs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgDeltaSize != 1 {
		t.Fatalf("avg delta size = %v, want 1", stats.AvgDeltaSize)
	}
}
