package conflict

import (
	"fmt"
	"testing"

	"github.com/puoxiu/sanxiao-battle/internal/model"
)

func snapshotPair() (*model.StateSnapshot, *model.StateSnapshot) {
	// 双方视角一致的基线：local.playerGrid 与 remote.opponentGrid 逐格相同
	grid := [][]string{
		{"r", "g", "b", "r"},
		{"g", "b", "r", "g"},
		{"b", "r", "g", "b"},
	}
	local := &model.StateSnapshot{
		Version:       10,
		Timestamp:     1700000000000,
		PlayerGrid:    grid,
		OpponentGrid:  grid,
		PlayerScore:   200,
		OpponentScore: 180,
	}
	local = local.Clone() // 两块棋盘解除共享
	return local, local.Clone()
}

func TestDetectNoConflict(t *testing.T) {
	local, remote := snapshotPair()
	if rec := Detect(local, remote); rec != nil {
		t.Fatalf("expected no conflict, got %+v", rec)
	}
}

func TestDetectVersionMismatchFirst(t *testing.T) {
	local, remote := snapshotPair()
	remote.Version = local.Version + 2
	// 同时制造棋盘差异，校验版本检查优先
	remote.OpponentGrid[0][0] = "x"
	remote.OpponentGrid[0][1] = "x"
	remote.OpponentGrid[0][2] = "x"
	remote.OpponentGrid[0][3] = "x"
	remote.OpponentGrid[1][0] = "x"
	remote.OpponentGrid[1][1] = "x"

	rec := Detect(local, remote)
	if rec == nil || rec.Type != model.ConflictVersionMismatch {
		t.Fatalf("expected VERSION_MISMATCH, got %+v", rec)
	}
}

func TestDetectGridInconsistency(t *testing.T) {
	local, remote := snapshotPair()
	// local.playerGrid 与 remote.opponentGrid 改出7格差异
	for i := 0; i < 7; i++ {
		remote.OpponentGrid[i/4][i%4] = "x"
	}

	rec := Detect(local, remote)
	if rec == nil || rec.Type != model.ConflictGridInconsistency {
		t.Fatalf("expected GRID_INCONSISTENCY, got %+v", rec)
	}
}

func TestDetectScoreMismatch(t *testing.T) {
	local, remote := snapshotPair()
	remote.PlayerScore += 101

	rec := Detect(local, remote)
	if rec == nil || rec.Type != model.ConflictScoreMismatch {
		t.Fatalf("expected SCORE_MISMATCH, got %+v", rec)
	}
}

func TestDetectStateDivergence(t *testing.T) {
	local, remote := snapshotPair()
	remote.Timestamp = local.Timestamp + 10001

	rec := Detect(local, remote)
	if rec == nil || rec.Type != model.ConflictStateDivergence {
		t.Fatalf("expected STATE_DIVERGENCE, got %+v", rec)
	}
}

func TestServerAuthoritativeWithCompensation(t *testing.T) {
	local, remote := snapshotPair()
	// 7格差异触发 GRID_INCONSISTENCY
	for i := 0; i < 7; i++ {
		remote.OpponentGrid[i/4][i%4] = "x"
	}

	r := NewResolver(StrategyServerAuthoritative, false)
	resolution, record := r.Resolve("room-1", local, remote)
	if resolution == nil || record == nil {
		t.Fatalf("expected a resolution")
	}
	if record.Type != model.ConflictGridInconsistency {
		t.Fatalf("detected type = %s", record.Type)
	}
	if resolution.Strategy != StrategyServerAuthoritative || !resolution.Success {
		t.Fatalf("unexpected resolution: %+v", resolution)
	}
	if !resolution.RollbackRequired {
		t.Fatalf("expected rollback for diverged local state")
	}
	if resolution.ResolvedState.OpponentGrid[0][0] != "x" {
		t.Fatalf("resolved state should be the remote snapshot")
	}
	// 补偿：local 与 remote 在 opponentGrid 的7格差异
	if len(resolution.CompensationMoves) != 7 {
		t.Fatalf("expected 7 compensation entries, got %d", len(resolution.CompensationMoves))
	}
}

func TestClientAuthoritativeKeepsLocal(t *testing.T) {
	local, remote := snapshotPair()
	remote.Version = local.Version + 2

	r := NewResolver(StrategyClientAuthoritative, false)
	resolution, _ := r.Resolve("room-1", local, remote)
	if resolution == nil {
		t.Fatalf("expected a resolution")
	}
	if resolution.RollbackRequired {
		t.Fatalf("client authoritative never rolls back")
	}
	if resolution.ResolvedState.Version != local.Version {
		t.Fatalf("resolved state should be local")
	}
	if len(resolution.CompensationMoves) != 0 {
		t.Fatalf("no compensation expected")
	}
}

func TestLatestTimestampPicksNewer(t *testing.T) {
	local, remote := snapshotPair()
	remote.Timestamp = local.Timestamp + 10001
	remote.OpponentGrid[0][0] = "x"

	r := NewResolver(StrategyLatestTimestamp, false)
	resolution, _ := r.Resolve("room-1", local, remote)
	if resolution == nil {
		t.Fatalf("expected a resolution")
	}
	if !resolution.RollbackRequired {
		t.Fatalf("remote wins on timestamp, rollback required")
	}
	if resolution.ResolvedState.Timestamp != remote.Timestamp {
		t.Fatalf("resolved state should be remote")
	}
	if len(resolution.CompensationMoves) == 0 {
		t.Fatalf("expected cell compensation when remote wins")
	}
}

func TestRollbackPicksSmallerVersion(t *testing.T) {
	local, remote := snapshotPair()
	remote.Version = local.Version + 2

	r := NewResolver(StrategyRollback, false)
	resolution, _ := r.Resolve("room-1", local, remote)
	if resolution == nil {
		t.Fatalf("expected a resolution")
	}
	if resolution.ResolvedState.Version != local.Version {
		t.Fatalf("rollback should pick the smaller version, got %d", resolution.ResolvedState.Version)
	}
	if !resolution.RollbackRequired {
		t.Fatalf("rollback strategy always requires rollback")
	}
}

func TestMergeRules(t *testing.T) {
	local := &model.StateSnapshot{
		Version:       5,
		Timestamp:     1000,
		PlayerGrid:    [][]string{{"r", ""}},
		OpponentGrid:  [][]string{{"", "b"}},
		PlayerScore:   100,
		OpponentScore: 50,
		CurrentTurn:   "host",
		ActiveEvents:  []string{"old"},
	}
	remote := &model.StateSnapshot{
		Version:       6,
		Timestamp:     2000,
		PlayerGrid:    [][]string{{"g", "b"}},
		OpponentGrid:  [][]string{{"r", ""}},
		PlayerScore:   80,
		OpponentScore: 120,
		CurrentTurn:   "guest",
		ActiveEvents:  []string{"new"},
	}

	merged := merge(local, remote)

	// 版本 = max+1
	if merged.Version != 7 {
		t.Fatalf("merged version = %d, want 7", merged.Version)
	}
	// 标量取最大
	if merged.PlayerScore != 100 || merged.OpponentScore != 120 {
		t.Fatalf("scalar merge wrong: %d/%d", merged.PlayerScore, merged.OpponentScore)
	}
	// 时间戳/回合/事件取较新方
	if merged.Timestamp != 2000 || merged.CurrentTurn != "guest" || merged.ActiveEvents[0] != "new" {
		t.Fatalf("later-side fields wrong: %+v", merged)
	}
	// 单元格：两边非空时偏向本地，本地空取远端
	if merged.PlayerGrid[0][0] != "r" {
		t.Fatalf("both non-empty should prefer local, got %q", merged.PlayerGrid[0][0])
	}
	if merged.PlayerGrid[0][1] != "b" {
		t.Fatalf("local empty should take remote, got %q", merged.PlayerGrid[0][1])
	}
}

func TestStrictGridsDisablesMerge(t *testing.T) {
	local, remote := snapshotPair()
	remote.Timestamp = local.Timestamp + 10001

	r := NewResolver(StrategyMerge, true)
	resolution, _ := r.Resolve("room-1", local, remote)
	if resolution == nil {
		t.Fatalf("expected a resolution")
	}
	if resolution.Strategy != StrategyLatestTimestamp {
		t.Fatalf("strict grids should fall back to LATEST_TIMESTAMP, got %s", resolution.Strategy)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	r := NewResolver(StrategyClientAuthoritative, false)

	for i := 0; i < historyLimit+20; i++ {
		local, remote := snapshotPair()
		local.Version = int64(i)
		remote.Version = int64(i) + 5
		r.Resolve("room-1", local, remote)
	}

	history := r.History()
	if len(history) != historyLimit {
		t.Fatalf("history length = %d, want %d", len(history), historyLimit)
	}
	// 留下来的是最新的
	if history[len(history)-1].LocalVersion != int64(historyLimit+19) {
		t.Fatalf("newest record missing: %+v", history[len(history)-1])
	}
}

func TestStatsPerTypeAndStrategy(t *testing.T) {
	r := NewResolver(StrategyServerAuthoritative, false)

	for i := 0; i < 3; i++ {
		local, remote := snapshotPair()
		remote.Version = local.Version + 2
		r.Resolve(fmt.Sprintf("room-%d", i), local, remote)
	}

	stats := r.GetStats()
	if stats.ByType[model.ConflictVersionMismatch] != 3 {
		t.Fatalf("by-type count = %d, want 3", stats.ByType[model.ConflictVersionMismatch])
	}
	if stats.ByStrategy[StrategyServerAuthoritative] != 3 {
		t.Fatalf("by-strategy count = %d, want 3", stats.ByStrategy[StrategyServerAuthoritative])
	}
	if stats.AvgLatencyMs < 0 {
		t.Fatalf("latency ewma should be non-negative")
	}
}
