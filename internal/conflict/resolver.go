package conflict

import (
	"fmt"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
)

// Strategy 冲突解决策略
type Strategy string

const (
	StrategyServerAuthoritative Strategy = "SERVER_AUTHORITATIVE" // 以服务端快照为准
	StrategyClientAuthoritative Strategy = "CLIENT_AUTHORITATIVE" // 以本地快照为准
	StrategyLatestTimestamp     Strategy = "LATEST_TIMESTAMP"     // 时间戳较新者胜
	StrategyMerge               Strategy = "MERGE"                // 合成快照
	StrategyRollback            Strategy = "ROLLBACK"             // 回退到较小版本
)

// 冲突历史环形缓冲上限
const historyLimit = 100

// Resolution 一次冲突解决的结果
type Resolution struct {
	Success           bool                 `json:"success"`
	Strategy          Strategy             `json:"strategy"`
	ResolvedState     *model.StateSnapshot `json:"resolved_state"`
	RollbackRequired  bool                 `json:"rollback_required"`
	CompensationMoves []model.StateChange  `json:"compensation_moves"`
	Message           string               `json:"message"`
}

// ResolverStats 解决统计
type ResolverStats struct {
	ByType       map[model.ConflictType]int64 `json:"by_type"`
	ByStrategy   map[Strategy]int64           `json:"by_strategy"`
	AvgLatencyMs float64                      `json:"avg_latency_ms"`
}

// Resolver 冲突解决器
// 默认跑在客户端，服务端快照作为权威输入；策略按房间可配
type Resolver struct {
	mutex      sync.Mutex
	strategy   Strategy
	strictGrid bool // 禁用MERGE（房间规则不允许未校验的棋盘状态时）
	history    []model.ConflictRecord
	stats      ResolverStats
	log        *logger.SyncLogger
}

// NewResolver 创建冲突解决器
func NewResolver(strategy Strategy, strictGrid bool) *Resolver {
	if strategy == "" {
		strategy = StrategyServerAuthoritative
	}
	return &Resolver{
		strategy:   strategy,
		strictGrid: strictGrid,
		history:    make([]model.ConflictRecord, 0, historyLimit),
		stats: ResolverStats{
			ByType:     make(map[model.ConflictType]int64),
			ByStrategy: make(map[Strategy]int64),
		},
		log: logger.NewSyncLogger(),
	}
}

// Strategy 当前策略
func (r *Resolver) Strategy() Strategy {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.strategy
}

// Resolve 检测并解决本地与远端快照的分歧
// 无分歧时返回 (nil, nil)；有分歧时返回解决结果
func (r *Resolver) Resolve(roomID string, local, remote *model.StateSnapshot) (*Resolution, *model.ConflictRecord) {
	detected := Detect(local, remote)
	if detected == nil {
		return nil, nil
	}

	start := time.Now()

	r.mutex.Lock()
	strategy := r.strategy
	if strategy == StrategyMerge && r.strictGrid {
		// 严格棋盘房间禁止合成状态，退回时间戳策略
		strategy = StrategyLatestTimestamp
	}
	r.recordLocked(*detected)
	r.mutex.Unlock()

	resolution := r.apply(strategy, local, remote)

	r.mutex.Lock()
	r.stats.ByType[detected.Type]++
	r.stats.ByStrategy[resolution.Strategy]++
	const alpha = 0.3
	ms := float64(time.Since(start).Microseconds()) / 1000.0
	if r.stats.AvgLatencyMs == 0 {
		r.stats.AvgLatencyMs = ms
	} else {
		r.stats.AvgLatencyMs = alpha*ms + (1-alpha)*r.stats.AvgLatencyMs
	}
	r.mutex.Unlock()

	r.log.LogConflict(roomID, string(detected.Type), string(resolution.Strategy), resolution.Success)
	return resolution, detected
}

// apply 按策略计算解决结果
func (r *Resolver) apply(strategy Strategy, local, remote *model.StateSnapshot) *Resolution {
	switch strategy {
	case StrategyServerAuthoritative:
		// 远端（服务端来源）为准；本地不一致则需要回滚并给出补偿
		rollback := countGridDiff(local.PlayerGrid, remote.PlayerGrid)+countGridDiff(local.OpponentGrid, remote.OpponentGrid) > 0 ||
			local.Version != remote.Version
		return &Resolution{
			Success:           true,
			Strategy:          strategy,
			ResolvedState:     remote.Clone(),
			RollbackRequired:  rollback,
			CompensationMoves: compensation(local, remote),
			Message:           "server snapshot adopted",
		}

	case StrategyClientAuthoritative:
		return &Resolution{
			Success:       true,
			Strategy:      strategy,
			ResolvedState: local.Clone(),
			Message:       "local snapshot kept",
		}

	case StrategyLatestTimestamp:
		if remote.Timestamp > local.Timestamp {
			return &Resolution{
				Success:           true,
				Strategy:          strategy,
				ResolvedState:     remote.Clone(),
				RollbackRequired:  true,
				CompensationMoves: compensation(local, remote),
				Message:           "remote snapshot is newer",
			}
		}
		return &Resolution{
			Success:       true,
			Strategy:      strategy,
			ResolvedState: local.Clone(),
			Message:       "local snapshot is newer",
		}

	case StrategyMerge:
		merged := merge(local, remote)
		return &Resolution{
			Success:           true,
			Strategy:          strategy,
			ResolvedState:     merged,
			CompensationMoves: compensation(local, merged),
			Message:           "snapshots merged",
		}

	case StrategyRollback:
		chosen := local
		if remote.Version < local.Version {
			chosen = remote
		}
		return &Resolution{
			Success:          true,
			Strategy:         strategy,
			ResolvedState:    chosen.Clone(),
			RollbackRequired: true,
			Message:          fmt.Sprintf("rolled back to version %d", chosen.Version),
		}

	default:
		return &Resolution{
			Success:  false,
			Strategy: strategy,
			Message:  fmt.Sprintf("unknown strategy %q", strategy),
		}
	}
}

// compensation 生成从from到to的单元格级补偿变更
func compensation(from, to *model.StateSnapshot) []model.StateChange {
	if from == nil || to == nil {
		return nil
	}
	changes := make([]model.StateChange, 0, 8)
	changes = appendCellDiffs(changes, model.GridPlayer, from.PlayerGrid, to.PlayerGrid)
	changes = appendCellDiffs(changes, model.GridOpponent, from.OpponentGrid, to.OpponentGrid)
	return changes
}

func appendCellDiffs(changes []model.StateChange, selector model.GridSelector, from, to [][]string) []model.StateChange {
	rows := len(to)
	if len(from) > rows {
		rows = len(from)
	}
	for row := 0; row < rows; row++ {
		var fromRow, toRow []string
		if row < len(from) {
			fromRow = from[row]
		}
		if row < len(to) {
			toRow = to[row]
		}
		cols := len(toRow)
		if len(fromRow) > cols {
			cols = len(fromRow)
		}
		for col := 0; col < cols; col++ {
			if cellAt(fromRow, col) != cellAt(toRow, col) {
				changes = append(changes, model.StateChange{
					Kind: model.ChangeCell,
					Grid: selector,
					Row:  row,
					Col:  col,
					Cell: cellAt(toRow, col),
				})
			}
		}
	}
	return changes
}

// merge 合成快照：标量取最大，时间戳/回合/事件取较新方，
// 单元格取非空值（两边都非空时偏向本地），版本为两者最大+1
func merge(local, remote *model.StateSnapshot) *model.StateSnapshot {
	later := local
	if remote.Timestamp > local.Timestamp {
		later = remote
	}

	merged := local.Clone()
	merged.Timestamp = later.Timestamp
	merged.CurrentTurn = later.CurrentTurn
	merged.ActiveEvents = append([]string(nil), later.ActiveEvents...)

	merged.PlayerScore = maxInt64(local.PlayerScore, remote.PlayerScore)
	merged.OpponentScore = maxInt64(local.OpponentScore, remote.OpponentScore)
	merged.PlayerMoves = maxInt64(local.PlayerMoves, remote.PlayerMoves)
	merged.OpponentMoves = maxInt64(local.OpponentMoves, remote.OpponentMoves)
	merged.EventProgress = maxInt64(local.EventProgress, remote.EventProgress)

	merged.PlayerGrid = mergeGrids(local.PlayerGrid, remote.PlayerGrid)
	merged.OpponentGrid = mergeGrids(local.OpponentGrid, remote.OpponentGrid)

	merged.Version = maxInt64(local.Version, remote.Version) + 1
	merged.BaseVersion = maxInt64(local.Version, remote.Version)
	return merged
}

func mergeGrids(local, remote [][]string) [][]string {
	rows := len(local)
	if len(remote) > rows {
		rows = len(remote)
	}
	merged := make([][]string, rows)
	for r := 0; r < rows; r++ {
		var localRow, remoteRow []string
		if r < len(local) {
			localRow = local[r]
		}
		if r < len(remote) {
			remoteRow = remote[r]
		}
		cols := len(localRow)
		if len(remoteRow) > cols {
			cols = len(remoteRow)
		}
		merged[r] = make([]string, cols)
		for c := 0; c < cols; c++ {
			localCell := cellAt(localRow, c)
			remoteCell := cellAt(remoteRow, c)
			if localCell != "" {
				merged[r][c] = localCell
			} else {
				merged[r][c] = remoteCell
			}
		}
	}
	return merged
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// recordLocked 追加冲突历史，超过上限丢弃最旧的
func (r *Resolver) recordLocked(rec model.ConflictRecord) {
	if len(r.history) >= historyLimit {
		copy(r.history, r.history[1:])
		r.history = r.history[:historyLimit-1]
	}
	r.history = append(r.history, rec)
}

// History 冲突历史副本（最旧在前）
func (r *Resolver) History() []model.ConflictRecord {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]model.ConflictRecord(nil), r.history...)
}

// GetStats 统计快照
func (r *Resolver) GetStats() ResolverStats {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := ResolverStats{
		ByType:       make(map[model.ConflictType]int64, len(r.stats.ByType)),
		ByStrategy:   make(map[Strategy]int64, len(r.stats.ByStrategy)),
		AvgLatencyMs: r.stats.AvgLatencyMs,
	}
	for k, v := range r.stats.ByType {
		out.ByType[k] = v
	}
	for k, v := range r.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}
