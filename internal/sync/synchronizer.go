package sync

import (
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
)

// SyncMode 同步模式
type SyncMode string

const (
	SyncModeFull   SyncMode = "FULL"   // 永远全量
	SyncModeDelta  SyncMode = "DELTA"  // 永远增量（首次及无变更时发全量）
	SyncModeHybrid SyncMode = "HYBRID" // 默认：增量为主，定期关键帧
)

// HYBRID 模式参数
const (
	keyframeInterval = 10 // 每10次同步发一次全量关键帧
	maxDeltaChanges  = 50 // 增量超过50条变更时退回全量
)

// 远端版本接受窗口：remote.version >= local.version - 5
const versionAcceptWindow = 5

// Stats 同步统计
type Stats struct {
	TotalSyncs     int64   `json:"total_syncs"`
	FullSyncs      int64   `json:"full_syncs"`
	DeltaSyncs     int64   `json:"delta_syncs"`
	AvgDeltaSize   float64 `json:"avg_delta_size"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	ConflictCount  int64   `json:"conflict_count"`
	totalDeltaSize int64
}

// Payload 一次同步的载荷：全量或增量二选一
type Payload struct {
	Snapshot *model.StateSnapshot
	Delta    *model.StateDelta
}

// IsDelta 本次同步是否为增量
func (p *Payload) IsDelta() bool {
	return p.Delta != nil
}

// ChangeCount 增量变更条数（全量为0）
func (p *Payload) ChangeCount() int {
	if p.Delta == nil {
		return 0
	}
	return len(p.Delta.Changes)
}

// Synchronizer 状态同步器：每个生产方（玩家客户端）各持一个
// 维护单调递增的版本计数与最近两个快照
type Synchronizer struct {
	mutex    sync.Mutex
	mode     SyncMode
	version  int64
	current  *model.StateSnapshot
	previous *model.StateSnapshot
	stats    Stats
	log      *logger.SyncLogger

	nowMillis func() int64 // 可注入的时钟，测试用
}

// NewSynchronizer 创建同步器
func NewSynchronizer(mode SyncMode) *Synchronizer {
	if mode == "" {
		mode = SyncModeHybrid
	}
	return &Synchronizer{
		mode: mode,
		log:  logger.NewSyncLogger(),
		nowMillis: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// SetClock 注入时钟（测试用）
func (s *Synchronizer) SetClock(nowMillis func() int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nowMillis = nowMillis
}

// Mode 当前同步模式
func (s *Synchronizer) Mode() SyncMode {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.mode
}

// Version 当前本地版本
func (s *Synchronizer) Version() int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.version
}

// Current 当前快照（返回内部引用，调用方只读）
func (s *Synchronizer) Current() *model.StateSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current
}

// CreateSnapshot 从引擎暴露的状态构造新快照
// 版本+1并盖时间戳；previous←current，current←新快照
func (s *Synchronizer) CreateSnapshot(state *model.StateSnapshot) *model.StateSnapshot {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	snap := state.Clone()
	s.version++
	snap.Version = s.version
	if s.current != nil {
		snap.BaseVersion = s.current.Version
	}
	snap.Timestamp = s.nowMillis()

	s.previous = s.current
	s.current = snap
	return snap
}

// BuildPayload 依据模式决定本次同步发全量还是增量
// 并累加统计；调用方负责把载荷交给传输层
func (s *Synchronizer) BuildPayload(roomID string) *Payload {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.current == nil {
		return nil
	}

	s.stats.TotalSyncs++
	delta := GenerateDelta(s.previous, s.current)
	useDelta := s.shouldUseDeltaLocked(delta)

	payload := &Payload{}
	if useDelta {
		s.stats.DeltaSyncs++
		s.stats.totalDeltaSize += int64(len(delta.Changes))
		s.stats.AvgDeltaSize = float64(s.stats.totalDeltaSize) / float64(s.stats.DeltaSyncs)
		payload.Delta = delta
	} else {
		s.stats.FullSyncs++
		payload.Snapshot = s.current.Clone()
	}

	s.log.LogSync(roomID, s.current.Version, useDelta, payload.ChangeCount())
	return payload
}

// shouldUseDeltaLocked 模式选择规则
// FULL 永不增量；DELTA 除首次及无变更外永远增量；
// HYBRID：无上个快照、无变更、到达关键帧周期、或变更数超限时发全量
func (s *Synchronizer) shouldUseDeltaLocked(delta *model.StateDelta) bool {
	switch s.mode {
	case SyncModeFull:
		return false
	case SyncModeDelta:
		return s.previous != nil && delta != nil
	default: // HYBRID
		if s.previous == nil || delta == nil {
			return false
		}
		if s.stats.TotalSyncs%keyframeInterval == 0 {
			return false
		}
		if len(delta.Changes) > maxDeltaChanges {
			return false
		}
		return true
	}
}

// AcceptRemoteSnapshot 版本校验：过旧的远端快照直接丢弃
func (s *Synchronizer) AcceptRemoteSnapshot(remote *model.StateSnapshot) bool {
	if remote == nil {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return remote.Version >= s.version-versionAcceptWindow
}

// IsConflictingDelta 增量的基准版本落后于本地版本时视为冲突信号
func (s *Synchronizer) IsConflictingDelta(delta *model.StateDelta) bool {
	if delta == nil {
		return false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return delta.BaseVersion < s.version
}

// AdoptSnapshot 冲突解决后采纳一个权威快照
// 本地版本对齐到被采纳快照的版本（保证此后产出的版本仍单调）
func (s *Synchronizer) AdoptSnapshot(snapshot *model.StateSnapshot) {
	if snapshot == nil {
		return
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	adopted := snapshot.Clone()
	s.previous = s.current
	s.current = adopted
	if adopted.Version > s.version {
		s.version = adopted.Version
	}
	s.stats.ConflictCount++
}

// RecordLatency 指数平滑的同步延迟（α=0.3）
func (s *Synchronizer) RecordLatency(latency time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	const alpha = 0.3
	ms := float64(latency.Milliseconds())
	if s.stats.AvgLatencyMs == 0 {
		s.stats.AvgLatencyMs = ms
	} else {
		s.stats.AvgLatencyMs = alpha*ms + (1-alpha)*s.stats.AvgLatencyMs
	}
}

// GetStats 获取统计快照
func (s *Synchronizer) GetStats() Stats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.stats
}
