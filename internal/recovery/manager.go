package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"go.uber.org/zap"
)

// 恢复参数
const (
	ringCapacity    = 10               // 内存环形保留的存档数
	persistInterval = 5 * time.Second  // 两次持久化之间的最小间隔
	recoveryWindow  = 60 * time.Second // 掉线超过60秒不再恢复
)

// 恢复失败的原因
var (
	ErrRecoveryTimeout = errors.New("RECOVERY_TIMEOUT")
	ErrNoSnapshot      = errors.New("NO_SNAPSHOT")
)

// ServerSyncFunc 向服务端请求一次权威状态
// 恢复流程中可选的一步；失败时退回本地存档
type ServerSyncFunc func(roomID string) (*model.StateSnapshot, error)

// Manager 断线恢复管理器
// 内存环 + 持久化"最新"副本；最小间隔内的重复保存只进内存环，不写持久层
type Manager struct {
	mutex       sync.Mutex
	ring        []*model.GameSnapshot
	store       SnapshotStore
	lastPersist time.Time
	log         *logger.Logger
}

// NewManager 创建恢复管理器，store可为nil（仅内存环）
func NewManager(store SnapshotStore) *Manager {
	return &Manager{
		ring:  make([]*model.GameSnapshot, 0, ringCapacity),
		store: store,
		log:   logger.GetGlobalLogger().WithField("component", "recovery"),
	}
}

// SaveSnapshot 追加存档到环；距上次持久化超过最小间隔时写入持久层
func (m *Manager) SaveSnapshot(snap *model.GameSnapshot) error {
	if snap == nil {
		return fmt.Errorf("save snapshot: nil snapshot")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.ring) >= ringCapacity {
		copy(m.ring, m.ring[1:])
		m.ring = m.ring[:ringCapacity-1]
	}
	m.ring = append(m.ring, snap)

	if m.store == nil {
		return nil
	}
	now := time.Now()
	if now.Sub(m.lastPersist) < persistInterval {
		return nil // 节流：已进环，本次不落盘
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %v", err)
	}
	if err := m.store.Put(snap.RoomID, data); err != nil {
		m.log.Warn("Persist snapshot failed", zap.String("room_id", snap.RoomID), zap.Error(err))
		return err
	}
	if err := m.store.SetLatestRoom(snap.RoomID); err != nil {
		return err
	}
	m.lastPersist = now
	return nil
}

// Latest 返回环中最新存档，环为空时尝试持久层
func (m *Manager) Latest(roomID string) (*model.GameSnapshot, error) {
	m.mutex.Lock()
	for i := len(m.ring) - 1; i >= 0; i-- {
		if m.ring[i].RoomID == roomID {
			snap := m.ring[i]
			m.mutex.Unlock()
			return snap, nil
		}
	}
	m.mutex.Unlock()

	if m.store == nil {
		return nil, ErrNoSnapshot
	}
	data, ok, err := m.store.Get(roomID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSnapshot
	}
	var snap model.GameSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode persisted snapshot: %v", err)
	}
	return &snap, nil
}

// LatestRoom 最近一次保存过存档的房间
func (m *Manager) LatestRoom() (string, bool) {
	m.mutex.Lock()
	if len(m.ring) > 0 {
		roomID := m.ring[len(m.ring)-1].RoomID
		m.mutex.Unlock()
		return roomID, true
	}
	m.mutex.Unlock()

	if m.store == nil {
		return "", false
	}
	roomID, ok, err := m.store.LatestRoom()
	if err != nil || !ok {
		return "", false
	}
	return roomID, true
}

// RecoverGameState 恢复对局状态
// 1. 掉线超窗直接失败；2. 取最新本地存档；3. 可选向服务端要权威状态；
// 4. 两者都有时合并（权威字段以服务端为准）；5. 都没有则失败
func (m *Manager) RecoverGameState(roomID string, disconnectedFor time.Duration, serverSync ServerSyncFunc) (*model.GameSnapshot, error) {
	if disconnectedFor > recoveryWindow {
		return nil, ErrRecoveryTimeout
	}

	local, localErr := m.Latest(roomID)

	var remote *model.StateSnapshot
	if serverSync != nil {
		snap, err := serverSync(roomID)
		if err != nil {
			m.log.Warn("Server state sync failed, falling back to local snapshot",
				zap.String("room_id", roomID), zap.Error(err))
		} else {
			remote = snap
		}
	}

	switch {
	case local != nil && remote != nil:
		merged := *local
		merged.State = mergeAuthoritative(local.State, remote)
		return &merged, nil

	case local != nil:
		return local, nil

	case remote != nil:
		return &model.GameSnapshot{
			Timestamp: remote.Timestamp,
			RoomID:    roomID,
			State:     remote.Clone(),
		}, nil

	default:
		if localErr != nil && !errors.Is(localErr, ErrNoSnapshot) {
			return nil, localErr
		}
		return nil, ErrNoSnapshot
	}
}

// Clear 清除某房间的存档（对局正常结束后调用）
func (m *Manager) Clear(roomID string) {
	m.mutex.Lock()
	kept := m.ring[:0]
	for _, snap := range m.ring {
		if snap.RoomID != roomID {
			kept = append(kept, snap)
		}
	}
	m.ring = kept
	m.mutex.Unlock()

	if m.store != nil {
		if err := m.store.Delete(roomID); err != nil {
			m.log.Warn("Delete persisted snapshot failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// mergeAuthoritative 合并本地与服务端状态
// 分数、步数、回合以服务端为准；服务端缺失的字段保留本地值
func mergeAuthoritative(local, server *model.StateSnapshot) *model.StateSnapshot {
	if local == nil {
		return server.Clone()
	}
	if server == nil {
		return local.Clone()
	}

	merged := local.Clone()
	merged.Version = server.Version
	merged.Timestamp = server.Timestamp
	merged.PlayerScore = server.PlayerScore
	merged.OpponentScore = server.OpponentScore
	merged.PlayerMoves = server.PlayerMoves
	merged.OpponentMoves = server.OpponentMoves
	if server.CurrentTurn != "" {
		merged.CurrentTurn = server.CurrentTurn
	}
	if server.PlayerGrid != nil {
		merged.PlayerGrid = server.Clone().PlayerGrid
	}
	if server.OpponentGrid != nil {
		merged.OpponentGrid = server.Clone().OpponentGrid
	}
	if server.ActiveEvents != nil {
		merged.ActiveEvents = append([]string(nil), server.ActiveEvents...)
	}
	if server.EventProgress != 0 {
		merged.EventProgress = server.EventProgress
	}
	return merged
}
