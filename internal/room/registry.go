package room

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"go.uber.org/zap"
)

// ErrRoomNotFound 房间不存在
var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")

// 清扫默认参数
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultEmptyGrace    = 60 * time.Second // 空置超过60秒回收
	DefaultIdleTTL       = time.Hour        // 房间最长存活时间
)

// RegistryConfig 注册表配置
type RegistryConfig struct {
	SweepInterval time.Duration
	EmptyGrace    time.Duration
	IdleTTL       time.Duration
}

// Registry 房间注册表：房间号到房间的映射与生命周期
// 映射由互斥锁保护（单写者纪律）；房间内部状态由房间自身的串行任务保护
type Registry struct {
	mutex    sync.Mutex
	rooms    map[string]*Room
	config   RegistryConfig
	sender   Sender
	recorder Recorder
	endHook  EndHook
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewRegistry 创建注册表并启动清扫任务
func NewRegistry(config RegistryConfig, sender Sender, recorder Recorder, endHook EndHook) *Registry {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.EmptyGrace <= 0 {
		config.EmptyGrace = DefaultEmptyGrace
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultIdleTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := &Registry{
		rooms:    make(map[string]*Room),
		config:   config,
		sender:   sender,
		recorder: recorder,
		endHook:  endHook,
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.GetGlobalLogger().WithField("component", "registry"),
	}

	reg.wg.Add(1)
	go reg.sweepLoop()
	return reg
}

// NewRoomID 生成房间号：毫秒时间戳 + 48位随机后缀，不可枚举
func NewRoomID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "room-" + time.Now().UTC().Format("20060102150405.000") + "-" + suffix
}

// Create 建房
func (reg *Registry) Create(opts Options) *Room {
	id := NewRoomID()
	r := New(id, opts, reg.sender, reg.recorder, reg.endHook)

	reg.mutex.Lock()
	reg.rooms[id] = r
	count := len(reg.rooms)
	reg.mutex.Unlock()

	reg.log.Info("Room created", zap.String("room_id", id), zap.Int("live_rooms", count))
	return r
}

// Get 查房
func (reg *Registry) Get(roomID string) (*Room, error) {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// Dispose 摘除并关闭房间
func (reg *Registry) Dispose(roomID string) {
	reg.mutex.Lock()
	r, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	count := len(reg.rooms)
	reg.mutex.Unlock()

	if ok {
		r.Close()
		reg.log.Info("Room destroyed", zap.String("room_id", roomID), zap.Int("live_rooms", count))
	}
}

// Count 当前房间数
func (reg *Registry) Count() int {
	reg.mutex.Lock()
	defer reg.mutex.Unlock()
	return len(reg.rooms)
}

// Infos 所有房间的观测信息
func (reg *Registry) Infos() []Info {
	reg.mutex.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mutex.Unlock()

	infos := make([]Info, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.GetInfo())
	}
	return infos
}

// sweepLoop 定时清扫：空置超限或超过存活时长的房间回收
func (reg *Registry) sweepLoop() {
	defer reg.wg.Done()

	ticker := time.NewTicker(reg.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reg.Sweep(time.Now())
		case <-reg.ctx.Done():
			return
		}
	}
}

// Sweep 执行一次清扫，返回回收的房间数
func (reg *Registry) Sweep(now time.Time) int {
	reg.mutex.Lock()
	candidates := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		candidates = append(candidates, r)
	}
	reg.mutex.Unlock()

	removed := 0
	for _, r := range candidates {
		info := r.GetInfo()
		expired := now.Sub(info.CreatedAt) >= reg.config.IdleTTL
		emptyTooLong := info.PlayerCount == 0 && info.Spectators == 0 &&
			!info.EmptySince.IsZero() && now.Sub(info.EmptySince) >= reg.config.EmptyGrace
		if expired || emptyTooLong {
			reg.Dispose(info.ID)
			removed++
		}
	}

	if removed > 0 {
		reg.log.Debug("Registry sweep", zap.Int("removed", removed))
	}
	return removed
}

// Close 停止清扫任务并关闭所有房间
func (reg *Registry) Close() {
	reg.cancel()
	reg.wg.Wait()

	reg.mutex.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mutex.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}
