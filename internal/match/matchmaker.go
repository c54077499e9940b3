package match

import (
	"context"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"github.com/puoxiu/sanxiao-battle/internal/room"
	"go.uber.org/zap"
)

// DefaultDrainInterval 默认配对节拍
const DefaultDrainInterval = 2 * time.Second

// RoomCreator 建房面：由房间注册表实现
type RoomCreator interface {
	Create(opts room.Options) *room.Room
}

// PeerChecker 在线检查面：由Hub实现
// 排队期间掉线的票在配对时静默丢弃
type PeerChecker interface {
	IsConnected(peerID string) bool
}

// PeerBinder 会话绑定面：由Hub实现
// 配对落座后必须登记peer与房间的关系，掉线/离场路径都依赖这份绑定
type PeerBinder interface {
	BindRoom(peerID, roomID string, role model.PeerRole)
}

// Matchmaker FIFO配对队列
// 队列由互斥锁保护：入队、取消与配对任务都在锁内直接修改队列，不经单一匹配任务串行
type Matchmaker struct {
	mutex   sync.Mutex
	queue   []model.MatchTicket
	creator RoomCreator
	checker PeerChecker
	sender  room.Sender
	binder  PeerBinder

	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *logger.Logger
}

// NewMatchmaker 创建匹配器
func NewMatchmaker(interval time.Duration, creator RoomCreator, checker PeerChecker, sender room.Sender, binder PeerBinder) *Matchmaker {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Matchmaker{
		queue:    make([]model.MatchTicket, 0, 16),
		creator:  creator,
		checker:  checker,
		sender:   sender,
		binder:   binder,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.GetGlobalLogger().WithField("component", "matchmaker"),
	}
}

// Start 启动配对节拍
func (m *Matchmaker) Start() {
	m.wg.Add(1)
	go m.drainLoop()
}

// Enqueue 入队
// RANKED 在核心层按 RANDOM 处理；INVITE/CUSTOM 走注册表直接建房，不入队
func (m *Matchmaker) Enqueue(peerID, mode string) {
	if mode == "" {
		mode = model.MatchModeRandom
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// 重复排队只保留最早的票
	for _, t := range m.queue {
		if t.PeerID == peerID {
			return
		}
	}
	m.queue = append(m.queue, model.MatchTicket{
		PeerID:     peerID,
		Mode:       mode,
		EnqueuedAt: time.Now(),
	})
	m.log.Debug("Ticket enqueued", zap.String("peer_id", peerID), zap.String("mode", mode), zap.Int("queue_len", len(m.queue)))
}

// Cancel 取消排队（O(n)移除）
func (m *Matchmaker) Cancel(peerID string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i, t := range m.queue {
		if t.PeerID == peerID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.log.Debug("Ticket cancelled", zap.String("peer_id", peerID))
			return true
		}
	}
	return false
}

// QueueLen 当前队列长度
func (m *Matchmaker) QueueLen() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.queue)
}

// drainLoop 配对节拍循环
func (m *Matchmaker) drainLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Drain()
		case <-m.ctx.Done():
			return
		}
	}
}

// Drain 队列里每凑够两张有效票配一对
// 引用已掉线peer的票静默丢弃
func (m *Matchmaker) Drain() int {
	paired := 0
	for {
		a, b, ok := m.takePair()
		if !ok {
			return paired
		}
		m.pair(a, b)
		paired++
	}
}

// takePair 取出两张最旧的有效票
func (m *Matchmaker) takePair() (model.MatchTicket, model.MatchTicket, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	valid := make([]model.MatchTicket, 0, 2)
	rest := m.queue
	for len(rest) > 0 && len(valid) < 2 {
		t := rest[0]
		rest = rest[1:]
		if m.checker != nil && !m.checker.IsConnected(t.PeerID) {
			continue // 掉线票静默丢弃
		}
		valid = append(valid, t)
	}

	if len(valid) < 2 {
		// 不足两张：有效票放回队首
		m.queue = append(valid, rest...)
		return model.MatchTicket{}, model.MatchTicket{}, false
	}
	m.queue = rest
	return valid[0], valid[1], true
}

// pair 为两张票建房入座、登记绑定并各自通知对手号
func (m *Matchmaker) pair(a, b model.MatchTicket) {
	opts := room.DefaultOptions()
	opts.QuietStart = true // 开局通知由匹配器发，带opponentId
	r := m.creator.Create(opts)

	roleA, err := r.AddPlayer(a.PeerID)
	if err != nil {
		m.log.Warn("Matchmade seat failed", zap.String("peer_id", a.PeerID), zap.Error(err))
		return
	}
	roleB, err := r.AddPlayer(b.PeerID)
	if err != nil {
		m.log.Warn("Matchmade seat failed", zap.String("peer_id", b.PeerID), zap.Error(err))
		return
	}

	// 落座即绑定：掉线通知与30秒等待窗口都以这份绑定为入口
	if m.binder != nil {
		m.binder.BindRoom(a.PeerID, r.ID(), roleA)
		m.binder.BindRoom(b.PeerID, r.ID(), roleB)
	}

	now := time.Now().UnixMilli()
	for _, pairing := range []struct{ to, opponent string }{
		{a.PeerID, b.PeerID},
		{b.PeerID, a.PeerID},
	} {
		env, err := protocol.NewEnvelope(protocol.MSG_GAME_START, &protocol.GameStartData{
			RoomID:     r.ID(),
			OpponentID: pairing.opponent,
		}, "", now)
		if err != nil {
			continue
		}
		if err := m.sender.Send(pairing.to, env, true); err != nil {
			m.log.Warn("Matchmade notify failed", zap.String("peer_id", pairing.to), zap.Error(err))
		}
	}

	m.log.Info("Matchmade pair",
		zap.String("room_id", r.ID()),
		zap.String("peer_a", a.PeerID),
		zap.String("peer_b", b.PeerID),
		zap.Duration("waited_a", time.Since(a.EnqueuedAt)),
		zap.Duration("waited_b", time.Since(b.EnqueuedAt)),
	)
}

// RemovePeer 掉线peer的票直接移除
func (m *Matchmaker) RemovePeer(peerID string) {
	m.Cancel(peerID)
}

// Close 停止配对节拍
func (m *Matchmaker) Close() {
	m.cancel()
	m.wg.Wait()
}
