package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
)

// 会话逻辑错误，与线缆错误码一一对应
var (
	ErrRoomFull        = errors.New(protocol.ERR_ROOM_FULL)
	ErrNotYourTurn     = errors.New(protocol.ERR_NOT_YOUR_TURN)
	ErrInvalidMove     = errors.New(protocol.ERR_INVALID_MOVE)
	ErrGameNotStarted  = errors.New(protocol.ERR_GAME_NOT_STARTED)
	ErrStaleSnapshot   = errors.New(protocol.ERR_STALE_SNAPSHOT)
	ErrNotInRoom       = errors.New("peer not in room")
	ErrSpectatorDenied = errors.New("spectating disabled")
	ErrRoomClosed      = errors.New("room closed")
)

// 掉线等待窗口：30秒内未归队则判负终局
const reconnectWindow = 30 * time.Second

// 房间邮箱容量
const mailboxSize = 256

// Sender 出站通道：把信封投递给某个peer的发送队列
// 由Hub实现；critical为true的帧不可被背压丢弃
type Sender interface {
	Send(peerID string, env *protocol.Envelope, critical bool) error
}

// Recorder 房间出站流的持久订阅者（回放录制）
type Recorder interface {
	Record(roomID string, env *protocol.Envelope)
}

// EndHook 对局终结回调：历史落库与注册表清理挂在这里
type EndHook func(r *Room, result EndResult)

// EndResult 对局终结信息
type EndResult struct {
	Winner    string
	Reason    string
	Players   []string
	MoveLog   []model.MoveToken
	StartedAt time.Time
	EndedAt   time.Time
}

// Options 房间配置
type Options struct {
	SpectatorsEnabled bool   // 是否允许观战
	ResolvePolicy     string // 冲突解决策略（透传给客户端）
	StrictGrids       bool   // 禁止MERGE合成棋盘
	QuietStart        bool   // 开局不自动广播（匹配配对由匹配器另行通知）
}

// DefaultOptions 默认房间配置
func DefaultOptions() Options {
	return Options{
		SpectatorsEnabled: true,
		ResolvePolicy:     "SERVER_AUTHORITATIVE",
	}
}

// Room 两人对战会话：成员、广播、回合与移动日志
// 内部状态只在房间自身的串行任务里变更，跨任务访问一律经邮箱投递
type Room struct {
	id      string
	opts    Options
	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc

	sender   Sender
	recorder Recorder
	endHook  EndHook
	log      *logger.BattleLogger

	// 以下字段仅在串行任务内读写
	host        string
	guest       string
	spectators  map[string]struct{}
	started     bool
	ended       bool
	startedAt   time.Time
	createdAt   time.Time
	emptySince  time.Time
	moveLog     []model.MoveToken
	lastHostMove  int64
	lastGuestMove int64
	currentTurn string
	snapshot    *model.StateSnapshot
	awaiting    map[string]*time.Timer // 等待重连中的玩家
}

// New 创建房间并启动串行任务
func New(id string, opts Options, sender Sender, recorder Recorder, endHook EndHook) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		id:         id,
		opts:       opts,
		mailbox:    make(chan func(), mailboxSize),
		ctx:        ctx,
		cancel:     cancel,
		sender:     sender,
		recorder:   recorder,
		endHook:    endHook,
		log:        logger.NewBattleLogger(id),
		spectators: make(map[string]struct{}),
		createdAt:  time.Now(),
		emptySince: time.Now(),
		moveLog:    make([]model.MoveToken, 0, 64),
		awaiting:   make(map[string]*time.Timer),
	}
	go r.run()
	return r
}

// run 房间串行任务：依次执行邮箱里的闭包
func (r *Room) run() {
	for {
		select {
		case fn := <-r.mailbox:
			fn()
		case <-r.ctx.Done():
			return
		}
	}
}

// post 投递闭包并等待执行完成
func (r *Room) post(fn func()) error {
	done := make(chan struct{})
	select {
	case r.mailbox <- func() {
		fn()
		close(done)
	}:
	case <-r.ctx.Done():
		return ErrRoomClosed
	}
	select {
	case <-done:
		return nil
	case <-r.ctx.Done():
		return ErrRoomClosed
	}
}

// ID 房间号
func (r *Room) ID() string {
	return r.id
}

// Options 房间配置
func (r *Room) Options() Options {
	return r.opts
}

// AddPlayer 入座：先到为HOST，后到为GUEST
// 第二名玩家坐下时对局开始并向双方广播 GAME_START
func (r *Room) AddPlayer(peerID string) (model.PeerRole, error) {
	var role model.PeerRole
	var err error
	postErr := r.post(func() {
		role, err = r.addPlayerTask(peerID)
	})
	if postErr != nil {
		return model.RoleNone, postErr
	}
	return role, err
}

func (r *Room) addPlayerTask(peerID string) (model.PeerRole, error) {
	if r.ended {
		return model.RoleNone, ErrRoomClosed
	}
	// 掉线重连的玩家回到原座位
	if peerID == r.host || peerID == r.guest {
		r.reattachTask(peerID)
		if peerID == r.host {
			return model.RoleHost, nil
		}
		return model.RoleGuest, nil
	}

	switch {
	case r.host == "":
		r.host = peerID
	case r.guest == "":
		r.guest = peerID
	default:
		return model.RoleNone, ErrRoomFull
	}
	r.emptySince = time.Time{}
	r.log.LogPeerEvent("player_joined", peerID)

	if r.host != "" && r.guest != "" && !r.started {
		r.started = true
		r.startedAt = time.Now()
		r.currentTurn = r.host
		r.log.LogGameStart([]string{r.host, r.guest}, r.host)
		if !r.opts.QuietStart {
			r.broadcastTask(protocol.MSG_GAME_START, &protocol.GameStartData{
				RoomID:         r.id,
				Players:        []string{r.host, r.guest},
				StartingPlayer: r.host,
			}, "", true)
		}
	}

	if peerID == r.host {
		return model.RoleHost, nil
	}
	return model.RoleGuest, nil
}

// AddSpectator 观战入场（只读）
func (r *Room) AddSpectator(peerID string) error {
	var err error
	postErr := r.post(func() {
		if r.ended {
			err = ErrRoomClosed
			return
		}
		if !r.opts.SpectatorsEnabled {
			err = ErrSpectatorDenied
			return
		}
		r.spectators[peerID] = struct{}{}
		r.log.LogPeerEvent("spectator_joined", peerID)
	})
	if postErr != nil {
		return postErr
	}
	return err
}

// RemovePeer 主动离开：从座位或观战席移除并广播
func (r *Room) RemovePeer(peerID string) {
	r.post(func() {
		r.removePeerTask(peerID, false)
	})
}

func (r *Room) removePeerTask(peerID string, disconnected bool) {
	if timer, ok := r.awaiting[peerID]; ok {
		timer.Stop()
		delete(r.awaiting, peerID)
	}

	if _, ok := r.spectators[peerID]; ok {
		delete(r.spectators, peerID)
		r.log.LogPeerEvent("spectator_left", peerID)
		r.broadcastTask(protocol.MSG_SPECTATOR_LEFT, &protocol.PeerEventData{RoomID: r.id, PeerID: peerID}, peerID, false)
		r.noteEmptyTask()
		return
	}

	isPlayer := peerID == r.host || peerID == r.guest
	if !isPlayer {
		return
	}

	if r.started && !r.ended && !disconnected {
		// 对局中主动弃局：对手判胜
		r.endGameTask(r.opponentOf(peerID), "abandoned")
	}

	if peerID == r.host {
		r.host = ""
	} else {
		r.guest = ""
	}
	r.log.LogPeerEvent("player_left", peerID)
	r.broadcastTask(protocol.MSG_PLAYER_LEFT, &protocol.PeerEventData{RoomID: r.id, PeerID: peerID}, peerID, false)
	r.noteEmptyTask()
}

// MarkDisconnected 玩家掉线：不立即清位，进入等待重连窗口
// 观战者掉线直接移除
func (r *Room) MarkDisconnected(peerID string) {
	r.post(func() {
		if r.ended {
			return
		}
		if _, ok := r.spectators[peerID]; ok {
			r.removePeerTask(peerID, true)
			return
		}
		if peerID != r.host && peerID != r.guest {
			return
		}
		if !r.started {
			// 未开局的掉线等同离开
			if peerID == r.host {
				r.host = ""
			} else {
				r.guest = ""
			}
			r.noteEmptyTask()
			return
		}
		if _, waiting := r.awaiting[peerID]; waiting {
			return
		}

		r.log.LogPeerEvent("player_disconnected", peerID)
		r.broadcastTask(protocol.MSG_PLAYER_DISCONNECTED, &protocol.PeerEventData{RoomID: r.id, PeerID: peerID}, peerID, false)

		pid := peerID
		r.awaiting[peerID] = time.AfterFunc(reconnectWindow, func() {
			r.post(func() {
				if _, still := r.awaiting[pid]; !still || r.ended {
					return
				}
				delete(r.awaiting, pid)
				r.endGameTask(r.opponentOf(pid), "abandoned")
			})
		})
	})
}

// reattachTask 掉线玩家归队：取消计时、广播归队、重放最新权威快照
func (r *Room) reattachTask(peerID string) {
	timer, ok := r.awaiting[peerID]
	if ok {
		timer.Stop()
		delete(r.awaiting, peerID)
		r.log.LogPeerEvent("player_reconnected", peerID)
		r.broadcastTask(protocol.MSG_PLAYER_RECONNECTED, &protocol.PeerEventData{RoomID: r.id, PeerID: peerID}, peerID, false)
	}
	if r.snapshot != nil {
		env, err := protocol.NewEnvelope(protocol.MSG_STATE_SYNC, &protocol.StateSyncData{
			RoomID: r.id,
			State:  r.snapshot.Clone(),
		}, "", time.Now().UnixMilli())
		if err == nil {
			r.sender.Send(peerID, env, true)
		}
	}
}

// RecordMove 记录一步移动
// 前置：对局已开始、落子方持有回合、步号严格+1
// 通过后追加日志、向对手与观战者扇出、翻转回合
func (r *Room) RecordMove(peerID string, move model.MoveToken) error {
	var err error
	postErr := r.post(func() {
		err = r.recordMoveTask(peerID, move)
	})
	if postErr != nil {
		return postErr
	}
	return err
}

func (r *Room) recordMoveTask(peerID string, move model.MoveToken) error {
	if r.ended {
		return ErrRoomClosed
	}
	if !r.started {
		return ErrGameNotStarted
	}
	if peerID != r.host && peerID != r.guest {
		return ErrNotInRoom
	}
	if r.currentTurn != peerID {
		return ErrNotYourTurn
	}

	var last *int64
	if peerID == r.host {
		last = &r.lastHostMove
	} else {
		last = &r.lastGuestMove
	}
	if move.MoveNumber != *last+1 {
		return fmt.Errorf("%w: move number %d, expected %d", ErrInvalidMove, move.MoveNumber, *last+1)
	}
	*last = move.MoveNumber

	move.OriginPeerID = peerID
	move.ServerTime = time.Now().UnixMilli()
	r.moveLog = append(r.moveLog, move)
	r.currentTurn = r.opponentOf(peerID)
	r.log.LogMove(peerID, move.MoveNumber)

	env, err := protocol.NewEnvelope(protocol.MSG_MOVE, &protocol.MoveData{
		RoomID: r.id,
		Move:   move,
	}, peerID, move.ServerTime)
	if err != nil {
		return err
	}
	r.fanoutTask(env, peerID, true)
	return nil
}

// RecordSnapshot 存储玩家上报的快照
// 版本更高者胜，同版本比较快照自带的 Timestamp，较晚者胜（不使用服务端收到时间）；过旧返回 STALE_SNAPSHOT
func (r *Room) RecordSnapshot(peerID string, snap *model.StateSnapshot, terminal bool) error {
	var err error
	postErr := r.post(func() {
		err = r.recordSnapshotTask(peerID, snap, terminal)
	})
	if postErr != nil {
		return postErr
	}
	return err
}

func (r *Room) recordSnapshotTask(peerID string, snap *model.StateSnapshot, terminal bool) error {
	if r.ended {
		return ErrRoomClosed
	}
	if peerID != r.host && peerID != r.guest {
		return ErrNotInRoom
	}
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidMove)
	}

	if r.snapshot != nil {
		if snap.Version < r.snapshot.Version {
			return ErrStaleSnapshot
		}
		if snap.Version == r.snapshot.Version && snap.Timestamp <= r.snapshot.Timestamp {
			return ErrStaleSnapshot
		}
	}
	r.snapshot = snap.Clone()

	env, err := protocol.NewEnvelope(protocol.MSG_STATE_SYNC, &protocol.StateSyncData{
		RoomID:   r.id,
		State:    snap,
		Terminal: terminal,
	}, peerID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	r.fanoutTask(env, peerID, terminal)
	return nil
}

// RouteChat 聊天原样转发给房间其他成员
func (r *Room) RouteChat(peerID, message string) {
	r.post(func() {
		if r.ended {
			return
		}
		r.broadcastTask(protocol.MSG_CHAT, &protocol.ChatData{RoomID: r.id, Message: message}, peerID, false)
	})
}

// Broadcast 向房间所有成员广播（exceptPeerID为空则全员）
func (r *Room) Broadcast(msgType protocol.MsgType, data interface{}, exceptPeerID string, critical bool) {
	r.post(func() {
		r.broadcastTask(msgType, data, exceptPeerID, critical)
	})
}

func (r *Room) broadcastTask(msgType protocol.MsgType, data interface{}, exceptPeerID string, critical bool) {
	env, err := protocol.NewEnvelope(msgType, data, "", time.Now().UnixMilli())
	if err != nil {
		logger.Errorf("room %s: build %s broadcast: %v", r.id, msgType, err)
		return
	}
	r.fanoutTask(env, exceptPeerID, critical)
}

// fanoutTask 逐成员投递；回放订阅者收到每一帧
func (r *Room) fanoutTask(env *protocol.Envelope, exceptPeerID string, critical bool) {
	if r.recorder != nil {
		r.recorder.Record(r.id, env)
	}
	for _, pid := range r.membersTask() {
		if pid == exceptPeerID {
			continue
		}
		if _, waiting := r.awaiting[pid]; waiting {
			continue // 掉线等待中的玩家跳过，归队时重放快照
		}
		if err := r.sender.Send(pid, env, critical); err != nil {
			logger.Debugf("room %s: send %s to %s: %v", r.id, env.Type, pid, err)
		}
	}
}

func (r *Room) membersTask() []string {
	members := make([]string, 0, 2+len(r.spectators))
	if r.host != "" {
		members = append(members, r.host)
	}
	if r.guest != "" {
		members = append(members, r.guest)
	}
	for pid := range r.spectators {
		members = append(members, pid)
	}
	return members
}

// EndGame 显式终局广播
func (r *Room) EndGame(winner, reason string) {
	r.post(func() {
		r.endGameTask(winner, reason)
	})
}

func (r *Room) endGameTask(winner, reason string) {
	if r.ended {
		return
	}
	r.ended = true

	data := &protocol.GameEndData{Winner: winner, Reason: reason}
	if r.snapshot != nil {
		data.FinalScore = &struct {
			Host  int64 `json:"host"`
			Guest int64 `json:"guest"`
		}{Host: r.snapshot.PlayerScore, Guest: r.snapshot.OpponentScore}
	}
	r.broadcastTask(protocol.MSG_GAME_END, data, "", true)

	duration := time.Duration(0)
	if !r.startedAt.IsZero() {
		duration = time.Since(r.startedAt)
	}
	r.log.LogGameEnd(winner, reason, duration)

	for _, timer := range r.awaiting {
		timer.Stop()
	}
	r.awaiting = make(map[string]*time.Timer)

	if r.endHook != nil {
		players := make([]string, 0, 2)
		if r.host != "" {
			players = append(players, r.host)
		}
		if r.guest != "" {
			players = append(players, r.guest)
		}
		r.endHook(r, EndResult{
			Winner:    winner,
			Reason:    reason,
			Players:   players,
			MoveLog:   append([]model.MoveToken(nil), r.moveLog...),
			StartedAt: r.startedAt,
			EndedAt:   time.Now(),
		})
	}
}

// noteEmptyTask 成员清零时记录空置时刻，供注册表清扫
func (r *Room) noteEmptyTask() {
	if r.host == "" && r.guest == "" && len(r.spectators) == 0 {
		r.emptySince = time.Now()
	}
}

// Info 房间观测信息（经邮箱读取，保证一致）
type Info struct {
	ID          string    `json:"id"`
	PlayerCount int       `json:"player_count"`
	Spectators  int       `json:"spectators"`
	Started     bool      `json:"started"`
	Ended       bool      `json:"ended"`
	CurrentTurn string    `json:"current_turn"`
	MoveCount   int       `json:"move_count"`
	CreatedAt   time.Time `json:"created_at"`
	EmptySince  time.Time `json:"empty_since"`
}

// Snapshot 当前权威快照副本（可能为nil）
func (r *Room) Snapshot() *model.StateSnapshot {
	var snap *model.StateSnapshot
	r.post(func() {
		if r.snapshot != nil {
			snap = r.snapshot.Clone()
		}
	})
	return snap
}

// GetInfo 观测信息
func (r *Room) GetInfo() Info {
	var info Info
	r.post(func() {
		players := 0
		if r.host != "" {
			players++
		}
		if r.guest != "" {
			players++
		}
		info = Info{
			ID:          r.id,
			PlayerCount: players,
			Spectators:  len(r.spectators),
			Started:     r.started,
			Ended:       r.ended,
			CurrentTurn: r.currentTurn,
			MoveCount:   len(r.moveLog),
			CreatedAt:   r.createdAt,
			EmptySince:  r.emptySince,
		}
	})
	return info
}

// Opponent 对手peer号（无则为空）
func (r *Room) Opponent(peerID string) string {
	var opp string
	r.post(func() {
		opp = r.opponentOf(peerID)
	})
	return opp
}

func (r *Room) opponentOf(peerID string) string {
	if peerID == r.host {
		return r.guest
	}
	if peerID == r.guest {
		return r.host
	}
	return ""
}

// PeerCount 当前成员总数
func (r *Room) PeerCount() int {
	count := 0
	r.post(func() {
		count = len(r.membersTask())
	})
	return count
}

// Close 停止房间串行任务
func (r *Room) Close() {
	r.post(func() {
		for _, timer := range r.awaiting {
			timer.Stop()
		}
	})
	r.cancel()
}
