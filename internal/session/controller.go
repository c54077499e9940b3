package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puoxiu/sanxiao-battle/internal/conflict"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"github.com/puoxiu/sanxiao-battle/internal/recovery"
	statesync "github.com/puoxiu/sanxiao-battle/internal/sync"
	"github.com/puoxiu/sanxiao-battle/internal/transport"
	"go.uber.org/zap"
)

// 请求与匹配超时
const (
	requestTimeout     = 10 * time.Second
	matchSearchTimeout = 60 * time.Second
	defaultSyncInterval = 5 * time.Second
)

// ErrRequestTimeout 请求超时
var ErrRequestTimeout = errors.New(protocol.ERR_CONNECTION_TIMEOUT)

// SnapshotSource 游戏引擎的只读状态面
// 控制器定期从这里取状态生成同步快照
type SnapshotSource interface {
	ReadState() *model.StateSnapshot
}

// CommandSink 游戏引擎的指令面：回放对手操作与权威状态
type CommandSink interface {
	ApplyOpponentMove(move model.MoveToken)
	ApplySnapshot(snapshot *model.StateSnapshot)
}

// Callbacks 会话事件回调
// 传输层错误只表现为状态迁移，不会以异常形式抛给上层
type Callbacks struct {
	OnStateChange  func(state State)
	OnOpponentMove func(move model.MoveToken)
	OnSnapshot     func(snapshot *model.StateSnapshot)
	OnConflict     func(record *model.ConflictRecord, resolution *conflict.Resolution)
	OnGameStart    func(roomID, opponentID string)
	OnGameEnd      func(winner, reason string)
	OnChat         func(message string)
	OnError        func(code, message string)
	OnQuality      func(bucket recovery.QualityBucket, jitterMs float64)
}

// Config 会话配置
type Config struct {
	ServerURL      string
	EnableAutoSync bool
	SyncInterval   time.Duration
	SyncMode       statesync.SyncMode
	ResolvePolicy  conflict.Strategy
	StrictGrids    bool
	SnapshotDir    string // 本地存档目录，空则仅内存
}

// Controller 客户端会话编排器
// 组合传输、同步器、冲突解决器与恢复管理器，向游戏应用暴露单一API面
type Controller struct {
	config    Config
	callbacks Callbacks

	transport *transport.Client
	syncer    *statesync.Synchronizer
	resolver  *conflict.Resolver
	recover   *recovery.Manager
	quality   *recovery.QualityMonitor
	source    SnapshotSource
	sink      CommandSink

	mutex        sync.Mutex
	state        State
	roomID       string
	opponentID   string
	myMoveNumber int64
	moveHistory  []model.MoveToken
	disconnectAt time.Time

	pending      map[string]chan *protocol.Envelope
	pendingMutex sync.Mutex

	syncStop chan struct{}
	syncOnce sync.Once
	log      *logger.Logger
}

// NewController 创建会话控制器
// source/sink 是游戏引擎的两个接口面（组合而非继承）
func NewController(config Config, source SnapshotSource, sink CommandSink, callbacks Callbacks) (*Controller, error) {
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaultSyncInterval
	}

	var store recovery.SnapshotStore
	if config.SnapshotDir != "" {
		fileStore, err := recovery.NewFileStore(config.SnapshotDir)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}

	c := &Controller{
		config:    config,
		callbacks: callbacks,
		syncer:    statesync.NewSynchronizer(config.SyncMode),
		resolver:  conflict.NewResolver(config.ResolvePolicy, config.StrictGrids),
		recover:   recovery.NewManager(store),
		source:    source,
		sink:      sink,
		state:     StateDisconnected,
		pending:   make(map[string]chan *protocol.Envelope),
		syncStop:  make(chan struct{}),
		log:       logger.GetGlobalLogger().WithField("component", "session"),
	}

	c.transport = transport.NewClient(config.ServerURL, transport.Handlers{
		OnEnvelope:    c.handleEnvelope,
		OnStateChange: c.handleTransportState,
		OnLatency:     c.handleLatency,
	})
	return c, nil
}

// State 当前会话状态
func (c *Controller) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// PeerID 本端peer号
func (c *Controller) PeerID() string {
	return c.transport.PeerID()
}

// RoomID 当前房间号
func (c *Controller) RoomID() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.roomID
}

// transition 状态迁移；非法迁移只记日志不执行
func (c *Controller) transition(to State) {
	c.mutex.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mutex.Unlock()
		c.log.Warn("Illegal session transition ignored", zap.String("from", string(from)), zap.String("to", string(to)))
		return
	}
	if from == to {
		c.mutex.Unlock()
		return
	}
	c.state = to
	c.mutex.Unlock()

	c.log.Debug("Session transition", zap.String("from", string(from)), zap.String("to", string(to)))
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(to)
	}
}

// Connect 连接服务端（10秒超时在传输层保证）
func (c *Controller) Connect() error {
	c.transition(StateConnecting)
	if err := c.transport.Connect(); err != nil {
		c.transition(StateError)
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(protocol.ERR_CONNECTION_TIMEOUT, err.Error())
		}
		return err
	}
	c.quality = recovery.NewQualityMonitor(c.transport.PeerID())
	c.transition(StateConnected)
	return nil
}

// request 发出带messageId的请求并等待关联应答
func (c *Controller) request(msgType protocol.MsgType, data interface{}) (*protocol.Envelope, error) {
	messageID := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	env, err := protocol.NewEnvelope(msgType, data, c.transport.PeerID(), time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	env.MessageID = messageID

	replyCh := make(chan *protocol.Envelope, 1)
	c.pendingMutex.Lock()
	c.pending[messageID] = replyCh
	c.pendingMutex.Unlock()
	defer func() {
		c.pendingMutex.Lock()
		delete(c.pending, messageID)
		c.pendingMutex.Unlock()
	}()

	if err := c.transport.Send(env); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("%w: no reply to %s within %s", ErrRequestTimeout, msgType, requestTimeout)
	}
}

// CreateRoom 建房，返回房间号
func (c *Controller) CreateRoom() (string, error) {
	reply, err := c.request(protocol.MSG_CREATE_ROOM, &protocol.CreateRoomData{
		PeerID: c.transport.PeerID(),
	})
	if err != nil {
		return "", err
	}

	payload, err := reply.DecodeData()
	if err != nil {
		return "", err
	}
	created, ok := payload.(*protocol.RoomCreatedData)
	if !ok {
		return "", c.asRequestError(reply, payload)
	}

	c.enterRoom(created.RoomID, "")
	return created.RoomID, nil
}

// JoinRoom 入房
func (c *Controller) JoinRoom(roomID string) error {
	reply, err := c.request(protocol.MSG_JOIN_ROOM, &protocol.JoinRoomData{
		RoomID: roomID,
		PeerID: c.transport.PeerID(),
	})
	if err != nil {
		return err
	}

	payload, err := reply.DecodeData()
	if err != nil {
		return err
	}
	joined, ok := payload.(*protocol.RoomJoinedData)
	if !ok {
		return c.asRequestError(reply, payload)
	}

	c.enterRoom(joined.RoomID, joined.OpponentID)
	return nil
}

// asRequestError 把否定应答帧转成错误
func (c *Controller) asRequestError(reply *protocol.Envelope, payload interface{}) error {
	switch reply.Type {
	case protocol.MSG_ROOM_NOT_FOUND:
		return errors.New(protocol.ERR_ROOM_NOT_FOUND)
	case protocol.MSG_ROOM_FULL:
		return errors.New(protocol.ERR_ROOM_FULL)
	case protocol.MSG_ERROR:
		if errData, ok := payload.(*protocol.ErrorData); ok {
			return fmt.Errorf("%s: %s", errData.Code, errData.Message)
		}
	}
	return fmt.Errorf("unexpected reply type %s", reply.Type)
}

// enterRoom 进房后的本地簿记
func (c *Controller) enterRoom(roomID, opponentID string) {
	c.mutex.Lock()
	c.roomID = roomID
	c.opponentID = opponentID
	c.myMoveNumber = 0
	c.moveHistory = c.moveHistory[:0]
	c.mutex.Unlock()

	c.transport.SetActiveRoom(roomID)
	c.transition(StateInRoom)
}

// FindMatch 排队匹配；60秒无果自动取消并报超时
func (c *Controller) FindMatch(mode string) error {
	env, err := protocol.NewEnvelope(protocol.MSG_FIND_MATCH, &protocol.FindMatchData{
		PeerID: c.transport.PeerID(),
		Mode:   mode,
	}, c.transport.PeerID(), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := c.transport.Send(env); err != nil {
		return err
	}
	c.transition(StateInLobby)

	go func() {
		timer := time.NewTimer(matchSearchTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			if c.State() == StateInLobby {
				c.CancelMatch()
				if c.callbacks.OnError != nil {
					c.callbacks.OnError(protocol.ERR_CONNECTION_TIMEOUT, "match search timed out")
				}
			}
		case <-c.syncStop:
		}
	}()
	return nil
}

// CancelMatch 取消排队
func (c *Controller) CancelMatch() {
	env, err := protocol.NewEnvelope(protocol.MSG_CANCEL_MATCH, &protocol.CancelMatchData{
		PeerID: c.transport.PeerID(),
	}, c.transport.PeerID(), time.Now().UnixMilli())
	if err != nil {
		return
	}
	c.transport.Send(env)
	if c.State() == StateInLobby {
		c.transition(StateConnected)
	}
}

// ExecuteMove 执行一步移动：编号自增并发给服务端
func (c *Controller) ExecuteMove(posA, posB model.Position) (int64, error) {
	c.mutex.Lock()
	if c.state != StateInBattle {
		state := c.state
		c.mutex.Unlock()
		return 0, fmt.Errorf("cannot move in state %s", state)
	}
	c.myMoveNumber++
	moveNumber := c.myMoveNumber
	roomID := c.roomID
	move := model.MoveToken{
		PosA:       posA,
		PosB:       posB,
		MoveNumber: moveNumber,
	}
	c.moveHistory = append(c.moveHistory, move)
	c.mutex.Unlock()

	env, err := protocol.NewEnvelope(protocol.MSG_MOVE, &protocol.MoveData{
		RoomID: roomID,
		Move:   move,
	}, c.transport.PeerID(), time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	if err := c.transport.Send(env); err != nil {
		return 0, err
	}
	return moveNumber, nil
}

// LeaveRoom 离房
func (c *Controller) LeaveRoom() {
	c.mutex.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.opponentID = ""
	c.mutex.Unlock()

	if roomID == "" {
		return
	}
	env, err := protocol.NewEnvelope(protocol.MSG_LEAVE_ROOM, &protocol.LeaveRoomData{
		RoomID: roomID,
		PeerID: c.transport.PeerID(),
	}, c.transport.PeerID(), time.Now().UnixMilli())
	if err == nil {
		c.transport.Send(env)
	}
	c.transport.SetActiveRoom("")
	c.transition(StateConnected)
}

// StartAutoSync 启动自动同步节拍（仅IN_BATTLE时产出）
func (c *Controller) StartAutoSync() {
	if !c.config.EnableAutoSync || c.source == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(c.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.State() == StateInBattle {
					c.SyncNow(false)
				}
			case <-c.syncStop:
				return
			}
		}
	}()
}

// SyncNow 立即产出一次同步
func (c *Controller) SyncNow(terminal bool) {
	if c.source == nil {
		return
	}
	state := c.source.ReadState()
	if state == nil {
		return
	}

	c.mutex.Lock()
	roomID := c.roomID
	c.mutex.Unlock()
	if roomID == "" {
		return
	}

	c.syncer.CreateSnapshot(state)
	payload := c.syncer.BuildPayload(roomID)
	if payload == nil {
		return
	}

	data := &protocol.StateSyncData{RoomID: roomID, Terminal: terminal}
	if payload.IsDelta() {
		data.Delta = payload.Delta
	} else {
		data.State = payload.Snapshot
	}

	env, err := protocol.NewEnvelope(protocol.MSG_STATE_SYNC, data, c.transport.PeerID(), time.Now().UnixMilli())
	if err != nil {
		return
	}
	c.transport.Send(env)

	// 本地存档与哨兵同步推进
	c.saveRecoverySnapshot(roomID)
}

func (c *Controller) saveRecoverySnapshot(roomID string) {
	current := c.syncer.Current()
	if current == nil {
		return
	}
	c.mutex.Lock()
	snap := &model.GameSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		RoomID:      roomID,
		PeerID:      c.transport.PeerID(),
		OpponentID:  c.opponentID,
		State:       current.Clone(),
		MoveHistory: append([]model.MoveToken(nil), c.moveHistory...),
	}
	if n := len(c.moveHistory); n > 0 {
		snap.LastSyncedMoveNumber = c.moveHistory[n-1].MoveNumber
	}
	c.mutex.Unlock()

	if err := c.recover.SaveSnapshot(snap); err != nil {
		c.log.Debug("Save recovery snapshot failed", zap.Error(err))
	}
}

// handleTransportState 传输层状态到会话状态的映射
func (c *Controller) handleTransportState(s transport.State) {
	switch s {
	case transport.StateReconnecting:
		c.mutex.Lock()
		c.disconnectAt = time.Now()
		c.mutex.Unlock()
		c.transition(StateReconnecting)
	case transport.StateConnected:
		if c.State() == StateReconnecting {
			c.recoverAfterReconnect()
		}
	case transport.StateFailed:
		c.transition(StateError)
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(protocol.ERR_RECONNECTION_FAILED, "reconnect attempts exhausted")
		}
	}
}

// recoverAfterReconnect 重连成功后的状态恢复
// 传输层在通知CONNECTED之后自动补发JOIN_ROOM；这里恢复本地对局状态
func (c *Controller) recoverAfterReconnect() {
	c.mutex.Lock()
	roomID := c.roomID
	downFor := time.Since(c.disconnectAt)
	c.mutex.Unlock()

	if roomID == "" {
		c.transition(StateConnected)
		return
	}

	snap, err := c.recover.RecoverGameState(roomID, downFor, nil)
	if err != nil {
		c.log.Warn("Game state recovery failed", zap.String("room_id", roomID), zap.Error(err))
		c.transition(StateError)
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(protocol.ERR_RECONNECTION_FAILED, err.Error())
		}
		return
	}

	if c.sink != nil && snap.State != nil {
		c.sink.ApplySnapshot(snap.State)
	}
	c.syncer.AdoptSnapshot(snap.State)
	c.transition(StateInBattle)
	c.log.Info("Session recovered after reconnect", zap.String("room_id", roomID), zap.Duration("down_for", downFor))
}

// handleLatency 延迟采样进质量监视器
func (c *Controller) handleLatency(rtt time.Duration) {
	c.syncer.RecordLatency(rtt)
	if c.quality == nil {
		return
	}
	c.quality.Record(rtt)
	if c.callbacks.OnQuality != nil {
		c.callbacks.OnQuality(c.quality.Bucket(), c.quality.Jitter())
	}
}

// handleEnvelope 入站帧处理
func (c *Controller) handleEnvelope(env *protocol.Envelope) {
	// 带关联号的帧先走请求应答匹配
	if env.MessageID != "" {
		c.pendingMutex.Lock()
		replyCh, ok := c.pending[env.MessageID]
		c.pendingMutex.Unlock()
		if ok {
			replyCh <- env
			return
		}
	}

	payload, err := env.DecodeData()
	if err != nil {
		c.log.Debug("Drop undecodable frame", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	switch data := payload.(type) {
	case *protocol.GameStartData:
		c.handleGameStart(data)
	case *protocol.MoveData:
		c.handleOpponentMove(env, data)
	case *protocol.StateSyncData:
		c.handleStateSync(data)
	case *protocol.GameEndData:
		c.handleGameEnd(data)
	case *protocol.ChatData:
		if c.callbacks.OnChat != nil {
			c.callbacks.OnChat(data.Message)
		}
	case *protocol.ErrorData:
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(data.Code, data.Message)
		}
	case *protocol.PeerEventData:
		c.log.Debug("Room peer event", zap.String("type", string(env.Type)), zap.String("peer_id", data.PeerID))
	}
}

func (c *Controller) handleGameStart(data *protocol.GameStartData) {
	opponent := data.OpponentID
	if opponent == "" {
		for _, p := range data.Players {
			if p != c.transport.PeerID() {
				opponent = p
			}
		}
	}

	c.mutex.Lock()
	alreadyInRoom := c.roomID == data.RoomID
	c.roomID = data.RoomID
	c.opponentID = opponent
	c.mutex.Unlock()
	c.transport.SetActiveRoom(data.RoomID)

	if !alreadyInRoom {
		// 匹配配对：先补IN_ROOM再进战斗
		c.transition(StateInRoom)
	}
	c.transition(StateInBattle)

	if c.callbacks.OnGameStart != nil {
		c.callbacks.OnGameStart(data.RoomID, opponent)
	}
}

func (c *Controller) handleOpponentMove(env *protocol.Envelope, data *protocol.MoveData) {
	if c.sink != nil {
		c.sink.ApplyOpponentMove(data.Move)
	}
	if c.callbacks.OnOpponentMove != nil {
		c.callbacks.OnOpponentMove(data.Move)
	}
}

// handleStateSync 远端状态：全量走冲突检测，增量直接套用
func (c *Controller) handleStateSync(data *protocol.StateSyncData) {
	if data.State != nil {
		if !c.syncer.AcceptRemoteSnapshot(data.State) {
			c.log.Debug("Discard stale remote snapshot", zap.Int64("version", data.State.Version))
			return
		}

		local := c.syncer.Current()
		if local != nil {
			if resolution, record := c.resolver.Resolve(data.RoomID, local, data.State); resolution != nil {
				c.syncer.AdoptSnapshot(resolution.ResolvedState)
				if c.sink != nil && resolution.RollbackRequired {
					c.sink.ApplySnapshot(resolution.ResolvedState)
				}
				if c.callbacks.OnConflict != nil {
					c.callbacks.OnConflict(record, resolution)
				}
				return
			}
		}

		c.syncer.AdoptSnapshot(data.State)
		if c.sink != nil {
			c.sink.ApplySnapshot(data.State)
		}
		if c.callbacks.OnSnapshot != nil {
			c.callbacks.OnSnapshot(data.State)
		}
		return
	}

	if data.Delta != nil {
		if c.syncer.IsConflictingDelta(data.Delta) {
			c.log.Debug("Conflicting delta ignored, awaiting keyframe",
				zap.Int64("base_version", data.Delta.BaseVersion))
			return
		}
		local := c.syncer.Current()
		if local == nil {
			return
		}
		next, err := statesync.ApplyDelta(local, data.Delta)
		if err != nil {
			c.log.Debug("Apply delta failed", zap.Error(err))
			return
		}
		c.syncer.AdoptSnapshot(next)
		if c.sink != nil {
			c.sink.ApplySnapshot(next)
		}
		if c.callbacks.OnSnapshot != nil {
			c.callbacks.OnSnapshot(next)
		}
	}
}

func (c *Controller) handleGameEnd(data *protocol.GameEndData) {
	c.mutex.Lock()
	roomID := c.roomID
	c.mutex.Unlock()

	c.recover.Clear(roomID)
	c.transition(StateInRoom)

	if c.callbacks.OnGameEnd != nil {
		c.callbacks.OnGameEnd(data.Winner, data.Reason)
	}
}

// Recovery 恢复管理器（供上层查询存档）
func (c *Controller) Recovery() *recovery.Manager {
	return c.recover
}

// Synchronizer 状态同步器
func (c *Controller) Synchronizer() *statesync.Synchronizer {
	return c.syncer
}

// Resolver 冲突解决器
func (c *Controller) Resolver() *conflict.Resolver {
	return c.resolver
}

// Shutdown 显式停机：唯一的终态入口
func (c *Controller) Shutdown() {
	c.syncOnce.Do(func() {
		close(c.syncStop)
	})
	c.transport.Close("shutdown")
	c.transition(StateDisconnected)
}
