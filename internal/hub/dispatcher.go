package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/database/mongodb"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/match"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/monitoring"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"github.com/puoxiu/sanxiao-battle/internal/room"
	"go.uber.org/zap"
)

// 新peer的起始积分
const initialRating = 1500

// Dispatcher 入站帧派发器：按类型标签路由到对应处理逻辑
type Dispatcher struct {
	hub        *Hub
	matchmaker *match.Matchmaker
	history    *mongodb.HistoryRepo // 可为nil
	metrics    *monitoring.MetricsCollector

	// Hub进程生命周期内的积分表；持久账号不在范围内
	ratingsMutex sync.Mutex
	ratings      map[string]float64

	log *logger.Logger
}

// NewDispatcher 创建派发器
// 匹配器依赖注册表而注册表的终局钩子在派发器上，matchmaker经SetMatchmaker二段注入
func NewDispatcher(h *Hub, matchmaker *match.Matchmaker, history *mongodb.HistoryRepo, metrics *monitoring.MetricsCollector) *Dispatcher {
	return &Dispatcher{
		hub:        h,
		matchmaker: matchmaker,
		history:    history,
		metrics:    metrics,
		ratings:    make(map[string]float64),
		log:        logger.GetGlobalLogger().WithField("component", "dispatcher"),
	}
}

// SetMatchmaker 注入匹配器
func (d *Dispatcher) SetMatchmaker(m *match.Matchmaker) {
	d.matchmaker = m
}

// Dispatch 处理一帧，返回true表示连接应当结束
func (d *Dispatcher) Dispatch(peer *Peer, env *protocol.Envelope) bool {
	payload, err := env.DecodeData()
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			// 未知类型：节流告警后丢帧
			if peer.parseErrors.ShouldWarnUnknownType(time.Now()) {
				d.log.Warn("UNKNOWN_TYPE frame dropped",
					zap.String("peer_id", peer.ID),
					zap.String("type", unknown.Type),
				)
			}
			return false
		}
		if d.metrics != nil {
			d.metrics.IncProtocolError("payload")
		}
		peer.parseErrors.Record(time.Now())
		if peer.parseErrors.Exceeded(time.Now()) {
			d.hub.sendError(peer.ID, protocol.ERR_PROTOCOL_ERROR, "too many malformed frames", "")
			return true
		}
		return false
	}

	if d.metrics != nil {
		d.metrics.IncMessage(string(env.Type))
	}

	switch data := payload.(type) {
	case *protocol.PingPongData:
		if env.Type == protocol.MSG_PING {
			d.handlePing(peer, env, data)
		}
	case *protocol.ConnectData:
		// 重复CONNECT：幂等应答
		reply, err := protocol.NewEnvelope(protocol.MSG_CONNECT, &protocol.ConnectData{
			PeerID: peer.ID,
			Status: "connected",
		}, "", time.Now().UnixMilli())
		if err == nil {
			reply.MessageID = env.MessageID
			d.hub.sendEnvelope(peer, reply, true)
		}
	case *protocol.DisconnectData:
		d.hub.RemovePeer(peer.ID)
		return true
	case *protocol.CreateRoomData:
		d.handleCreateRoom(peer, env)
	case *protocol.JoinRoomData:
		d.handleJoinRoom(peer, env, data)
	case *protocol.LeaveRoomData:
		d.handleLeaveRoom(peer, data)
	case *protocol.FindMatchData:
		switch data.Mode {
		case model.MatchModeInvite, model.MatchModeCustom:
			// 邀请/自定义不走队列，直接建房等对方JOIN_ROOM
			d.handleCreateRoom(peer, env)
		default:
			if d.matchmaker != nil {
				d.matchmaker.Enqueue(peer.ID, data.Mode)
			}
		}
	case *protocol.CancelMatchData:
		if d.matchmaker != nil {
			d.matchmaker.Cancel(peer.ID)
		}
	case *protocol.MoveData:
		d.handleMove(peer, env, data)
	case *protocol.StateSyncData:
		d.handleStateSync(peer, env, data)
	case *protocol.ChatData:
		d.handleChat(peer, data)
	}
	return false
}

// handlePing 回PONG并更新往返延迟
func (d *Dispatcher) handlePing(peer *Peer, env *protocol.Envelope, data *protocol.PingPongData) {
	now := time.Now()
	if data.Timestamp > 0 {
		sample := now.Sub(time.UnixMilli(data.Timestamp))
		if sample >= 0 && sample < 5*time.Second {
			peer.updateRTT(sample)
		}
	}

	pong, err := protocol.NewEnvelope(protocol.MSG_PONG, &protocol.PingPongData{
		Timestamp: data.Timestamp,
	}, "", now.UnixMilli())
	if err != nil {
		return
	}
	pong.MessageID = env.MessageID
	d.hub.sendEnvelope(peer, pong, false)
}

// handleCreateRoom 建房并以HOST入座
func (d *Dispatcher) handleCreateRoom(peer *Peer, env *protocol.Envelope) {
	r := d.hub.Registry().Create(room.DefaultOptions())
	role, err := r.AddPlayer(peer.ID)
	if err != nil {
		d.hub.sendError(peer.ID, protocol.ERR_ROOM_FULL, err.Error(), env.MessageID)
		return
	}
	d.hub.setPeerRoom(peer, r.ID(), role)

	reply, err := protocol.NewEnvelope(protocol.MSG_ROOM_CREATED, &protocol.RoomCreatedData{
		RoomID: r.ID(),
	}, "", time.Now().UnixMilli())
	if err != nil {
		return
	}
	reply.MessageID = env.MessageID
	d.hub.sendEnvelope(peer, reply, true)
}

// handleJoinRoom 入房：玩家入座或观战入场
// 房间不存在回 ROOM_NOT_FOUND，满员回 ROOM_FULL
func (d *Dispatcher) handleJoinRoom(peer *Peer, env *protocol.Envelope, data *protocol.JoinRoomData) {
	r, err := d.hub.Registry().Get(data.RoomID)
	if err != nil {
		reply, buildErr := protocol.NewEnvelope(protocol.MSG_ROOM_NOT_FOUND, &protocol.RoomRefData{
			RoomID: data.RoomID,
		}, "", time.Now().UnixMilli())
		if buildErr == nil {
			reply.MessageID = env.MessageID
			d.hub.sendEnvelope(peer, reply, false)
		}
		return
	}

	if data.Spectator {
		if err := r.AddSpectator(peer.ID); err != nil {
			d.hub.sendError(peer.ID, protocol.ERR_ROOM_FULL, err.Error(), env.MessageID)
			return
		}
		d.hub.setPeerRoom(peer, r.ID(), model.RoleSpectator)
	} else {
		role, err := r.AddPlayer(peer.ID)
		if err != nil {
			if errors.Is(err, room.ErrRoomFull) {
				reply, buildErr := protocol.NewEnvelope(protocol.MSG_ROOM_FULL, &protocol.RoomRefData{
					RoomID: data.RoomID,
				}, "", time.Now().UnixMilli())
				if buildErr == nil {
					reply.MessageID = env.MessageID
					d.hub.sendEnvelope(peer, reply, false)
				}
			} else {
				d.hub.sendError(peer.ID, protocol.ERR_PROTOCOL_ERROR, err.Error(), env.MessageID)
			}
			return
		}
		d.hub.setPeerRoom(peer, r.ID(), role)
	}

	reply, err := protocol.NewEnvelope(protocol.MSG_ROOM_JOINED, &protocol.RoomJoinedData{
		RoomID:     r.ID(),
		OpponentID: r.Opponent(peer.ID),
		PeerCount:  r.PeerCount(),
	}, "", time.Now().UnixMilli())
	if err != nil {
		return
	}
	reply.MessageID = env.MessageID
	d.hub.sendEnvelope(peer, reply, true)
}

// handleLeaveRoom 离房
func (d *Dispatcher) handleLeaveRoom(peer *Peer, data *protocol.LeaveRoomData) {
	roomID := data.RoomID
	if roomID == "" {
		roomID = peer.RoomID
	}
	if roomID == "" {
		return
	}
	if r, err := d.hub.Registry().Get(roomID); err == nil {
		r.RemovePeer(peer.ID)
	}
	d.hub.setPeerRoom(peer, "", model.RoleNone)
}

// handleMove 移动路由：会话逻辑错误以ERROR帧同步回发起方
func (d *Dispatcher) handleMove(peer *Peer, env *protocol.Envelope, data *protocol.MoveData) {
	r, err := d.hub.Registry().Get(data.RoomID)
	if err != nil {
		d.hub.sendError(peer.ID, protocol.ERR_ROOM_NOT_FOUND, "room not found", env.MessageID)
		return
	}

	if err := r.RecordMove(peer.ID, data.Move); err != nil {
		d.hub.sendError(peer.ID, moveErrorCode(err), err.Error(), env.MessageID)
		return
	}
	if d.metrics != nil {
		d.metrics.IncMove()
	}
}

func moveErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrNotYourTurn):
		return protocol.ERR_NOT_YOUR_TURN
	case errors.Is(err, room.ErrGameNotStarted):
		return protocol.ERR_GAME_NOT_STARTED
	case errors.Is(err, room.ErrInvalidMove):
		return protocol.ERR_INVALID_MOVE
	case errors.Is(err, room.ErrNotInRoom):
		return protocol.ERR_PROTOCOL_ERROR
	default:
		return protocol.ERR_INVALID_MOVE
	}
}

// handleStateSync 状态同步：全量快照入房间仲裁，增量只转发
func (d *Dispatcher) handleStateSync(peer *Peer, env *protocol.Envelope, data *protocol.StateSyncData) {
	r, err := d.hub.Registry().Get(data.RoomID)
	if err != nil {
		d.hub.sendError(peer.ID, protocol.ERR_ROOM_NOT_FOUND, "room not found", env.MessageID)
		return
	}

	if data.State != nil {
		if err := r.RecordSnapshot(peer.ID, data.State, data.Terminal); err != nil {
			if errors.Is(err, room.ErrStaleSnapshot) {
				d.hub.sendError(peer.ID, protocol.ERR_STALE_SNAPSHOT, err.Error(), env.MessageID)
			}
			return
		}
		if d.metrics != nil {
			d.metrics.IncSync(false)
		}
		return
	}

	if data.Delta != nil {
		// 增量不做服务端仲裁，原样扇出；版本对账由消费方完成
		r.Broadcast(protocol.MSG_STATE_SYNC, data, peer.ID, data.Terminal)
		if d.metrics != nil {
			d.metrics.IncSync(true)
		}
	}
}

// handleChat 聊天原样转发
func (d *Dispatcher) handleChat(peer *Peer, data *protocol.ChatData) {
	if r, err := d.hub.Registry().Get(data.RoomID); err == nil {
		r.RouteChat(peer.ID, data.Message)
	}
}

// 终局广播后到房间回收的缓冲，让末尾帧来得及冲刷
const disposeDelay = 5 * time.Second

// OnGameEnd 对局终结钩子：历史落库并安排房间回收
// 钩子在房间串行任务内执行，回收必须异步，否则会自锁
func (d *Dispatcher) OnGameEnd(r *room.Room, result room.EndResult) {
	if d.metrics != nil {
		d.metrics.IncGameEnd(result.Reason)
	}

	roomID := r.ID()
	go func() {
		time.Sleep(disposeDelay)
		d.hub.Registry().Dispose(roomID)
	}()

	ratings := d.applyEloUpdate(result)

	if d.history != nil {
		history := &model.MatchHistory{
			RoomID:    r.ID(),
			Players:   result.Players,
			Winner:    result.Winner,
			Reason:    result.Reason,
			MoveLog:   result.MoveLog,
			Ratings:   ratings,
			StartedAt: result.StartedAt,
			EndedAt:   result.EndedAt,
		}
		// 落库尽力而为，不阻塞房间串行任务
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.history.Insert(ctx, history); err != nil {
				d.log.Warn("Persist match history failed", zap.String("room_id", r.ID()), zap.Error(err))
			}
		}()
	}
}

// applyEloUpdate 终局积分结算（K=32）
// 只结算有明确胜者的双人对局；返回赛后积分供历史落库
func (d *Dispatcher) applyEloUpdate(result room.EndResult) map[string]float64 {
	if len(result.Players) != 2 || result.Winner == "" {
		return nil
	}
	winner := result.Winner
	var loser string
	switch winner {
	case result.Players[0]:
		loser = result.Players[1]
	case result.Players[1]:
		loser = result.Players[0]
	default:
		return nil
	}

	d.ratingsMutex.Lock()
	defer d.ratingsMutex.Unlock()

	newWinner, newLoser := match.EloUpdate(d.ratingLocked(winner), d.ratingLocked(loser), 1)
	d.ratings[winner] = newWinner
	d.ratings[loser] = newLoser

	d.log.Info("Ratings updated",
		zap.String("winner", winner),
		zap.Float64("winner_rating", newWinner),
		zap.String("loser", loser),
		zap.Float64("loser_rating", newLoser),
	)
	return map[string]float64{winner: newWinner, loser: newLoser}
}

func (d *Dispatcher) ratingLocked(peerID string) float64 {
	if rating, ok := d.ratings[peerID]; ok {
		return rating
	}
	return initialRating
}
