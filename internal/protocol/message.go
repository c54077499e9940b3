package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/puoxiu/sanxiao-battle/internal/model"
)

// MsgType 信封类型标签
type MsgType string

// 消息类型常量
const (
	MSG_CONNECT        MsgType = "CONNECT"
	MSG_DISCONNECT     MsgType = "DISCONNECT"
	MSG_CREATE_ROOM    MsgType = "CREATE_ROOM"
	MSG_ROOM_CREATED   MsgType = "ROOM_CREATED"
	MSG_JOIN_ROOM      MsgType = "JOIN_ROOM"
	MSG_ROOM_JOINED    MsgType = "ROOM_JOINED"
	MSG_ROOM_NOT_FOUND MsgType = "ROOM_NOT_FOUND"
	MSG_ROOM_FULL      MsgType = "ROOM_FULL"
	MSG_LEAVE_ROOM     MsgType = "LEAVE_ROOM"
	MSG_FIND_MATCH     MsgType = "FIND_MATCH"
	MSG_CANCEL_MATCH   MsgType = "CANCEL_MATCH"
	MSG_GAME_START     MsgType = "GAME_START"
	MSG_MOVE           MsgType = "MOVE"
	MSG_STATE_SYNC     MsgType = "STATE_SYNC"
	MSG_GAME_END       MsgType = "GAME_END"
	MSG_CHAT           MsgType = "CHAT"
	MSG_PING           MsgType = "PING"
	MSG_PONG           MsgType = "PONG"
	MSG_ERROR          MsgType = "ERROR"
	MSG_PLAYER_LEFT    MsgType = "PLAYER_LEFT"
	MSG_SPECTATOR_LEFT MsgType = "SPECTATOR_LEFT"
	MSG_PLAYER_DISCONNECTED MsgType = "PLAYER_DISCONNECTED"
	MSG_PLAYER_RECONNECTED  MsgType = "PLAYER_RECONNECTED"
)

// 错误码
const (
	ERR_ROOM_NOT_FOUND      = "ROOM_NOT_FOUND"
	ERR_ROOM_FULL           = "ROOM_FULL"
	ERR_INVALID_MOVE        = "INVALID_MOVE"
	ERR_NOT_YOUR_TURN       = "NOT_YOUR_TURN"
	ERR_GAME_NOT_STARTED    = "GAME_NOT_STARTED"
	ERR_CONNECTION_TIMEOUT  = "CONNECTION_TIMEOUT"
	ERR_RECONNECTION_FAILED = "RECONNECTION_FAILED"
	ERR_PROTOCOL_ERROR      = "PROTOCOL_ERROR"
	ERR_BACKPRESSURE_ABORT  = "BACKPRESSURE_ABORT"
	ERR_STALE_SNAPSHOT      = "STALE_SNAPSHOT"
)

// Envelope 线缆信封：所有帧的统一外壳
// Data 在编码前为各消息类型的结构体，解码后先保留原始字节，
// 由 DecodeData 按 Type 派发成带标签的结构体
type Envelope struct {
	Type      MsgType         `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	PeerID    string          `json:"peerId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// ConnectData CONNECT 双向
type ConnectData struct {
	PeerID string `json:"peerId,omitempty"`
	Status string `json:"status,omitempty"`
}

// DisconnectData DISCONNECT C→S
type DisconnectData struct {
	PeerID string `json:"peerId"`
}

// CreateRoomData CREATE_ROOM C→S
type CreateRoomData struct {
	PeerID string `json:"peerId"`
}

// RoomCreatedData ROOM_CREATED S→C
type RoomCreatedData struct {
	RoomID string `json:"roomId"`
}

// JoinRoomData JOIN_ROOM C→S
type JoinRoomData struct {
	RoomID    string `json:"roomId"`
	PeerID    string `json:"peerId"`
	Spectator bool   `json:"spectator,omitempty"`
}

// RoomJoinedData ROOM_JOINED S→C
type RoomJoinedData struct {
	RoomID     string `json:"roomId"`
	OpponentID string `json:"opponentId,omitempty"`
	PeerCount  int    `json:"peerCount"`
}

// RoomRefData 只带房间号的应答（ROOM_NOT_FOUND / ROOM_FULL）
type RoomRefData struct {
	RoomID string `json:"roomId"`
}

// LeaveRoomData LEAVE_ROOM C→S
type LeaveRoomData struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// FindMatchData FIND_MATCH C→S
type FindMatchData struct {
	PeerID string `json:"peerId"`
	Mode   string `json:"mode,omitempty"`
}

// CancelMatchData CANCEL_MATCH C→S
type CancelMatchData struct {
	PeerID string `json:"peerId"`
}

// GameStartData GAME_START S→C
// 建房配对时带 Players/StartingPlayer，匹配配对时带 OpponentID
type GameStartData struct {
	RoomID         string   `json:"roomId"`
	Players        []string `json:"players,omitempty"`
	StartingPlayer string   `json:"startingPlayer,omitempty"`
	OpponentID     string   `json:"opponentId,omitempty"`
}

// MoveData MOVE 双向
type MoveData struct {
	RoomID string          `json:"roomId"`
	Move   model.MoveToken `json:"move"`
}

// StateSyncData STATE_SYNC 双向：State 与 Delta 二选一
type StateSyncData struct {
	RoomID   string               `json:"roomId"`
	State    *model.StateSnapshot `json:"state,omitempty"`
	Delta    *model.StateDelta    `json:"delta,omitempty"`
	Terminal bool                 `json:"terminal,omitempty"` // 终局同步，不可被背压丢弃
}

// GameEndData GAME_END S→C
type GameEndData struct {
	Winner     string `json:"winner"`
	Reason     string `json:"reason"`
	FinalScore *struct {
		Host  int64 `json:"host"`
		Guest int64 `json:"guest"`
	} `json:"finalScore,omitempty"`
}

// ChatData CHAT 双向，核心不解析内容原样转发
type ChatData struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// PingPongData PING/PONG 双向
type PingPongData struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorData ERROR S→C
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// PeerEventData 成员离开/掉线事件
type PeerEventData struct {
	RoomID string `json:"roomId"`
	PeerID string `json:"peerId"`
}

// NewEnvelope 构造信封并序列化 data 负载
func NewEnvelope(msgType MsgType, data interface{}, peerID string, nowMillis int64) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Timestamp: nowMillis,
		PeerID:    peerID,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %v", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// DecodeData 按类型标签解码负载，未知字段忽略
// 返回的具体类型与 §6 的 data 模式一一对应
func (e *Envelope) DecodeData() (interface{}, error) {
	var target interface{}

	switch e.Type {
	case MSG_CONNECT:
		target = &ConnectData{}
	case MSG_DISCONNECT:
		target = &DisconnectData{}
	case MSG_CREATE_ROOM:
		target = &CreateRoomData{}
	case MSG_ROOM_CREATED:
		target = &RoomCreatedData{}
	case MSG_JOIN_ROOM:
		target = &JoinRoomData{}
	case MSG_ROOM_JOINED:
		target = &RoomJoinedData{}
	case MSG_ROOM_NOT_FOUND, MSG_ROOM_FULL:
		target = &RoomRefData{}
	case MSG_LEAVE_ROOM:
		target = &LeaveRoomData{}
	case MSG_FIND_MATCH:
		target = &FindMatchData{}
	case MSG_CANCEL_MATCH:
		target = &CancelMatchData{}
	case MSG_GAME_START:
		target = &GameStartData{}
	case MSG_MOVE:
		target = &MoveData{}
	case MSG_STATE_SYNC:
		target = &StateSyncData{}
	case MSG_GAME_END:
		target = &GameEndData{}
	case MSG_CHAT:
		target = &ChatData{}
	case MSG_PING, MSG_PONG:
		target = &PingPongData{}
	case MSG_ERROR:
		target = &ErrorData{}
	case MSG_PLAYER_LEFT, MSG_SPECTATOR_LEFT, MSG_PLAYER_DISCONNECTED, MSG_PLAYER_RECONNECTED:
		target = &PeerEventData{}
	default:
		return nil, &UnknownTypeError{Type: string(e.Type)}
	}

	if len(e.Data) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return nil, fmt.Errorf("decode %s data: %v", e.Type, err)
	}
	return target, nil
}

// UnknownTypeError 未知类型标签
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// IsCritical 判断帧是否为关键帧（背压时不可丢弃）
func IsCritical(env *Envelope) bool {
	switch env.Type {
	case MSG_MOVE, MSG_GAME_START, MSG_GAME_END:
		return true
	case MSG_STATE_SYNC:
		var data StateSyncData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false
		}
		return data.Terminal
	default:
		return false
	}
}
