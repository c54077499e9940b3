package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PeerRole 房间内成员角色
type PeerRole string

const (
	RoleNone      PeerRole = "NONE"      // 未进入任何房间
	RoleHost      PeerRole = "HOST"      // 房主（先入座的玩家）
	RoleGuest     PeerRole = "GUEST"     // 客座玩家
	RoleSpectator PeerRole = "SPECTATOR" // 观战者（只读）
)

// GridSelector 快照中两块棋盘的选择器
type GridSelector string

const (
	GridPlayer   GridSelector = "playerGrid"
	GridOpponent GridSelector = "opponentGrid"
)

// Position 棋盘坐标（对核心不透明，仅透传）
type Position struct {
	Row int `bson:"row" json:"row"`
	Col int `bson:"col" json:"col"`
}

// MoveToken 一次交换操作的令牌
// 核心不解析 PosA/PosB 的语义，只校验 MoveNumber 的单调性
type MoveToken struct {
	PosA         Position `bson:"pos_a" json:"posA"`
	PosB         Position `bson:"pos_b" json:"posB"`
	MoveNumber   int64    `bson:"move_number" json:"moveNumber"`
	OriginPeerID string   `bson:"origin_peer_id" json:"originPeerId,omitempty"`
	ServerTime   int64    `bson:"server_time" json:"serverTimestamp,omitempty"` // 毫秒时间戳，入房后由服务端盖章
}

// StateSnapshot 同步单元：一个房间某个版本的完整状态
type StateSnapshot struct {
	Version       int64      `bson:"version" json:"version"`
	BaseVersion   int64      `bson:"base_version" json:"baseVersion,omitempty"`
	Timestamp     int64      `bson:"timestamp" json:"timestamp"` // 毫秒时间戳
	PlayerGrid    [][]string `bson:"player_grid" json:"playerGrid"`
	OpponentGrid  [][]string `bson:"opponent_grid" json:"opponentGrid"`
	PlayerScore   int64      `bson:"player_score" json:"playerScore"`
	OpponentScore int64      `bson:"opponent_score" json:"opponentScore"`
	PlayerMoves   int64      `bson:"player_moves" json:"playerMoves"`
	OpponentMoves int64      `bson:"opponent_moves" json:"opponentMoves"`
	EventProgress int64      `bson:"event_progress" json:"eventProgress"`
	ActiveEvents  []string   `bson:"active_events" json:"activeEvents"`
	CurrentTurn   string     `bson:"current_turn" json:"currentTurn"`
}

// Clone 深拷贝快照（棋盘与事件列表均复制）
func (s *StateSnapshot) Clone() *StateSnapshot {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.PlayerGrid = cloneGrid(s.PlayerGrid)
	cloned.OpponentGrid = cloneGrid(s.OpponentGrid)
	cloned.ActiveEvents = append([]string(nil), s.ActiveEvents...)
	return &cloned
}

func cloneGrid(grid [][]string) [][]string {
	if grid == nil {
		return nil
	}
	cloned := make([][]string, len(grid))
	for i, row := range grid {
		cloned[i] = append([]string(nil), row...)
	}
	return cloned
}

// ChangeKind 增量变更类型
type ChangeKind string

const (
	ChangeCell    ChangeKind = "cell"    // 单元格更新
	ChangeScalar  ChangeKind = "scalar"  // 计数器更新
	ChangeEvents  ChangeKind = "events"  // 事件进度/激活事件更新
	ChangeTurn    ChangeKind = "turn"    // 回合更新
)

// 计数器字段名（ChangeScalar 的 Field 取值）
const (
	ScalarPlayerScore   = "playerScore"
	ScalarOpponentScore = "opponentScore"
	ScalarPlayerMoves   = "playerMoves"
	ScalarOpponentMoves = "opponentMoves"
)

// StateChange 增量中的单条变更记录
type StateChange struct {
	Kind ChangeKind `bson:"kind" json:"kind"`

	// Kind == ChangeCell 时有效
	Grid GridSelector `bson:"grid,omitempty" json:"grid,omitempty"`
	Row  int          `bson:"row,omitempty" json:"row,omitempty"`
	Col  int          `bson:"col,omitempty" json:"col,omitempty"`
	Cell string       `bson:"cell,omitempty" json:"cell,omitempty"`

	// Kind == ChangeScalar 时有效
	Field string `bson:"field,omitempty" json:"field,omitempty"`
	Value int64  `bson:"value,omitempty" json:"value,omitempty"`

	// Kind == ChangeEvents 时有效
	EventProgress int64    `bson:"event_progress,omitempty" json:"eventProgress,omitempty"`
	ActiveEvents  []string `bson:"active_events,omitempty" json:"activeEvents,omitempty"`

	// Kind == ChangeTurn 时有效
	Turn string `bson:"turn,omitempty" json:"turn,omitempty"`
}

// StateDelta 两个相邻版本之间的稀疏差异
type StateDelta struct {
	Version     int64         `bson:"version" json:"version"`
	BaseVersion int64         `bson:"base_version" json:"baseVersion"`
	Changes     []StateChange `bson:"changes" json:"changes"`
	Timestamp   int64         `bson:"timestamp" json:"timestamp"`
}

// GameSnapshot 断线恢复用的本地存档
type GameSnapshot struct {
	Timestamp            int64          `bson:"timestamp" json:"timestamp"`
	RoomID               string         `bson:"room_id" json:"roomId"`
	PeerID               string         `bson:"peer_id" json:"peerId"`
	OpponentID           string         `bson:"opponent_id" json:"opponentId"`
	State                *StateSnapshot `bson:"state" json:"state"`
	MoveHistory          []MoveToken    `bson:"move_history" json:"moveHistory"`
	LastSyncedMoveNumber int64          `bson:"last_synced_move_number" json:"lastSyncedMoveNumber"`
}

// MatchTicket 匹配队列中的排队票
type MatchTicket struct {
	PeerID     string    `json:"peer_id"`
	Mode       string    `json:"mode"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// 匹配模式
const (
	MatchModeRandom = "RANDOM"
	MatchModeRanked = "RANKED" // 核心层按 RANDOM 处理
	MatchModeInvite = "INVITE" // 由房间注册表直接建房
	MatchModeCustom = "CUSTOM"
)

// ConflictType 状态分歧类型
type ConflictType string

const (
	ConflictVersionMismatch   ConflictType = "VERSION_MISMATCH"
	ConflictGridInconsistency ConflictType = "GRID_INCONSISTENCY"
	ConflictScoreMismatch     ConflictType = "SCORE_MISMATCH"
	ConflictStateDivergence   ConflictType = "STATE_DIVERGENCE"
)

// ConflictRecord 冲突记录（有界环形保留，用于观测）
type ConflictRecord struct {
	Type          ConflictType `json:"type"`
	DetectedAt    time.Time    `json:"detected_at"`
	LocalVersion  int64        `json:"local_version"`
	RemoteVersion int64        `json:"remote_version"`
	Description   string       `json:"description"`
}

// MatchHistory 对局结束后持久化的历史记录
// Ratings为赛后积分（peer号 -> 积分），积分表本身只活在Hub进程内
type MatchHistory struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RoomID    string             `bson:"room_id" json:"room_id"`
	Players   []string           `bson:"players" json:"players"`
	Winner    string             `bson:"winner" json:"winner"`
	Reason    string             `bson:"reason" json:"reason"`
	MoveLog   []MoveToken        `bson:"move_log" json:"move_log"`
	Ratings   map[string]float64 `bson:"ratings,omitempty" json:"ratings,omitempty"`
	StartedAt time.Time          `bson:"started_at" json:"started_at"`
	EndedAt   time.Time          `bson:"ended_at" json:"ended_at"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
}
