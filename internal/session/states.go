package session

// State 会话状态机的可观测状态
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateInLobby      State = "IN_LOBBY"
	StateInRoom       State = "IN_ROOM"
	StateInBattle     State = "IN_BATTLE"
	StateReconnecting State = "RECONNECTING"
	StateError        State = "ERROR"
)

// validTransitions 状态迁移表
// 连接丢失可从任意已连接状态（CONNECTED/IN_LOBBY/IN_ROOM/IN_BATTLE）进入 RECONNECTING，显式停机是唯一终态
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateError},
	StateConnected:    {StateInLobby, StateInRoom, StateReconnecting, StateDisconnected, StateError},
	StateInLobby:      {StateInRoom, StateConnected, StateReconnecting, StateDisconnected, StateError},
	StateInRoom:       {StateInBattle, StateConnected, StateReconnecting, StateDisconnected, StateError},
	StateInBattle:     {StateInRoom, StateReconnecting, StateDisconnected, StateError},
	StateReconnecting: {StateConnected, StateInRoom, StateInBattle, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// canTransition 检查迁移是否合法
func canTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
