package session

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		// 正常推进
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnected, StateInRoom, true},
		{StateInRoom, StateInBattle, true},
		{StateInBattle, StateInRoom, true},

		// 任意在线状态可进重连
		{StateConnected, StateReconnecting, true},
		{StateInRoom, StateReconnecting, true},
		{StateInBattle, StateReconnecting, true},
		{StateReconnecting, StateConnected, true},
		{StateReconnecting, StateInBattle, true},
		{StateReconnecting, StateError, true},

		// 错误后可重来
		{StateError, StateConnecting, true},

		// 非法跳跃
		{StateDisconnected, StateInBattle, false},
		{StateConnecting, StateInRoom, false},
		{StateDisconnected, StateInRoom, false},
	}

	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestSelfTransitionAlwaysAllowed(t *testing.T) {
	for state := range validTransitions {
		if !canTransition(state, state) {
			t.Fatalf("self transition must be allowed for %s", state)
		}
	}
}
