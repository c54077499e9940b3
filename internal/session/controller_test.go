package session

import (
	"sync"
	"testing"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/conflict"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
)

// fakeEngine 游戏引擎替身：同时充当只读面与指令面
type fakeEngine struct {
	mutex    sync.Mutex
	state    *model.StateSnapshot
	applied  []*model.StateSnapshot
	oppMoves []model.MoveToken
}

func (e *fakeEngine) ReadState() *model.StateSnapshot {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.state.Clone()
}

func (e *fakeEngine) ApplyOpponentMove(move model.MoveToken) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.oppMoves = append(e.oppMoves, move)
}

func (e *fakeEngine) ApplySnapshot(snapshot *model.StateSnapshot) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.applied = append(e.applied, snapshot)
}

func newTestController(t *testing.T, callbacks Callbacks) (*Controller, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{
		state: &model.StateSnapshot{
			PlayerGrid:   [][]string{{"r", "g"}, {"b", "r"}},
			OpponentGrid: [][]string{{"r", "g"}, {"b", "r"}},
			CurrentTurn:  "me",
		},
	}
	c, err := NewController(Config{
		ServerURL:     "ws://127.0.0.1:0/ws",
		ResolvePolicy: conflict.StrategyServerAuthoritative,
	}, engine, engine, callbacks)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return c, engine
}

// seedBattle 把控制器推进到对战中（不走网络）
func seedBattle(c *Controller, roomID string) {
	c.mutex.Lock()
	c.state = StateInBattle
	c.roomID = roomID
	c.mutex.Unlock()
}

func mustEnvelope(t *testing.T, msgType protocol.MsgType, data interface{}) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, data, "peer-remote", time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("build %s: %v", msgType, err)
	}
	return env
}

func TestOpponentMoveReachesEngine(t *testing.T) {
	var gotMove model.MoveToken
	c, engine := newTestController(t, Callbacks{
		OnOpponentMove: func(move model.MoveToken) { gotMove = move },
	})
	seedBattle(c, "room-1")

	c.handleEnvelope(mustEnvelope(t, protocol.MSG_MOVE, &protocol.MoveData{
		RoomID: "room-1",
		Move:   model.MoveToken{MoveNumber: 3, OriginPeerID: "peer-remote"},
	}))

	if len(engine.oppMoves) != 1 || engine.oppMoves[0].MoveNumber != 3 {
		t.Fatalf("move not applied to engine: %+v", engine.oppMoves)
	}
	if gotMove.MoveNumber != 3 {
		t.Fatalf("callback not invoked")
	}
}

func TestDeltaSyncAppliedToEngine(t *testing.T) {
	c, engine := newTestController(t, Callbacks{})
	seedBattle(c, "room-1")

	base := engine.ReadState()
	base.Version = 1
	c.syncer.AdoptSnapshot(base)

	c.handleEnvelope(mustEnvelope(t, protocol.MSG_STATE_SYNC, &protocol.StateSyncData{
		RoomID: "room-1",
		Delta: &model.StateDelta{
			Version:     2,
			BaseVersion: 1,
			Timestamp:   time.Now().UnixMilli(),
			Changes: []model.StateChange{
				{Kind: model.ChangeCell, Grid: model.GridOpponent, Row: 0, Col: 0, Cell: "x"},
				{Kind: model.ChangeScalar, Field: model.ScalarOpponentScore, Value: 70},
			},
		},
	}))

	if len(engine.applied) != 1 {
		t.Fatalf("delta result not applied, applied=%d", len(engine.applied))
	}
	got := engine.applied[0]
	if got.Version != 2 || got.OpponentGrid[0][0] != "x" || got.OpponentScore != 70 {
		t.Fatalf("wrong applied snapshot: %+v", got)
	}
}

func TestConflictingRemoteSnapshotResolved(t *testing.T) {
	var conflictSeen bool
	c, engine := newTestController(t, Callbacks{
		OnConflict: func(record *model.ConflictRecord, resolution *conflict.Resolution) {
			conflictSeen = true
			if resolution.Strategy != conflict.StrategyServerAuthoritative {
				t.Errorf("strategy = %s", resolution.Strategy)
			}
		},
	})
	seedBattle(c, "room-1")

	local := engine.ReadState()
	local.Version = 5
	local.Timestamp = time.Now().UnixMilli()
	c.syncer.AdoptSnapshot(local)

	remote := local.Clone()
	remote.Version = 8 // 版本差超过1触发冲突
	c.handleEnvelope(mustEnvelope(t, protocol.MSG_STATE_SYNC, &protocol.StateSyncData{
		RoomID: "room-1",
		State:  remote,
	}))

	if !conflictSeen {
		t.Fatalf("expected conflict callback")
	}
	// 服务端权威：本地采纳远端版本
	if c.syncer.Current().Version != 8 {
		t.Fatalf("resolved version = %d, want 8", c.syncer.Current().Version)
	}
}

func TestStaleRemoteSnapshotDiscarded(t *testing.T) {
	c, engine := newTestController(t, Callbacks{})
	seedBattle(c, "room-1")

	local := engine.ReadState()
	local.Version = 20
	c.syncer.AdoptSnapshot(local)

	stale := engine.ReadState()
	stale.Version = 10 // 窗口外
	c.handleEnvelope(mustEnvelope(t, protocol.MSG_STATE_SYNC, &protocol.StateSyncData{
		RoomID: "room-1",
		State:  stale,
	}))

	if c.syncer.Current().Version != 20 {
		t.Fatalf("stale snapshot must not replace local state")
	}
	if len(engine.applied) != 0 {
		t.Fatalf("stale snapshot must not reach the engine")
	}
}

func TestGameEndTransitionsToRoom(t *testing.T) {
	var winner string
	c, _ := newTestController(t, Callbacks{
		OnGameEnd: func(w, reason string) { winner = w },
	})
	seedBattle(c, "room-1")

	c.handleEnvelope(mustEnvelope(t, protocol.MSG_GAME_END, &protocol.GameEndData{
		Winner: "peer-remote",
		Reason: "abandoned",
	}))

	if c.State() != StateInRoom {
		t.Fatalf("state after game end = %s", c.State())
	}
	if winner != "peer-remote" {
		t.Fatalf("callback winner = %q", winner)
	}
}

func TestExecuteMoveNumbersMonotonically(t *testing.T) {
	c, _ := newTestController(t, Callbacks{})
	seedBattle(c, "room-1")

	n1, err := c.ExecuteMove(model.Position{Row: 0, Col: 0}, model.Position{Row: 0, Col: 1})
	if err != nil {
		t.Fatalf("move 1: %v", err)
	}
	n2, err := c.ExecuteMove(model.Position{Row: 1, Col: 0}, model.Position{Row: 1, Col: 1})
	if err != nil {
		t.Fatalf("move 2: %v", err)
	}
	if n1 != 1 || n2 != 2 {
		t.Fatalf("move numbers = %d, %d", n1, n2)
	}
}

func TestExecuteMoveOutsideBattleRejected(t *testing.T) {
	c, _ := newTestController(t, Callbacks{})

	if _, err := c.ExecuteMove(model.Position{}, model.Position{}); err == nil {
		t.Fatalf("move outside battle must fail")
	}
}

func TestRequestReplyCorrelation(t *testing.T) {
	c, _ := newTestController(t, Callbacks{})

	// 应答帧在请求之后到达
	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(10 * time.Millisecond)
			c.pendingMutex.Lock()
			var id string
			for k := range c.pending {
				id = k
			}
			c.pendingMutex.Unlock()
			if id == "" {
				continue
			}
			env := mustEnvelopeQuiet(protocol.MSG_ROOM_CREATED, &protocol.RoomCreatedData{RoomID: "room-9"})
			env.MessageID = id
			c.handleEnvelope(env)
			return
		}
	}()

	roomID, err := c.CreateRoom()
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if roomID != "room-9" {
		t.Fatalf("room id = %q", roomID)
	}
	if c.State() != StateInRoom && c.RoomID() != "room-9" {
		t.Fatalf("room bookkeeping missing")
	}
}

func mustEnvelopeQuiet(msgType protocol.MsgType, data interface{}) *protocol.Envelope {
	env, _ := protocol.NewEnvelope(msgType, data, "", time.Now().UnixMilli())
	return env
}
