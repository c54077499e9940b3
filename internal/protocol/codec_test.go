package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	env, err := NewEnvelope(MSG_MOVE, &MoveData{
		RoomID: "room-1",
	}, "peer-a", 1700000000000)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	env.MessageID = "m1"

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != MSG_MOVE || decoded.PeerID != "peer-a" || decoded.MessageID != "m1" {
		t.Fatalf("envelope fields lost in roundtrip: %+v", decoded)
	}

	payload, err := decoded.DecodeData()
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	move, ok := payload.(*MoveData)
	if !ok || move.RoomID != "room-1" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	raw := `{"type":"PING","data":{"timestamp":123,"extra":"x"},"timestamp":1,"peerId":"p","bogus":42}`
	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode with unknown fields: %v", err)
	}
	payload, err := env.DecodeData()
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if payload.(*PingPongData).Timestamp != 123 {
		t.Fatalf("timestamp not parsed")
	}
}

func TestDecodeUnknownTypeSurfaces(t *testing.T) {
	env, err := Decode([]byte(`{"type":"WHATEVER","timestamp":1}`))
	if err != nil {
		t.Fatalf("envelope shell should parse: %v", err)
	}
	if _, err := env.DecodeData(); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestDecodeMalformedIsParseError(t *testing.T) {
	if _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected parse error")
	} else if _, ok := err.(*ParseError); !ok {
		t.Fatalf("expected *ParseError, got %T", err)
	}

	// 缺少type同样算解析错误
	if _, err := Decode([]byte(`{"timestamp":1}`)); err == nil {
		t.Fatalf("expected parse error for missing type")
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	big := strings.Repeat("x", MaxFrameSize)
	env, err := NewEnvelope(MSG_CHAT, &ChatData{RoomID: "r", Message: big}, "p", 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := Encode(env); err == nil {
		t.Fatalf("expected oversize rejection")
	}
}

func TestParseErrorCounterWindow(t *testing.T) {
	c := NewParseErrorCounter()
	base := time.Now()

	// 窗口内累计16次：未超阈值
	for i := 0; i < ParseErrorThreshold; i++ {
		c.Record(base.Add(time.Duration(i) * time.Second))
	}
	if c.Exceeded(base.Add(16 * time.Second)) {
		t.Fatalf("threshold should be exclusive")
	}

	// 第17次：超阈值
	c.Record(base.Add(17 * time.Second))
	if !c.Exceeded(base.Add(17 * time.Second)) {
		t.Fatalf("expected threshold exceeded")
	}

	// 窗口滑走后恢复
	if c.Exceeded(base.Add(100 * time.Second)) {
		t.Fatalf("old failures should age out")
	}
}

func TestUnknownTypeWarnThrottle(t *testing.T) {
	c := NewParseErrorCounter()
	base := time.Now()

	if !c.ShouldWarnUnknownType(base) {
		t.Fatalf("first warn should pass")
	}
	if c.ShouldWarnUnknownType(base.Add(30 * time.Second)) {
		t.Fatalf("warn within a minute should be throttled")
	}
	if !c.ShouldWarnUnknownType(base.Add(61 * time.Second)) {
		t.Fatalf("warn after a minute should pass")
	}
}

func TestIsCritical(t *testing.T) {
	cases := []struct {
		msgType  MsgType
		data     interface{}
		critical bool
	}{
		{MSG_MOVE, &MoveData{RoomID: "r"}, true},
		{MSG_GAME_START, &GameStartData{RoomID: "r"}, true},
		{MSG_GAME_END, &GameEndData{Winner: "a"}, true},
		{MSG_CHAT, &ChatData{RoomID: "r"}, false},
		{MSG_STATE_SYNC, &StateSyncData{RoomID: "r"}, false},
		{MSG_STATE_SYNC, &StateSyncData{RoomID: "r", Terminal: true}, true},
	}
	for _, tc := range cases {
		raw, _ := json.Marshal(tc.data)
		env := &Envelope{Type: tc.msgType, Data: raw}
		if got := IsCritical(env); got != tc.critical {
			t.Fatalf("IsCritical(%s) = %v, want %v", tc.msgType, got, tc.critical)
		}
	}
}
