package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"go.uber.org/zap"
)

// State 传输层连接状态
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// 心跳与重连参数
const (
	connectTimeout    = 10 * time.Second
	pingInterval      = 5 * time.Second
	maxMissedPongs    = 6 // 连续6次无PONG判定掉线（约30秒）
	maxReconnectTries = 5
	reconnectBackoff  = 2 * time.Second // 第n次重试退避 n*2秒
	rttAlpha          = 0.3
)

// Handlers 传输层事件回调
// 回调在传输层自己的goroutine里执行，不可长时间阻塞
type Handlers struct {
	OnEnvelope    func(env *protocol.Envelope)
	OnStateChange func(state State)
	OnLatency     func(rtt time.Duration)
}

// Client 客户端传输：全双工有序消息流 + 心跳 + 断线重连
type Client struct {
	url      string
	handlers Handlers

	mutex       sync.Mutex
	conn        *websocket.Conn
	state       State
	peerID      string // 进程生命周期内稳定
	activeRoom  string // 重连后需要回归的房间
	latency     time.Duration
	missedPongs int
	pongSeen    chan struct{}

	queue *sendQueue

	ctx       context.Context
	cancel    context.CancelFunc
	loopWG    sync.WaitGroup
	connEpoch int // 每次换连接自增，旧循环据此退出
	log       *logger.Logger
}

// NewClient 创建传输客户端
func NewClient(url string, handlers Handlers) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:      url,
		handlers: handlers,
		state:    StateDisconnected,
		queue:    newSendQueue(),
		pongSeen: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.GetGlobalLogger().WithField("component", "transport"),
	}
}

// State 当前连接状态
func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// PeerID 本端peer号（握手后可用）
func (c *Client) PeerID() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.peerID
}

// Latency 平滑后的往返延迟
func (c *Client) Latency() time.Duration {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.latency
}

// SetActiveRoom 标记活跃房间，重连成功后自动补发JOIN_ROOM
func (c *Client) SetActiveRoom(roomID string) {
	c.mutex.Lock()
	c.activeRoom = roomID
	c.mutex.Unlock()
}

// setState 状态迁移并通知
func (c *Client) setState(s State) {
	c.mutex.Lock()
	if c.state == s {
		c.mutex.Unlock()
		return
	}
	c.state = s
	c.mutex.Unlock()

	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(s)
	}
}

// Connect 建立连接并完成CONNECT握手，超时10秒
func (c *Client) Connect() error {
	c.setState(StateConnecting)
	if err := c.dialAndHandshake(); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateConnected)
	return nil
}

// dialAndHandshake 拨号 + CONNECT往返
func (c *Client) dialAndHandshake() error {
	ctx, cancel := context.WithTimeout(c.ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %v", c.url, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize + 1024)

	c.mutex.Lock()
	peerID := c.peerID
	c.mutex.Unlock()

	env, err := protocol.NewEnvelope(protocol.MSG_CONNECT, &protocol.ConnectData{
		PeerID: peerID,
	}, peerID, time.Now().UnixMilli())
	if err != nil {
		conn.Close()
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		conn.Close()
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(connectTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		conn.Close()
		return fmt.Errorf("send handshake: %v", err)
	}

	// 等CONNECT应答
	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("await handshake reply: %v", err)
	}
	reply, err := protocol.Decode(raw)
	if err != nil {
		conn.Close()
		return fmt.Errorf("decode handshake reply: %v", err)
	}
	if reply.Type != protocol.MSG_CONNECT {
		conn.Close()
		return fmt.Errorf("unexpected handshake reply type %s", reply.Type)
	}
	payload, err := reply.DecodeData()
	if err != nil {
		conn.Close()
		return err
	}
	connectReply, ok := payload.(*protocol.ConnectData)
	if !ok || connectReply.PeerID == "" {
		conn.Close()
		return errors.New("handshake reply missing peer id")
	}

	c.mutex.Lock()
	c.peerID = connectReply.PeerID
	c.conn = conn
	c.missedPongs = 0
	c.connEpoch++
	epoch := c.connEpoch
	c.mutex.Unlock()

	c.log.Info("Transport connected", zap.String("peer_id", connectReply.PeerID), zap.String("url", c.url))

	c.loopWG.Add(3)
	go c.readLoop(conn, epoch)
	go c.writeLoop(conn, epoch)
	go c.heartbeatLoop(epoch)
	c.queue.wake()
	return nil
}

// Send 入队发送；连接断开期间继续排队
func (c *Client) Send(env *protocol.Envelope) error {
	c.mutex.Lock()
	env.PeerID = c.peerID
	c.mutex.Unlock()

	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	critical := protocol.IsCritical(env)
	if err := c.queue.push(data, critical); err != nil {
		c.log.Error("Outbound queue aborted", zap.Error(err))
		c.Close("backpressure")
		return err
	}
	return nil
}

// readLoop 读循环：解帧并回调
func (c *Client) readLoop(conn *websocket.Conn, epoch int) {
	defer c.loopWG.Done()

	for {
		conn.SetReadDeadline(time.Now().Add(pingInterval * (maxMissedPongs + 2)))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onConnLost(epoch, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("Drop malformed inbound frame", zap.Error(err))
			continue
		}

		if env.Type == protocol.MSG_PONG {
			c.handlePong(env)
			continue
		}
		if c.handlers.OnEnvelope != nil {
			c.handlers.OnEnvelope(env)
		}
	}
}

// writeLoop 写循环：冲刷出站队列
func (c *Client) writeLoop(conn *websocket.Conn, epoch int) {
	defer c.loopWG.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.queue.notify:
			for {
				if c.currentEpoch() != epoch {
					return
				}
				frame, ok := c.queue.pop()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(connectTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					c.queue.unshift(frame)
					c.onConnLost(epoch, err)
					return
				}
			}
		}
	}
}

// heartbeatLoop 每5秒一次PING；连续6次无PONG判定掉线
func (c *Client) heartbeatLoop(epoch int) {
	defer c.loopWG.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.currentEpoch() != epoch {
				return
			}

			c.mutex.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mutex.Unlock()

			if missed > maxMissedPongs {
				c.onConnLost(epoch, errors.New("heartbeat timeout"))
				return
			}

			env, err := protocol.NewEnvelope(protocol.MSG_PING, &protocol.PingPongData{
				Timestamp: time.Now().UnixMilli(),
			}, c.PeerID(), time.Now().UnixMilli())
			if err != nil {
				continue
			}
			data, err := protocol.Encode(env)
			if err != nil {
				continue
			}
			c.queue.push(data, false)
		}
	}
}

// handlePong 计算往返延迟并指数平滑
func (c *Client) handlePong(env *protocol.Envelope) {
	payload, err := env.DecodeData()
	if err != nil {
		return
	}
	pong, ok := payload.(*protocol.PingPongData)
	if !ok || pong.Timestamp <= 0 {
		return
	}

	sample := time.Since(time.UnixMilli(pong.Timestamp))
	if sample < 0 {
		sample = 0
	}

	c.mutex.Lock()
	c.missedPongs = 0
	if c.latency == 0 {
		c.latency = sample
	} else {
		c.latency = time.Duration(rttAlpha*float64(sample) + (1-rttAlpha)*float64(c.latency))
	}
	rtt := c.latency
	c.mutex.Unlock()

	if c.handlers.OnLatency != nil {
		c.handlers.OnLatency(rtt)
	}
}

func (c *Client) currentEpoch() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connEpoch
}

// onConnLost 连接丢失：同代只处理一次，进入重连流程
func (c *Client) onConnLost(epoch int, cause error) {
	c.mutex.Lock()
	if c.connEpoch != epoch || c.conn == nil {
		c.mutex.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connEpoch++
	c.mutex.Unlock()
	conn.Close()

	select {
	case <-c.ctx.Done():
		return
	default:
	}

	c.log.Warn("Connection lost, starting reconnect loop", zap.Error(cause))
	go c.reconnectLoop()
}

// reconnectLoop 最多5次，退避 2s×第n次
// 成功后若有活跃房间自动补发JOIN_ROOM
func (c *Client) reconnectLoop() {
	c.setState(StateReconnecting)

	for attempt := 1; attempt <= maxReconnectTries; attempt++ {
		backoff := time.Duration(attempt) * reconnectBackoff
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.log.Info("Reconnect attempt", zap.Int("attempt", attempt), zap.Int("max", maxReconnectTries))
		if err := c.dialAndHandshake(); err != nil {
			c.log.Warn("Reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.setState(StateConnected)

		c.mutex.Lock()
		roomID := c.activeRoom
		peerID := c.peerID
		c.mutex.Unlock()
		if roomID != "" {
			env, err := protocol.NewEnvelope(protocol.MSG_JOIN_ROOM, &protocol.JoinRoomData{
				RoomID: roomID,
				PeerID: peerID,
			}, peerID, time.Now().UnixMilli())
			if err == nil {
				c.Send(env)
			}
		}
		return
	}

	c.log.Error("Reconnect attempts exhausted")
	c.setState(StateFailed)
}

// QueueDepth 出站队列深度
func (c *Client) QueueDepth() int {
	return c.queue.depth()
}

// Close 发送DISCONNECT后关闭
func (c *Client) Close(reason string) {
	c.mutex.Lock()
	conn := c.conn
	peerID := c.peerID
	c.conn = nil
	c.connEpoch++
	c.mutex.Unlock()

	if conn != nil {
		if env, err := protocol.NewEnvelope(protocol.MSG_DISCONNECT, &protocol.DisconnectData{
			PeerID: peerID,
		}, peerID, time.Now().UnixMilli()); err == nil {
			if data, err := protocol.Encode(env); err == nil {
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
		conn.Close()
	}

	c.cancel()
	c.setState(StateDisconnected)
	c.log.Info("Transport closed", zap.String("reason", reason))
}
