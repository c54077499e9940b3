package hub

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/monitoring"
	"github.com/puoxiu/sanxiao-battle/internal/pool"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"github.com/puoxiu/sanxiao-battle/internal/room"
	"github.com/puoxiu/sanxiao-battle/internal/security"
	"go.uber.org/zap"
)

// 掉线peer的记录保留时长：给重连留窗口
const peerGracePeriod = 60 * time.Second

// 无任何流量判定死连接的时长
const deadConnAfter = 35 * time.Second

// Hub 单进程服务端：持有全部权威会话状态
// peer映射由互斥锁保护；房间内部状态由房间串行任务保护
type Hub struct {
	mutex sync.Mutex
	peers map[string]*Peer

	registry   *room.Registry
	limiter    *security.RateLimitManager
	metrics    *monitoring.MetricsCollector
	pools      *pool.HubPools
	upgrader   websocket.Upgrader
	log        *logger.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建Hub
// metrics可为nil（不采集指标）
func New(limiter *security.RateLimitManager, metrics *monitoring.MetricsCollector) *Hub {
	h := &Hub{
		peers:   make(map[string]*Peer),
		limiter: limiter,
		metrics: metrics,
		pools:   pool.NewHubPools(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		stop: make(chan struct{}),
		log:  logger.GetGlobalLogger().WithField("component", "hub"),
	}
	return h
}

// SetRegistry 注入房间注册表（注册表构造需要Hub作为Sender，二段装配）
func (h *Hub) SetRegistry(reg *room.Registry) {
	h.registry = reg
}

// Registry 房间注册表
func (h *Hub) Registry() *room.Registry {
	return h.registry
}

// Start 启动死连接清扫任务
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.sweepLoop()
}

// RegisterRoutes 挂载WebSocket入口与诊断接口
func (h *Hub) RegisterRoutes(engine *gin.Engine, dispatcher *Dispatcher) {
	engine.GET("/ws", func(c *gin.Context) {
		h.handleUpgrade(c, dispatcher)
	})
	engine.GET("/diagnostics", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.DiagnosticsSnapshot())
	})
}

// handleUpgrade 升级连接并进入读循环
func (h *Hub) handleUpgrade(c *gin.Context, dispatcher *Dispatcher) {
	clientIP := clientIPOf(c.Request)
	if h.limiter != nil && !h.limiter.AllowConnection(clientIP) {
		h.log.Warn("Connection rate limited", zap.String("client_ip", clientIP))
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.String("client_ip", clientIP), zap.Error(err))
		return
	}

	h.wg.Add(1)
	go h.readPump(conn, clientIP, dispatcher)
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readPump 每连接一个读任务
// 首帧必须是CONNECT完成握手；此后按类型派发
func (h *Hub) readPump(conn *websocket.Conn, clientIP string, dispatcher *Dispatcher) {
	defer h.wg.Done()

	conn.SetReadLimit(protocol.MaxFrameSize + 1024)

	var peer *Peer
	defer func() {
		if peer != nil {
			h.handleConnectionLost(peer, conn)
		} else {
			conn.Close()
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if peer != nil {
				h.log.Debug("Peer read closed", zap.String("peer_id", peer.ID), zap.Error(err))
			}
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			if peer == nil {
				// 握手前的坏帧直接断开
				return
			}
			if h.metrics != nil {
				h.metrics.IncProtocolError("parse")
			}
			peer.parseErrors.Record(time.Now())
			if peer.parseErrors.Exceeded(time.Now()) {
				h.sendError(peer.ID, protocol.ERR_PROTOCOL_ERROR, "too many malformed frames", "")
				h.log.Warn("Peer disconnected for protocol errors", zap.String("peer_id", peer.ID))
				return
			}
			continue
		}

		if peer == nil {
			if env.Type != protocol.MSG_CONNECT {
				// 未握手先发业务帧，拒绝
				return
			}
			peer = h.attachPeer(conn, env)
			if peer == nil {
				return
			}
			continue
		}

		peer.LastActive = time.Now()
		if h.limiter != nil && !h.limiter.AllowFrame(peer.ID) {
			if h.metrics != nil {
				h.metrics.IncProtocolError("flood")
			}
			continue // 超速帧丢弃
		}

		if stop := dispatcher.Dispatch(peer, env); stop {
			return
		}
	}
}

// attachPeer 处理CONNECT握手
// 无peer号则分配；带peer号且已有记录则视为重连换绑
func (h *Hub) attachPeer(conn *websocket.Conn, env *protocol.Envelope) *Peer {
	data, err := env.DecodeData()
	if err != nil {
		return nil
	}
	connectData, _ := data.(*protocol.ConnectData)
	peerID := ""
	if connectData != nil {
		peerID = connectData.PeerID
	}
	if peerID == "" {
		peerID = "peer-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	h.mutex.Lock()
	existing, ok := h.peers[peerID]
	var peer *Peer
	if ok {
		existing.rebind(conn)
		peer = existing
	} else {
		peer = newPeer(peerID, conn)
		h.peers[peerID] = peer
		go peer.writePump()
	}
	peerCount := len(h.peers)
	h.mutex.Unlock()

	if h.metrics != nil {
		h.metrics.SetConnectedPeers(peerCount)
	}
	h.log.Info("Peer connected",
		zap.String("peer_id", peerID),
		zap.Bool("reconnect", ok),
		zap.Int("connected_peers", peerCount),
	)

	// 握手应答：回传（或下发）peer号
	reply, err := protocol.NewEnvelope(protocol.MSG_CONNECT, &protocol.ConnectData{
		PeerID: peerID,
		Status: "connected",
	}, "", time.Now().UnixMilli())
	if err == nil {
		reply.MessageID = env.MessageID
		h.sendEnvelope(peer, reply, true)
	}
	return peer
}

// handleConnectionLost 连接断开：房间进入等待重连窗口，peer记录保留到宽限期结束
// 按连接同一性判定，重连换绑后旧读循环的退出不会误伤新连接
func (h *Hub) handleConnectionLost(peer *Peer, conn *websocket.Conn) {
	peer.connMutex.Lock()
	if peer.conn != conn {
		peer.connMutex.Unlock()
		conn.Close()
		return // 已被新连接换绑
	}
	peer.conn = nil
	peer.connMutex.Unlock()
	conn.Close()

	roomID := peer.RoomID
	if roomID != "" && h.registry != nil {
		if r, err := h.registry.Get(roomID); err == nil {
			r.MarkDisconnected(peer.ID)
		}
	}
	h.log.Info("Peer connection lost", zap.String("peer_id", peer.ID), zap.String("room_id", roomID))
}

// RemovePeer 最终移除peer（显式断开或宽限期届满）
func (h *Hub) RemovePeer(peerID string) {
	h.mutex.Lock()
	peer, ok := h.peers[peerID]
	if ok {
		delete(h.peers, peerID)
	}
	peerCount := len(h.peers)
	h.mutex.Unlock()

	if !ok {
		return
	}

	if peer.RoomID != "" && h.registry != nil {
		if r, err := h.registry.Get(peer.RoomID); err == nil {
			r.RemovePeer(peerID)
		}
	}
	peer.shutdown()

	if h.metrics != nil {
		h.metrics.SetConnectedPeers(peerCount)
	}
	h.log.Info("Peer removed", zap.String("peer_id", peerID), zap.Int("connected_peers", peerCount))
}

// GetPeer 查peer
func (h *Hub) GetPeer(peerID string) (*Peer, bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	peer, ok := h.peers[peerID]
	return peer, ok
}

// IsConnected 在线检查（实现 match.PeerChecker）
func (h *Hub) IsConnected(peerID string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	peer, ok := h.peers[peerID]
	if !ok {
		return false
	}
	peer.connMutex.Lock()
	alive := peer.conn != nil
	peer.connMutex.Unlock()
	return alive
}

// PeerCount 当前peer数
func (h *Hub) PeerCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.peers)
}

// Send 把信封投递到某个peer的出站队列（实现 room.Sender）
func (h *Hub) Send(peerID string, env *protocol.Envelope, critical bool) error {
	h.mutex.Lock()
	peer, ok := h.peers[peerID]
	h.mutex.Unlock()
	if !ok {
		return room.ErrNotInRoom
	}
	return h.sendEnvelope(peer, env, critical)
}

// sendEnvelope 编码并入队；背压中止时关闭连接
func (h *Hub) sendEnvelope(peer *Peer, env *protocol.Envelope, critical bool) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	if err := peer.enqueue(data, critical); err != nil {
		if err == errBackpressureAbort {
			h.log.Warn("Backpressure abort", zap.String("peer_id", peer.ID))
			// 入队可能发生在房间串行任务里，移除必须异步避免自锁
			go h.RemovePeer(peer.ID)
		}
		return err
	}
	return nil
}

// sendError 下发ERROR帧
func (h *Hub) sendError(peerID, code, message, messageID string) {
	env, err := protocol.NewEnvelope(protocol.MSG_ERROR, &protocol.ErrorData{
		Code:    code,
		Message: message,
	}, "", time.Now().UnixMilli())
	if err != nil {
		return
	}
	env.MessageID = messageID
	h.Send(peerID, env, false)
}

// sweepLoop 定时回收死连接与过期的掉线peer记录
func (h *Hub) sweepLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepPeers(time.Now())
			if h.metrics != nil && h.registry != nil {
				h.metrics.SetLiveRooms(h.registry.Count())
			}
		case <-h.stop:
			return
		}
	}
}

// sweepPeers 一轮清扫
func (h *Hub) sweepPeers(now time.Time) {
	h.mutex.Lock()
	expired := make([]string, 0)
	for id, peer := range h.peers {
		peer.connMutex.Lock()
		alive := peer.conn != nil
		peer.connMutex.Unlock()

		if alive {
			if now.Sub(peer.LastActive) > deadConnAfter {
				expired = append(expired, id)
			}
		} else if now.Sub(peer.LastActive) > peerGracePeriod {
			expired = append(expired, id)
		}
	}
	h.mutex.Unlock()

	for _, id := range expired {
		h.log.Info("Sweeping stale peer", zap.String("peer_id", id))
		h.RemovePeer(id)
	}
}

// DiagnosticsPeer 诊断接口的peer条目
type DiagnosticsPeer struct {
	PeerID        string `json:"peer_id"`
	RoomID        string `json:"room_id,omitempty"`
	Role          string `json:"role"`
	RTTMillis     int64  `json:"rtt_ms"`
	LastActiveAge int64  `json:"last_active_age_ms"`
	Connected     bool   `json:"connected"`
}

// DiagnosticsSnapshot 诊断数据：peer心跳与房间概览
func (h *Hub) DiagnosticsSnapshot() map[string]interface{} {
	now := time.Now()

	h.mutex.Lock()
	peers := make([]DiagnosticsPeer, 0, len(h.peers))
	for _, peer := range h.peers {
		peer.connMutex.Lock()
		alive := peer.conn != nil
		peer.connMutex.Unlock()
		peers = append(peers, DiagnosticsPeer{
			PeerID:        peer.ID,
			RoomID:        peer.RoomID,
			Role:          string(peer.Role),
			RTTMillis:     peer.LastRTT.Milliseconds(),
			LastActiveAge: now.Sub(peer.LastActive).Milliseconds(),
			Connected:     alive,
		})
	}
	h.mutex.Unlock()

	result := map[string]interface{}{
		"peers":      peers,
		"peer_count": len(peers),
	}
	if h.registry != nil {
		result["rooms"] = h.registry.Infos()
		result["room_count"] = h.registry.Count()
	}
	return result
}

// setPeerRoom 绑定peer与房间（role为NONE时解除绑定）
func (h *Hub) setPeerRoom(peer *Peer, roomID string, role model.PeerRole) {
	h.mutex.Lock()
	bindPeerRoomLocked(peer, roomID, role)
	h.mutex.Unlock()
}

// BindRoom 按peer号登记房间绑定（实现 match.PeerBinder）
// 匹配器落座后经这里登记，掉线/清扫路径才能找到对应房间
func (h *Hub) BindRoom(peerID, roomID string, role model.PeerRole) {
	h.mutex.Lock()
	if peer, ok := h.peers[peerID]; ok {
		bindPeerRoomLocked(peer, roomID, role)
	}
	h.mutex.Unlock()
}

func bindPeerRoomLocked(peer *Peer, roomID string, role model.PeerRole) {
	if role == model.RoleNone {
		peer.RoomID = ""
		peer.Role = model.RoleNone
	} else {
		peer.RoomID = roomID
		peer.Role = role
	}
}

// Close 停止Hub：清扫任务与全部peer
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})

	h.mutex.Lock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mutex.Unlock()

	for _, id := range ids {
		h.RemovePeer(id)
	}
	h.wg.Wait()
}
