package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/model"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"go.uber.org/zap"
)

// 出站队列与写超时参数
const (
	outboundQueueSize = 256
	writeWait         = 10 * time.Second
	readWait          = 60 * time.Second
)

// 背压中止：队列塞满关键帧时关闭连接
var errBackpressureAbort = errors.New(protocol.ERR_BACKPRESSURE_ABORT)

// outboundFrame 出站队列中的一帧
type outboundFrame struct {
	data     []byte
	critical bool
}

// Peer 一个已连接的客户端
// 读循环与写循环各一个goroutine；出站队列有界，溢出时丢最旧的非关键帧
type Peer struct {
	ID string

	conn      *websocket.Conn
	connMutex sync.Mutex

	// 会话属性（由Hub持锁读写）
	RoomID     string
	Role       model.PeerRole
	LastRTT    time.Duration // 指数平滑后的往返延迟
	LastActive time.Time
	ConnectedAt time.Time

	parseErrors *protocol.ParseErrorCounter

	queueMutex sync.Mutex
	queue      []outboundFrame
	notify     chan struct{}
	closed     bool
	closeOnce  sync.Once
	done       chan struct{}
}

// newPeer 绑定连接创建peer
func newPeer(id string, conn *websocket.Conn) *Peer {
	return &Peer{
		ID:          id,
		conn:        conn,
		Role:        model.RoleNone,
		LastActive:  time.Now(),
		ConnectedAt: time.Now(),
		parseErrors: protocol.NewParseErrorCounter(),
		queue:       make([]outboundFrame, 0, 32),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// rebind 重连后换上新连接，出站队列保留
func (p *Peer) rebind(conn *websocket.Conn) {
	p.connMutex.Lock()
	old := p.conn
	p.conn = conn
	p.connMutex.Unlock()
	if old != nil {
		old.Close()
	}
	p.LastActive = time.Now()
}

// enqueue 入队一帧
// 队列满时丢最旧的非关键帧；全是关键帧则返回背压中止
func (p *Peer) enqueue(data []byte, critical bool) error {
	p.queueMutex.Lock()
	if p.closed {
		p.queueMutex.Unlock()
		return errors.New("peer closed")
	}

	if len(p.queue) >= outboundQueueSize {
		dropped := false
		for i, frame := range p.queue {
			if !frame.critical {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			p.queueMutex.Unlock()
			return errBackpressureAbort
		}
	}

	p.queue = append(p.queue, outboundFrame{data: data, critical: critical})
	p.queueMutex.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// dequeue 取出队首帧，队列空返回false
func (p *Peer) dequeue() (outboundFrame, bool) {
	p.queueMutex.Lock()
	defer p.queueMutex.Unlock()

	if len(p.queue) == 0 {
		return outboundFrame{}, false
	}
	frame := p.queue[0]
	p.queue = p.queue[1:]
	return frame, true
}

// writePump 写循环：依次把队列中的帧写到连接
func (p *Peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
			for {
				frame, ok := p.dequeue()
				if !ok {
					break
				}
				p.connMutex.Lock()
				conn := p.conn
				p.connMutex.Unlock()
				if conn == nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
					logger.Debug("Peer write failed", zap.String("peer_id", p.ID), zap.Error(err))
					// 写失败的帧已出队，不再重发；重连归队时由房间重放最新快照，这里只退出本轮
					break
				}
			}
		}
	}
}

// shutdown 关闭peer：停写循环并关闭底层连接
func (p *Peer) shutdown() {
	p.closeOnce.Do(func() {
		p.queueMutex.Lock()
		p.closed = true
		p.queueMutex.Unlock()
		close(p.done)

		p.connMutex.Lock()
		conn := p.conn
		p.conn = nil
		p.connMutex.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

// updateRTT 指数平滑往返延迟（α=0.3）
func (p *Peer) updateRTT(sample time.Duration) {
	const alpha = 0.3
	if sample < 0 {
		sample = 0
	}
	if p.LastRTT == 0 {
		p.LastRTT = sample
	} else {
		p.LastRTT = time.Duration(alpha*float64(sample) + (1-alpha)*float64(p.LastRTT))
	}
}
