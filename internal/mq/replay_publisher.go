package mq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/protocol"
	"go.uber.org/zap"
)

// NSQConfig NSQ配置
type NSQConfig struct {
	NSQDAddress string `mapstructure:"nsqd_address"`

	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// 回放主题前缀：每个房间一个topic
const replayTopicPrefix = "battle_replay."

// ReplayPublisher 回放录制器：房间出站流的持久订阅者
// 每一帧广播原样发布到NSQ，发布失败只记日志不影响对局
type ReplayPublisher struct {
	producer *nsq.Producer
	log      *logger.Logger
}

// replayFrame 发布到NSQ的回放帧
type replayFrame struct {
	RoomID     string             `json:"room_id"`
	RecordedAt int64              `json:"recorded_at"`
	Envelope   *protocol.Envelope `json:"envelope"`
}

// NewReplayPublisher 创建回放发布器
func NewReplayPublisher(config *NSQConfig) (*ReplayPublisher, error) {
	nsqConfig := nsq.NewConfig()
	if config.DialTimeout > 0 {
		nsqConfig.DialTimeout = config.DialTimeout
	}
	if config.WriteTimeout > 0 {
		nsqConfig.WriteTimeout = config.WriteTimeout
	}

	producer, err := nsq.NewProducer(config.NSQDAddress, nsqConfig)
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %v", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("ping nsqd %s: %v", config.NSQDAddress, err)
	}

	logger.Infof("NSQ replay publisher connected: %s", config.NSQDAddress)
	return &ReplayPublisher{
		producer: producer,
		log:      logger.GetGlobalLogger().WithField("component", "replay"),
	}, nil
}

// Record 追加一帧到房间的回放流（实现 room.Recorder）
func (rp *ReplayPublisher) Record(roomID string, env *protocol.Envelope) {
	frame := replayFrame{
		RoomID:     roomID,
		RecordedAt: time.Now().UnixMilli(),
		Envelope:   env,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		rp.log.Warn("Encode replay frame failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}

	topic := replayTopicPrefix + sanitizeTopic(roomID)
	// 异步发布，不阻塞房间串行任务
	if err := rp.producer.PublishAsync(topic, data, nil); err != nil {
		rp.log.Warn("Publish replay frame failed", zap.String("topic", topic), zap.Error(err))
	}
}

// sanitizeTopic NSQ topic只允许字母数字与.-_
func sanitizeTopic(roomID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, roomID)
}

// Close 停止发布器
func (rp *ReplayPublisher) Close() {
	rp.producer.Stop()
}
