package protocol

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MaxFrameSize 单帧上限：256 KiB
const MaxFrameSize = 256 * 1024

// 解析错误断连阈值：60秒内超过16次
const (
	ParseErrorThreshold = 16
	ParseErrorWindow    = 60 * time.Second
)

// 未知类型告警节流窗口：每连接每分钟一条
const unknownTypeWarnWindow = time.Minute

// ParseError 帧解析错误
// 对传输层永不致命，只累加计数
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Reason)
}

// Encode 将信封编码为一帧字节
// 超过 MaxFrameSize 的负载直接拒绝
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %v", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("encode envelope: frame size %d exceeds limit %d", len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode 将一帧字节解码为信封
// 信封外壳解析失败返回 *ParseError；未知字段忽略
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxFrameSize {
		return nil, &ParseError{Reason: fmt.Sprintf("frame size %d exceeds limit %d", len(data), MaxFrameSize)}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}
	if env.Type == "" {
		return nil, &ParseError{Reason: "missing type tag"}
	}
	return &env, nil
}

// ParseErrorCounter 单个连接的解析错误计数器
// 滑动窗口内超过阈值时 Exceeded 返回 true，由调用方断开连接
type ParseErrorCounter struct {
	mutex     sync.Mutex
	failures  []time.Time
	lastWarn  time.Time // 上次 UNKNOWN_TYPE 告警时间
}

// NewParseErrorCounter 创建解析错误计数器
func NewParseErrorCounter() *ParseErrorCounter {
	return &ParseErrorCounter{
		failures: make([]time.Time, 0, ParseErrorThreshold),
	}
}

// Record 记录一次解析错误，返回当前窗口内的累计次数
func (c *ParseErrorCounter) Record(now time.Time) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.pruneLocked(now)
	c.failures = append(c.failures, now)
	return len(c.failures)
}

// Exceeded 检查窗口内错误数是否超过阈值
func (c *ParseErrorCounter) Exceeded(now time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.pruneLocked(now)
	return len(c.failures) > ParseErrorThreshold
}

// ShouldWarnUnknownType 未知类型告警节流：窗口内只放行一次
func (c *ParseErrorCounter) ShouldWarnUnknownType(now time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if now.Sub(c.lastWarn) < unknownTypeWarnWindow {
		return false
	}
	c.lastWarn = now
	return true
}

func (c *ParseErrorCounter) pruneLocked(now time.Time) {
	cutoff := now.Add(-ParseErrorWindow)
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = kept
}
