package recovery

import (
	"math"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
)

// QualityBucket 延迟分档
type QualityBucket string

const (
	QualityExcellent QualityBucket = "excellent" // <50ms
	QualityGood      QualityBucket = "good"      // <100ms
	QualityFair      QualityBucket = "fair"      // <200ms
	QualityPoor      QualityBucket = "poor"      // >=200ms
)

// 抖动计算窗口：最近20个采样
const jitterWindow = 20

// QualityMonitor 连接质量监视器
// 按滚动平均延迟分档，并对最近采样计算抖动（标准差）
type QualityMonitor struct {
	mutex   sync.Mutex
	peerID  string
	samples []time.Duration
	avg     float64 // 滚动平均（毫秒）
	log     *logger.NetQualityLogger
}

// NewQualityMonitor 创建质量监视器
func NewQualityMonitor(peerID string) *QualityMonitor {
	return &QualityMonitor{
		peerID:  peerID,
		samples: make([]time.Duration, 0, jitterWindow),
		log:     logger.NewNetQualityLogger(),
	}
}

// Record 记录一次延迟采样
func (qm *QualityMonitor) Record(latency time.Duration) {
	qm.mutex.Lock()

	if len(qm.samples) >= jitterWindow {
		copy(qm.samples, qm.samples[1:])
		qm.samples = qm.samples[:jitterWindow-1]
	}
	qm.samples = append(qm.samples, latency)

	sum := 0.0
	for _, s := range qm.samples {
		sum += float64(s.Milliseconds())
	}
	qm.avg = sum / float64(len(qm.samples))
	bucket := bucketFor(qm.avg)
	qm.mutex.Unlock()

	qm.log.LogLatency(qm.peerID, latency, string(bucket))
}

// Bucket 当前延迟分档
func (qm *QualityMonitor) Bucket() QualityBucket {
	qm.mutex.Lock()
	defer qm.mutex.Unlock()

	if len(qm.samples) == 0 {
		return QualityExcellent
	}
	return bucketFor(qm.avg)
}

// Average 滚动平均延迟（毫秒）
func (qm *QualityMonitor) Average() float64 {
	qm.mutex.Lock()
	defer qm.mutex.Unlock()
	return qm.avg
}

// Jitter 最近采样的标准差（毫秒）
func (qm *QualityMonitor) Jitter() float64 {
	qm.mutex.Lock()
	defer qm.mutex.Unlock()

	if len(qm.samples) < 2 {
		return 0
	}
	variance := 0.0
	for _, s := range qm.samples {
		d := float64(s.Milliseconds()) - qm.avg
		variance += d * d
	}
	variance /= float64(len(qm.samples))
	return math.Sqrt(variance)
}

func bucketFor(avgMs float64) QualityBucket {
	switch {
	case avgMs < 50:
		return QualityExcellent
	case avgMs < 100:
		return QualityGood
	case avgMs < 200:
		return QualityFair
	default:
		return QualityPoor
	}
}
