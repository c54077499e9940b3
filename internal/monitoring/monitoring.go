package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// MetricsCollector 指标收集器，封装所有系统/业务指标
type MetricsCollector struct {
	// 系统指标
	// Gauge: 可增可减，适合瞬时值	Summary: 记录分布，适合耗时	Counter：只增不减，适合累计值
	cpuUsage    prometheus.Gauge
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	heapSize    prometheus.Gauge

	// 业务指标
	connectedPeers prometheus.Gauge       // 当前连接peer数
	liveRooms      prometheus.Gauge       // 当前活跃房间数
	queueDepth     prometheus.Gauge       // 匹配队列深度
	messageCount   *prometheus.CounterVec // 处理帧总数（按类型）
	moveCount      prometheus.Counter     // 接受的移动总数
	syncCount      *prometheus.CounterVec // 同步总数（full/delta）
	gameEndCount   *prometheus.CounterVec // 终局总数（按原因）
	protocolErrors *prometheus.CounterVec // 协议错误总数（按种类）
	fanoutDuration prometheus.Summary     // 广播扇出耗时

	mutex sync.RWMutex
}

// NewMetricsCollector 创建指标收集器并注册到registry
func NewMetricsCollector(registry *prometheus.Registry) *MetricsCollector {
	mc := &MetricsCollector{
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_cpu_usage_percent", Help: "CPU usage percent",
		}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_memory_usage_bytes", Help: "Process memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_goroutines", Help: "Number of goroutines",
		}),
		heapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_heap_bytes", Help: "Go heap size in bytes",
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_connected_peers", Help: "Currently connected peers",
		}),
		liveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_live_rooms", Help: "Currently live rooms",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "battle_matchmaking_queue_depth", Help: "Matchmaking queue depth",
		}),
		messageCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_messages_total", Help: "Total inbound frames by type",
		}, []string{"type"}),
		moveCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "battle_moves_total", Help: "Total accepted moves",
		}),
		syncCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_syncs_total", Help: "Total state syncs by kind",
		}, []string{"kind"}),
		gameEndCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_game_ends_total", Help: "Total game ends by reason",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_protocol_errors_total", Help: "Total protocol errors by kind",
		}, []string{"kind"}),
		fanoutDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "battle_fanout_duration_seconds",
			Help:       "Room broadcast fanout duration",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}

	registry.MustRegister(
		mc.cpuUsage, mc.memoryUsage, mc.goroutines, mc.heapSize,
		mc.connectedPeers, mc.liveRooms, mc.queueDepth,
		mc.messageCount, mc.moveCount, mc.syncCount,
		mc.gameEndCount, mc.protocolErrors, mc.fanoutDuration,
	)
	return mc
}

// SetConnectedPeers 更新连接数
func (mc *MetricsCollector) SetConnectedPeers(n int) {
	mc.connectedPeers.Set(float64(n))
}

// SetLiveRooms 更新房间数
func (mc *MetricsCollector) SetLiveRooms(n int) {
	mc.liveRooms.Set(float64(n))
}

// SetQueueDepth 更新匹配队列深度
func (mc *MetricsCollector) SetQueueDepth(n int) {
	mc.queueDepth.Set(float64(n))
}

// IncMessage 帧计数
func (mc *MetricsCollector) IncMessage(msgType string) {
	mc.messageCount.WithLabelValues(msgType).Inc()
}

// IncMove 移动计数
func (mc *MetricsCollector) IncMove() {
	mc.moveCount.Inc()
}

// IncSync 同步计数
func (mc *MetricsCollector) IncSync(delta bool) {
	kind := "full"
	if delta {
		kind = "delta"
	}
	mc.syncCount.WithLabelValues(kind).Inc()
}

// IncGameEnd 终局计数
func (mc *MetricsCollector) IncGameEnd(reason string) {
	mc.gameEndCount.WithLabelValues(reason).Inc()
}

// IncProtocolError 协议错误计数
func (mc *MetricsCollector) IncProtocolError(kind string) {
	mc.protocolErrors.WithLabelValues(kind).Inc()
}

// ObserveFanout 扇出耗时采样
func (mc *MetricsCollector) ObserveFanout(d time.Duration) {
	mc.fanoutDuration.Observe(d.Seconds())
}

// MonitoringManager 监控模块总管理器：HTTP面 + 系统指标采集
type MonitoringManager struct {
	registry   *prometheus.Registry
	httpServer *http.Server
	ginEngine  *gin.Engine
	metrics    *MetricsCollector
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *logger.Logger
}

// NewMonitoringManager 创建监控管理器
func NewMonitoringManager() *MonitoringManager {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	registry := prometheus.NewRegistry()
	metrics := NewMetricsCollector(registry)

	ctx, cancel := context.WithCancel(context.Background())
	mm := &MonitoringManager{
		registry:  registry,
		ginEngine: engine,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger.GetGlobalLogger().WithField("component", "monitoring"),
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"pid":    os.Getpid(),
			"uptime": time.Since(startTime).String(),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return mm
}

var startTime = time.Now()

// Engine HTTP路由引擎，供Hub挂载/ws与/diagnostics
func (mm *MonitoringManager) Engine() *gin.Engine {
	return mm.ginEngine
}

// Metrics 指标收集器
func (mm *MonitoringManager) Metrics() *MetricsCollector {
	return mm.metrics
}

// Serve 绑定端口并启动HTTP服务与系统指标采集
func (mm *MonitoringManager) Serve(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listenErr := make(chan error, 1)

	mm.httpServer = &http.Server{
		Addr:    addr,
		Handler: mm.ginEngine,
	}

	mm.wg.Add(1)
	go func() {
		defer mm.wg.Done()
		if err := mm.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	mm.wg.Add(1)
	go mm.collectLoop()

	// 给绑定失败一个短暂的暴露窗口
	select {
	case err := <-listenErr:
		return err
	case <-time.After(200 * time.Millisecond):
	}

	mm.log.Info("HTTP server listening", zap.String("addr", addr))
	return nil
}

// collectLoop 系统指标采集循环
func (mm *MonitoringManager) collectLoop() {
	defer mm.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	proc, procErr := process.NewProcess(int32(os.Getpid()))

	for {
		select {
		case <-ticker.C:
			if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
				mm.metrics.cpuUsage.Set(percents[0])
			}
			if procErr == nil {
				if memInfo, err := proc.MemoryInfo(); err == nil {
					mm.metrics.memoryUsage.Set(float64(memInfo.RSS))
				}
			} else if vm, err := mem.VirtualMemory(); err == nil {
				mm.metrics.memoryUsage.Set(float64(vm.Used))
			}

			mm.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			mm.metrics.heapSize.Set(float64(ms.HeapAlloc))

		case <-mm.ctx.Done():
			return
		}
	}
}

// Close 停止HTTP服务与采集循环
func (mm *MonitoringManager) Close() error {
	mm.cancel()

	var err error
	if mm.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = mm.httpServer.Shutdown(ctx)
	}
	mm.wg.Wait()
	return err
}
