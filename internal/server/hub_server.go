package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/cache"
	"github.com/puoxiu/sanxiao-battle/internal/database/mongodb"
	"github.com/puoxiu/sanxiao-battle/internal/hub"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/match"
	"github.com/puoxiu/sanxiao-battle/internal/monitoring"
	"github.com/puoxiu/sanxiao-battle/internal/mq"
	"github.com/puoxiu/sanxiao-battle/internal/room"
	"github.com/puoxiu/sanxiao-battle/internal/security"
	"go.uber.org/zap"
)

// HubServer 单进程对战服务端：装配并驱动全部组件
type HubServer struct {
	config *HubConfig
	status string
	mutex  sync.RWMutex

	// 组件依赖
	hubCore    *hub.Hub
	dispatcher *hub.Dispatcher
	registry   *room.Registry
	matchmaker *match.Matchmaker
	limiter    *security.RateLimitManager
	monitor    *monitoring.MonitoringManager

	redisManager *cache.RedisManager
	mongoManager *mongodb.MongoManager
	historyRepo  *mongodb.HistoryRepo
	replayPub    *mq.ReplayPublisher

	stopStats chan struct{}
	log       *logger.Logger
}

// NewHubServer 创建服务端
func NewHubServer(configFile string) (*HubServer, error) {
	config, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger.InitGlobalLogger(&config.Log)

	s := &HubServer{
		config:    config,
		status:    "initializing",
		stopStats: make(chan struct{}),
		log:       logger.GetGlobalLogger().WithField("component", "server"),
	}

	if err := s.initComponents(); err != nil {
		return nil, fmt.Errorf("failed to init components: %v", err)
	}

	s.log.Info("Hub server initialized",
		zap.String("name", config.Server.Name),
		zap.Int("port", config.Server.Port),
	)
	return s, nil
}

// initComponents 初始化组件
// 外围持久化（redis/mongo/nsq）按配置可选；缺席时对应能力降级
func (s *HubServer) initComponents() error {
	s.monitor = monitoring.NewMonitoringManager()
	s.limiter = security.NewRateLimitManager()

	if s.config.Redis != nil {
		redisManager, err := cache.NewRedisManager(s.config.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %v", err)
		}
		s.redisManager = redisManager
	}

	if s.config.MongoDB != nil {
		mongoManager, err := mongodb.NewMongoManager(s.config.MongoDB)
		if err != nil {
			return fmt.Errorf("failed to init mongodb: %v", err)
		}
		s.mongoManager = mongoManager
		s.historyRepo = mongodb.NewHistoryRepo(mongoManager)
	}

	if s.config.NSQ != nil {
		replayPub, err := mq.NewReplayPublisher(s.config.NSQ)
		if err != nil {
			return fmt.Errorf("failed to init nsq: %v", err)
		}
		s.replayPub = replayPub
	}

	s.hubCore = hub.New(s.limiter, s.monitor.Metrics())

	// 房间终局钩子在派发器上，二段装配
	s.dispatcher = hub.NewDispatcher(s.hubCore, nil, s.historyRepo, s.monitor.Metrics())

	var recorder room.Recorder
	if s.replayPub != nil {
		recorder = s.replayPub
	}
	s.registry = room.NewRegistry(room.RegistryConfig{
		SweepInterval: s.config.SweepInterval(),
		EmptyGrace:    s.config.EmptyGrace(),
		IdleTTL:       s.config.IdleTTL(),
	}, s.hubCore, recorder, s.dispatcher.OnGameEnd)
	s.hubCore.SetRegistry(s.registry)

	s.matchmaker = match.NewMatchmaker(s.config.MatchInterval(), s.registry, s.hubCore, s.hubCore, s.hubCore)
	s.dispatcher.SetMatchmaker(s.matchmaker)

	return nil
}

// Start 启动：HTTP绑定失败返回错误（对应退出码1）
func (s *HubServer) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status != "initializing" {
		return fmt.Errorf("server already started")
	}

	s.hubCore.RegisterRoutes(s.monitor.Engine(), s.dispatcher)
	if err := s.monitor.Serve(s.config.Server.Port); err != nil {
		return fmt.Errorf("bind port %d: %w", s.config.Server.Port, err)
	}

	s.hubCore.Start()
	s.matchmaker.Start()
	go s.statsLoop()

	s.status = "running"
	s.log.Info("Hub server started", zap.Int("port", s.config.Server.Port))
	return nil
}

// Stop 优雅停机
func (s *HubServer) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.status != "running" {
		return nil
	}
	s.status = "stopping"
	s.log.Info("Stopping hub server")

	close(s.stopStats)
	s.matchmaker.Close()
	s.hubCore.Close()
	s.registry.Close()
	s.limiter.StopCleanup()

	if s.replayPub != nil {
		s.replayPub.Close()
	}
	if s.mongoManager != nil {
		s.mongoManager.Close()
	}
	if s.redisManager != nil {
		s.redisManager.Close()
	}
	if err := s.monitor.Close(); err != nil {
		s.log.Warn("Monitoring shutdown error", zap.Error(err))
	}

	s.status = "stopped"
	s.log.Info("Hub server stopped")
	return nil
}

// statsLoop 业务量表盘的定时刷新
func (s *HubServer) statsLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics := s.monitor.Metrics()
			metrics.SetLiveRooms(s.registry.Count())
			metrics.SetQueueDepth(s.matchmaker.QueueLen())
			metrics.SetConnectedPeers(s.hubCore.PeerCount())
		case <-s.stopStats:
			return
		}
	}
}

// Status 当前状态
func (s *HubServer) Status() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.status
}
