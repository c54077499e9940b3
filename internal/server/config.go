package server

import (
	"fmt"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/cache"
	"github.com/puoxiu/sanxiao-battle/internal/database/mongodb"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/mq"
	"github.com/spf13/viper"
)

// HubConfig Hub配置
// yaml配置文件为基底，环境变量覆盖（PORT等运维变量优先）
type HubConfig struct {
	Server struct {
		Name    string `mapstructure:"name"`
		Version string `mapstructure:"version"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Rooms struct {
		IdleTTLSeconds  int `mapstructure:"idle_ttl_seconds"`  // 房间最长存活
		SweepIntervalMS int `mapstructure:"sweep_interval_ms"` // 清扫节拍
		EmptyGraceSecs  int `mapstructure:"empty_grace_seconds"`
	} `mapstructure:"rooms"`

	Matchmaking struct {
		IntervalMS int `mapstructure:"interval_ms"` // 配对节拍
	} `mapstructure:"matchmaking"`

	// 外围持久化：任一节未配置则对应能力关闭
	Redis   *cache.RedisConfig   `mapstructure:"redis"`
	MongoDB *mongodb.MongoConfig `mapstructure:"mongodb"`
	NSQ     *mq.NSQConfig        `mapstructure:"nsq"`

	Log logger.LogConfig `mapstructure:"log"`
}

// 环境变量名（运维面约定）
const (
	envPort              = "PORT"
	envIdleRoomTTL       = "IDLE_ROOM_TTL_SECONDS"
	envMatchmakeInterval = "MATCHMAKE_INTERVAL_MS"
	envRoomSweepInterval = "ROOM_SWEEP_INTERVAL_MS"
)

// LoadConfig 加载配置
// configFile为空时仅用默认值+环境变量
func LoadConfig(configFile string) (*HubConfig, error) {
	v := viper.New()

	// 默认值
	v.SetDefault("server.name", "sanxiao-battle")
	v.SetDefault("server.port", 8080)
	v.SetDefault("rooms.idle_ttl_seconds", 3600)
	v.SetDefault("rooms.sweep_interval_ms", 30000)
	v.SetDefault("rooms.empty_grace_seconds", 60)
	v.SetDefault("matchmaking.interval_ms", 2000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %v", configFile, err)
		}
	}

	// 环境变量覆盖
	v.BindEnv("server.port", envPort)
	v.BindEnv("rooms.idle_ttl_seconds", envIdleRoomTTL)
	v.BindEnv("matchmaking.interval_ms", envMatchmakeInterval)
	v.BindEnv("rooms.sweep_interval_ms", envRoomSweepInterval)

	var config HubConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %v", err)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", config.Server.Port)
	}
	if config.Rooms.IdleTTLSeconds <= 0 {
		return nil, fmt.Errorf("invalid idle room ttl %d", config.Rooms.IdleTTLSeconds)
	}
	if config.Matchmaking.IntervalMS <= 0 {
		return nil, fmt.Errorf("invalid matchmake interval %d", config.Matchmaking.IntervalMS)
	}
	if config.Rooms.SweepIntervalMS <= 0 {
		return nil, fmt.Errorf("invalid room sweep interval %d", config.Rooms.SweepIntervalMS)
	}

	return &config, nil
}

// IdleTTL 房间存活时长
func (c *HubConfig) IdleTTL() time.Duration {
	return time.Duration(c.Rooms.IdleTTLSeconds) * time.Second
}

// SweepInterval 清扫节拍
func (c *HubConfig) SweepInterval() time.Duration {
	return time.Duration(c.Rooms.SweepIntervalMS) * time.Millisecond
}

// EmptyGrace 空房回收宽限
func (c *HubConfig) EmptyGrace() time.Duration {
	return time.Duration(c.Rooms.EmptyGraceSecs) * time.Second
}

// MatchInterval 配对节拍
func (c *HubConfig) MatchInterval() time.Duration {
	return time.Duration(c.Matchmaking.IntervalMS) * time.Millisecond
}
