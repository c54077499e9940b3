package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/puoxiu/sanxiao-battle/internal/logger"
)

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	PoolSize     int           `mapstructure:"pool_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// RedisManager Redis管理器（单机模式）
type RedisManager struct {
	client *redis.Client
	config *RedisConfig
	ctx    context.Context
}

// NewRedisManager 创建Redis管理器
func NewRedisManager(config *RedisConfig) (*RedisManager, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}

	logger.Infof("Redis connected: %s", config.Addr)
	return &RedisManager{
		client: client,
		config: config,
		ctx:    ctx,
	}, nil
}

// Set 设置key（value经json序列化）
func (rm *RedisManager) Set(key string, value interface{}, expiry time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for key %s: %v", key, err)
	}
	return rm.client.Set(rm.ctx, key, data, expiry).Err()
}

// SetBytes 直接写入字节
func (rm *RedisManager) SetBytes(key string, value []byte, expiry time.Duration) error {
	return rm.client.Set(rm.ctx, key, value, expiry).Err()
}

// GetString 获取key的字符串值
func (rm *RedisManager) GetString(key string) (string, error) {
	return rm.client.Get(rm.ctx, key).Result()
}

// GetBytes 获取key的字节值
func (rm *RedisManager) GetBytes(key string) ([]byte, error) {
	return rm.client.Get(rm.ctx, key).Bytes()
}

// Delete 删除key
func (rm *RedisManager) Delete(key string) error {
	return rm.client.Del(rm.ctx, key).Err()
}

// Expire 刷新key的过期时间
func (rm *RedisManager) Expire(key string, expiry time.Duration) error {
	return rm.client.Expire(rm.ctx, key, expiry).Err()
}

// Exists 检查key是否存在
func (rm *RedisManager) Exists(key string) (bool, error) {
	n, err := rm.client.Exists(rm.ctx, key).Result()
	return n > 0, err
}

// IsNil 判断错误是否为key不存在
func IsNil(err error) bool {
	return err == redis.Nil
}

// Close 关闭Redis连接
func (rm *RedisManager) Close() error {
	return rm.client.Close()
}
