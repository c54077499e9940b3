package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig MongoDB配置
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
	MinPoolSize    uint64        `mapstructure:"min_pool_size"`
}

// MongoManager MongoDB管理器
type MongoManager struct {
	client   *mongo.Client
	database *mongo.Database
	config   *MongoConfig
}

// NewMongoManager 创建MongoDB管理器并验证连接
func NewMongoManager(config *MongoConfig) (*MongoManager, error) {
	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	clientOpts := options.Client().ApplyURI(config.URI)
	if config.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(config.MaxPoolSize)
	}
	if config.MinPoolSize > 0 {
		clientOpts.SetMinPoolSize(config.MinPoolSize)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %v", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongodb: %v", err)
	}

	logger.Infof("MongoDB connected: %s/%s", config.URI, config.Database)
	return &MongoManager{
		client:   client,
		database: client.Database(config.Database),
		config:   config,
	}, nil
}

// Collection 获取集合
func (mm *MongoManager) Collection(name string) *mongo.Collection {
	return mm.database.Collection(name)
}

// Close 断开连接
func (mm *MongoManager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return mm.client.Disconnect(ctx)
}
