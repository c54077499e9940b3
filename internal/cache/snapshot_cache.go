package cache

import (
	"fmt"
	"time"
)

// SnapshotCache 对局存档缓存
// 每个活跃房间一个key，哨兵key记录最近的房间
type SnapshotCache struct {
	redis  *RedisManager
	prefix string
	expiry time.Duration
}

// 最近房间哨兵key后缀
const latestSentinel = "latest"

// NewSnapshotCache 创建对局存档缓存
func NewSnapshotCache(redis *RedisManager) *SnapshotCache {
	return &SnapshotCache{
		redis:  redis,
		prefix: "battle_snapshot:",
		expiry: 2 * time.Hour,
	}
}

// Put 写入存档（value为json序列化后的GameSnapshot）
func (sc *SnapshotCache) Put(key string, value []byte) error {
	return sc.redis.SetBytes(sc.prefix+key, value, sc.expiry)
}

// Get 读取存档，key不存在返回 (nil, false, nil)
func (sc *SnapshotCache) Get(key string) ([]byte, bool, error) {
	data, err := sc.redis.GetBytes(sc.prefix + key)
	if err != nil {
		if IsNil(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get snapshot %s: %v", key, err)
	}
	return data, true, nil
}

// Delete 删除存档
func (sc *SnapshotCache) Delete(key string) error {
	return sc.redis.Delete(sc.prefix + key)
}

// SetLatestRoom 设置最近房间哨兵
func (sc *SnapshotCache) SetLatestRoom(roomID string) error {
	return sc.redis.SetBytes(sc.prefix+latestSentinel, []byte(roomID), sc.expiry)
}

// LatestRoom 读取最近房间哨兵
func (sc *SnapshotCache) LatestRoom() (string, bool, error) {
	data, err := sc.redis.GetBytes(sc.prefix + latestSentinel)
	if err != nil {
		if IsNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}
