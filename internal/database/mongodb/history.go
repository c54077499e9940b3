package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/puoxiu/sanxiao-battle/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// 对局历史集合
const historyCollection = "match_history"

// HistoryRepo 对局历史仓库
type HistoryRepo struct {
	manager *MongoManager
}

// NewHistoryRepo 创建对局历史仓库
func NewHistoryRepo(manager *MongoManager) *HistoryRepo {
	return &HistoryRepo{manager: manager}
}

// Insert 落库一条对局历史
func (hr *HistoryRepo) Insert(ctx context.Context, history *model.MatchHistory) error {
	history.CreatedAt = time.Now()

	coll := hr.manager.Collection(historyCollection)
	if _, err := coll.InsertOne(ctx, history); err != nil {
		return fmt.Errorf("insert match history for room %s: %v", history.RoomID, err)
	}
	return nil
}

// FindByRoom 按房间号查询历史
func (hr *HistoryRepo) FindByRoom(ctx context.Context, roomID string) (*model.MatchHistory, error) {
	coll := hr.manager.Collection(historyCollection)

	var history model.MatchHistory
	if err := coll.FindOne(ctx, bson.M{"room_id": roomID}).Decode(&history); err != nil {
		return nil, fmt.Errorf("find match history for room %s: %v", roomID, err)
	}
	return &history, nil
}

// FindByPlayer 按玩家查询最近的对局历史
func (hr *HistoryRepo) FindByPlayer(ctx context.Context, peerID string, limit int64) ([]model.MatchHistory, error) {
	coll := hr.manager.Collection(historyCollection)

	opts := options.Find().
		SetSort(bson.M{"ended_at": -1}).
		SetLimit(limit)
	cursor, err := coll.Find(ctx, bson.M{"players": peerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find match history for player %s: %v", peerID, err)
	}
	defer cursor.Close(ctx)

	var histories []model.MatchHistory
	if err := cursor.All(ctx, &histories); err != nil {
		return nil, err
	}
	return histories, nil
}
