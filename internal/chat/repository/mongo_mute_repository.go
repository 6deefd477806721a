package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoMuteRepository struct {
	coll *mongo.Collection
}

// NewMongoMuteRepository create a MuteRepository
func NewMongoMuteRepository(db *mongo.Database) MuteRepository {
	return &mongoMuteRepository{
		coll: db.Collection(muteCollection),
	}
}

func (r *mongoMuteRepository) SetMuted(ctx context.Context, userID, channelID string, muted bool) error {
	key := bson.M{"user_id": userID, "channel_id": channelID}
	if !muted {
		if _, err := r.coll.DeleteOne(ctx, key); err != nil {
			return fmt.Errorf("unmute: %w", err)
		}
		return nil
	}
	update := bson.M{"$setOnInsert": bson.M{"muted_at": time.Now().UnixMilli()}}
	if _, err := r.coll.UpdateOne(ctx, key, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("mute: %w", err)
	}
	return nil
}

func (r *mongoMuteRepository) IsMuted(ctx context.Context, userID, channelID string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"user_id": userID, "channel_id": channelID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("find mute: %w", err)
	}
	return n > 0, nil
}

func (r *mongoMuteRepository) ListMuted(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.coll.Distinct(ctx, "channel_id", bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("list mutes: %w", err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if s, ok := id.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
