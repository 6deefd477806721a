package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"community_chat/internal/chat/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoMessageRepository struct {
	coll *mongo.Collection
}

// NewMongoMessageRepository create a MessageRepository
func NewMongoMessageRepository(db *mongo.Database) MessageRepository {
	return &mongoMessageRepository{
		coll: db.Collection(messageCollection),
	}
}

func (r *mongoMessageRepository) CreateMessage(ctx context.Context, msg *domain.Message) error {
	if _, err := r.coll.InsertOne(ctx, msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *mongoMessageRepository) FindByID(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	err := r.coll.FindOne(ctx, bson.M{"_id": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return &msg, nil
}

// patchUpdate 把 MessagePatch 轉成 filter + update
func patchUpdate(messageID string, p domain.MessagePatch) (bson.M, bson.M) {
	filter := bson.M{"_id": messageID}
	if p.IfBody != nil {
		filter["body"] = *p.IfBody
	}
	if p.IfNotDelete {
		filter["deleted"] = bson.M{"$ne": true}
	}

	set := bson.M{}
	update := bson.M{}
	if p.Body != nil {
		set["body"] = *p.Body
	}
	if p.EditedAt != 0 {
		set["edited_at"] = p.EditedAt
	}
	if p.Mentions != nil {
		set["mentions"] = *p.Mentions
	}
	if p.PushHistory != nil {
		update["$push"] = bson.M{"edit_history": *p.PushHistory}
	}
	if p.Deleted {
		set["deleted"] = true
		set["deleted_at"] = p.DeletedAt
		set["deleted_by"] = p.DeletedBy
	}
	if p.Pinned != nil {
		set["pinned"] = *p.Pinned
	}
	if p.ClearReactions {
		update["$unset"] = bson.M{"reactions": ""}
	}
	if p.AddReaction != nil {
		update["$addToSet"] = bson.M{"reactions." + p.AddReaction.Emoji: p.AddReaction.UserID}
	}
	if p.RemoveReaction != nil {
		update["$pull"] = bson.M{"reactions." + p.RemoveReaction.Emoji: p.RemoveReaction.UserID}
	}
	if len(set) > 0 {
		update["$set"] = set
	}
	return filter, update
}

func (r *mongoMessageRepository) UpdateMessage(ctx context.Context, messageID string, patch domain.MessagePatch) (*domain.Message, error) {
	filter, update := patchUpdate(messageID, patch)
	if len(update) == 0 {
		return r.FindByID(ctx, messageID)
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var msg domain.Message
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&msg)
	if err == nil {
		if patch.RemoveReaction != nil {
			r.dropEmptyReaction(ctx, &msg, patch.RemoveReaction.Emoji)
		}
		return &msg, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update message: %w", err)
	}

	// 條件不符: 分辨 不存在 / 已刪除 / 內容已被改動
	current, ferr := r.FindByID(ctx, messageID)
	if ferr != nil {
		return nil, ferr
	}
	if patch.IfNotDelete && current.Deleted {
		return nil, domain.ErrMessageDeleted
	}
	return nil, domain.ErrConflict
}

// dropEmptyReaction unset an emoji key whose user set became empty
func (r *mongoMessageRepository) dropEmptyReaction(ctx context.Context, msg *domain.Message, emoji string) {
	if users, ok := msg.Reactions[emoji]; !ok || len(users) > 0 {
		return
	}
	key := "reactions." + emoji
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _ = r.coll.UpdateOne(ctx, bson.M{"_id": msg.ID, key: bson.M{"$size": 0}}, bson.M{"$unset": bson.M{key: ""}})
	delete(msg.Reactions, emoji)
}

func (r *mongoMessageRepository) ListMessages(ctx context.Context, channelID string, limit int, before int64) ([]domain.Message, error) {
	if before <= 0 {
		before = time.Now().UnixMilli() + 1
	}
	filter := bson.M{"channel_id": channelID, "created_at": bson.M{"$lt": before}}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := []domain.Message{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

func (r *mongoMessageRepository) ListPinned(ctx context.Context, channelID string) ([]domain.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cur, err := r.coll.Find(ctx, bson.M{"channel_id": channelID, "pinned": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("list pinned: %w", err)
	}
	msgs := []domain.Message{}
	if err := cur.All(ctx, &msgs); err != nil {
		return nil, fmt.Errorf("decode pinned: %w", err)
	}
	return msgs, nil
}
