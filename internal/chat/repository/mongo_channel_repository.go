package repository

import (
	"context"
	"errors"
	"fmt"

	"community_chat/internal/chat/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	channelCollection = "channels"
	messageCollection = "messages"
	muteCollection    = "mutes"
)

type mongoChannelRepository struct {
	coll *mongo.Collection
}

// NewMongoChannelRepository create a ChannelRepository
func NewMongoChannelRepository(db *mongo.Database) ChannelRepository {
	return &mongoChannelRepository{
		coll: db.Collection(channelCollection),
	}
}

// EnsureIndexes 建立 channels / messages / mutes 所需索引
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		channelCollection: {
			{Keys: bson.D{{Key: "slug", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "members.user_id", Value: 1}}},
		},
		messageCollection: {
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "pinned", Value: 1}}},
		},
		muteCollection: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "channel_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (r *mongoChannelRepository) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	if ch.PinnedMessageIDs == nil {
		ch.PinnedMessageIDs = []string{}
	}
	_, err := r.coll.InsertOne(ctx, ch)
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (r *mongoChannelRepository) findOne(ctx context.Context, filter bson.M) (*domain.Channel, error) {
	var ch domain.Channel
	err := r.coll.FindOne(ctx, filter).Decode(&ch)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find channel: %w", err)
	}
	return &ch, nil
}

func (r *mongoChannelRepository) FindByID(ctx context.Context, channelID string) (*domain.Channel, error) {
	return r.findOne(ctx, bson.M{"_id": channelID})
}

func (r *mongoChannelRepository) FindBySlug(ctx context.Context, slug string) (*domain.Channel, error) {
	return r.findOne(ctx, bson.M{"slug": slug})
}

func (r *mongoChannelRepository) FindDirect(ctx context.Context, userA, userB string) (*domain.Channel, error) {
	return r.findOne(ctx, bson.M{"kind": domain.ChannelDirect, "slug": domain.DirectLabel(userA, userB)})
}

func (r *mongoChannelRepository) ListForUser(ctx context.Context, userID string) ([]domain.Channel, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "created_at", Value: -1}})
	cur, err := r.coll.Find(ctx, bson.M{"members.user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	channels := []domain.Channel{}
	if err := cur.All(ctx, &channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return channels, nil
}

func (r *mongoChannelRepository) AddMember(ctx context.Context, channelID string, m domain.Membership) (bool, error) {
	filter := bson.M{"_id": channelID, "members.user_id": bson.M{"$ne": m.UserID}}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$push": bson.M{"members": m}})
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, r.exists(ctx, channelID)
	}
	return res.ModifiedCount > 0, nil
}

func (r *mongoChannelRepository) RemoveMember(ctx context.Context, channelID, userID string) (bool, error) {
	filter := bson.M{
		"_id":     channelID,
		"members": bson.M{"$elemMatch": bson.M{"user_id": userID, "role": bson.M{"$ne": domain.RoleOwner}}},
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$pull": bson.M{"members": bson.M{"user_id": userID}}})
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, r.exists(ctx, channelID)
	}
	return res.ModifiedCount > 0, nil
}

func (r *mongoChannelRepository) SetRole(ctx context.Context, channelID, userID string, role domain.MemberRole) error {
	filter := bson.M{
		"_id":     channelID,
		"members": bson.M{"$elemMatch": bson.M{"user_id": userID, "role": bson.M{"$ne": domain.RoleOwner}}},
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"members.$.role": role}})
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if res.MatchedCount == 0 {
		if err := r.exists(ctx, channelID); err != nil {
			return err
		}
		return domain.ErrNotAMember
	}
	return nil
}

func (r *mongoChannelRepository) TransferOwnership(ctx context.Context, channelID, fromUserID, toUserID string) error {
	filter := bson.M{
		"_id":             channelID,
		"members":         bson.M{"$elemMatch": bson.M{"user_id": fromUserID, "role": domain.RoleOwner}},
		"members.user_id": toUserID,
	}
	update := bson.M{"$set": bson.M{
		"members.$[prev].role": domain.RoleAdmin,
		"members.$[next].role": domain.RoleOwner,
	}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{"prev.user_id": fromUserID}, bson.M{"next.user_id": toUserID}},
	})
	res, err := r.coll.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return fmt.Errorf("transfer ownership: %w", err)
	}
	if res.MatchedCount == 0 {
		if err := r.exists(ctx, channelID); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *mongoChannelRepository) Archive(ctx context.Context, channelID string) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": channelID}, bson.M{"$set": bson.M{"archived": true}})
	if err != nil {
		return fmt.Errorf("archive channel: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

func (r *mongoChannelRepository) TouchLastMessage(ctx context.Context, channelID string, at int64) error {
	filter := bson.M{"_id": channelID, "last_message_at": bson.M{"$not": bson.M{"$gt": at}}}
	_, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"last_message_at": at}})
	if err != nil {
		return fmt.Errorf("touch channel: %w", err)
	}
	return nil
}

func (r *mongoChannelRepository) AddPinned(ctx context.Context, channelID, messageID string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": channelID},
		bson.M{"$addToSet": bson.M{"pinned_message_ids": messageID}})
	if err != nil {
		return false, fmt.Errorf("add pinned: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, domain.ErrChannelNotFound
	}
	return res.ModifiedCount > 0, nil
}

func (r *mongoChannelRepository) RemovePinned(ctx context.Context, channelID, messageID string) (bool, error) {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": channelID},
		bson.M{"$pull": bson.M{"pinned_message_ids": messageID}})
	if err != nil {
		return false, fmt.Errorf("remove pinned: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, domain.ErrChannelNotFound
	}
	return res.ModifiedCount > 0, nil
}

// exists nil when the channel is there, ErrChannelNotFound otherwise
func (r *mongoChannelRepository) exists(ctx context.Context, channelID string) error {
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": channelID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("count channel: %w", err)
	}
	if n == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}
