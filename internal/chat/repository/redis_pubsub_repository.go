package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"community_chat/internal/chat/domain"
	"community_chat/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ChannelTopicPrefix redis channel per chat channel
const ChannelTopicPrefix = "chat:channel:"

// relayEnvelope tags a relayed event with its origin node
type relayEnvelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// RedisPubSub definition redis pub/sub relay between gateway nodes
type RedisPubSub struct {
	client redis.UniversalClient
	nodeID string
}

// NewRedisPubSub create RedisPubSub
func NewRedisPubSub(client redis.UniversalClient, nodeID string) *RedisPubSub {
	return &RedisPubSub{
		client: client,
		nodeID: nodeID,
	}
}

// Publish 將 event 序列化後，發布到 chat:channel:<id>
func (r *RedisPubSub) Publish(ctx context.Context, channelID string, ev domain.Event) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.nodeID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelTopicPrefix+channelID, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run 以 pattern 訂閱所有 chat channel，收到後交給 deliver; blocks until ctx is done
func (r *RedisPubSub) Run(ctx context.Context, deliver func(channelID string, ev domain.Event)) error {
	sub := r.client.PSubscribe(ctx, ChannelTopicPrefix+"*")
	defer sub.Close()

	// 確認訂閱成功再開始收
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				logger.Log.Error("relay unmarshal failed", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			deliver(strings.TrimPrefix(m.Channel, ChannelTopicPrefix), env.Event)
		case <-ctx.Done():
			logger.Log.Info("relay subscription closed", zap.String("node", r.nodeID))
			return nil
		}
	}
}
