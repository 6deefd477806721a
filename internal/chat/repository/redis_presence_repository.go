package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"community_chat/pkg/database"
)

const presenceKeyPrefix = "chat:online:"

// OnlineRecord 使用者在某 node 上的連線數
type OnlineRecord struct {
	Connections map[string]int `json:"connections"`
	SeenAt      int64          `json:"seen_at"`
}

// RedisPresenceDirectory cross-node online directory, one key per user with TTL refresh
type RedisPresenceDirectory struct {
	repo   database.RedisRepository[OnlineRecord]
	nodeID string
	ttl    time.Duration
}

// NewRedisPresenceDirectory create RedisPresenceDirectory
func NewRedisPresenceDirectory(repo database.RedisRepository[OnlineRecord], nodeID string, ttl time.Duration) *RedisPresenceDirectory {
	return &RedisPresenceDirectory{repo: repo, nodeID: nodeID, ttl: ttl}
}

func (d *RedisPresenceDirectory) load(ctx context.Context, userID string) (OnlineRecord, error) {
	rec, err := d.repo.Get(ctx, presenceKeyPrefix+userID)
	if errors.Is(err, database.ErrRedisNil) {
		return OnlineRecord{Connections: map[string]int{}}, nil
	}
	if err != nil {
		return rec, err
	}
	if rec.Connections == nil {
		rec.Connections = map[string]int{}
	}
	return rec, nil
}

// SetOnline record this node's live connection count for userID; 0 removes the node entry
func (d *RedisPresenceDirectory) SetOnline(ctx context.Context, userID string, connections int) error {
	rec, err := d.load(ctx, userID)
	if err != nil {
		return fmt.Errorf("load presence: %w", err)
	}
	if connections > 0 {
		rec.Connections[d.nodeID] = connections
	} else {
		delete(rec.Connections, d.nodeID)
	}
	key := presenceKeyPrefix + userID
	if len(rec.Connections) == 0 {
		return d.repo.Del(ctx, key)
	}
	rec.SeenAt = time.Now().UnixMilli()
	return d.repo.Set(ctx, key, rec, d.ttl)
}

// IsOnline report whether any node holds a live connection for userID
func (d *RedisPresenceDirectory) IsOnline(ctx context.Context, userID string) (bool, error) {
	rec, err := d.load(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load presence: %w", err)
	}
	for _, n := range rec.Connections {
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Refresh extend the TTL of userID's record
func (d *RedisPresenceDirectory) Refresh(ctx context.Context, userID string) error {
	return d.repo.ExtendTTL(ctx, presenceKeyPrefix+userID, d.ttl)
}
