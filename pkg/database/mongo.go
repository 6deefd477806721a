package database

import (
	"context"
	"fmt"
	"time"

	"community_chat/pkg/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Connection 連線字串與重試設定 (mongo, rabbitmq)
type Connection struct {
	ConnectStr string

	RetryCount    int
	RetryInterval time.Duration
}

// MongoDB chat store handle; channels, messages and mutes share one database
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// NewMongoDB connect and ping the primary with retry; ctx cancels the wait between attempts
func NewMongoDB(ctx context.Context, c Connection, dbName string) (*MongoDB, error) {
	opts := options.Client().
		ApplyURI(c.ConnectStr).
		SetAppName("chat_service").
		SetServerSelectionTimeout(5 * time.Second)

	var err error
	for attempt := 0; attempt <= c.RetryCount; attempt++ {
		var client *mongo.Client
		client, err = mongo.Connect(ctx, opts)
		if err == nil {
			if err = client.Ping(ctx, readpref.Primary()); err == nil {
				logger.Log.Info("mongo connected", zap.String("database", dbName), zap.Int("attempt", attempt+1))
				return &MongoDB{Client: client, Database: client.Database(dbName)}, nil
			}
			_ = client.Disconnect(context.Background())
		}
		if attempt == c.RetryCount {
			break
		}

		logger.Log.Warn("mongo not ready, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect mongo: %w", ctx.Err())
		case <-time.After(c.RetryInterval):
		}
	}
	return nil, fmt.Errorf("connect mongo after %d retries: %w", c.RetryCount, err)
}

// Close disconnect the chat store
func (m *MongoDB) Close(ctx context.Context) error {
	return m.Client.Disconnect(ctx)
}
