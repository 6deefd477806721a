package main

import (
	"context"
	"fmt"
	"time"

	"community_chat/internal/chat/app"
	"community_chat/internal/chat/repository"
	"community_chat/pkg/config"
	"community_chat/pkg/database"
	"community_chat/pkg/logger"

	"go.uber.org/zap"
)

// openStore mongo (default) or in-memory repositories
func openStore(ctx context.Context, cfg config.Chat) (repository.ChannelRepository, repository.MessageRepository, repository.MuteRepository, func()) {
	if cfg.Storage.Driver == "memory" {
		logger.Log.Warn("using in-memory store, data is lost on restart")
		return repository.NewMemoryChannelRepository(), repository.NewMemoryMessageRepository(), repository.NewMemoryMuteRepository(), func() {}
	}

	uri := fmt.Sprintf("mongodb://%s:%s@%s:%d", cfg.MongoSQL.User, cfg.MongoSQL.Password, cfg.MongoSQL.Host, cfg.MongoSQL.Port)
	mongo, err := database.NewMongoDB(ctx,
		database.Connection{
			ConnectStr:    uri,
			RetryCount:    cfg.MongoSQL.RetryCount,
			RetryInterval: time.Duration(cfg.MongoSQL.RetryInterval) * time.Second,
		},
		cfg.MongoSQL.Database)
	if err != nil {
		logger.Log.Fatal(
			"Unable to connect to mongoDB database after retries",
			zap.String("address", fmt.Sprintf("[%s:%d]", cfg.MongoSQL.Host, cfg.MongoSQL.Port)),
			zap.Error(err),
		)
	}
	if err := repository.EnsureIndexes(ctx, mongo.Database); err != nil {
		logger.Log.Fatal("create mongo indexes failed", zap.Error(err))
	}

	closeFn := func() {
		if err := mongo.Close(context.Background()); err != nil {
			logger.Log.Error("close mongo failed", zap.Error(err))
		}
	}
	return repository.NewMongoChannelRepository(mongo.Database),
		repository.NewMongoMessageRepository(mongo.Database),
		repository.NewMongoMuteRepository(mongo.Database),
		closeFn
}

// openEventLog kafka lifecycle sink, nil interface when disabled
func openEventLog(cfg config.Chat) (app.EventLog, func()) {
	if !cfg.Kafka.Enabled {
		return nil, func() {}
	}
	w, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		RetryCount:    cfg.Kafka.RetryCount,
		RetryInterval: time.Duration(cfg.Kafka.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("connect kafka failed", zap.Error(err))
	}
	log := repository.NewKafkaEventLog(w)
	return log, func() {
		if err := log.Close(); err != nil {
			logger.Log.Error("close kafka writer failed", zap.Error(err))
		}
	}
}

// openNotificationQueue rabbitmq job queue, nil when disabled
func openNotificationQueue(cfg config.Chat) (app.NotificationQueue, func()) {
	if !cfg.RabbitMQ.Enabled {
		return nil, func() {}
	}
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    cfg.RabbitMQ.URL,
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: time.Duration(cfg.RabbitMQ.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("connect rabbitmq failed", zap.Error(err))
	}
	ch, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RabbitMQ.RetryCount, time.Duration(cfg.RabbitMQ.RetryInterval))
	if err != nil {
		logger.Log.Fatal("open rabbitmq channel failed", zap.Error(err))
	}
	queue, err := repository.NewRabbitNotificationQueue(database.NewRabbitRepository(ch), cfg.RabbitMQ.Queue)
	if err != nil {
		logger.Log.Fatal("declare notification queue failed", zap.Error(err))
	}
	return queue, func() {
		_ = ch.Close()
		_ = conn.Close()
	}
}

// openAttachments minio attachment store, nil when disabled
func openAttachments(cfg config.Chat) app.AttachmentStore {
	if !cfg.MinIO.Enabled {
		return nil
	}
	client, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:      cfg.MinIO.Endpoint,
		User:          cfg.MinIO.User,
		Password:      cfg.MinIO.Password,
		BucketName:    cfg.MinIO.BucketName,
		UseSSL:        cfg.MinIO.UseSSL,
		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: time.Duration(cfg.MinIO.RetryInterval),
	})
	if err != nil {
		logger.Log.Fatal("connect minio failed", zap.Error(err))
	}
	return repository.NewMinioAttachmentStore(client, cfg.MinIO.PresignExpiry)
}
