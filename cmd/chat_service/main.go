package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"community_chat/internal/chat/app"
	"community_chat/internal/chat/domain"
	"community_chat/internal/chat/repository"
	"community_chat/internal/chat/router"
	"community_chat/pkg/config"
	"community_chat/pkg/database"
	"community_chat/pkg/logger"
	testtool "community_chat/pkg/test_tool"
	"community_chat/pkg/token"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	fiber_log "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	logger.Log = logger.Initialize(config.EnvConfig.ChatService, config.EnvConfig.ChatServiceLogPath)
	defer logger.Log.Sync()

	cfg, err := config.LoadConfig[config.Chat](config.EnvConfig.ChatService, config.EnvConfig.ChatServiceYAMLPath)
	if err != nil {
		logger.Log.Fatal("load config failed", zap.Error(err))
	}
	cfg.Defaults()
	logger.Log.SetDebugMode(cfg.Debug.DebugLog)
	token.SetSecret(cfg.Gateway.JWTSecret)
	if cfg.Debug.Pprof {
		testtool.StartPprof(cfg.Debug.PprofPort)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	nodeID := uuid.NewString()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(reg)

	// 1. Store
	channelRepo, messageRepo, muteRepo, closeStore := openStore(ctx, cfg)
	defer closeStore()

	// 2. Redis (跨節點 fan-out + presence)
	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled || cfg.Gateway.Fanout == "redis" {
		masterName, sentinels := config.GetRedisSetting()
		redisClient, err = database.NewRedisClient(cfg.Redis.Addr, masterName, sentinels, cfg.Redis.RedisDB)
		if err != nil {
			logger.Log.Fatal("connect redis failed", zap.Error(err))
		}
		defer redisClient.Close()
	}

	// 3. Gateway
	gatewayOpts := []app.GatewayOption{
		app.WithMetrics(metrics),
		app.WithSendBuffer(cfg.Gateway.SendBuffer),
		app.WithFrameLimit(cfg.Gateway.FrameRPS, cfg.Gateway.FrameBurst),
	}
	var relay *repository.RedisPubSub
	if redisClient != nil {
		presence := repository.NewRedisPresenceDirectory(
			database.NewRedisRepository[repository.OnlineRecord](redisClient), nodeID, 2*cfg.Gateway.PongWait)
		gatewayOpts = append(gatewayOpts, app.WithPresence(presence))
		if cfg.Gateway.Fanout == "redis" {
			relay = repository.NewRedisPubSub(redisClient, nodeID)
			gatewayOpts = append(gatewayOpts, app.WithRelay(relay))
		}
	}
	gateway := app.NewGateway(app.NewRepositoryMembership(channelRepo), gatewayOpts...)
	if relay != nil {
		go func() {
			if err := relay.Run(ctx, func(channelID string, ev domain.Event) { gateway.Deliver(channelID, ev) }); err != nil {
				logger.Log.Fatal("redis relay stopped", zap.Error(err))
			}
		}()
	}

	typing := app.NewTypingTracker(cfg.Typing.TTL, gateway)
	gateway.SetTypingTracker(typing)
	go typing.Run(ctx, cfg.Typing.SweepInterval)

	limiter := app.NewRateLimiter(cfg.Limits.Cooldown, cfg.Limits.BurstCap, cfg.Limits.Window)
	go runEvery(ctx, cfg.Limits.Window, func() {
		if n := limiter.Prune(2 * cfg.Limits.Window); n > 0 {
			logger.Log.Debug("rate limiter pruned", zap.Int("slots", n))
		}
	})

	// 4. 選用的下游: kafka / rabbitmq / minio
	eventLog, closeEvents := openEventLog(cfg)
	defer closeEvents()
	queue, closeQueue := openNotificationQueue(cfg)
	defer closeQueue()
	attachments := openAttachments(cfg)

	// 5. UseCases
	notifyUC := app.NewNotifyUseCase(channelRepo, muteRepo, gateway, queue, metrics)
	messageOpts := []app.MessageOption{
		app.WithTyping(typing),
		app.WithNotifier(notifyUC),
		app.WithMessageMetrics(metrics),
		app.WithMaxBodyLength(cfg.Limits.MaxBodyLength),
		app.WithEventLog(eventLog),
		app.WithAttachments(attachments),
	}
	messageUC := app.NewMessageUseCase(channelRepo, messageRepo, limiter, gateway, messageOpts...)
	channelUC := app.NewChannelUseCase(channelRepo, gateway, eventLog)

	wsHandler := app.NewChatWebsocketHandler(gateway, messageUC, typing, app.KeepAlive{
		PingInterval: cfg.Gateway.PingInterval,
		PongWait:     cfg.Gateway.PongWait,
		WriteWait:    cfg.Gateway.WriteWait,
	}, metrics)
	httpHandler := app.NewChatHTTPHandler(channelUC, messageUC, notifyUC)

	// 6. 啟動 Fiber
	r := fiber.New(fiber.Config{DisableStartupMessage: config.IsProduction()})
	file, err := os.OpenFile(fmt.Sprintf("%s/access.log", config.EnvConfig.ChatServiceLogPath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		logger.Log.Fatal("open access log failed", zap.Error(err))
	}
	defer file.Close()
	r.Use(fiber_log.New(fiber_log.Config{
		Output: file, // 将日志输出到文件
	}))

	router.RegisterRoutes(ctx, r, wsHandler, httpHandler, reg)

	go func() {
		<-ctx.Done()
		logger.Log.Info("shutting down chat service")
		gateway.Shutdown(context.Background())
		if err := r.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Log.Error("fiber shutdown failed", zap.Error(err))
		}
	}()

	port := ":" + cfg.Port
	logger.Log.Info("Chat Service listening", zap.String("port", port), zap.String("node", nodeID), zap.String("fanout", cfg.Gateway.Fanout))
	if err := r.Listen(port); err != nil {
		logger.Log.Fatal("Failed to start Fiber", zap.Error(err))
	}
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
