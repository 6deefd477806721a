package router

import (
	"context"

	"community_chat/internal/chat/app"
	"community_chat/pkg/middlewares"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes 註冊 chat 相關路由; /healthz 與 /metrics 不需 token
func RegisterRoutes(ctx context.Context, r *fiber.App, chatWebsocket *app.ChatWebsocketHandler, chatHTTP *app.ChatHTTPHandler, gatherer prometheus.Gatherer) {
	r.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if gatherer != nil {
		r.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// websocket upgrade 前先驗證 token
	r.Use("/ws", middlewares.JWTMiddleware(), func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		chatWebsocket.HandleConnection(ctx, c)
	}))

	api := r.Group("/", middlewares.JWTMiddleware())
	api.Get("/channels", chatHTTP.ListChannels)
	api.Post("/channels", chatHTTP.CreateChannel)
	api.Post("/channels/direct", chatHTTP.OpenDirect)
	api.Get("/channels/:id", chatHTTP.GetChannel)
	api.Post("/channels/:id/members", chatHTTP.AddMember)
	api.Delete("/channels/:id/members/:user", chatHTTP.RemoveMember)
	api.Put("/channels/:id/members/:user/role", chatHTTP.SetRole)
	api.Post("/channels/:id/owner", chatHTTP.TransferOwnership)
	api.Post("/channels/:id/archive", chatHTTP.Archive)
	api.Get("/channels/:id/messages", chatHTTP.History)
	api.Get("/channels/:id/pins", chatHTTP.Pins)
	api.Post("/channels/:id/attachments", chatHTTP.PresignUpload)
	api.Put("/channels/:id/mute", chatHTTP.Mute)
	api.Delete("/channels/:id/mute", chatHTTP.Unmute)
	api.Get("/me/mutes", chatHTTP.ListMutes)
}
