package router

import (
	"time"

	"shopchat/internal/api/middleware"
	"shopchat/internal/handler"
	"shopchat/internal/service"
	"shopchat/internal/websocket"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type Router struct {
	engine      *gin.Engine
	wsHandler   *handler.WSHandler
	chatHandler *handler.ChatHandler
	rateLimitMW *middleware.RateLimitMiddleware
	authMW      *middleware.AuthMiddleware
}

func NewRouter(
	manager *websocket.ConnectionManager,
	chatService *service.ChatService,
	authService *service.AuthService,
	redisClient *redis.Client,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS())
	engine.Use(middleware.LogAPI())

	return &Router{
		engine:      engine,
		wsHandler:   handler.NewWSHandler(manager, authService),
		chatHandler: handler.NewChatHandler(chatService),
		rateLimitMW: middleware.NewRateLimitMiddleware(redisClient),
		authMW:      middleware.NewAuthMiddleware(authService),
	}
}

func (r *Router) SetupRoutes() {
	r.engine.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.engine.Group("/api/v1")

	// WebSocket endpoint; the token travels as a query parameter since
	// browsers cannot set headers on websocket dials.
	api.GET("/ws", r.wsHandler.HandleWebSocket)

	auth := api.Group("/")
	auth.Use(r.authMW.RequireAuth())
	{
		rooms := auth.Group("/rooms")
		rooms.Use(r.rateLimitMW.RateLimit(100, time.Minute))
		{
			rooms.GET("", r.chatHandler.ListRooms)
			rooms.POST("", r.chatHandler.CreateRoom)
			rooms.GET("/:id/messages", r.chatHandler.GetMessages)
		}

		messages := auth.Group("/messages")
		messages.Use(r.rateLimitMW.RateLimit(200, time.Minute))
		{
			messages.PUT("/:id", r.chatHandler.UpdateMessage)
			messages.DELETE("/:id", r.chatHandler.DeleteMessage)
		}

		auth.GET("/presence", r.chatHandler.GetPresence)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
