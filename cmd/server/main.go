package main

import (
	"context"

	"chatflow-engine/internal/api"
	"chatflow-engine/internal/config"
	"chatflow-engine/internal/database"
	"chatflow-engine/internal/dispatch"
	"chatflow-engine/internal/flow"
	"chatflow-engine/internal/logger"
	"chatflow-engine/internal/session"
	"chatflow-engine/internal/store"
	"chatflow-engine/internal/transport"
	"chatflow-engine/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.New(cfg.LogLevel)

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database setup")
	}

	hub := ws.NewHub(log)
	go hub.Run()

	messageStore := store.NewMessageStore(db)
	flowStore := store.NewFlowStore(db)

	// The loopback factory stands in for the protocol adapter; deployments
	// replace it with the real session library.
	sessions := session.NewManager(log, db, messageStore, transport.NewLoopbackFactory(), hub,
		cfg.MaxReconnectAttempts, cfg.ReconnectBackoff)

	dispatcher := dispatch.NewDispatcher(log, sessions, messageStore, hub)

	engine := flow.NewEngine(log, flowStore, messageStore, dispatcher, hub, flow.Config{
		MaxSteps:        cfg.MaxFlowSteps,
		ExternalTimeout: cfg.ExternalTimeout,
		AIAPIURL:        cfg.AIAPIURL,
		AIAPIKey:        cfg.AIAPIKey,
		AIModel:         cfg.AIModel,
	})
	sessions.SetInboundHandler(engine.HandleInbound)

	sessions.Restore(context.Background())
	engine.ReschedulePending()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS for the dashboard.
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	connectionHandler := api.NewConnectionHandler(sessions)
	messageHandler := api.NewMessageHandler(messageStore, dispatcher)
	flowHandler := api.NewFlowHandler(db, flowStore, engine)
	templateHandler := api.NewTemplateHandler(db)

	r.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", func(c *gin.Context) { hub.ServeWs(c.Writer, c.Request) })

	tenant := r.Group("/api/tenants/:tenant")
	{
		tenant.GET("/connection", connectionHandler.GetStatus)
		tenant.POST("/connection/connect", connectionHandler.Connect)
		tenant.POST("/connection/disconnect", connectionHandler.Disconnect)

		tenant.GET("/conversations", messageHandler.GetConversations)
		tenant.GET("/conversations/:contact/messages", messageHandler.GetMessages)
		tenant.POST("/messages/text", messageHandler.SendText)
		tenant.POST("/messages/media", messageHandler.SendMedia)

		tenant.GET("/flows", flowHandler.GetFlows)
		tenant.POST("/flows", flowHandler.CreateFlow)
		tenant.PUT("/flows/:id", flowHandler.UpdateFlow)
		tenant.DELETE("/flows/:id", flowHandler.DeleteFlow)
		tenant.POST("/flows/:id/toggle", flowHandler.ToggleFlow)
		tenant.GET("/flows/:id/graph", flowHandler.GetGraph)
		tenant.PUT("/flows/:id/graph", flowHandler.ReplaceGraph)
		tenant.POST("/flows/:id/start", flowHandler.StartFlow)

		tenant.GET("/templates", templateHandler.GetTemplates)
		tenant.POST("/templates", templateHandler.CreateTemplate)
		tenant.PUT("/templates/:id", templateHandler.UpdateTemplate)
		tenant.DELETE("/templates/:id", templateHandler.DeleteTemplate)
	}

	log.Info().Str("port", cfg.Port).Msg("server starting")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}
