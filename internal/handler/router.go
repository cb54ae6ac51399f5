package handler

import (
	"github.com/gin-gonic/gin"

	"kiropool/internal/health"
	"kiropool/internal/middleware"
	"kiropool/internal/oauth"
	"kiropool/internal/pool"
	"kiropool/internal/store"
	"kiropool/internal/usage"
	"kiropool/pkg/jwt"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Store      *store.Store
	Pool       *pool.Pool
	Monitor    *health.Monitor
	Syncer     *usage.Syncer
	Engine     *oauth.Engine
	JWTManager *jwt.Manager
}

// NewRouter builds the full route tree: public health, key-guarded
// ingress, and JWT-guarded admin API.
func NewRouter(d Deps) *gin.Engine {
	proxy := NewProxy(d.Store, d.Pool)
	admin := NewAdmin(d.Store, d.Pool, d.Monitor, d.Syncer, d.JWTManager)
	oauthHandler := NewOAuth(d.Engine)

	keyAuth := middleware.NewAPIKeyAuth(d.Store)
	adminAuth := middleware.NewAdminAuth(d.JWTManager)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())

	router.GET("/health", proxy.Health)

	v1 := router.Group("/v1")
	v1.GET("/models", proxy.Models)
	v1.Use(keyAuth.Auth())
	{
		v1.POST("/chat/completions", proxy.ChatCompletions)
		v1.POST("/messages", proxy.Messages)
	}

	router.POST("/api/auth/login", admin.Login)

	api := router.Group("/api")
	api.Use(adminAuth.Auth())
	{
		api.GET("/providers", admin.ListProviders)
		api.GET("/providers/:id", admin.GetProvider)
		api.PUT("/providers/:id", admin.UpdateProvider)
		api.DELETE("/providers/:id", admin.DeleteProvider)
		api.POST("/providers/:id/enable", admin.EnableProvider)
		api.POST("/providers/:id/check", admin.CheckProvider)

		api.POST("/keys", admin.CreateAPIKey)
		api.GET("/keys", admin.ListAPIKeys)
		api.PUT("/keys/:id", admin.UpdateAPIKey)
		api.DELETE("/keys/:id", admin.DeleteAPIKey)

		api.GET("/usage", admin.Usage)
		api.GET("/usage/:id", admin.ProviderUsage)

		api.GET("/config", admin.GetConfig)
		api.PUT("/config", admin.UpdateConfig)
		api.GET("/stats", admin.Stats)

		api.POST("/oauth/start", oauthHandler.Start)
		api.GET("/oauth/:sessionId/status", oauthHandler.Status)
		api.POST("/oauth/:sessionId/complete", oauthHandler.Complete)
		api.POST("/oauth/:sessionId/cancel", oauthHandler.Cancel)
	}

	return router
}
