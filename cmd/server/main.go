package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fenceauth/fence/internal/application/services"
	"github.com/fenceauth/fence/internal/bootstrap"
	"github.com/fenceauth/fence/internal/config"
	"github.com/fenceauth/fence/internal/infrastructure/database"
	"github.com/fenceauth/fence/internal/interfaces/middleware"
	"github.com/fenceauth/fence/internal/interfaces/rest"
	"github.com/fenceauth/fence/internal/observability"
	"github.com/fenceauth/fence/pkg/constants"
)

func main() {
	cfg, err := config.Load(os.Getenv("FENCE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// Initialize database connection
	db, err := database.Connect(cfg.Database)
	if err != nil {
		sugar.Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()
	sugar.Info("database connection established")

	if cfg.EnableDBMigration {
		if err := bootstrap.InitializeSchema(db.DB()); err != nil {
			sugar.Fatalw("failed to initialize schema", "error", err)
		}
		sugar.Info("schema initialized")
	}

	if err := bootstrap.InitializeSystemData(db.DB(), sugar); err != nil {
		sugar.Fatalw("failed to initialize system data", "error", err)
	}

	svcMgr, err := services.NewServiceManager(cfg, db, sugar)
	if err != nil {
		sugar.Fatalw("failed to initialize services", "error", err)
	}
	sugar.Info("service manager initialized")

	// Create Gin router
	router := gin.Default()
	router.Use(observability.RequestMetrics())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"server": "fence",
		})
	})

	// Prometheus scrape endpoint
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	// Initialize handlers
	rest.SetLogger(sugar)
	authHandler := rest.NewAuthHandler(svcMgr.Auth, svcMgr.Admin, svcMgr.Issuer)
	adminHandler := rest.NewAdminHandler(svcMgr.Admin)
	loginHandler := rest.NewLoginHandler(svcMgr.Login)
	ga4ghHandler := rest.NewGA4GHHandler(svcMgr.Passports, svcMgr.Auth, cfg.Issuer)

	// Initialize middleware
	requireAuth := middleware.RequireAuth(svcMgr.Auth, constants.AudAccess)
	requireAdmin := middleware.RequireAdmin()

	// Token endpoints
	credentials := router.Group("/user/credentials/api")
	{
		credentials.POST("/login", authHandler.Login)
		credentials.POST("/token", authHandler.Token)
		credentials.POST("/revoke", authHandler.Revoke)
	}
	router.GET("/user/me", requireAuth, authHandler.Me)
	router.GET("/jwt/keys", authHandler.JWKS)

	// Upstream identity provider login flow
	login := router.Group("/login")
	{
		login.GET("/:idp", loginHandler.Begin)
		login.GET("/:idp/callback", loginHandler.Callback)
	}

	// GA4GH DRS access with passports
	drs := router.Group("/ga4gh/drs/v1")
	{
		drs.POST("/objects/:object_id/access/:access_id", ga4ghHandler.Access)
		drs.GET("/objects/:object_id/access/:access_id", ga4ghHandler.Access)
	}

	// Admin routes (admins only)
	admin := router.Group("/admin")
	admin.Use(requireAuth, requireAdmin)
	{
		admin.GET("/user", adminHandler.ListUsers)
		admin.POST("/user", adminHandler.CreateUser)
		admin.GET("/user/:username", adminHandler.GetUser)
		admin.PUT("/user/:username", adminHandler.UpdateUser)
		admin.DELETE("/user/:username", adminHandler.DeleteUser)
		admin.GET("/user/:username/groups", adminHandler.GetUserGroups)
		admin.PUT("/user/:username/groups", adminHandler.AddUserGroups)
		admin.DELETE("/user/:username/groups", adminHandler.RemoveUserGroups)
		admin.PUT("/user/:username/projects", adminHandler.GrantUserProjects)
		admin.DELETE("/user/:username/projects", adminHandler.RevokeUserProjects)
		admin.GET("/user/:username/visas", adminHandler.GetUserVisas)

		admin.GET("/projects", adminHandler.ListProjects)
		admin.GET("/projects/:name", adminHandler.GetProject)
		admin.POST("/projects/:name", adminHandler.CreateProject)
		admin.DELETE("/projects/:name", adminHandler.DeleteProject)
		admin.PUT("/projects/:name/groups", adminHandler.AddProjectGroups)

		admin.GET("/groups", adminHandler.ListGroups)
		admin.POST("/groups", adminHandler.CreateGroup)
		admin.GET("/groups/:name", adminHandler.GetGroup)
		admin.PUT("/groups/:name", adminHandler.UpdateGroup)
		admin.DELETE("/groups/:name", adminHandler.DeleteGroup)
		admin.GET("/groups/:name/users", adminHandler.GetGroupUsers)
		admin.GET("/groups/:name/projects", adminHandler.GetGroupProjects)
		admin.PUT("/groups/:name/projects", adminHandler.AddGroupProjects)
		admin.DELETE("/groups/:name/projects", adminHandler.RemoveGroupProjects)
	}

	// Start the visa update scheduler
	go svcMgr.Scheduler.Start()
	sugar.Info("visa scheduler started")

	// Create HTTP Server
	srv := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		sugar.Infow("fence listening", "port", cfg.Port, "issuer", cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("shutting down server")

	svcMgr.Scheduler.Stop()
	sugar.Info("visa scheduler stopped")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		sugar.Fatalw("server forced to shutdown", "error", err)
	}

	sugar.Info("server exiting")
}
