package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	hrflow "github.com/nrawal/hrflow"
	"github.com/nrawal/hrflow/internal/config"
	"github.com/nrawal/hrflow/internal/db"
	"github.com/nrawal/hrflow/internal/routes"
	"github.com/nrawal/hrflow/zapLogger"
)

func main() {
	// Load configuration first; the log file path comes from it
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile := zapLogger.Init(cfg.LogFile)

	pgDB, err := db.NewPostgresDB(cfg)
	if err != nil {
		zapLogger.Log.Fatalf("Failed to initialize PostgreSQL: %v", err)
	}
	zapLogger.Log.Info("Successfully connected to PostgreSQL database")
	defer pgDB.Close()

	redisDB, err := db.NewRedisClient(cfg)
	if err != nil {
		zapLogger.Log.Fatalf("Failed to initialize Redis: %v", err)
	}
	zapLogger.Log.Info("Successfully connected to Redis")
	defer redisDB.Close()

	svc, err := hrflow.New(hrflow.Config{
		DB:                 pgDB.GormDB,
		RedisClient:        redisDB,
		Logger:             zapLogger.Log,
		CacheTTL:           30 * time.Minute,
		CachePrefix:        cfg.CachePrefix,
		AutoMigrate:        cfg.AutoMigrate,
		EnableAuditLogging: cfg.EnableAuditLogging,
	})
	if err != nil {
		zapLogger.Log.Fatalf("Failed to initialize workflow service: %v", err)
	}

	// Set up Fiber app
	app := fiber.New()

	// Middleware
	app.Use(zapLogger.FiberLoggingMiddleware(logFile))

	// Set up routes
	routes.Setup(app, svc)

	// Start server
	addr := fmt.Sprintf(":%d", cfg.AppPort)
	zapLogger.Log.Infof("Server started on port %d", cfg.AppPort)
	log.Fatal(app.Listen(addr))
}
