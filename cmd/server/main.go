package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"studybroker/internal/api"
	"studybroker/internal/audit"
	"studybroker/internal/auth"
	"studybroker/internal/cache"
	"studybroker/internal/config"
	"studybroker/internal/engine"
	"studybroker/internal/objstore"
	"studybroker/internal/store"
)

func main() {
	ctx := context.Background()

	// .env is optional; config falls back to app.yaml and defaults.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, db: %s/%s)", cfg.Server.Port, cfg.Database.Driver, cfg.Database.Name)

	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap tables: %v", err)
	}
	log.Println("Tables ready")

	objects, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open object store: %v", err)
	}
	log.Printf("Object store ready (driver: %s)", cfg.Storage.Driver)

	cacheSvc := cache.New(db, objects)
	eng := engine.NewFromStore(db, cacheSvc, objects)

	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		recorder = audit.NewRecorder(db, cfg.Audit.BufferSize,
			time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond)
		defer recorder.Stop()
		go auditCleanupLoop(ctx, recorder, cfg.Audit.RetentionDays)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    int(cfg.Storage.MaxFileSize),
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	auth.RegisterRoutes(app, auth.NewHandler(db, cfg.JWTSecret))

	handler := api.NewHandler(eng, recorder, db)
	api.RegisterRoutes(app, handler, auth.Middleware(cfg.JWTSecret))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func newObjectStore(ctx context.Context, cfg config.StorageConfig) (objstore.ObjectStore, error) {
	switch cfg.Driver {
	case "s3":
		return objstore.NewS3Store(ctx, cfg.Bucket, objstore.S3Config{
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.PathStyle,
		})
	case "memory":
		return objstore.NewMemoryStore(), nil
	default:
		return objstore.NewLocalStore(cfg.LocalPath), nil
	}
}

func auditCleanupLoop(ctx context.Context, recorder *audit.Recorder, retentionDays int) {
	retention := time.Duration(retentionDays) * 24 * time.Hour
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recorder.Cleanup(ctx, retention)
		}
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *engine.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(engine.ErrorResponse{
		Error: &engine.AppError{
			Code:    "INTERNAL",
			Message: "Internal error.",
		},
	})
}
