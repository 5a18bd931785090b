package main

import (
	"context"
	"log"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/chat"
	"github.com/anonto42/elemchat/internal/filter"
	"github.com/anonto42/elemchat/internal/notifications"
	"github.com/anonto42/elemchat/internal/router"
	"github.com/anonto42/elemchat/internal/store"
	"github.com/anonto42/elemchat/internal/uploader"
	"github.com/anonto42/elemchat/pkg/config"
	"github.com/anonto42/elemchat/pkg/firebase"
	"github.com/anonto42/elemchat/pkg/logging"
	"github.com/anonto42/elemchat/validators"

	fbauth "firebase.google.com/go/v4/auth"
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Initialize the document store and attachment uploader for the
	// configured backend
	var (
		st         store.Store
		uploads    uploader.Uploader
		authClient *fbauth.Client
	)
	switch cfg.StoreBackend {
	case config.BackendFirestore:
		firebaseApp, err := firebase.InitFirebase(ctx, cfg.FirebaseCredentialsPath, cfg.FirestoreProjectID)
		if err != nil {
			log.Fatalf("Failed to initialize Firebase: %v", err)
		}
		defer firebaseApp.Close()
		st = store.NewFirestoreStore(firebaseApp.Firestore)
		uploads = uploader.NewGCSUploader(firebaseApp.Storage, cfg.StorageBucket)
		authClient = firebaseApp.AuthClient
	case config.BackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		defer client.Disconnect(ctx)
		st = store.NewMongoStore(client.Database(cfg.MongoDatabase))
		// Auth and attachment storage still run through Firebase even
		// when documents live in Mongo
		firebaseApp, err := firebase.InitFirebase(ctx, cfg.FirebaseCredentialsPath, cfg.FirestoreProjectID)
		if err != nil {
			log.Fatalf("Failed to initialize Firebase: %v", err)
		}
		defer firebaseApp.Close()
		uploads = uploader.NewGCSUploader(firebaseApp.Storage, cfg.StorageBucket)
		authClient = firebaseApp.AuthClient
	case config.BackendMemory:
		st = store.NewMemoryStore()
		uploads = uploader.NewMemoryUploader()
		log.Println("Memory backend selected, authentication is static.")
	default:
		log.Fatalf("Unknown store backend %q", cfg.StoreBackend)
	}

	// Optional Redis profile cache; a nil client falls through to the
	// store on every lookup
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer rdb.Close()
	}
	profiles := cache.NewProfiles(rdb, st, cache.DefaultTTL, logger)

	// Wire the domain engines
	repository := chat.NewRepository(st, profiles, logger)
	pipeline := chat.NewPipeline(st, uploads, filter.New(), profiles, logger)
	coordinator := chat.NewCoordinator(st, logger)
	aggregator := notifications.NewAggregator(st, profiles, pipeline, logger)

	// In this deployment the POST /membership/sync handler is the only
	// membership trigger; the run loop is the hook for feeds that push
	// category changes directly (identity-provider webhooks, admin tooling).
	categoryChanges := make(chan chat.CategoryChange, 16)
	go coordinator.Run(ctx, categoryChanges)

	// Create Echo instance
	e := echo.New()

	// Setup global middleware
	router.SetupMiddleware(e)

	// Setup routes and dependencies
	router.SetupRoutes(e, router.Engines{
		Repository:  repository,
		Pipeline:    pipeline,
		Coordinator: coordinator,
		Aggregator:  aggregator,
		Profiles:    profiles,
	}, authClient, "dev-user")

	// Validator
	e.Validator = validators.NewValidator()

	logger.Info("server starting",
		zap.String("backend", cfg.StoreBackend),
		zap.String("port", cfg.Port),
	)

	// Start server
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
