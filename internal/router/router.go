package router

import (
	"log"

	"firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
	eMiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/anonto42/elemchat/internal/cache"
	"github.com/anonto42/elemchat/internal/chat"
	"github.com/anonto42/elemchat/internal/handlers"
	"github.com/anonto42/elemchat/internal/middleware"
	"github.com/anonto42/elemchat/internal/notifications"
)

// Engines bundles the wired domain services the routes depend on.
type Engines struct {
	Repository  *chat.Repository
	Pipeline    *chat.Pipeline
	Coordinator *chat.Coordinator
	Aggregator  *notifications.Aggregator
	Profiles    *cache.Profiles
}

// SetupMiddleware configures global Echo middleware
func SetupMiddleware(e *echo.Echo) {
	e.Use(eMiddleware.Recover())
	e.Use(eMiddleware.CORS())
	log.Println("Global middleware configured.")
}

// SetupRoutes configures all application routes and injects dependencies.
// When firebaseAuthClient is nil (memory backend) requests authenticate
// as the static devUserID instead of a verified ID token.
func SetupRoutes(e *echo.Echo, engines Engines, firebaseAuthClient *auth.Client, devUserID string) {
	// Health check - always accessible
	e.GET("/health", handlers.HealthCheck)

	// --- Protected routes (require Firebase authentication) ---
	api := e.Group("/api/v1")
	if firebaseAuthClient != nil {
		api.Use(middleware.FirebaseAuthMiddleware(firebaseAuthClient))
		log.Println("Firebase authentication middleware applied to /api/v1 group.")
	} else {
		api.Use(middleware.StaticUserMiddleware(devUserID))
		log.Println("Static user middleware applied to /api/v1 group.")
	}

	// Conversation routes
	conversationHandler := handlers.NewConversationHandler(engines.Repository)
	conversationHandler.RegisterConversationRoutes(api)
	log.Println("Conversation routes configured.")

	// Message routes
	messageHandler := handlers.NewMessageHandler(engines.Pipeline)
	messageHandler.RegisterMessageRoutes(api)
	log.Println("Message routes configured.")

	// Membership routes
	membershipHandler := handlers.NewMembershipHandler(engines.Coordinator, engines.Profiles)
	membershipHandler.RegisterMembershipRoutes(api)
	log.Println("Membership routes configured.")

	// Notification routes
	notificationHandler := handlers.NewNotificationHandler(engines.Aggregator)
	notificationHandler.RegisterNotificationRoutes(api)
	log.Println("Notification routes configured.")

	log.Println("All routes configured.")
}
