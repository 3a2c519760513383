package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"experiment-session-system/apps"
	"experiment-session-system/apps/dictator"
	"experiment-session-system/config"
	"experiment-session-system/handlers"
	"experiment-session-system/models"
	"experiment-session-system/services"
	"experiment-session-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	registry := apps.NewRegistry()
	if err := registry.Register(dictator.New(cfg.DictatorRounds, cfg.DictatorEndowment)); err != nil {
		log.Fatal("failed to register apps:", err)
	}
	if err := registry.AddSessionType(apps.SessionConfig{
		Name:                "dictator",
		AppSequence:         []string{dictator.Name},
		NumDemoParticipants: 2,
	}); err != nil {
		log.Fatal("failed to configure session types:", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}
	if err := db.AutoMigrate(append(models.All(), registry.Models()...)...); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	globals, err := services.InitGlobalState(db, cfg.AdminToken)
	if err != nil {
		log.Fatal("failed to load global state:", err)
	}
	defer globals.Close()
	if cfg.AdminToken == "" {
		log.Printf("🔑 Admin access code: %s", globals.AdminAccessCode())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store utils.ObjectStore
	if r2 := cfg.R2(); r2.Enabled() {
		r2Store, err := utils.NewR2Store(ctx, r2)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		store = r2Store
	} else {
		log.Println("⚠️  R2 not configured, payment exports are returned inline")
	}

	participantService := services.NewParticipantService(db, registry, cfg.CurrencyCode)
	lockService := services.NewLockService(db)
	roomService := services.NewRoomService(db)
	sessionService := services.NewSessionService(db, registry, globals, participantService, lockService, roomService)
	pageService := services.NewPageService(db, registry, participantService, lockService)
	paymentService := services.NewPaymentService(db, participantService, store, cfg.CurrencyCode)

	app := fiber.New()

	allowedOrigins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins = append(allowedOrigins, origin)
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(allowedOrigins, ","),
		AllowMethods:     "GET,POST,DELETE,OPTIONS,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	handlers.SetupAdminRoutes(app, globals, registry, sessionService, paymentService)
	handlers.SetupParticipantRoutes(app, pageService, participantService)
	handlers.SetupRoomRoutes(app, roomService, sessionService, cfg.RoomVisitTTL)

	// advance_last_place drives this same app in-process
	sessionService.Bot = handlers.NewInProcessClient(app)

	sched, err := roomService.StartVisitPruner(cfg.RoomPruneInterval, cfg.RoomVisitTTL)
	if err != nil {
		log.Fatal("failed to start room visit pruner:", err)
	}
	defer func() { _ = sched.Shutdown() }()

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", cfg.Port)
	log.Printf("✅ CORS configured for origins: %s", strings.Join(allowedOrigins, ","))

	<-ctx.Done()
	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
