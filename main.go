package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"round-settlement-system/handlers"
	"round-settlement-system/middleware"
	"round-settlement-system/models"
	"round-settlement-system/services"
	"round-settlement-system/utils"
	"round-settlement-system/workers"

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

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Round{},
		&models.Entry{},
		&models.Question{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	if err := utils.InitArchive(); err != nil {
		log.Fatal("failed to initialize settlement archive client:", err)
	}

	chain, err := services.NewEthereumSettlement()
	if err != nil {
		log.Fatal("failed to initialize settlement chain client:", err)
	}

	repo := services.NewGormRoundRepository(db)
	settlementService := services.NewSettlementService(repo, chain)
	roundService := services.NewRoundService(db)

	app := fiber.New()

	// The finalize trigger carries its own secret, NOT the gateway token,
	// so its routes must be registered before the global gateway check.
	handlers.SetupInternalRoutes(app, settlementService)

	// 🔐❗ GLOBAL: Only Gateway requests allowed on everything else
	app.Use(middleware.GatewayAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, User-Agent, Cache-Control, X-User-ID, X-User-Roles",
		ExposeHeaders:    "Content-Length, Content-Type, Authorization, X-Request-ID",
		AllowCredentials: true,
		MaxAge:           86400, // 24 hours
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	retryWorker := workers.NewSettlementRetryWorker(settlementService, 30*time.Second)
	go retryWorker.Start(ctx)

	services.StartRoundScheduler(db, settlementService)

	handlers.SetupRoundRoutes(app, roundService, settlementService)

	go func() {
		if err := app.Listen(":5300"); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Println("✅ Server running on http://localhost:5300")
	log.Println("✅ Settlement retry worker running (every 30s)")
	log.Println("✅ Round scheduler running (auto-end every 1m)")
	log.Println("✅ GatewayAuthMiddleware enforced on all routes except the finalize trigger")
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
}
