package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/culturesnews/payment-backend/auth"
	"github.com/culturesnews/payment-backend/config"
	"github.com/culturesnews/payment-backend/gateway"
	"github.com/culturesnews/payment-backend/handlers"
	"github.com/culturesnews/payment-backend/models"
	"github.com/culturesnews/payment-backend/payments"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}

	if err := db.AutoMigrate(&models.User{}, &models.Transaction{}); err != nil {
		log.Fatal("Failed to migrate database: ", err)
	}

	gw := gateway.NewClient(gateway.Config{
		BaseURL:      cfg.GatewayBaseURL,
		ClientID:     cfg.GatewayClientID,
		ClientSecret: cfg.GatewayClientSecret,
	})

	svc := payments.NewService(db, gw)
	tokens := auth.NewScheme(cfg.TokenSecret)

	paymentHandler := handlers.NewPaymentHandler(svc, tokens, cfg.DeepLinkScheme)
	webhookHandler := handlers.NewWebhookHandler(svc, cfg.WebhookSecret)

	app := fiber.New()

	app.Use(logger.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		AllowHeaders: "Content-Type, Authorization",
	}))
	app.Use("/api", limiter.New(limiter.Config{
		Max:        100,
		Expiration: 15 * time.Minute,
	}))

	app.Get("/health", paymentHandler.Health)
	app.Post("/api/payment/generate-token", paymentHandler.GenerateToken)
	app.Post("/api/payment/initiate", paymentHandler.InitiatePayment)
	app.Get("/api/payment/status/:transactionId", paymentHandler.GetPaymentStatus)
	app.Get("/payments/transactions", paymentHandler.ListTransactions)
	app.Get("/payments/transactions/:id", paymentHandler.GetTransaction)
	app.Post("/webhooks/payment-gateway", webhookHandler.HandleGatewayWebhook)

	fmt.Println("Server running on http://localhost:" + cfg.AppPort)
	log.Fatal(app.Listen(":" + cfg.AppPort))
}
