package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/telacare/backend/docs"
	"github.com/telacare/backend/internal/database"
	"github.com/telacare/backend/internal/handlers"
	mW "github.com/telacare/backend/internal/middleware"
	"github.com/telacare/backend/internal/services"
)

// @title Telacare Ledger API
// @version 1.0
// @description Double-entry ledger, wallet and escrow backend for the Telacare platform
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.pool_size", "REDIS_POOL_SIZE")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("ledger.transfer_commission_rate", "LEDGER_TRANSFER_COMMISSION_RATE")
	viper.BindEnv("server.port", "PORT")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Telacare Ledger API"
	docs.SwaggerInfo.Description = "Double-entry ledger, wallet and escrow backend for the Telacare platform"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	accountingService := services.NewAccountingService(db)
	if err := accountingService.SeedSystemAccounts(); err != nil {
		log.Fatalf("Failed to seed system accounts: %v", err)
	}

	commissionRate := decimal.Zero
	if raw := viper.GetString("ledger.transfer_commission_rate"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			log.Fatalf("Invalid transfer commission rate %q: %v", raw, err)
		}
		commissionRate = parsed
	}

	walletService := services.NewWalletService(db, redisClient, accountingService, commissionRate)
	escrowService := services.NewEscrowService(db, redisClient, accountingService, walletService)
	migrationService := services.NewMigrationService(db, accountingService)

	walletHandler := handlers.NewWalletHandler(walletService)
	escrowHandler := handlers.NewEscrowHandler(escrowService)
	adminHandler := handlers.NewAdminHandler(accountingService, walletService, migrationService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Wallet endpoints
		r.Post("/wallets", walletHandler.CreateWallet)
		r.Get("/wallets/{walletId}", walletHandler.GetWallet)
		r.Get("/wallets/{walletId}/balance", walletHandler.GetBalance)
		r.Get("/wallets/{walletId}/transactions", walletHandler.GetTransactionHistory)
		r.Post("/wallets/{walletId}/credit", walletHandler.Credit)
		r.Post("/wallets/{walletId}/debit", walletHandler.Debit)
		r.Post("/wallets/{walletId}/hold", walletHandler.Hold)
		r.Post("/wallets/{walletId}/release", walletHandler.Release)
		r.Post("/wallets/{walletId}/settle-hold", walletHandler.SettleHold)
		r.Post("/wallets/transfer", walletHandler.Transfer)

		// Escrow endpoints
		r.Post("/escrow/hold", escrowHandler.HoldFunds)
		r.Get("/escrow/{appointmentId}", escrowHandler.GetStatus)
		r.Post("/escrow/{appointmentId}/refund", escrowHandler.Refund)
		r.Post("/escrow/{appointmentId}/settle", escrowHandler.Settle)

		// Admin endpoints (auth required)
		r.Route("/admin", func(r chi.Router) {
			r.Use(mW.AdminAuth)

			r.Post("/wallets/{walletId}/adjustment", adminHandler.AdjustWallet)
			r.Put("/wallets/{walletId}/status", adminHandler.SetWalletStatus)

			r.Post("/accounts", adminHandler.CreateAccount)
			r.Get("/accounts", adminHandler.ListAccounts)
			r.Get("/accounts/{code}", adminHandler.GetAccount)
			r.Delete("/accounts/{code}", adminHandler.DeleteAccount)
			r.Post("/accounts/{code}/recalculate", adminHandler.RecalculateBalance)

			r.Get("/batches/{batchId}", adminHandler.GetBatch)
			r.Post("/batches/{batchId}/reverse", adminHandler.ReverseBatch)

			r.Get("/migration", adminHandler.MigrationStatus)
			r.Post("/migration/run", adminHandler.RunMigration)
			r.Get("/migration/verify", adminHandler.VerifyMigration)
		})
	})

	port := viper.GetString("server.port")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
