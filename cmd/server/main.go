package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/api"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/bootstrap"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	if err := logger.Init(bootstrap.LoggerConfig(cfg)); err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	logger.Info("Starting Solar Moon telemetry service")

	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatal("Failed to initialize backends:", err)
	}
	defer app.Close()

	app.Service.Start()

	// Setup HTTP server
	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: api.NewRouter(app.Service),
	}

	go func() {
		logger.Infof("Server starting on port %d", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error:", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced shutdown: %v", err)
	}

	logger.Info("Server stopped gracefully")
}
