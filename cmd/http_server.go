package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"zilean/internal/database"
	feat "zilean/internal/features"
	"zilean/internal/handler"
	repo "zilean/internal/repo"
	"zilean/internal/utils/locker"
	rabbit "zilean/pkg/rabbit/pkg"
)

func startHTTP(logger *zap.Logger) {
	db, err := database.Open()
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("can not close database", zap.Error(err))
		}
	}()

	if err := repo.EnsureSchema(context.Background(), db); err != nil {
		logger.Fatal("can not init session schema", zap.Error(err))
	}

	repository := repo.New(db)
	locks := locker.New(locker.ReadConfig())
	broker := rabbit.New(rabbit.ReadConfig())

	publisher := feat.NewEventPublisher(broker, logger,
		viper.GetInt("publisher.workers"),
		viper.GetInt("publisher.queue_size"))
	publisher.Start()

	zilean := feat.New(repository, locks, publisher, logger)

	if viper.GetString("rabbitmq.consume_queue") != "" {
		ingestor := feat.NewResponseIngestor(repository, locks, logger)
		go func() {
			if err := ingestor.Run(context.Background(), broker); err != nil {
				logger.Error("Response consumer stopped", zap.Error(err))
			}
		}()
	}

	if !viper.GetBool("log.pretty") {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"publisher": publisher.Metrics(),
		})
	})
	handler.NewSessionHandler(zilean, logger).Register(engine)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", viper.GetString("server.host"), viper.GetString("server.port")),
		Handler: engine,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", viper.GetString("server.port")))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to serve HTTP server", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down HTTP server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	publisher.Stop()
	logger.Info("HTTP server stopped")
}
