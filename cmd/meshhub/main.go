package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/adityaadpandey/meshcall/internals/config"
	"github.com/adityaadpandey/meshcall/internals/hub"
	"github.com/adityaadpandey/meshcall/internals/utils"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger := utils.GetLogger()
	defer logger.Sync()
	logger.Info("Starting mesh signaling hub")

	server, err := hub.NewServer(cfg, hub.WithLogger(utils.Named("hub")))
	if err != nil {
		logger.Fatal("Failed to create hub", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start hub", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("Received shutdown signal")

	server.Stop()
	logger.Info("Hub stopped")
}
