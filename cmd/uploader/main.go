package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jo-hoe/waste-sorter/internal/backend/uploader"
	"github.com/jo-hoe/waste-sorter/internal/core"
)

func getConfigPath() string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}
	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	return filepath.Join(cwd, "config.yaml")
}

func main() {
	once := flag.Bool("once", false, "run a single upload cycle and exit")
	flag.Parse()

	configPath := getConfigPath()
	config, err := core.LoadConfig(configPath)
	if err != nil {
		log.Printf("failed to load config from %s: %v", configPath, err)
		panic(err)
	}
	if config.Upload.ServerURL == "" {
		log.Fatal("no upload server configured")
	}

	coreService := core.NewCoreService(config)
	defer func() {
		if err := coreService.Close(); err != nil {
			log.Printf("core service close error: %v", err)
		}
	}()

	uploadService := uploader.NewUploader(coreService.Database(), config.Upload.UploaderConfig())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := uploadService.RunOnce(ctx); err != nil {
			slog.Error("upload failed", "error", err)
			os.Exit(1)
		}
		slog.Info("upload completed")
		return
	}

	slog.Info("starting periodic uploads", "server", config.Upload.ServerURL)
	uploadService.Run(ctx)
	slog.Info("shutdown signal received")
}
