package main

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
	"github.com/jo-hoe/waste-sorter/internal/backend/rewards"
	"github.com/jo-hoe/waste-sorter/internal/backend/rig"
	"github.com/jo-hoe/waste-sorter/internal/core"
)

// pendingSort is the classification of the item currently moving
// through the hardware. It is recorded once the rig acknowledges the
// sort cycle.
type pendingSort struct {
	category    string
	destination database.Destination
}

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
	configPath := getConfigPath()
	config, err := core.LoadConfig(configPath)
	if err != nil {
		log.Printf("failed to load config from %s: %v", configPath, err)
		panic(err)
	}
	if config.Rig.SerialPort == "" {
		log.Fatal("no serial port configured")
	}

	coreService := core.NewCoreService(config)
	defer func() {
		if err := coreService.Close(); err != nil {
			log.Printf("core service close error: %v", err)
		}
	}()

	loginRewardsUser(coreService.Rewards(), config.Rewards.Username)

	port, err := rig.OpenSerial(config.Rig.SerialPort, config.Rig.BaudRate, 0)
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}

	controller := rig.NewController(port, config.Rig.ControllerConfig())
	version, err := controller.Handshake()
	if err != nil {
		log.Fatalf("handshake with sorting hardware failed: %v", err)
	}
	slog.Info("connected to sorting hardware", "version", version)
	controller.Start()

	var pendingMu sync.Mutex
	var pending *pendingSort

	go logDeviceMessages(controller)
	go func() {
		for range controller.SortComplete() {
			pendingMu.Lock()
			sort := pending
			pending = nil
			pendingMu.Unlock()
			if sort == nil {
				slog.Warn("sort completion without pending sort")
				continue
			}
			recordSort(coreService, sort)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	commands := make(chan string)
	go readCommands(commands)

	fmt.Println("commands: c=can r=recycling g=garbage n=reset s=state q=quit")
	for {
		select {
		case <-quit:
			slog.Info("shutdown signal received")
			closeController(controller)
			return
		case command, ok := <-commands:
			if !ok {
				closeController(controller)
				return
			}
			if command == "q" {
				closeController(controller)
				return
			}
			handleCommand(controller, command, func(sort *pendingSort) {
				pendingMu.Lock()
				pending = sort
				pendingMu.Unlock()
			})
		}
	}
}

func handleCommand(controller *rig.Controller, command string, setPending func(*pendingSort)) {
	var sort *pendingSort
	switch command {
	case "c":
		sort = &pendingSort{category: string(database.CategoryCan), destination: database.DestinationRecycling}
	case "r":
		sort = &pendingSort{category: string(database.CategoryRecycling), destination: database.DestinationRecycling}
	case "g":
		sort = &pendingSort{category: string(database.CategoryGarbage), destination: database.DestinationGarbage}
	case "n":
		if err := controller.Reset(); err != nil {
			slog.Error("reset failed", "error", err)
		}
		return
	case "s":
		fmt.Printf("state: %s\n", controller.State())
		return
	default:
		fmt.Println("unknown command, use c/r/g/n/s/q")
		return
	}

	if err := controller.Sort(sort.destination); err != nil {
		slog.Warn("sort rejected", "destination", sort.destination, "error", err)
		return
	}
	setPending(sort)
	slog.Info("sort started", "category", sort.category, "destination", sort.destination)
}

func recordSort(coreService *core.CoreService, sort *pendingSort) {
	tokenService := coreService.Rewards()
	userID := ""
	if user := tokenService.CurrentUser(); user != nil {
		userID = user.ID
	}

	// Manually triggered sorts carry full confidence.
	eventID, err := coreService.Database().RecordEvent(database.EventParams{
		Category:    sort.category,
		Confidence:  1.0,
		Destination: string(sort.destination),
		UserID:      userID,
		Metadata:    database.Metadata{"mode": "manual"},
	})
	if err != nil {
		slog.Error("failed to record sort event", "category", sort.category, "error", err)
		return
	}
	slog.Info("sort recorded", "event_id", eventID, "category", sort.category)

	if sort.category != string(database.CategoryCan) {
		return
	}
	if _, err := tokenService.AwardTokens(1, eventID, nil); err != nil {
		if !errors.Is(err, rewards.ErrNoUser) {
			slog.Error("failed to award tokens", "event_id", eventID, "error", err)
		}
		return
	}
	if balance, err := tokenService.Balance(); err == nil {
		slog.Info("tokens awarded", "balance", balance)
	}
}

func loginRewardsUser(tokenService *rewards.TokenService, username string) {
	if username == "" {
		return
	}
	if _, err := tokenService.Login(username); err == nil {
		slog.Info("rewards user logged in", "username", username)
		return
	}
	if _, err := tokenService.CreateUser(username, "", nil); err != nil {
		slog.Warn("failed to create rewards user", "username", username, "error", err)
		return
	}
	if _, err := tokenService.Login(username); err != nil {
		slog.Warn("failed to log in rewards user", "username", username, "error", err)
		return
	}
	slog.Info("rewards user created and logged in", "username", username)
}

func logDeviceMessages(controller *rig.Controller) {
	for message := range controller.Messages() {
		switch message.Level {
		case "error":
			slog.Error("device message", "text", message.Text)
		case "warning":
			slog.Warn("device message", "text", message.Text)
		default:
			slog.Info("device message", "level", message.Level, "text", message.Text)
		}
	}
}

func readCommands(commands chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		commands <- strings.ToLower(strings.TrimSpace(scanner.Text()))
	}
	close(commands)
}

func closeController(controller *rig.Controller) {
	if err := controller.Close(); err != nil {
		log.Printf("controller close error: %v", err)
	}
}
