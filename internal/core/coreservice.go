package core

import (
	"fmt"
	"log/slog"

	"github.com/jo-hoe/waste-sorter/internal/backend/database"
	"github.com/jo-hoe/waste-sorter/internal/backend/rewards"
)

type CoreService struct {
	config          *ServiceConfig
	databaseService database.DatabaseService
	tokenService    *rewards.TokenService
}

func NewCoreService(config *ServiceConfig) *CoreService {
	databaseService, err := getDatabaseService(config)
	if err != nil {
		slog.Error("failed to initialize database service", "error", err)
		panic(err)
	}
	return &CoreService{
		config:          config,
		databaseService: databaseService,
		tokenService:    rewards.NewTokenService(databaseService, config.Rewards.TokenValueUSD),
	}
}

func (service *CoreService) Database() database.DatabaseService {
	return service.databaseService
}

func (service *CoreService) Rewards() *rewards.TokenService {
	return service.tokenService
}

func (service *CoreService) Close() error {
	return service.databaseService.Close()
}

func getDatabaseService(config *ServiceConfig) (database.DatabaseService, error) {
	databaseService, err := database.NewDatabase(config.Database.Type, config.Database.ConnectionString, config.ThumbnailSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	slog.Info("database initialized successfully", "type", config.Database.Type)
	return databaseService, nil
}
