package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"dynens/db"
	"dynens/logging"
	"dynens/parallel"
	"dynens/registry"
	"dynens/server"
)

type Config struct {
	Logging  logging.Config `yaml:"logging"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Models struct {
		Dir       string `yaml:"dir"`
		MaxLoaded int    `yaml:"max_loaded"`
	} `yaml:"models"`
	Workers int           `yaml:"workers"`
	Server  server.Config `yaml:"server"`
}

func main() {
	// 1. Load config
	config, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(config.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Sync()

	// 2. Open the run history database
	store, err := db.Open(config.Database.Path, logger)
	if err != nil {
		logger.Fatal("open run store", zap.Error(err))
	}
	defer store.Close()

	pool := parallel.New(config.Workers)

	// 3. Open the model registry
	reg, err := registry.New(registry.Config{
		Dir:       config.Models.Dir,
		MaxModels: config.Models.MaxLoaded,
		Logger:    logger,
		Pool:      pool,
	})
	if err != nil {
		logger.Fatal("open model registry", zap.Error(err))
	}
	defer reg.Close()

	// 4. Start HTTP server
	srv := server.New(config.Server, server.Deps{
		Logger:   logger,
		Registry: reg,
		Store:    store,
		Pool:     pool,
	})
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 5. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	if err := srv.Stop(); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}
}

func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	if config.Database.Path == "" {
		config.Database.Path = defaultConfig().Database.Path
	}
	if config.Models.Dir == "" {
		config.Models.Dir = defaultConfig().Models.Dir
	}
	return config, nil
}

func defaultConfig() *Config {
	config := &Config{Server: server.DefaultConfig()}
	config.Database.Path = "./data/runs.db"
	config.Models.Dir = "./models"
	return config
}
