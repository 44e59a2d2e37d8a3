// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command gateway starts the Polychat gateway HTTP server.
//
// This is the main entry point for the containerized gateway service.
// It reads configuration from environment variables and starts the server.
//
// # Environment Variables
//
//   - POLYCHAT_PORT: HTTP server port (default: 8090)
//   - POLYCHAT_MODELS: model registry YAML path (default: models.yaml)
//   - POLYCHAT_DATA_DIR: snapshot directory; empty disables persistence
//   - POLYCHAT_OTEL_ENDPOINT: OpenTelemetry collector; empty disables export
//   - POLYCHAT_TOKEN_<PROVIDER>: upstream bearer token per provider
//
// # Usage
//
//	# Build
//	go build -o gateway ./cmd/gateway
//
//	# Run
//	./gateway
package main

import (
	"log"

	"github.com/caarlos0/env/v11"

	"github.com/polychat-dev/polychat/pkg/logging"
	"github.com/polychat-dev/polychat/services/gateway"
)

func main() {
	logger, closeLogs := logging.Init(logging.Config{
		Level:   logging.LevelInfo,
		Service: "polychat-gateway",
	})
	defer func() {
		if err := closeLogs(); err != nil {
			log.Printf("log close error: %v", err)
		}
	}()

	cfg := gateway.DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}

	logger.Info("Starting gateway",
		"port", cfg.Port,
		"models", cfg.ModelsPath,
		"dataDir", cfg.DataDir,
	)

	svc, err := gateway.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}
