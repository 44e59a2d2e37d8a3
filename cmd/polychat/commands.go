// Copyright (C) 2025 Polychat Developers (dev@polychat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/polychat-dev/polychat/pkg/logging"
	"github.com/polychat-dev/polychat/services/gateway"
	"github.com/polychat-dev/polychat/services/llm"
)

// version is set at build time via -ldflags.
var version = "dev"

// --- Global Command Variables ---
var (
	port       int
	modelsPath string
	dataDir    string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "polychat",
		Short: "A cli to run and inspect the Polychat multi-model gateway",
		Long: `Polychat fans a single prompt out to several language models at
once and streams all of their answers side by side.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Run:   runServe,
	}

	modelsCmd = &cobra.Command{
		Use:   "models",
		Short: "List the models configured in the registry file",
		Run:   runModels,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the polychat version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("polychat", version)
		},
	}
)

func init() {
	serveCmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides POLYCHAT_PORT)")
	serveCmd.Flags().StringVar(&modelsPath, "models", "", "model registry YAML path")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", "", "snapshot directory ('' keeps env/default)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	modelsCmd.Flags().StringVar(&modelsPath, "models", "models.yaml", "model registry YAML path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	logger, closeLogs := logging.Init(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		Service: "polychat-gateway",
	})
	defer func() { _ = closeLogs() }()

	cfg := gateway.DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Failed to parse environment: %v", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if modelsPath != "" {
		cfg.ModelsPath = modelsPath
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logger.Info("Starting gateway", "port", cfg.Port, "models", cfg.ModelsPath)

	svc, err := gateway.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}
	if err := svc.Run(); err != nil {
		log.Fatalf("Gateway error: %v", err)
	}
}

func runModels(cmd *cobra.Command, args []string) {
	registry, err := llm.NewRegistry(modelsPath)
	if err != nil {
		log.Fatalf("Failed to load registry: %v", err)
	}
	defer registry.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tFALLBACK\tVISION\tTHINKING")
	for _, m := range registry.Models() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n",
			m.ID, m.Provider, m.Fallback, m.SupportsVision, m.SupportsThinking)
	}
	w.Flush()
}
