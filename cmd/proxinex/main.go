// Copyright 2024 Proxinex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command proxinex runs the Proxinex API server and its scheduled jobs.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/config"
	"github.com/proxinex/proxinex-api/internal/logging"
)

var version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "proxinex",
	Short:         "Proxinex API server",
	Long:          "Proxinex routes research, writing and document questions to AI models and handles plans and billing.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			return nil
		}
		_ = godotenv.Load(".env")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ./configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading configuration")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(remindersCmd)
	rootCmd.AddCommand(downgradeExpiredCmd)
	rootCmd.AddCommand(pruneUsageCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the logger every command shares.
// Batch jobs skip validation of the keys only the server needs.
func bootstrap(strict bool) (*config.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ConfigPath:       configPath,
		Environment:      config.Environment(),
		ValidateRequired: strict,
	})
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := logging.NewWithLevel(cfg.Logging)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}

	masked := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("version", version),
		zap.String("environment", config.Environment()),
		zap.String("default_model", masked.Gateway.DefaultModel),
		zap.String("gateway_key", masked.Gateway.APIKey),
		zap.String("database_url", masked.Database.URL),
		zap.Bool("redis", cfg.Redis.URL != ""),
		zap.Bool("billing_enabled", cfg.Billing.Enabled),
		zap.String("log_level", cfg.Logging.Level))

	return cfg, logger, level, nil
}
