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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/config"
	"github.com/proxinex/proxinex-api/internal/notifications"
	"github.com/proxinex/proxinex-api/internal/store"
)

var pruneKeepDays int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) (any, error) {
			applied, err := db.Migrate(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"applied": applied}, nil
		})
	},
}

var remindersCmd = &cobra.Command{
	Use:   "send-renewal-reminders",
	Short: "Email users whose paid plan ends soon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) (any, error) {
			notifier := notifications.NewService(store.NewNotificationRepo(db), logger)
			return newBilling(cfg, db, notifier, logger).SendRenewalReminders(ctx)
		})
	},
}

var downgradeExpiredCmd = &cobra.Command{
	Use:   "downgrade-expired",
	Short: "Move lapsed paid subscriptions back to the free plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) (any, error) {
			notifier := notifications.NewService(store.NewNotificationRepo(db), logger)
			return newBilling(cfg, db, notifier, logger).DowngradeExpired(ctx)
		})
	},
}

var pruneUsageCmd = &cobra.Command{
	Use:   "prune-usage",
	Short: "Delete daily usage counters older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneKeepDays < 1 {
			return fmt.Errorf("--keep-days must be at least 1")
		}
		return withDatabase(cmd, func(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) (any, error) {
			before := time.Now().UTC().AddDate(0, 0, -pruneKeepDays)
			deleted, err := store.NewUsageRepo(db).PruneUsage(ctx, before)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": deleted, "before": before.Format("2006-01-02")}, nil
		})
	},
}

func init() {
	pruneUsageCmd.Flags().IntVar(&pruneKeepDays, "keep-days", 30, "days of usage counters to keep")
}

// withDatabase runs a one-shot job against Postgres and prints its report as JSON
func withDatabase(cmd *cobra.Command, job func(context.Context, *config.Config, *store.DB, *zap.Logger) (any, error)) error {
	cfg, logger, _, err := bootstrap(false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	started := time.Now()
	report, err := job(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("Job failed", zap.String("job", cmd.Name()), zap.Error(err))
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	logger.Info("Job finished", zap.String("job", cmd.Name()), zap.Duration("duration", time.Since(started)))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
