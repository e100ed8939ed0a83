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
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/api"
	"github.com/proxinex/proxinex-api/internal/assist"
	"github.com/proxinex/proxinex-api/internal/auth"
	"github.com/proxinex/proxinex-api/internal/billing"
	"github.com/proxinex/proxinex-api/internal/cache"
	"github.com/proxinex/proxinex-api/internal/config"
	"github.com/proxinex/proxinex-api/internal/feedback"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/health"
	"github.com/proxinex/proxinex-api/internal/history"
	"github.com/proxinex/proxinex-api/internal/mail"
	"github.com/proxinex/proxinex-api/internal/memorix"
	"github.com/proxinex/proxinex-api/internal/modelstats"
	"github.com/proxinex/proxinex-api/internal/notifications"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/research"
	"github.com/proxinex/proxinex-api/internal/store"
	"github.com/proxinex/proxinex-api/internal/usage"
	"github.com/proxinex/proxinex-api/internal/video"
	"github.com/proxinex/proxinex-api/internal/websearch"
)

const (
	searchCachePrefix = "proxinex:search:"
	usagePrefix       = "proxinex:usage:"
	searchCacheSize   = 2048
)

// app owns every long-lived dependency of the server
type app struct {
	db       *store.DB
	redis    *goredis.Client
	feedback *feedback.Logger
	server   *api.Server
	logger   *zap.Logger
}

func openDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is not set")
	}
	db, err := store.Open(ctx, cfg.Database.URL, store.Options{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// newBilling builds the billing service. The notifier may be nil for batch jobs.
func newBilling(cfg *config.Config, db *store.DB, notifier billing.Notifier, logger *zap.Logger) *billing.Service {
	deps := billing.Deps{
		Subscriptions: store.NewSubscriptionRepo(db),
		Payments:      store.NewPaymentRepo(db),
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	if cfg.Billing.Enabled && cfg.Razorpay.KeyID != "" {
		deps.Orders = billing.NewRazorpayClient(billing.RazorpayConfig{
			KeyID:     cfg.Razorpay.KeyID,
			KeySecret: cfg.Razorpay.KeySecret,
			BaseURL:   cfg.Razorpay.BaseURL,
			Timeout:   30 * time.Second,
		}, logger)
	}
	if cfg.Razorpay.WebhookSecret != "" {
		deps.Webhooks = billing.NewWebhookVerifier(cfg.Razorpay.WebhookSecret, logger)
	}
	mailer := mail.NewClient(mail.Config{
		APIKey:  cfg.Mail.APIKey,
		BaseURL: cfg.Mail.BaseURL,
		From:    cfg.Mail.From,
		Timeout: 20 * time.Second,
	}, logger)
	if mailer.Configured() {
		deps.Mailer = mailer
	} else {
		logger.Warn("Mail is not configured; receipts and reminders will not be emailed")
	}

	return billing.NewService(deps, billing.Config{
		Currency:       cfg.Billing.Currency,
		GSTRate:        cfg.Billing.GSTRate,
		ReminderWindow: cfg.Billing.ReminderWindow,
		Seller: billing.Seller{
			Name:    cfg.Billing.SellerName,
			Address: cfg.Billing.SellerAddress,
			GSTIN:   cfg.Billing.SellerGSTIN,
			Email:   cfg.Billing.SellerEmail,
		},
	}, logger)
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	if a.db, err = openDatabase(ctx, cfg, logger); err != nil {
		return nil, err
	}

	var (
		searchCache cache.Cache
		counter     usage.Counter
	)
	if cfg.Redis.URL != "" {
		if a.redis, err = cache.NewRedisClient(ctx, cfg.Redis.URL); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		searchCache = cache.NewRedisCache(a.redis, searchCachePrefix)
		counter = usage.NewRedisCounter(a.redis, usagePrefix)
		logger.Info("Using Redis for usage counters and search cache")
	} else {
		searchCache = cache.NewMemoryCache(searchCacheSize)
		counter = store.NewUsageRepo(a.db)
		logger.Info("Using Postgres usage counters and in-process search cache")
	}

	gw, err := gateway.NewClient(gateway.Config{
		APIKey:       cfg.Gateway.APIKey,
		BaseURL:      cfg.Gateway.BaseURL,
		DefaultModel: cfg.Gateway.DefaultModel,
		MaxTokens:    cfg.Gateway.MaxTokens,
		Temperature:  cfg.Gateway.Temperature,
		Timeout:      cfg.Gateway.Timeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	stats := modelstats.NewCollector(modelstats.DefaultAlertingConfig(), logger)
	completer := modelstats.Instrument(gw, stats, gw.DefaultModel())

	tavily := websearch.NewTavilyClient(websearch.Config{
		APIKey:      cfg.Tavily.APIKey,
		BaseURL:     cfg.Tavily.BaseURL,
		SearchDepth: cfg.Tavily.SearchDepth,
		MaxResults:  cfg.Tavily.MaxResults,
		Timeout:     cfg.Tavily.Timeout,
	}, logger)
	searcher := websearch.NewSearcher(tavily, searchCache, cfg.Tavily.CacheTTL,
		websearch.NewDetector(websearch.DefaultDetectionConfig()), logger)

	videoClient := video.NewClient(video.Config{
		APIKey:  cfg.Video.APIKey,
		BaseURL: cfg.Video.BaseURL,
		Model:   cfg.Video.Model,
		Timeout: cfg.Video.Timeout,
	}, logger)

	if a.feedback, err = feedback.NewLogger(feedback.Config{
		StorageType: cfg.Feedback.StorageType,
		FilePath:    cfg.Feedback.FilePath,
		DBPath:      cfg.Feedback.DBPath,
	}, logger); err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}

	historyMgr := history.NewManager(store.NewHistoryRepo(a.db), logger)
	notifier := notifications.NewService(store.NewNotificationRepo(a.db), logger)

	limits := plans.DefaultLimits().WithOverrides(cfg.Limits)

	deps := api.Deps{
		Verifier: verifier,
		Limiter:  usage.NewLimiter(counter, limits, logger),
		Billing:  newBilling(cfg, a.db, notifier, logger),
		Research: research.NewService(searcher, completer, historyMgr, research.Config{
			SearchDepth: cfg.Tavily.SearchDepth,
			MaxResults:  cfg.Tavily.MaxResults,
		}, logger),
		Assist: assist.NewService(completer, cfg.Gateway.CompareTimeout, logger),
		Memorix: memorix.NewService(store.NewDocumentRepo(a.db), completer, historyMgr, memorix.Config{
			MaxUploadBytes: cfg.Memorix.MaxUploadBytes,
			ChunkSize:      cfg.Memorix.ChunkSize,
			ChunkOverlap:   cfg.Memorix.ChunkOverlap,
			ContextChunks:  cfg.Memorix.ContextChunks,
		}, logger),
		Video:         videoClient,
		History:       historyMgr,
		Notifications: notifier,
		Feedback:      a.feedback,
		Health:        a.healthManager(gw, tavily, videoClient, stats),
		ModelStats:    stats,
	}

	a.server, err = api.NewServer(deps, api.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		DefaultModel:   cfg.Gateway.DefaultModel,
		Debug:          cfg.Logging.Level == "debug",
	}, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) healthManager(gw *gateway.Client, tavily *websearch.TavilyClient, videoClient *video.Client, stats *modelstats.Collector) *health.Manager {
	m := health.NewManager("proxinex-api", version, config.Environment(), a.logger)
	m.AddChecker("database", health.PingChecker("database", a.db.Ping))
	if a.redis != nil {
		rdb := a.redis
		m.AddChecker("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	m.AddChecker("feedback", health.PingChecker("feedback", a.feedback.Ping))
	m.AddChecker("ai_gateway", health.CircuitBreakerChecker(gw.Breaker()))
	m.AddChecker("tavily", health.CircuitBreakerChecker(tavily.Breaker()))
	m.AddChecker("video", health.CircuitBreakerChecker(videoClient.Breaker()))
	m.AddChecker("models", stats.Checker())
	return m
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	if a.server != nil {
		a.server.Close()
	}
	if a.feedback != nil {
		if err := a.feedback.Close(); err != nil {
			a.logger.Warn("Failed to close feedback store", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
