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

// Package api exposes the Proxinex functions and CRUD endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/assist"
	"github.com/proxinex/proxinex-api/internal/auth"
	"github.com/proxinex/proxinex-api/internal/billing"
	"github.com/proxinex/proxinex-api/internal/feedback"
	"github.com/proxinex/proxinex-api/internal/health"
	"github.com/proxinex/proxinex-api/internal/history"
	"github.com/proxinex/proxinex-api/internal/memorix"
	"github.com/proxinex/proxinex-api/internal/modelstats"
	"github.com/proxinex/proxinex-api/internal/notifications"
	"github.com/proxinex/proxinex-api/internal/research"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/usage"
	"github.com/proxinex/proxinex-api/internal/video"
)

// VideoGenerator submits and polls video generation jobs
type VideoGenerator interface {
	Submit(ctx context.Context, req video.Request) (*video.Job, error)
	Status(ctx context.Context, jobID string) (*video.Job, error)
}

// Deps are the services behind the routes. Verifier and Limiter are required;
// routes of a nil service are not mounted. Without Billing every user is on
// the free plan.
type Deps struct {
	Verifier      *auth.Verifier
	Limiter       *usage.Limiter
	Billing       *billing.Service
	Research      *research.Service
	Assist        *assist.Service
	Memorix       *memorix.Service
	Video         VideoGenerator
	History       *history.Manager
	Notifications *notifications.Service
	Feedback      *feedback.Logger
	Health        *health.Manager
	ModelStats    *modelstats.Collector
}

// Config holds HTTP layer settings
type Config struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	DefaultModel   string
	Debug          bool
}

// Server routes requests to the services
type Server struct {
	deps     Deps
	config   Config
	errors   *resilience.ErrorHandler
	throttle *userThrottle
	logger   *zap.Logger
	router   *gin.Engine
}

// NewServer builds the router
func NewServer(deps Deps, config Config, logger *zap.Logger) (*Server, error) {
	if deps.Verifier == nil {
		return nil, errors.New("api: token verifier is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("api: usage limiter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		deps:     deps,
		config:   config,
		errors:   newErrorHandler(logger),
		throttle: newUserThrottle(config.RateLimitRPS, config.RateLimitBurst, 10*time.Minute),
		logger:   logger,
	}

	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(config.AllowedOrigins))
	s.router = router
	s.routes()
	return s, nil
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background work
func (s *Server) Close() {
	s.throttle.Stop()
}

func (s *Server) routes() {
	if s.deps.Health != nil {
		s.router.GET("/health", s.deps.Health.GinHandler())
	}

	// razorpay signs the raw body, so the webhook sits outside the auth group
	if s.deps.Billing != nil {
		s.router.POST("/functions/v1/razorpay-webhook", s.razorpayWebhook)
	}

	fn := s.router.Group("/functions/v1", s.authenticate(), s.rateLimit())
	if s.deps.Research != nil {
		fn.POST("/tavily-search", s.tavilySearch)
	}
	if s.deps.Assist != nil {
		fn.POST("/text-action", s.textAction)
		fn.POST("/enhance-prompt", s.enhancePrompt)
		fn.POST("/model-compare", s.modelCompare)
	}
	if s.deps.Memorix != nil {
		fn.POST("/process-document", s.processDocument)
		fn.POST("/memorix-chat", s.memorixChat)
	}
	if s.deps.Video != nil {
		fn.POST("/generate-video", s.generateVideo)
		fn.GET("/generate-video/:id", s.videoStatus)
	}
	if s.deps.Billing != nil {
		fn.POST("/downgrade-subscription", s.downgradeSubscription)
		fn.POST("/send-renewal-reminders", s.requireServiceRole(), s.sendRenewalReminders)
		fn.GET("/generate-invoice-pdf", s.generateInvoicePDF)
		fn.POST("/generate-invoice-pdf", s.generateInvoicePDF)
	}

	v1 := s.router.Group("/api/v1", s.authenticate(), s.rateLimit())
	v1.GET("/models", s.listModels)
	v1.GET("/usage", s.getUsage)
	v1.GET("/plan", s.getPlan)
	if s.deps.History != nil {
		h := v1.Group("/history")
		h.GET("", s.listSessions)
		h.POST("", s.createSession)
		h.GET("/search", s.searchSessions)
		h.GET("/:id", s.getSession)
		h.PATCH("/:id", s.renameSession)
		h.DELETE("/:id", s.deleteSession)
		h.POST("/:id/messages", s.appendMessage)
	}
	if s.deps.Memorix != nil {
		v1.GET("/memorix/documents", s.listDocuments)
		v1.GET("/memorix/documents/:id", s.getDocument)
		v1.DELETE("/memorix/documents/:id", s.deleteDocument)
	}
	if s.deps.Billing != nil {
		v1.GET("/subscription", s.getSubscription)
		b := v1.Group("/billing")
		b.GET("/plans", s.billingPlans)
		b.POST("/quote", s.billingQuote)
		b.GET("/recommend", s.billingRecommend)
		b.POST("/orders", s.createOrder)
		b.POST("/verify", s.verifyCheckout)
		b.GET("/invoices", s.listInvoices)
	}
	if s.deps.Notifications != nil {
		n := v1.Group("/notifications")
		n.GET("", s.listNotifications)
		n.POST("/read-all", s.markAllNotificationsRead)
		n.POST("/:id/read", s.markNotificationRead)
	}
	if s.deps.Feedback != nil {
		v1.POST("/feedback", s.submitFeedback)
		v1.GET("/feedback", s.requireServiceRole(), s.recentFeedback)
		v1.GET("/feedback/stats", s.requireServiceRole(), s.feedbackStats)
	}
	if s.deps.ModelStats != nil {
		v1.GET("/admin/model-stats", s.requireServiceRole(), s.modelStats)
		v1.POST("/admin/model-stats/reset", s.requireServiceRole(), s.resetModelStats)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID", "apikey", "x-client-info"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Disposition", "X-Quota-Limit", "X-Quota-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
