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

package api

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/proxinex/proxinex-api/internal/auth"
	"github.com/proxinex/proxinex-api/internal/resilience"
)

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
	principalKey    = "principal"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(requestIDKey)),
		}
		if p := principalOf(c); p != nil {
			fields = append(fields, zap.String("user_id", p.UserID))
		}

		switch {
		case status >= 500:
			logger.Error("HTTP request", fields...)
		case status >= 400:
			logger.Warn("HTTP request", fields...)
		default:
			logger.Info("HTTP request", fields...)
		}
	}
}

// authenticate verifies the bearer token and stores the principal
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c.GetHeader("Authorization"))
		if token == "" {
			s.abort(c, resilience.NewUnauthorizedError("missing bearer token", auth.ErrMissingToken))
			return
		}
		principal, err := s.deps.Verifier.Verify(token)
		if err != nil {
			s.abort(c, resilience.NewUnauthorizedError("invalid or expired access token", err))
			return
		}
		c.Set(principalKey, principal)
		c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

// requireServiceRole admits only the service key, for operational functions
func (s *Server) requireServiceRole() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principalOf(c)
		if p == nil || !p.IsServiceRole() {
			s.abort(c, resilience.NewForbiddenError("this function requires the service role", nil))
			return
		}
		c.Next()
	}
}

func principalOf(c *gin.Context) *auth.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*auth.Principal)
	return p
}

// rateLimit applies the per-user token bucket. The service role is exempt.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principalOf(c)
		if p == nil || p.IsServiceRole() {
			c.Next()
			return
		}
		if !s.throttle.Allow(p.UserID) {
			c.Header("Retry-After", "1")
			s.abort(c, resilience.NewTooManyRequestsError("too many requests, slow down", nil))
			return
		}
		c.Next()
	}
}

// userThrottle keeps one token bucket per user and evicts idle ones
type userThrottle struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
	limiters map[string]*throttleEntry
	stop     chan struct{}
	once     sync.Once
	now      func() time.Time
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserThrottle(rps float64, burst int, idle time.Duration) *userThrottle {
	t := &userThrottle{
		limit:    rate.Inf,
		burst:    burst,
		idle:     idle,
		limiters: make(map[string]*throttleEntry),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	if rps > 0 {
		t.limit = rate.Limit(rps)
		if t.burst < 1 {
			t.burst = max(1, int(rps))
		}
	}
	go t.sweepLoop()
	return t
}

// Allow reports whether userID may make a request now
func (t *userThrottle) Allow(userID string) bool {
	if t.limit == rate.Inf {
		return true
	}
	t.mu.Lock()
	e, ok := t.limiters[userID]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[userID] = e
	}
	e.lastSeen = t.now()
	t.mu.Unlock()
	return e.limiter.Allow()
}

func (t *userThrottle) sweepLoop() {
	interval := t.idle / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.evictIdle()
		case <-t.stop:
			return
		}
	}
}

func (t *userThrottle) evictIdle() int {
	cutoff := t.now().Add(-t.idle)
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, e := range t.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(t.limiters, id)
			evicted++
		}
	}
	return evicted
}

func (t *userThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// Stop ends the eviction loop
func (t *userThrottle) Stop() {
	t.once.Do(func() { close(t.stop) })
}
