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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/proxinex/proxinex-api/internal/assist"
	"github.com/proxinex/proxinex-api/internal/auth"
	"github.com/proxinex/proxinex-api/internal/billing"
	"github.com/proxinex/proxinex-api/internal/feedback"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/health"
	"github.com/proxinex/proxinex-api/internal/history"
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
	testJWTSecret     = "api-test-secret-with-at-least-32-characters"
	testWebhookSecret = "whsec_api_test"
	// testMaxUploadBytes keeps oversize uploads small
	testMaxUploadBytes = 1 << 10
)

type stubCompleter struct {
	mu     sync.Mutex
	answer string
	calls  int
	models []string
}

func (s *stubCompleter) Complete(_ context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	model := req.Model
	if model == "" {
		model = gateway.DefaultModel
	}
	s.models = append(s.models, model)
	return &gateway.CompletionResponse{Content: s.answer, Model: model, Usage: gateway.Usage{TotalTokens: 10}}, nil
}

type stubSearcher struct {
	results []websearch.Result
}

func (s *stubSearcher) Search(_ context.Context, req websearch.SearchRequest) (*websearch.Outcome, error) {
	return &websearch.Outcome{
		SearchResponse: &websearch.SearchResponse{Query: req.Query, Results: s.results},
		Request:        req,
	}, nil
}

type stubVideo struct{}

func (stubVideo) Submit(_ context.Context, req video.Request) (*video.Job, error) {
	return &video.Job{ID: "job_1", Status: "queued"}, nil
}

func (stubVideo) Status(_ context.Context, jobID string) (*video.Job, error) {
	if jobID != "job_1" {
		return nil, store.ErrNotFound
	}
	return &video.Job{ID: jobID, Status: "succeeded", VideoURL: "https://cdn.example.com/job_1.mp4"}, nil
}

type testEnv struct {
	handler   http.Handler
	billing   *billing.MemoryStore
	completer *stubCompleter
	notifier  *notifications.Service
}

func newTestEnv(t *testing.T, limits plans.Limits, config Config) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	verifier, err := auth.NewVerifier(testJWTSecret, "authenticated")
	require.NoError(t, err)

	completer := &stubCompleter{answer: "Go 1.24 adds generic type aliases [1]."}
	stats := modelstats.NewCollector(modelstats.DefaultAlertingConfig(), logger)
	instrumented := modelstats.Instrument(completer, stats, gateway.DefaultModel)
	billingStore := billing.NewMemoryStore()
	notifier := notifications.NewService(notifications.NewMemoryStore(), logger)
	historyManager := history.NewManager(history.NewMemoryStore(100), logger)
	searcher := &stubSearcher{results: []websearch.Result{
		{Title: "Go 1.24 is released", URL: "https://go.dev/blog/go1.24", Content: "Generic type aliases.", Score: 0.9},
	}}

	documents := memorix.NewService(memorix.NewMemoryStore(), instrumented, historyManager, memorix.Config{
		MaxUploadBytes: testMaxUploadBytes,
		ChunkSize:      200,
		ChunkOverlap:   40,
	}, logger)

	fb, err := feedback.NewLogger(feedback.Config{
		StorageType: feedback.StorageTypeFile,
		FilePath:    filepath.Join(t.TempDir(), "feedback.jsonl"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fb.Close() })

	srv, err := NewServer(Deps{
		Verifier: verifier,
		Limiter:  usage.NewLimiter(usage.NewMemoryCounter(), limits, logger),
		Billing: billing.NewService(billing.Deps{
			Subscriptions: billingStore,
			Payments:      billingStore,
			Webhooks:      billing.NewWebhookVerifier(testWebhookSecret, logger),
			Notifier:      notifier,
		}, billing.Config{}, logger),
		Research:      research.NewService(searcher, instrumented, historyManager, research.Config{}, logger),
		Assist:        assist.NewService(instrumented, time.Second, logger),
		Memorix:       documents,
		Video:         stubVideo{},
		History:       historyManager,
		Notifications: notifier,
		Feedback:      fb,
		Health:        health.NewManager("proxinex-api", "test", "test", logger),
		ModelStats:    stats,
	}, config, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &testEnv{handler: srv.Handler(), billing: billingStore, completer: completer, notifier: notifier}
}

func userToken(t *testing.T, userID string) string {
	t.Helper()
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Email: userID + "@example.com",
		Role:  auth.RoleAuthenticated,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func serviceToken(t *testing.T) string {
	t.Helper()
	claims := &auth.Claims{Role: auth.RoleServiceRole}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type errorResponse struct {
	Error     string       `json:"error"`
	Code      string       `json:"code"`
	RequestID string       `json:"request_id"`
	Usage     *usage.Usage `json:"usage"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *testEnv) subscribe(t *testing.T, userID string, plan plans.ID) {
	t.Helper()
	end := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, e.billing.UpsertSubscription(context.Background(), store.Subscription{
		UserID:           userID,
		Plan:             plan,
		Cycle:            plans.Monthly,
		Status:           store.StatusActive,
		CurrentPeriodEnd: &end,
	}))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})

	t.Run("missing token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/usage", "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		body := decodeError(t, rec)
		assert.Equal(t, "UNAUTHORIZED", body.Code)
		assert.Equal(t, rec.Header().Get(requestIDHeader), body.RequestID)
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/usage", "not-a-jwt", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
		req.Header.Set("Authorization", "Bearer "+userToken(t, "u1"))
		req.Header.Set(requestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
	})
}

func TestServiceRoleFunctions(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})

	rec := env.do(t, http.MethodPost, "/functions/v1/send-renewal-reminders", userToken(t, "u1"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/functions/v1/send-renewal-reminders", serviceToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report billing.ReminderReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.Checked)

	rec = env.do(t, http.MethodGet, "/api/v1/feedback/stats", userToken(t, "u1"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTavilySearch(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/functions/v1/tavily-search", token, map[string]any{"query": "What is new in Go 1.24?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result research.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Contains(t, result.Answer, "[1]")
	require.Len(t, result.Citations, 1)
	assert.Equal(t, "go.dev", result.Citations[0].Domain)
	assert.Equal(t, "19", rec.Header().Get("X-Quota-Remaining"))

	rec = env.do(t, http.MethodPost, "/functions/v1/tavily-search", token, map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuotaExceeded(t *testing.T) {
	limits := plans.DefaultLimits()
	limits[plans.Free][plans.FeatureSearch] = 1
	env := newTestEnv(t, limits, Config{})
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/functions/v1/tavily-search", token, map[string]any{"query": "first"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/functions/v1/tavily-search", token, map[string]any{"query": "second"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, "QUOTA_EXCEEDED", body.Code)
	require.NotNil(t, body.Usage)
	assert.Equal(t, 1, body.Usage.Limit)
	assert.Equal(t, 0, body.Usage.Remaining)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// another user has their own allowance
	rec = env.do(t, http.MethodPost, "/functions/v1/tavily-search", userToken(t, "u2"), map[string]any{"query": "first"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInvalidInputDoesNotConsumeQuota(t *testing.T) {
	limits := plans.DefaultLimits()
	limits[plans.Free][plans.FeatureTextAction] = 1
	env := newTestEnv(t, limits, Config{})
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/functions/v1/text-action", token, map[string]any{"action": "dance", "text": "hello"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/functions/v1/text-action", token, map[string]any{"action": "summarize", "text": "hello world"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestModelGating(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	body := map[string]any{"action": "explain", "text": "goroutines", "model": "openai/gpt-5-mini"}

	rec := env.do(t, http.MethodPost, "/functions/v1/text-action", userToken(t, "free-user"), body)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, rec).Code)

	env.subscribe(t, "pro-user", plans.Pro)
	rec = env.do(t, http.MethodPost, "/functions/v1/text-action", userToken(t, "pro-user"), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"openai/gpt-5-mini"}, env.completer.models)

	rec = env.do(t, http.MethodPost, "/functions/v1/text-action", userToken(t, "pro-user"),
		map[string]any{"action": "explain", "text": "goroutines", "model": "acme/unknown"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelCompare(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/functions/v1/model-compare", token, map[string]any{
		"prompt": "Explain channels",
		"models": []string{"google/gemini-2.5-flash", "openai/gpt-5-nano"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result assist.CompareResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Results, 2)
	assert.Equal(t, "google/gemini-2.5-flash", result.Results[0].Model)
	assert.Equal(t, "openai/gpt-5-nano", result.Results[1].Model)

	rec = env.do(t, http.MethodPost, "/functions/v1/model-compare", token, map[string]any{
		"prompt": "Explain channels",
		"models": []string{"google/gemini-2.5-flash", "openai/gpt-5-nano", "google/gemini-2.5-flash-lite"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code, "free plan compares two models")
}

func TestGenerateVideo(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})

	rec := env.do(t, http.MethodPost, "/functions/v1/generate-video", userToken(t, "u1"), map[string]any{"prompt": "a paper boat"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "free plan has no video allowance")

	env.subscribe(t, "u2", plans.Pro)
	token := userToken(t, "u2")
	rec = env.do(t, http.MethodPost, "/functions/v1/generate-video", token, map[string]any{"prompt": "a paper boat", "aspect_ratio": "4:3"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/functions/v1/generate-video", token, map[string]any{"prompt": "a paper boat"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id":"job_1"`)

	rec = env.do(t, http.MethodGet, "/functions/v1/generate-video/job_1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "succeeded")

	rec = env.do(t, http.MethodGet, "/functions/v1/generate-video/job_x", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/api/v1/history", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var session store.ChatSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/history/"+session.ID+"/messages", token,
		map[string]any{"role": "user", "content": "How do goroutines differ from threads?"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/history/"+session.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail history.SessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "How do goroutines differ from threads?", detail.Title)
	assert.Len(t, detail.Messages, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/history/search?q=goroutines", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), session.ID)

	// other users cannot see the session
	rec = env.do(t, http.MethodGet, "/api/v1/history/"+session.ID, userToken(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPatch, "/api/v1/history/"+session.ID, token, map[string]any{"title": "Concurrency"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/history/"+session.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestUsageAndPlan(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	env.subscribe(t, "u1", plans.Pro)
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodGet, "/api/v1/usage", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Plan  plans.ID      `json:"plan"`
		Usage []usage.Usage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, plans.Pro, out.Plan)
	assert.Len(t, out.Usage, len(plans.Features))

	rec = env.do(t, http.MethodGet, "/api/v1/subscription", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"effective_plan":"pro"`)

	rec = env.do(t, http.MethodGet, "/api/v1/models", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "google/gemini-2.5-pro")
}

func TestBillingEndpoints(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/api/v1/billing/quote", token, map[string]any{"plan": "pro", "cycle": "yearly"})
	require.Equal(t, http.StatusOK, rec.Code)
	var q billing.Quote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	assert.Equal(t, int64(942820), q.TotalPaise)

	rec = env.do(t, http.MethodGet, "/api/v1/billing/recommend?queries_per_day=100", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"plan":"pro"`)

	rec = env.do(t, http.MethodPost, "/api/v1/billing/orders", token, map[string]any{"plan": "pro"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no payment provider configured")

	rec = env.do(t, http.MethodGet, "/api/v1/billing/invoices", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"invoices":[]}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/functions/v1/generate-invoice-pdf?invoice_id=inv-404", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDowngradeSubscription(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	env.subscribe(t, "u1", plans.Pro)
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodPost, "/functions/v1/downgrade-subscription", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result billing.DowngradeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Changed)
	assert.False(t, result.Immediate)

	rec = env.do(t, http.MethodPost, "/functions/v1/downgrade-subscription", token, map[string]any{"immediate": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/subscription", token, nil)
	assert.Contains(t, rec.Body.String(), `"effective_plan":"free"`)
}

func TestRazorpayWebhook(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	body := `{"event":"refund.created","payload":{}}`

	post := func(signature, eventID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/functions/v1/razorpay-webhook", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(billing.SignatureHeader, signature)
		req.Header.Set(billing.EventIDHeader, eventID)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := post("deadbeef", "evt_1")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	signature := billing.Sign(testWebhookSecret, []byte(body))
	rec = post(signature, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), billing.WebhookIgnored)

	rec = post(signature, "evt_1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), billing.WebhookDuplicate)
}

func TestNotifications(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})
	ctx := context.Background()
	require.NoError(t, env.notifier.Notify(ctx, "u1", "payment", "Payment received", "Thanks", ""))
	require.NoError(t, env.notifier.Notify(ctx, "u1", "reminder", "Renewal soon", "Heads up", ""))
	token := userToken(t, "u1")

	rec := env.do(t, http.MethodGet, "/api/v1/notifications?unread=true", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inbox notifications.Inbox
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inbox))
	require.Len(t, inbox.Notifications, 2)
	assert.Equal(t, 2, inbox.Unread)

	rec = env.do(t, http.MethodPost, "/api/v1/notifications/"+inbox.Notifications[0].ID+"/read", token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/notifications/"+inbox.Notifications[1].ID+"/read", userToken(t, "u2"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/notifications/read-all", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":1}`, rec.Body.String())
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})

	rec := env.do(t, http.MethodPost, "/api/v1/feedback", userToken(t, "u1"),
		map[string]any{"message_id": "m1", "query": "what is go", "rating": "positive"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var saved feedback.Feedback
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.Equal(t, "u1", saved.UserID)
	assert.NotEmpty(t, saved.ID)

	rec = env.do(t, http.MethodPost, "/api/v1/feedback", userToken(t, "u1"),
		map[string]any{"query": "what is go", "rating": "meh"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/feedback/stats", serviceToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats feedback.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Positive)

	rec = env.do(t, http.MethodGet, "/api/v1/feedback?limit=10", serviceToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recent struct {
		Feedback []feedback.Feedback `json:"feedback"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recent))
	require.Len(t, recent.Feedback, 1)
	assert.Equal(t, "m1", recent.Feedback[0].MessageID)
}

func TestUnmountedRoutes(t *testing.T) {
	logger := zaptest.NewLogger(t)
	verifier, err := auth.NewVerifier(testJWTSecret, "authenticated")
	require.NoError(t, err)
	srv, err := NewServer(Deps{
		Verifier: verifier,
		Limiter:  usage.NewLimiter(usage.NewMemoryCounter(), plans.DefaultLimits(), logger),
	}, Config{}, logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	env := &testEnv{handler: srv.Handler()}

	for _, path := range []string{"/functions/v1/process-document", "/functions/v1/memorix-chat", "/functions/v1/tavily-search"} {
		rec := env.do(t, http.MethodPost, path, userToken(t, "u1"), map[string]any{})
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestNewServerRequiresVerifierAndLimiter(t *testing.T) {
	_, err := NewServer(Deps{}, Config{}, nil)
	assert.Error(t, err)
}

func newPreflight(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodOptions, "/functions/v1/tavily-search", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	return req
}

func serve(env *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestModelStats(t *testing.T) {
	env := newTestEnv(t, plans.DefaultLimits(), Config{})

	rec := env.do(t, http.MethodPost, "/functions/v1/tavily-search", userToken(t, "u1"), map[string]any{"query": "What is new in Go 1.24?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/admin/model-stats", userToken(t, "u1"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/admin/model-stats", serviceToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap modelstats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TotalRequests)
	require.Len(t, snap.Models, 1)
	assert.Equal(t, gateway.DefaultModel, snap.Models[0].Model)

	rec = env.do(t, http.MethodPost, "/api/v1/admin/model-stats/reset", serviceToken(t), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
