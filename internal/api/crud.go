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
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proxinex/proxinex-api/internal/feedback"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
)

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil {
		return def
	}
	return v
}

// listModels handles GET /api/v1/models
func (s *Server) listModels(c *gin.Context) {
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"plan":          plan,
		"default_model": s.defaultModel(),
		"models":        gateway.Models(),
		"available":     gateway.ModelsFor(plan),
	})
}

func (s *Server) defaultModel() string {
	if s.config.DefaultModel != "" {
		return s.config.DefaultModel
	}
	return gateway.DefaultModel
}

// getUsage handles GET /api/v1/usage
func (s *Server) getUsage(c *gin.Context) {
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	snapshot, err := s.deps.Limiter.Snapshot(c.Request.Context(), s.userID(c), plan)
	if err != nil {
		s.fail(c, err, "loading usage")
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": plan, "usage": snapshot})
}

// getPlan handles GET /api/v1/plan
func (s *Server) getPlan(c *gin.Context) {
	id, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	p, _ := plans.Get(id)
	p.DailyLimits = s.deps.Limiter.Limits()[id]
	c.JSON(http.StatusOK, p)
}

type createSessionRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type renameSessionRequest struct {
	Title string `json:"title" binding:"required"`
}

type appendMessageRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
	Model   string `json:"model"`
}

// listSessions handles GET /api/v1/history
func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.deps.History.List(c.Request.Context(), s.userID(c), queryInt(c, "limit", 0), queryInt(c, "offset", 0))
	if err != nil {
		s.fail(c, err, "listing sessions")
		return
	}
	if sessions == nil {
		sessions = []store.ChatSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// createSession handles POST /api/v1/history
func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 && !s.bindJSON(c, &req) {
		return
	}
	session, err := s.deps.History.Create(c.Request.Context(), s.userID(c), req.Title, req.Model)
	if err != nil {
		s.fail(c, err, "creating session")
		return
	}
	c.JSON(http.StatusCreated, session)
}

// searchSessions handles GET /api/v1/history/search?q=
func (s *Server) searchSessions(c *gin.Context) {
	sessions, err := s.deps.History.Search(c.Request.Context(), s.userID(c), c.Query("q"))
	if err != nil {
		s.fail(c, err, "searching sessions")
		return
	}
	if sessions == nil {
		sessions = []store.ChatSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// getSession handles GET /api/v1/history/:id
func (s *Server) getSession(c *gin.Context) {
	detail, err := s.deps.History.Get(c.Request.Context(), s.userID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err, "loading session")
		return
	}
	c.JSON(http.StatusOK, detail)
}

// renameSession handles PATCH /api/v1/history/:id
func (s *Server) renameSession(c *gin.Context) {
	var req renameSessionRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.deps.History.Rename(c.Request.Context(), s.userID(c), c.Param("id"), req.Title); err != nil {
		s.fail(c, err, "renaming session")
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteSession handles DELETE /api/v1/history/:id
func (s *Server) deleteSession(c *gin.Context) {
	if err := s.deps.History.Delete(c.Request.Context(), s.userID(c), c.Param("id")); err != nil {
		s.fail(c, err, "deleting session")
		return
	}
	c.Status(http.StatusNoContent)
}

// appendMessage handles POST /api/v1/history/:id/messages
func (s *Server) appendMessage(c *gin.Context) {
	var req appendMessageRequest
	if !s.bindJSON(c, &req) {
		return
	}
	msg, err := s.deps.History.Append(c.Request.Context(), s.userID(c), store.ChatMessage{
		SessionID: c.Param("id"),
		Role:      req.Role,
		Content:   req.Content,
		Model:     req.Model,
	})
	if err != nil {
		s.fail(c, err, "appending message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// listDocuments handles GET /api/v1/memorix/documents
func (s *Server) listDocuments(c *gin.Context) {
	docs, err := s.deps.Memorix.ListDocuments(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err, "listing documents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) getDocument(c *gin.Context) {
	doc, err := s.deps.Memorix.GetDocument(c.Request.Context(), s.userID(c), c.Param("id"))
	if err != nil {
		s.fail(c, err, "loading document")
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) deleteDocument(c *gin.Context) {
	if err := s.deps.Memorix.DeleteDocument(c.Request.Context(), s.userID(c), c.Param("id")); err != nil {
		s.fail(c, err, "deleting document")
		return
	}
	c.Status(http.StatusNoContent)
}

// getSubscription handles GET /api/v1/subscription
func (s *Server) getSubscription(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := s.deps.Billing.Subscription(ctx, s.userID(c))
	if err != nil {
		s.fail(c, err, "loading subscription")
		return
	}
	plan, err := s.deps.Billing.CurrentPlan(ctx, s.userID(c))
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub, "effective_plan": plan})
}

func (s *Server) billingPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.deps.Billing.Plans()})
}

type quoteRequest struct {
	Plan         string `json:"plan"`
	Cycle        string `json:"cycle"`
	BillingCycle string `json:"billing_cycle"`
}

func (r quoteRequest) cycle() string {
	return firstNonEmpty(r.Cycle, r.BillingCycle)
}

// billingQuote handles POST /api/v1/billing/quote
func (s *Server) billingQuote(c *gin.Context) {
	var req quoteRequest
	if !s.bindJSON(c, &req) {
		return
	}
	q, err := s.deps.Billing.Quote(req.Plan, req.cycle())
	if err != nil {
		s.fail(c, err, "pricing plan")
		return
	}
	c.JSON(http.StatusOK, q)
}

// billingRecommend handles GET /api/v1/billing/recommend?queries_per_day=&cycle=
func (s *Server) billingRecommend(c *gin.Context) {
	n, err := strconv.Atoi(c.Query("queries_per_day"))
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("queries_per_day must be a number", err), "recommending plan")
		return
	}
	rec, err := s.deps.Billing.Recommend(n, c.DefaultQuery("cycle", string(plans.Monthly)))
	if err != nil {
		s.fail(c, err, "recommending plan")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// createOrder handles POST /api/v1/billing/orders
func (s *Server) createOrder(c *gin.Context) {
	var req quoteRequest
	if !s.bindJSON(c, &req) {
		return
	}
	checkout, err := s.deps.Billing.CreateOrder(c.Request.Context(), s.userID(c), req.Plan, req.cycle())
	if err != nil {
		s.fail(c, err, "creating order")
		return
	}
	c.JSON(http.StatusCreated, checkout)
}

type verifyRequest struct {
	OrderID           string `json:"order_id"`
	PaymentID         string `json:"payment_id"`
	Signature         string `json:"signature"`
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// verifyCheckout handles POST /api/v1/billing/verify. The Razorpay checkout
// callback field names are accepted as they are.
func (s *Server) verifyCheckout(c *gin.Context) {
	var req verifyRequest
	if !s.bindJSON(c, &req) {
		return
	}
	activation, err := s.deps.Billing.VerifyCheckout(c.Request.Context(), s.userID(c),
		firstNonEmpty(req.OrderID, req.RazorpayOrderID),
		firstNonEmpty(req.PaymentID, req.RazorpayPaymentID),
		firstNonEmpty(req.Signature, req.RazorpaySignature))
	if err != nil {
		s.fail(c, err, "verifying payment")
		return
	}
	c.JSON(http.StatusOK, activation)
}

func (s *Server) listInvoices(c *gin.Context) {
	invoices, err := s.deps.Billing.Invoices(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err, "listing invoices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoices": invoices})
}

// listNotifications handles GET /api/v1/notifications?unread=true
func (s *Server) listNotifications(c *gin.Context) {
	unread, _ := strconv.ParseBool(c.DefaultQuery("unread", "false"))
	inbox, err := s.deps.Notifications.List(c.Request.Context(), s.userID(c), unread, queryInt(c, "limit", 0))
	if err != nil {
		s.fail(c, err, "listing notifications")
		return
	}
	c.JSON(http.StatusOK, inbox)
}

func (s *Server) markNotificationRead(c *gin.Context) {
	if err := s.deps.Notifications.MarkRead(c.Request.Context(), s.userID(c), c.Param("id")); err != nil {
		s.fail(c, err, "marking notification read")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) markAllNotificationsRead(c *gin.Context) {
	n, err := s.deps.Notifications.MarkAllRead(c.Request.Context(), s.userID(c))
	if err != nil {
		s.fail(c, err, "marking notifications read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// submitFeedback handles POST /api/v1/feedback
func (s *Server) submitFeedback(c *gin.Context) {
	var f feedback.Feedback
	if !s.bindJSON(c, &f) {
		return
	}
	f.UserID = s.userID(c)
	saved, err := s.deps.Feedback.Record(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err, "recording feedback")
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) recentFeedback(c *gin.Context) {
	records, err := s.deps.Feedback.Recent(c.Request.Context(), queryInt(c, "limit", 50))
	if err != nil {
		s.fail(c, err, "listing feedback")
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": records})
}

// feedbackStats handles GET /api/v1/feedback/stats (service role)
func (s *Server) feedbackStats(c *gin.Context) {
	stats, err := s.deps.Feedback.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, err, "aggregating feedback")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// modelStats handles GET /api/v1/admin/model-stats (service role)
func (s *Server) modelStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.ModelStats.Snapshot())
}

func (s *Server) resetModelStats(c *gin.Context) {
	s.deps.ModelStats.Reset()
	c.Status(http.StatusNoContent)
}
