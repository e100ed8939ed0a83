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
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/assist"
	"github.com/proxinex/proxinex-api/internal/billing"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/memorix"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/research"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/video"
)

// multipartOverhead is allowed on top of the upload limit for form framing
const multipartOverhead = 1 << 20

func (s *Server) userID(c *gin.Context) string {
	if p := principalOf(c); p != nil {
		return p.UserID
	}
	return ""
}

func (s *Server) planOf(c *gin.Context) (plans.ID, error) {
	if s.deps.Billing == nil {
		return plans.Free, nil
	}
	return s.deps.Billing.CurrentPlan(c.Request.Context(), s.userID(c))
}

// bindJSON decodes the body and writes a 400 on failure
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, resilience.NewBadRequestError("invalid request body", err), "decoding request")
		return false
	}
	return true
}

// checkModel rejects unknown models and models above the caller's plan
func checkModel(plan plans.ID, model string) error {
	if model == "" {
		return nil
	}
	m, ok := gateway.LookupModel(model)
	if !ok {
		return resilience.NewBadRequestError(fmt.Sprintf("unknown model %q", model), nil)
	}
	if !gateway.Allowed(plan, model) {
		return resilience.NewForbiddenError(fmt.Sprintf("%s requires the %s plan", m.Name, m.MinPlan), nil)
	}
	return nil
}

// consume charges one use of feature and sets the quota headers
func (s *Server) consume(c *gin.Context, plan plans.ID, feature plans.Feature) bool {
	u, err := s.deps.Limiter.Consume(c.Request.Context(), s.userID(c), plan, feature)
	if err != nil {
		s.fail(c, err, "checking usage limits")
		return false
	}
	if !u.Unlimited {
		c.Header("X-Quota-Limit", strconv.Itoa(u.Limit))
		c.Header("X-Quota-Remaining", strconv.Itoa(u.Remaining))
	}
	return true
}

// tavilySearch handles POST /functions/v1/tavily-search
func (s *Server) tavilySearch(c *gin.Context) {
	var req research.Request
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.deps.Research.Validate(&req); err != nil {
		s.fail(c, err, "validating search")
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if err := checkModel(plan, req.Model); err != nil {
		s.fail(c, err, "checking model")
		return
	}
	if !s.consume(c, plan, plans.FeatureSearch) {
		return
	}

	result, err := s.deps.Research.Answer(c.Request.Context(), s.userID(c), req)
	if err != nil {
		s.fail(c, err, "answering research query")
		return
	}
	c.JSON(http.StatusOK, result)
}

// textAction handles POST /functions/v1/text-action
func (s *Server) textAction(c *gin.Context) {
	var in assist.TextActionInput
	if !s.bindJSON(c, &in) {
		return
	}
	if _, err := assist.ValidateTextAction(in); err != nil {
		s.fail(c, err, "validating text action")
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if err := checkModel(plan, in.Model); err != nil {
		s.fail(c, err, "checking model")
		return
	}
	if !s.consume(c, plan, plans.FeatureTextAction) {
		return
	}

	result, err := s.deps.Assist.TextAction(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err, "running text action")
		return
	}
	c.JSON(http.StatusOK, result)
}

// enhancePrompt handles POST /functions/v1/enhance-prompt. It shares the
// text action quota.
func (s *Server) enhancePrompt(c *gin.Context) {
	var in assist.EnhanceInput
	if !s.bindJSON(c, &in) {
		return
	}
	if err := assist.ValidateEnhance(in); err != nil {
		s.fail(c, err, "validating prompt")
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if err := checkModel(plan, in.Model); err != nil {
		s.fail(c, err, "checking model")
		return
	}
	if !s.consume(c, plan, plans.FeatureTextAction) {
		return
	}

	result, err := s.deps.Assist.EnhancePrompt(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err, "enhancing prompt")
		return
	}
	c.JSON(http.StatusOK, result)
}

// modelCompare handles POST /functions/v1/model-compare
func (s *Server) modelCompare(c *gin.Context) {
	var in assist.CompareInput
	if !s.bindJSON(c, &in) {
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if _, err := assist.ValidateCompare(in, plan); err != nil {
		s.fail(c, err, "validating comparison")
		return
	}
	if !s.consume(c, plan, plans.FeatureCompare) {
		return
	}

	result, err := s.deps.Assist.Compare(c.Request.Context(), plan, in)
	if err != nil {
		s.fail(c, err, "comparing models")
		return
	}
	c.JSON(http.StatusOK, result)
}

type uploadRequest struct {
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	ContentBase64 string `json:"content_base64"`
}

// processDocument handles POST /functions/v1/process-document with either a
// multipart "file" field or a JSON body carrying base64 content
func (s *Server) processDocument(c *gin.Context) {
	limit := s.deps.Memorix.MaxUploadBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*limit+multipartOverhead)

	up, err := s.readUpload(c)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			err = s.deps.Memorix.TooLarge()
		}
		s.fail(c, err, "reading upload")
		return
	}
	if _, err := s.deps.Memorix.ValidateUpload(up); err != nil {
		s.fail(c, err, "validating upload")
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if !s.consume(c, plan, plans.FeatureDocument) {
		return
	}

	result, err := s.deps.Memorix.ProcessDocument(c.Request.Context(), s.userID(c), up)
	if err != nil {
		s.fail(c, err, "processing document")
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) readUpload(c *gin.Context) (memorix.Upload, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return memorix.Upload{}, err
			}
			return memorix.Upload{}, resilience.NewBadRequestError("multipart field \"file\" is required", err)
		}
		if fh.Size > s.deps.Memorix.MaxUploadBytes() {
			return memorix.Upload{}, s.deps.Memorix.TooLarge()
		}
		f, err := fh.Open()
		if err != nil {
			return memorix.Upload{}, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return memorix.Upload{}, fmt.Errorf("read upload: %w", err)
		}
		return memorix.Upload{Name: fh.Filename, MimeType: fh.Header.Get("Content-Type"), Data: data}, nil
	}

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return memorix.Upload{}, err
		}
		return memorix.Upload{}, resilience.NewBadRequestError("invalid request body", err)
	}
	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		return memorix.Upload{}, resilience.NewBadRequestError("content_base64 is not valid base64", err)
	}
	return memorix.Upload{Name: req.Name, MimeType: req.MimeType, Data: data}, nil
}

// memorixChat handles POST /functions/v1/memorix-chat
func (s *Server) memorixChat(c *gin.Context) {
	var req memorix.ChatRequest
	if !s.bindJSON(c, &req) {
		return
	}
	if err := s.deps.Memorix.ValidateChat(c.Request.Context(), s.userID(c), &req); err != nil {
		s.fail(c, err, "validating chat")
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if err := checkModel(plan, req.Model); err != nil {
		s.fail(c, err, "checking model")
		return
	}
	if !s.consume(c, plan, plans.FeatureMemorixChat) {
		return
	}

	result, err := s.deps.Memorix.Chat(c.Request.Context(), s.userID(c), req)
	if err != nil {
		s.fail(c, err, "answering from documents")
		return
	}
	c.JSON(http.StatusOK, result)
}

// generateVideo handles POST /functions/v1/generate-video
func (s *Server) generateVideo(c *gin.Context) {
	var req video.Request
	if !s.bindJSON(c, &req) {
		return
	}
	if err := video.Validate(&req); err != nil {
		s.fail(c, err, "validating video request")
		return
	}
	plan, err := s.planOf(c)
	if err != nil {
		s.fail(c, err, "loading plan")
		return
	}
	if !s.consume(c, plan, plans.FeatureVideo) {
		return
	}

	job, err := s.deps.Video.Submit(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, "submitting video job")
		return
	}
	s.logger.Info("Video job submitted",
		zap.String("user_id", s.userID(c)),
		zap.String("job_id", job.ID))
	c.JSON(http.StatusAccepted, job)
}

// videoStatus handles GET /functions/v1/generate-video/:id
func (s *Server) videoStatus(c *gin.Context) {
	job, err := s.deps.Video.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "polling video job")
		return
	}
	c.JSON(http.StatusOK, job)
}

// razorpayWebhook handles POST /functions/v1/razorpay-webhook. Razorpay
// retries anything but 2xx, so ignored and duplicate events answer 200.
func (s *Server) razorpayWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.fail(c, resilience.NewBadRequestError("could not read body", err), "reading webhook")
		return
	}
	result, err := s.deps.Billing.HandleWebhook(c.Request.Context(), c.Request, body)
	if err != nil {
		s.fail(c, err, "handling razorpay webhook")
		return
	}
	c.JSON(http.StatusOK, result)
}

type downgradeRequest struct {
	Immediate bool `json:"immediate"`
}

// downgradeSubscription handles POST /functions/v1/downgrade-subscription
func (s *Server) downgradeSubscription(c *gin.Context) {
	var req downgradeRequest
	if c.Request.ContentLength != 0 && !s.bindJSON(c, &req) {
		return
	}
	result, err := s.deps.Billing.Downgrade(c.Request.Context(), s.userID(c), req.Immediate)
	if err != nil {
		s.fail(c, err, "downgrading subscription")
		return
	}
	c.JSON(http.StatusOK, result)
}

// sendRenewalReminders handles POST /functions/v1/send-renewal-reminders
func (s *Server) sendRenewalReminders(c *gin.Context) {
	report, err := s.deps.Billing.SendRenewalReminders(c.Request.Context())
	if err != nil {
		s.fail(c, err, "sending renewal reminders")
		return
	}
	c.JSON(http.StatusOK, report)
}

// generateInvoicePDF handles /functions/v1/generate-invoice-pdf?invoice_id=
func (s *Server) generateInvoicePDF(c *gin.Context) {
	invoiceID := c.Query("invoice_id")
	if invoiceID == "" && c.Request.Method == http.MethodPost {
		var req struct {
			InvoiceID string `json:"invoice_id"`
		}
		if !s.bindJSON(c, &req) {
			return
		}
		invoiceID = req.InvoiceID
	}
	data, inv, err := s.deps.Billing.InvoicePDF(c.Request.Context(), s.userID(c), invoiceID)
	if err != nil {
		s.fail(c, err, "generating invoice")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", billing.InvoiceFilename(*inv)))
	c.Data(http.StatusOK, "application/pdf", data)
}
