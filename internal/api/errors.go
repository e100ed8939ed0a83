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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/auth"
	"github.com/proxinex/proxinex-api/internal/billing"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/mail"
	"github.com/proxinex/proxinex-api/internal/memorix"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
	"github.com/proxinex/proxinex-api/internal/usage"
	"github.com/proxinex/proxinex-api/internal/video"
	"github.com/proxinex/proxinex-api/internal/websearch"
)

func newErrorHandler(logger *zap.Logger) *resilience.ErrorHandler {
	eh := resilience.NewErrorHandler(logger)
	eh.RegisterSentinel(gateway.ErrCreditsExhausted, resilience.ErrorCodePaymentRequired, http.StatusPaymentRequired,
		"AI credits are exhausted, please add credits to continue")
	eh.RegisterSentinel(gateway.ErrRateLimited, resilience.ErrorCodeTooManyRequests, http.StatusTooManyRequests,
		"The AI gateway is rate limiting requests, please retry shortly")
	eh.RegisterSentinel(gateway.ErrUnauthorized, resilience.ErrorCodeDependencyFailure, http.StatusBadGateway,
		"The AI gateway is misconfigured")
	eh.RegisterSentinel(gateway.ErrEmptyResponse, resilience.ErrorCodeDependencyFailure, http.StatusBadGateway,
		"The AI model returned an empty response")
	eh.RegisterSentinel(websearch.ErrUnauthorized, resilience.ErrorCodeDependencyFailure, http.StatusBadGateway,
		"Web search is misconfigured")
	eh.RegisterSentinel(video.ErrUnauthorized, resilience.ErrorCodeDependencyFailure, http.StatusBadGateway,
		"The video provider is misconfigured")
	eh.RegisterSentinel(video.ErrNotConfigured, resilience.ErrorCodeServiceUnavailable, http.StatusServiceUnavailable,
		"Video generation is not available")
	eh.RegisterSentinel(mail.ErrNotConfigured, resilience.ErrorCodeServiceUnavailable, http.StatusServiceUnavailable,
		"Email delivery is not configured")
	eh.RegisterSentinel(billing.ErrRazorpayUnauthorized, resilience.ErrorCodeDependencyFailure, http.StatusBadGateway,
		"The payment provider is misconfigured")
	eh.RegisterSentinel(usage.ErrLimitExceeded, resilience.ErrorCodeQuotaExceeded, http.StatusTooManyRequests,
		"Daily usage limit reached, upgrade your plan for more")
	eh.RegisterSentinel(auth.ErrMissingToken, resilience.ErrorCodeUnauthorized, http.StatusUnauthorized,
		"missing bearer token")
	eh.RegisterSentinel(auth.ErrInvalidToken, resilience.ErrorCodeUnauthorized, http.StatusUnauthorized,
		"invalid or expired access token")
	eh.RegisterSentinel(memorix.ErrUnsupportedType, resilience.ErrorCodeBadRequest, http.StatusBadRequest,
		"Unsupported file type, upload a PDF, text, markdown or CSV file")
	eh.RegisterSentinel(store.ErrNotFound, resilience.ErrorCodeNotFound, http.StatusNotFound,
		"Not found")
	return eh
}

// errorBody is resilience.ErrorResponse plus the quota snapshot on QUOTA_EXCEEDED
type errorBody struct {
	resilience.ErrorResponse
	Usage *usage.Usage `json:"usage,omitempty"`
}

func writeError(c *gin.Context, eh *resilience.ErrorHandler, err error, operation string) {
	serviceErr := eh.WrapError(err, operation)
	body := errorBody{ErrorResponse: serviceErr.ToErrorResponse(c.GetString(requestIDKey))}
	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		u := limitErr.Usage
		body.Usage = &u
		if !u.ResetsAt.IsZero() {
			c.Header("Retry-After", retryAfter(u.ResetsAt))
		}
	}
	c.JSON(serviceErr.StatusCode, body)
}

func retryAfter(t time.Time) string {
	secs := int(time.Until(t).Seconds())
	return strconv.Itoa(max(secs, 1))
}

// fail writes err and logs it with the request scope
func (s *Server) fail(c *gin.Context, err error, operation string) {
	fields := []zap.Field{zap.String("request_id", c.GetString(requestIDKey))}
	if p := principalOf(c); p != nil {
		fields = append(fields, zap.String("user_id", p.UserID))
	}
	s.errors.LogError(err, operation, fields...)
	writeError(c, s.errors, err, operation)
}

func (s *Server) abort(c *gin.Context, err error) {
	writeError(c, s.errors, err, "authorizing request")
	c.Abort()
}
