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

package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestServiceError(t *testing.T) {
	internal := errors.New("internal error")
	serviceErr := NewServiceError("user message", ErrorCodeInternalError, http.StatusInternalServerError, internal)

	if serviceErr.Error() != "user message" {
		t.Errorf("Expected 'user message', got %s", serviceErr.Error())
	}
	if !errors.Is(serviceErr, internal) {
		t.Errorf("Expected wrapped error to match internal error")
	}
	if serviceErr.Code != ErrorCodeInternalError {
		t.Errorf("Expected ErrorCodeInternalError, got %s", serviceErr.Code)
	}
}

func TestServiceErrorConvenience(t *testing.T) {
	internal := errors.New("internal")

	tests := []struct {
		name         string
		err          *ServiceError
		expectCode   ErrorCode
		expectStatus int
	}{
		{"bad request", NewBadRequestError("bad", internal), ErrorCodeBadRequest, http.StatusBadRequest},
		{"unauthorized", NewUnauthorizedError("no", internal), ErrorCodeUnauthorized, http.StatusUnauthorized},
		{"forbidden", NewForbiddenError("no", internal), ErrorCodeForbidden, http.StatusForbidden},
		{"not found", NewNotFoundError("gone", internal), ErrorCodeNotFound, http.StatusNotFound},
		{"payment required", NewPaymentRequiredError("pay", internal), ErrorCodePaymentRequired, http.StatusPaymentRequired},
		{"quota", NewQuotaExceededError("quota", internal), ErrorCodeQuotaExceeded, http.StatusTooManyRequests},
		{"rate", NewTooManyRequestsError("slow", internal), ErrorCodeTooManyRequests, http.StatusTooManyRequests},
		{"unprocessable", NewUnprocessableError("empty", internal), ErrorCodeUnprocessable, http.StatusUnprocessableEntity},
		{"internal", NewInternalError("oops", internal), ErrorCodeInternalError, http.StatusInternalServerError},
		{"unavailable", NewServiceUnavailableError("down", internal), ErrorCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"timeout", NewTimeoutError("slow", internal), ErrorCodeTimeout, http.StatusRequestTimeout},
		{"dependency", NewDependencyFailureError("vendor", internal), ErrorCodeDependencyFailure, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.expectCode {
				t.Errorf("Expected code %s, got %s", tt.expectCode, tt.err.Code)
			}
			if tt.err.StatusCode != tt.expectStatus {
				t.Errorf("Expected status %d, got %d", tt.expectStatus, tt.err.StatusCode)
			}
		})
	}
}

func TestWrapErrorClassification(t *testing.T) {
	eh := NewErrorHandler(zaptest.NewLogger(t))

	tests := []struct {
		name         string
		err          error
		expectCode   ErrorCode
		expectStatus int
	}{
		{"deadline", fmt.Errorf("calling vendor: %w", context.DeadlineExceeded), ErrorCodeTimeout, http.StatusRequestTimeout},
		{"circuit open", fmt.Errorf("gateway: %w", ErrCircuitBreakerOpen), ErrorCodeServiceUnavailable, http.StatusServiceUnavailable},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorCodeDependencyFailure, http.StatusBadGateway},
		{"rate limit text", errors.New("rate limit reached"), ErrorCodeTooManyRequests, http.StatusTooManyRequests},
		{"unknown", errors.New("boom"), ErrorCodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := eh.WrapError(tt.err, "testing")
			if wrapped.Code != tt.expectCode {
				t.Errorf("Expected code %s, got %s", tt.expectCode, wrapped.Code)
			}
			if wrapped.StatusCode != tt.expectStatus {
				t.Errorf("Expected status %d, got %d", tt.expectStatus, wrapped.StatusCode)
			}
			if !errors.Is(wrapped, tt.err) {
				t.Errorf("Expected wrapped error to keep the original in its chain")
			}
		})
	}
}

func TestWrapErrorKeepsServiceError(t *testing.T) {
	eh := NewErrorHandler(zaptest.NewLogger(t))
	original := NewNotFoundError("session not found", nil)

	wrapped := eh.WrapError(fmt.Errorf("history: %w", original), "loading session")
	if wrapped != original {
		t.Errorf("Expected the wrapped ServiceError to be returned unchanged")
	}
}

func TestRegisterSentinel(t *testing.T) {
	errCredits := errors.New("credits exhausted")
	eh := NewErrorHandler(zaptest.NewLogger(t))
	eh.RegisterSentinel(errCredits, ErrorCodePaymentRequired, http.StatusPaymentRequired, "AI credits exhausted")

	wrapped := eh.WrapError(fmt.Errorf("complete: %w", errCredits), "answering")
	if wrapped.Code != ErrorCodePaymentRequired {
		t.Errorf("Expected PAYMENT_REQUIRED, got %s", wrapped.Code)
	}
	if wrapped.Message != "AI credits exhausted" {
		t.Errorf("Expected registered message, got %q", wrapped.Message)
	}
}

func TestWrapErrorNil(t *testing.T) {
	eh := NewErrorHandler(nil)
	if eh.WrapError(nil, "noop") != nil {
		t.Error("Expected nil for nil error")
	}

	var nilHandler *ErrorHandler
	if got := nilHandler.WrapError(errors.New("x"), "op"); got.Code != ErrorCodeInternalError {
		t.Errorf("Expected internal error from nil handler, got %s", got.Code)
	}
}

func TestWriteErrorResponse(t *testing.T) {
	eh := NewErrorHandler(zaptest.NewLogger(t))
	rec := httptest.NewRecorder()

	eh.WriteErrorResponse(rec, NewBadRequestError("query is required", nil), "req-123")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Error != "query is required" || body.Code != "BAD_REQUEST" || body.RequestID != "req-123" {
		t.Errorf("Unexpected body: %+v", body)
	}
	if body.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestWriteErrorResponseWrapsPlainErrors(t *testing.T) {
	eh := NewErrorHandler(zaptest.NewLogger(t))
	rec := httptest.NewRecorder()

	eh.WriteErrorResponse(rec, ErrCircuitBreakerOpen, "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}
