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

package assist

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/resilience"
)

// scriptedCompleter answers per model: an error, a delay, or an echo
type scriptedCompleter struct {
	mu     sync.Mutex
	errs   map[string]error
	delays map[string]time.Duration
	last   gateway.CompletionRequest
}

func (s *scriptedCompleter) Complete(ctx context.Context, req gateway.CompletionRequest) (*gateway.CompletionResponse, error) {
	s.mu.Lock()
	s.last = req
	err := s.errs[req.Model]
	delay := s.delays[req.Model]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	content := "answer from " + req.Model
	if req.Model == "" {
		content = `{"enhanced_prompt": "Explain Rust ownership with examples", "improvements": ["asked for examples"]}`
	}
	return &gateway.CompletionResponse{Content: content, Model: req.Model, Usage: gateway.Usage{TotalTokens: 10}}, nil
}

func TestCompareKeepsOrderAndIsolatesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	completer := &scriptedCompleter{
		errs:   map[string]error{"openai/gpt-5-mini": gateway.ErrRateLimited},
		delays: map[string]time.Duration{"google/gemini-2.5-flash": 20 * time.Millisecond},
	}
	svc := NewService(completer, time.Second, zaptest.NewLogger(t))

	res, err := svc.Compare(context.Background(), plans.Pro, CompareInput{
		Prompt: "Explain CRDTs",
		Models: []string{"google/gemini-2.5-flash", "openai/gpt-5-mini", "openai/gpt-5-nano"},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, 2, res.Succeeded)

	assert.Equal(t, "google/gemini-2.5-flash", res.Results[0].Model)
	assert.Equal(t, "answer from google/gemini-2.5-flash", res.Results[0].Answer)
	assert.GreaterOrEqual(t, res.Results[0].LatencyMS, int64(20))

	assert.Equal(t, "openai/gpt-5-mini", res.Results[1].Model)
	assert.Empty(t, res.Results[1].Answer)
	assert.Contains(t, res.Results[1].Error, "rate limited")

	assert.Equal(t, 10, res.Results[2].Tokens)
}

func TestComparePerModelTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	completer := &scriptedCompleter{delays: map[string]time.Duration{"openai/gpt-5-nano": time.Minute}}
	svc := NewService(completer, 30*time.Millisecond, nil)

	res, err := svc.Compare(context.Background(), plans.Free, CompareInput{
		Prompt: "hi",
		Models: []string{"google/gemini-2.5-flash", "openai/gpt-5-nano"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "The model took too long to respond", res.Results[1].Error)
}

func TestCompareAllFailed(t *testing.T) {
	defer goleak.VerifyNone(t)

	models := []string{"google/gemini-2.5-flash", "openai/gpt-5-nano"}

	credits := &scriptedCompleter{errs: map[string]error{models[0]: gateway.ErrCreditsExhausted, models[1]: gateway.ErrCreditsExhausted}}
	_, err := NewService(credits, time.Second, nil).Compare(context.Background(), plans.Free, CompareInput{Prompt: "x", Models: models})
	assert.ErrorIs(t, err, gateway.ErrCreditsExhausted)

	mixed := &scriptedCompleter{errs: map[string]error{models[0]: gateway.ErrCreditsExhausted, models[1]: errors.New("boom")}}
	_, err = NewService(mixed, time.Second, nil).Compare(context.Background(), plans.Free, CompareInput{Prompt: "x", Models: models})
	var svcErr *resilience.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, http.StatusBadGateway, svcErr.StatusCode)
}

func TestValidateCompare(t *testing.T) {
	tests := []struct {
		name   string
		plan   plans.ID
		in     CompareInput
		status int
	}{
		{"one model", plans.Free, CompareInput{Prompt: "x", Models: []string{"google/gemini-2.5-flash"}}, http.StatusBadRequest},
		{"empty prompt", plans.Free, CompareInput{Prompt: " ", Models: []string{"a", "b"}}, http.StatusBadRequest},
		{"duplicate", plans.Free, CompareInput{Prompt: "x", Models: []string{"openai/gpt-5-nano", "openai/gpt-5-nano"}}, http.StatusBadRequest},
		{"unknown", plans.Free, CompareInput{Prompt: "x", Models: []string{"openai/gpt-5-nano", "acme/model"}}, http.StatusBadRequest},
		{"over plan count", plans.Free, CompareInput{Prompt: "x", Models: []string{"google/gemini-2.5-flash", "google/gemini-2.5-flash-lite", "openai/gpt-5-nano"}}, http.StatusForbidden},
		{"model above plan", plans.Free, CompareInput{Prompt: "x", Models: []string{"openai/gpt-5-nano", "google/gemini-2.5-pro"}}, http.StatusForbidden},
		{"ok", plans.Enterprise, CompareInput{Prompt: "x", Models: []string{"openai/gpt-5", "google/gemini-2.5-pro"}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateCompare(tt.in, tt.plan)
			if tt.status == 0 {
				assert.NoError(t, err)
				return
			}
			var svcErr *resilience.ServiceError
			require.True(t, errors.As(err, &svcErr), "got %v", err)
			assert.Equal(t, tt.status, svcErr.StatusCode)
		})
	}
}

func TestTextAction(t *testing.T) {
	completer := &scriptedCompleter{}
	svc := NewService(completer, 0, nil)

	res, err := svc.TextAction(context.Background(), TextActionInput{Action: "Simplify", Text: "Photosynthesis converts light.", Model: "openai/gpt-5-nano"})
	require.NoError(t, err)
	assert.Equal(t, "simplify", res.Action)
	assert.Equal(t, "answer from openai/gpt-5-nano", res.Result)
	assert.Contains(t, completer.last.Messages[1].Content, "Photosynthesis converts light.")

	_, err = svc.TextAction(context.Background(), TextActionInput{Action: "dance", Text: "x"})
	var svcErr *resilience.ServiceError
	require.True(t, errors.As(err, &svcErr))
	assert.Equal(t, http.StatusBadRequest, svcErr.StatusCode)

	_, err = svc.TextAction(context.Background(), TextActionInput{Action: "translate", Text: "x"})
	assert.Error(t, err)
}

func TestEnhancePrompt(t *testing.T) {
	svc := NewService(&scriptedCompleter{}, 0, nil)

	res, err := svc.EnhancePrompt(context.Background(), EnhanceInput{Prompt: " rust ownership "})
	require.NoError(t, err)
	assert.Equal(t, "rust ownership", res.OriginalPrompt)
	assert.Equal(t, "Explain Rust ownership with examples", res.EnhancedPrompt)
	assert.Equal(t, []string{"asked for examples"}, res.Improvements)

	_, err = svc.EnhancePrompt(context.Background(), EnhanceInput{Prompt: ""})
	assert.Error(t, err)
}
