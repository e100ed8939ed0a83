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
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/plans"
	"github.com/proxinex/proxinex-api/internal/resilience"
)

// minCompareModels is the fewest models a comparison needs
const minCompareModels = 2

// CompareInput is the model-compare request body
type CompareInput struct {
	Prompt       string   `json:"prompt"`
	Models       []string `json:"models"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// ModelAnswer is one model's side of a comparison
type ModelAnswer struct {
	Model     string `json:"model"`
	Name      string `json:"name"`
	Provider  string `json:"provider"`
	Answer    string `json:"answer,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Tokens    int    `json:"tokens"`
	Error     string `json:"error,omitempty"`
}

// CompareResult holds the answers in request order
type CompareResult struct {
	Prompt    string        `json:"prompt"`
	Results   []ModelAnswer `json:"results"`
	Succeeded int           `json:"succeeded"`
}

// ValidateCompare checks the prompt and model list against what plan allows
func ValidateCompare(in CompareInput, plan plans.ID) ([]gateway.Model, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, resilience.NewBadRequestError("prompt is required", nil)
	}
	if utf8.RuneCountInString(in.Prompt) > MaxPromptLength {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength), nil)
	}

	maxModels := minCompareModels
	if p, ok := plans.Get(plan); ok {
		maxModels = p.CompareModels
	}
	if len(in.Models) < minCompareModels {
		return nil, resilience.NewBadRequestError(fmt.Sprintf("select at least %d models", minCompareModels), nil)
	}
	if len(in.Models) > maxModels {
		return nil, resilience.NewForbiddenError(
			fmt.Sprintf("your plan compares up to %d models at once", maxModels), nil)
	}

	seen := make(map[string]bool, len(in.Models))
	models := make([]gateway.Model, 0, len(in.Models))
	for _, id := range in.Models {
		id = strings.TrimSpace(id)
		if seen[id] {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("model %q listed twice", id), nil)
		}
		seen[id] = true

		m, ok := gateway.LookupModel(id)
		if !ok {
			return nil, resilience.NewBadRequestError(fmt.Sprintf("unknown model %q", id), nil)
		}
		if !gateway.Allowed(plan, id) {
			return nil, resilience.NewForbiddenError(
				fmt.Sprintf("%s requires the %s plan", m.Name, m.MinPlan), nil)
		}
		models = append(models, m)
	}
	return models, nil
}

// Compare sends the same prompt to several models concurrently. Each model
// has its own timeout and a failing model never fails the comparison; only
// when every model fails is an error returned.
func (s *Service) Compare(ctx context.Context, plan plans.ID, in CompareInput) (*CompareResult, error) {
	models, err := ValidateCompare(in, plan)
	if err != nil {
		return nil, err
	}

	messages := make([]gateway.Message, 0, 2)
	if sp := strings.TrimSpace(in.SystemPrompt); sp != "" {
		messages = append(messages, gateway.Message{Role: gateway.RoleSystem, Content: sp})
	}
	messages = append(messages, gateway.Message{Role: gateway.RoleUser, Content: strings.TrimSpace(in.Prompt)})

	results := make([]ModelAnswer, len(models))
	errs := make([]error, len(models))
	var mu sync.Mutex
	succeeded := 0

	// failures stay in errs so one model never cancels the others
	var g errgroup.Group
	for i, m := range models {
		i, m := i, m
		g.Go(func() error {
			results[i], errs[i] = s.ask(ctx, m, messages)
			if errs[i] == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if succeeded == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, allFailed(errs)
	}

	s.logger.Info("Model comparison completed",
		zap.Int("models", len(models)),
		zap.Int("succeeded", succeeded))

	return &CompareResult{Prompt: strings.TrimSpace(in.Prompt), Results: results, Succeeded: succeeded}, nil
}

func (s *Service) ask(ctx context.Context, m gateway.Model, messages []gateway.Message) (ModelAnswer, error) {
	answer := ModelAnswer{Model: m.ID, Name: m.Name, Provider: m.Provider}

	var resp *gateway.CompletionResponse
	start := time.Now()
	err := resilience.WithTimeout(ctx, s.compareTimeout, s.logger, func(ctx context.Context) error {
		var err error
		resp, err = s.completer.Complete(ctx, gateway.CompletionRequest{Model: m.ID, Messages: messages})
		return err
	})
	answer.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		s.logger.Warn("Model failed in comparison", zap.String("model", m.ID), zap.Error(err))
		answer.Error = modelErrorMessage(err)
		return answer, err
	}

	answer.Answer = resp.Content
	answer.Tokens = resp.Usage.TotalTokens
	return answer, nil
}

func modelErrorMessage(err error) string {
	var se *resilience.ServiceError
	switch {
	case errors.As(err, &se) && se.Code == resilience.ErrorCodeTimeout, errors.Is(err, context.DeadlineExceeded):
		return "The model took too long to respond"
	case errors.Is(err, gateway.ErrRateLimited):
		return "The model is rate limited, try again shortly"
	case errors.Is(err, gateway.ErrCreditsExhausted):
		return "AI credits are exhausted"
	case errors.Is(err, resilience.ErrCircuitBreakerOpen):
		return "The AI gateway is temporarily unavailable"
	default:
		return "The model failed to respond"
	}
}

// allFailed surfaces a shared sentinel when every model failed the same way
func allFailed(errs []error) error {
	for _, sentinel := range []error{gateway.ErrCreditsExhausted, gateway.ErrRateLimited, resilience.ErrCircuitBreakerOpen} {
		all := true
		for _, err := range errs {
			all = all && errors.Is(err, sentinel)
		}
		if all {
			return errors.Join(errs...)
		}
	}
	return resilience.NewDependencyFailureError("every model failed to respond", errors.Join(errs...))
}
