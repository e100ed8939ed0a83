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

// Package assist implements the single-shot generation functions:
// text-action, enhance-prompt and model-compare.
package assist

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/synth"
)

// MaxPromptLength bounds prompts for enhance-prompt and model-compare, in runes
const MaxPromptLength = 8000

// Service runs generation requests against the gateway
type Service struct {
	completer      gateway.Completer
	compareTimeout time.Duration
	logger         *zap.Logger
}

// NewService creates an assist service. compareTimeout bounds each model
// in a comparison; zero means 45 seconds.
func NewService(completer gateway.Completer, compareTimeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if compareTimeout <= 0 {
		compareTimeout = 45 * time.Second
	}
	return &Service{
		completer:      completer,
		compareTimeout: compareTimeout,
		logger:         logger,
	}
}

// TextActionInput is the text-action request body
type TextActionInput struct {
	Action         string `json:"action"`
	Text           string `json:"text"`
	Context        string `json:"context,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Question       string `json:"question,omitempty"`
	Model          string `json:"model,omitempty"`
}

// TextActionResult is the transformed text
type TextActionResult struct {
	Action string        `json:"action"`
	Result string        `json:"result"`
	Model  string        `json:"model"`
	Usage  gateway.Usage `json:"usage"`
}

// ValidateTextAction checks the action and its inputs
func ValidateTextAction(in TextActionInput) (synth.TextActionRequest, error) {
	action, err := synth.ParseAction(in.Action)
	if err != nil {
		return synth.TextActionRequest{}, resilience.NewBadRequestError(err.Error(), nil)
	}
	req := synth.TextActionRequest{
		Action:         action,
		Text:           in.Text,
		Context:        in.Context,
		TargetLanguage: in.TargetLanguage,
		Question:       in.Question,
	}
	if err := req.Validate(); err != nil {
		return synth.TextActionRequest{}, resilience.NewBadRequestError(err.Error(), nil)
	}
	return req, nil
}

// TextAction transforms a text selection
func (s *Service) TextAction(ctx context.Context, in TextActionInput) (*TextActionResult, error) {
	req, err := ValidateTextAction(in)
	if err != nil {
		return nil, err
	}
	action := req.Action

	resp, err := s.completer.Complete(ctx, gateway.CompletionRequest{
		Model:    in.Model,
		Messages: synth.TextActionMessages(req),
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Text action completed",
		zap.String("action", string(action)),
		zap.Int("input_runes", utf8.RuneCountInString(in.Text)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))

	return &TextActionResult{
		Action: string(action),
		Result: resp.Content,
		Model:  resp.Model,
		Usage:  resp.Usage,
	}, nil
}

// EnhanceInput is the enhance-prompt request body
type EnhanceInput struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
	Model  string `json:"model,omitempty"`
}

// EnhanceResult is the improved prompt
type EnhanceResult struct {
	OriginalPrompt string   `json:"original_prompt"`
	EnhancedPrompt string   `json:"enhanced_prompt"`
	Improvements   []string `json:"improvements"`
	Model          string   `json:"model"`
}

// ValidateEnhance checks the prompt to enhance
func ValidateEnhance(in EnhanceInput) error {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return resilience.NewBadRequestError("prompt is required", nil)
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return resilience.NewBadRequestError(fmt.Sprintf("prompt exceeds %d characters", MaxPromptLength), nil)
	}
	return nil
}

// EnhancePrompt rewrites a prompt to be more specific
func (s *Service) EnhancePrompt(ctx context.Context, in EnhanceInput) (*EnhanceResult, error) {
	if err := ValidateEnhance(in); err != nil {
		return nil, err
	}
	prompt := strings.TrimSpace(in.Prompt)

	resp, err := s.completer.Complete(ctx, gateway.CompletionRequest{
		Model:       in.Model,
		Messages:    synth.EnhanceMessages(prompt, in.Style),
		Temperature: 0.5,
	})
	if err != nil {
		return nil, err
	}

	enhancement := synth.ParseEnhancement(resp.Content)
	return &EnhanceResult{
		OriginalPrompt: prompt,
		EnhancedPrompt: enhancement.EnhancedPrompt,
		Improvements:   enhancement.Improvements,
		Model:          resp.Model,
	}, nil
}
