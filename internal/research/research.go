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

// Package research answers questions with web search grounding and inline
// citations (the tavily-search function).
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/citation"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/synth"
	"github.com/proxinex/proxinex-api/internal/websearch"
)

const (
	// MaxQueryLength bounds a research question, in runes
	MaxQueryLength = 2000
	// historyTurns is how many earlier messages follow-ups see
	historyTurns = 6
)

// Searcher finds web sources for a query
type Searcher interface {
	Search(ctx context.Context, req websearch.SearchRequest) (*websearch.Outcome, error)
}

// History loads and records session turns
type History interface {
	RecentTurns(ctx context.Context, userID, sessionID string, n int) ([]gateway.Message, error)
	RecordExchange(ctx context.Context, userID, sessionID, question, answer, model string, citations any) error
}

// Config holds research defaults
type Config struct {
	SearchDepth string
	MaxResults  int
	Prompt      synth.PromptConfig
}

// Request is a research question
type Request struct {
	Query          string   `json:"query"`
	SearchDepth    string   `json:"search_depth,omitempty"`
	MaxResults     int      `json:"max_results,omitempty"`
	Model          string   `json:"model,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	IncludeDomains []string `json:"include_domains,omitempty"`
	ExcludeDomains []string `json:"exclude_domains,omitempty"`
}

// Freshness reports whether the query was routed to recent news
type Freshness struct {
	Recent bool `json:"recent"`
	Days   int  `json:"days,omitempty"`
}

// Result is a cited answer
type Result struct {
	Answer            string              `json:"answer"`
	AnswerHTML        string              `json:"answer_html"`
	Segments          []citation.Segment  `json:"segments"`
	Citations         []citation.Citation `json:"citations"`
	Sources           []citation.Citation `json:"sources"`
	Confidence        float64             `json:"confidence"`
	Model             string              `json:"model"`
	SearchTimeMS      int64               `json:"search_time_ms"`
	Cached            bool                `json:"cached"`
	Freshness         Freshness           `json:"freshness"`
	SearchUnavailable bool                `json:"search_unavailable,omitempty"`
	Usage             gateway.Usage       `json:"usage"`
}

// Service runs search, prompting and citation parsing
type Service struct {
	searcher  Searcher
	completer gateway.Completer
	history   History
	config    Config
	logger    *zap.Logger
}

// NewService creates a research service; history may be nil
func NewService(searcher Searcher, completer gateway.Completer, history History, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SearchDepth == "" {
		config.SearchDepth = "basic"
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 6
	}
	if config.Prompt == (synth.PromptConfig{}) {
		config.Prompt = synth.DefaultPromptConfig()
	}
	return &Service{
		searcher:  searcher,
		completer: completer,
		history:   history,
		config:    config,
		logger:    logger,
	}
}

// Validate normalizes and checks a request
func (s *Service) Validate(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return resilience.NewBadRequestError("query is required", nil)
	}
	if utf8.RuneCountInString(req.Query) > MaxQueryLength {
		return resilience.NewBadRequestError(fmt.Sprintf("query exceeds %d characters", MaxQueryLength), nil)
	}
	switch req.SearchDepth {
	case "":
		req.SearchDepth = s.config.SearchDepth
	case "basic", "advanced":
	default:
		return resilience.NewBadRequestError("search_depth must be basic or advanced", nil)
	}
	if req.MaxResults == 0 {
		req.MaxResults = s.config.MaxResults
	}
	if req.MaxResults < 1 || req.MaxResults > 20 {
		return resilience.NewBadRequestError("max_results must be between 1 and 20", nil)
	}
	return nil
}

// Answer researches req for userID
func (s *Service) Answer(ctx context.Context, userID string, req Request) (*Result, error) {
	if err := s.Validate(&req); err != nil {
		return nil, err
	}

	var turns []gateway.Message
	if req.SessionID != "" && s.history != nil {
		var err error
		turns, err = s.history.RecentTurns(ctx, userID, req.SessionID, historyTurns)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{Segments: []citation.Segment{}, Citations: []citation.Citation{}, Sources: []citation.Citation{}}

	searchStart := time.Now()
	outcome, err := s.searcher.Search(ctx, websearch.SearchRequest{
		Query:          req.Query,
		SearchDepth:    req.SearchDepth,
		MaxResults:     req.MaxResults,
		IncludeDomains: req.IncludeDomains,
		ExcludeDomains: req.ExcludeDomains,
	})
	result.SearchTimeMS = time.Since(searchStart).Milliseconds()

	switch {
	case err == nil:
		result.Citations = citation.FromSearchResults(outcome.Results)
		result.Cached = outcome.Cached
		result.Freshness = Freshness{Recent: outcome.Freshness.NeedsFreshInfo, Days: outcome.Request.Days}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		// answer without sources rather than fail the question
		s.logger.Warn("Web search failed, answering without sources",
			zap.String("user_id", userID),
			zap.Error(err))
		result.SearchUnavailable = true
	}

	sources := make([]synth.Source, len(result.Citations))
	for i, c := range result.Citations {
		content := c.Snippet
		if i < len(outcome.Results) {
			content = outcome.Results[i].Content
		}
		sources[i] = synth.Source{Number: c.ID, Title: c.Title, URL: c.URL, Content: content}
	}

	completion, err := s.completer.Complete(ctx, gateway.CompletionRequest{
		Model:    req.Model,
		Messages: synth.ResearchMessages(req.Query, sources, turns, s.config.Prompt),
	})
	if err != nil {
		return nil, err
	}

	result.Answer = completion.Content
	result.Model = completion.Model
	result.Usage = completion.Usage
	result.Segments = citation.Parse(completion.Content, result.Citations)
	result.AnswerHTML = citation.RenderHTML(result.Segments)
	result.Sources = citation.CitedSources(result.Segments, result.Citations)
	result.Confidence = citation.Confidence(result.Segments, result.Citations)

	s.logger.Info("Research answered",
		zap.String("user_id", userID),
		zap.String("model", result.Model),
		zap.Int("sources", len(result.Citations)),
		zap.Int("cited", len(citation.ReferencedIDs(result.Segments))),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("cached", result.Cached))

	if req.SessionID != "" && s.history != nil {
		if err := s.history.RecordExchange(ctx, userID, req.SessionID, req.Query, result.Answer, result.Model, result.Citations); err != nil {
			s.logger.Warn("Failed to record research exchange",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
	}

	return result, nil
}
