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

package websearch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/cache"
)

// Backend performs a raw search
type Backend interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// Outcome is a search response plus how it was produced
type Outcome struct {
	*SearchResponse
	Cached    bool
	Freshness DetectionResult
	Request   SearchRequest
}

// Searcher applies freshness routing and result caching in front of a Backend
type Searcher struct {
	backend  Backend
	cache    cache.Cache
	ttl      time.Duration
	detector *Detector
	logger   *zap.Logger
}

// NewSearcher builds a Searcher. A nil cache or zero ttl disables caching.
func NewSearcher(backend Backend, c cache.Cache, ttl time.Duration, detector *Detector, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = NewDetector(DefaultDetectionConfig())
	}
	return &Searcher{
		backend:  backend,
		cache:    c,
		ttl:      ttl,
		detector: detector,
		logger:   logger,
	}
}

// Search routes time-sensitive queries to the news topic and serves repeated
// queries from the cache. Cache failures are logged and never fail the search.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*Outcome, error) {
	req.Query = strings.TrimSpace(req.Query)

	freshness := s.detector.Detect(req.Query)
	if req.Topic == "" && freshness.NeedsFreshInfo {
		req.Topic = TopicNews
		if req.Days <= 0 {
			req.Days = freshness.Days
		}
	}

	key := cacheKey(req)
	if s.cacheEnabled() {
		if data, err := s.cache.Get(ctx, key); err == nil {
			var cached SearchResponse
			if err := json.Unmarshal(data, &cached); err == nil {
				s.logger.Debug("Search served from cache", zap.String("cache_key", key))
				return &Outcome{SearchResponse: &cached, Cached: true, Freshness: freshness, Request: req}, nil
			}
		} else if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("Search cache read failed", zap.Error(err))
		}
	}

	resp, err := s.backend.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	if s.cacheEnabled() {
		if data, err := json.Marshal(resp); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				s.logger.Warn("Search cache write failed", zap.Error(err))
			}
		}
	}

	return &Outcome{SearchResponse: resp, Freshness: freshness, Request: req}, nil
}

func (s *Searcher) cacheEnabled() bool {
	return s.cache != nil && s.ttl > 0
}

// cacheKey hashes the normalised query and every option that changes results
func cacheKey(req SearchRequest) string {
	include := append([]string(nil), req.IncludeDomains...)
	exclude := append([]string(nil), req.ExcludeDomains...)
	sort.Strings(include)
	sort.Strings(exclude)

	normalized := struct {
		Query   string   `json:"q"`
		Depth   string   `json:"d"`
		Max     int      `json:"m"`
		Topic   string   `json:"t"`
		Days    int      `json:"n"`
		Answer  bool     `json:"a"`
		Include []string `json:"i"`
		Exclude []string `json:"e"`
	}{
		Query:   strings.Join(strings.Fields(strings.ToLower(req.Query)), " "),
		Depth:   req.SearchDepth,
		Max:     req.MaxResults,
		Topic:   req.Topic,
		Days:    req.Days,
		Answer:  req.IncludeAnswer,
		Include: include,
		Exclude: exclude,
	}

	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return "search:" + hex.EncodeToString(sum[:])
}
