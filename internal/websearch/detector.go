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

// Package websearch wraps the Tavily search API and decides when a query
// needs recent results rather than general web results.
package websearch

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DetectionResult contains details about freshness detection for one query
type DetectionResult struct {
	NeedsFreshInfo   bool     `json:"needs_fresh_info"`
	MatchedKeywords  []string `json:"matched_keywords"`
	MatchedPatterns  []string `json:"matched_patterns"`
	ConfidenceScore  float64  `json:"confidence_score"`
	DetectionReasons []string `json:"detection_reasons"`
	// Days is the news window to request when NeedsFreshInfo is set
	Days int `json:"days,omitempty"`
}

// DetectionConfig contains configuration for freshness detection
type DetectionConfig struct {
	TemporalKeywords    []string
	NewsKeywords        []string
	ReleaseKeywords     []string
	EnableDateDetection bool
	DefaultDays         int
}

const (
	temporalKeywordWeight = 0.3
	newsKeywordWeight     = 0.3
	releaseKeywordWeight  = 0.2
	freshnessThreshold    = 0.3
	historicalYearPenalty = 0.3
	monthDateScore        = 0.3
	recentYearScore       = 0.4

	defaultNewsDays = 7
)

var (
	defaultTemporalKeywords = []string{
		"latest", "recent", "recently", "current", "currently", "today", "tonight",
		"yesterday", "this week", "this month", "this year", "now", "right now",
		"live", "up-to-date", "so far",
	}

	defaultNewsKeywords = []string{
		"news", "breaking", "headline", "headlines", "election", "results",
		"score", "stock price", "share price", "weather", "announced", "announcement",
		"launched", "lawsuit", "verdict", "outage",
	}

	defaultReleaseKeywords = []string{
		"release", "released", "version", "update", "updates", "changelog",
		"beta", "preview", "roadmap", "pricing",
	}

	// windowKeywords narrow the news window; first match wins
	windowKeywords = []struct {
		pattern *regexp.Regexp
		days    int
	}{
		{regexp.MustCompile(`\b(today|tonight|right now|live|breaking)\b`), 1},
		{regexp.MustCompile(`\byesterday\b`), 2},
		{regexp.MustCompile(`\b(this|past|last)\s+week\b`), 7},
		{regexp.MustCompile(`\b(this|past|last)\s+month\b`), 30},
		{regexp.MustCompile(`\b(this|past|last)\s+year\b`), 365},
	}

	monthYearPattern = regexp.MustCompile(
		`(?i)\b(january|february|march|april|may|june|july|august|` +
			`september|october|november|december)\s+(20\d{2})\b`)
	yearPattern = regexp.MustCompile(`\b(20\d{2})\b`)
)

// Detector scores queries for freshness. It is safe for concurrent use.
type Detector struct {
	config   DetectionConfig
	temporal []keywordMatcher
	news     []keywordMatcher
	release  []keywordMatcher
	now      func() time.Time
}

type keywordMatcher struct {
	keyword string
	pattern *regexp.Regexp
}

// NewDetector compiles the keyword lists in config, falling back to the defaults
func NewDetector(config DetectionConfig) *Detector {
	if len(config.TemporalKeywords) == 0 {
		config.TemporalKeywords = defaultTemporalKeywords
	}
	if len(config.NewsKeywords) == 0 {
		config.NewsKeywords = defaultNewsKeywords
	}
	if len(config.ReleaseKeywords) == 0 {
		config.ReleaseKeywords = defaultReleaseKeywords
	}
	if config.DefaultDays <= 0 {
		config.DefaultDays = defaultNewsDays
	}

	return &Detector{
		config:   config,
		temporal: compileKeywords(config.TemporalKeywords),
		news:     compileKeywords(config.NewsKeywords),
		release:  compileKeywords(config.ReleaseKeywords),
		now:      time.Now,
	}
}

// DefaultDetectionConfig returns the default keyword lists with date detection on
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		TemporalKeywords:    defaultTemporalKeywords,
		NewsKeywords:        defaultNewsKeywords,
		ReleaseKeywords:     defaultReleaseKeywords,
		EnableDateDetection: true,
		DefaultDays:         defaultNewsDays,
	}
}

// compileKeywords builds word-boundary patterns; multi-word keywords allow any whitespace
func compileKeywords(keywords []string) []keywordMatcher {
	matchers := make([]keywordMatcher, 0, len(keywords))
	for _, keyword := range keywords {
		words := strings.Fields(strings.ToLower(keyword))
		if len(words) == 0 {
			continue
		}
		escaped := make([]string, len(words))
		for i, w := range words {
			escaped[i] = regexp.QuoteMeta(w)
		}
		matchers = append(matchers, keywordMatcher{
			keyword: keyword,
			pattern: regexp.MustCompile(`\b` + strings.Join(escaped, `\s+`) + `\b`),
		})
	}
	return matchers
}

func matchKeywords(queryLower string, matchers []keywordMatcher) []string {
	var matches []string
	for _, m := range matchers {
		if m.pattern.MatchString(queryLower) {
			matches = append(matches, m.keyword)
		}
	}
	return matches
}

// Detect analyzes a query to determine if it requires fresh, current information
func (d *Detector) Detect(query string) DetectionResult {
	result := DetectionResult{
		MatchedKeywords:  []string{},
		MatchedPatterns:  []string{},
		DetectionReasons: []string{},
	}

	queryLower := strings.ToLower(query)

	if m := matchKeywords(queryLower, d.temporal); len(m) > 0 {
		result.MatchedKeywords = append(result.MatchedKeywords, m...)
		result.ConfidenceScore += temporalKeywordWeight * float64(len(m))
		result.DetectionReasons = append(result.DetectionReasons, "temporal keywords")
	}
	if m := matchKeywords(queryLower, d.news); len(m) > 0 {
		result.MatchedKeywords = append(result.MatchedKeywords, m...)
		result.ConfidenceScore += newsKeywordWeight * float64(len(m))
		result.DetectionReasons = append(result.DetectionReasons, "news keywords")
	}
	if m := matchKeywords(queryLower, d.release); len(m) > 0 {
		result.MatchedKeywords = append(result.MatchedKeywords, m...)
		result.ConfidenceScore += releaseKeywordWeight * float64(len(m))
		result.DetectionReasons = append(result.DetectionReasons, "release keywords")
	}

	if d.config.EnableDateDetection {
		result.ConfidenceScore += d.scoreDates(query, &result)
	}

	result.NeedsFreshInfo = result.ConfidenceScore >= freshnessThreshold
	if result.ConfidenceScore > 1.0 {
		result.ConfidenceScore = 1.0
	}
	if result.ConfidenceScore < 0 {
		result.ConfidenceScore = 0
	}

	if result.NeedsFreshInfo {
		result.Days = d.config.DefaultDays
		for _, w := range windowKeywords {
			if w.pattern.MatchString(queryLower) {
				result.Days = w.days
				break
			}
		}
	}

	return result
}

// scoreDates rewards mentions of the current or previous year and penalises older years
func (d *Detector) scoreDates(query string, result *DetectionResult) float64 {
	score := 0.0
	currentYear := d.now().Year()

	if matches := monthYearPattern.FindAllString(query, -1); len(matches) > 0 {
		result.MatchedPatterns = append(result.MatchedPatterns, matches...)
		score += monthDateScore
		result.DetectionReasons = append(result.DetectionReasons, "month/year date")
	}

	recent, historical := false, false
	for _, m := range yearPattern.FindAllStringSubmatch(query, -1) {
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		result.MatchedPatterns = append(result.MatchedPatterns, m[1])
		if year >= currentYear-1 {
			recent = true
		} else {
			historical = true
		}
	}
	if recent {
		score += recentYearScore
		result.DetectionReasons = append(result.DetectionReasons, "recent year")
	}
	if historical {
		score -= historicalYearPenalty
		result.DetectionReasons = append(result.DetectionReasons, "historical year")
	}

	return score
}
