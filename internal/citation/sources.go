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

package citation

import (
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/proxinex/proxinex-api/internal/websearch"
)

// maxSnippetRunes caps snippets shown in source cards and tooltips
const maxSnippetRunes = 300

// FromSearchResults numbers search results 1..n as citations
func FromSearchResults(results []websearch.Result) []Citation {
	citations := make([]Citation, 0, len(results))
	for i, r := range results {
		citations = append(citations, Citation{
			ID:            i + 1,
			Title:         strings.TrimSpace(r.Title),
			URL:           r.URL,
			Snippet:       Snippet(r.Content, maxSnippetRunes),
			Domain:        Domain(r.URL),
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
		})
	}
	return citations
}

// Domain returns the host of rawURL without a leading "www."
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Snippet collapses whitespace and truncates text to at most limit runes,
// cutting at a word boundary when one is available.
func Snippet(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	runes := []rune(text)
	cut := string(runes[:limit])
	if idx := strings.LastIndex(cut, " "); idx > len(cut)/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ,;:") + "…"
}

// Confidence is the mean relevance score of the cited sources as a
// percentage with one decimal. When nothing is cited every source counts.
// No sources gives 0.
func Confidence(segments []Segment, citations []Citation) float64 {
	if len(citations) == 0 {
		return 0
	}

	byID := indexCitations(citations)
	pool := make([]float64, 0, len(byID))
	for _, id := range ReferencedIDs(segments) {
		if c, ok := byID[id]; ok {
			pool = append(pool, c.Score)
		}
	}
	if len(pool) == 0 {
		for _, c := range byID {
			pool = append(pool, c.Score)
		}
	}

	var sum float64
	for _, s := range pool {
		sum += s
	}
	score := math.Round(sum/float64(len(pool))*1000) / 10
	return math.Max(0, math.Min(100, score))
}
