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

// Package chunker splits extracted document text into overlapping chunks
// for retrieval, and cleans markup from text formats.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize is the target chunk length in runes
	DefaultChunkSize = 1200
	// DefaultOverlap is how many runes consecutive chunks share
	DefaultOverlap = 200
)

// Split splits text into chunks of at most size runes. Chunks end on a
// sentence boundary in the second half of the window when there is one,
// otherwise on a space. Consecutive chunks overlap by about overlap runes,
// starting on a word boundary.
func Split(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{}
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap = max(0, min(overlap, size/2))

	runes := []rune(text)
	n := len(runes)
	if n <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < n {
		end := min(start+size, n)
		if end < n {
			end = breakPoint(runes, start, end)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end >= n {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		for next < end && !unicode.IsSpace(runes[next-1]) {
			next++
		}
		start = next
	}
	return chunks
}

// breakPoint finds where the chunk runes[start:end] should end
func breakPoint(runes []rune, start, end int) int {
	floor := start + (end-start)/2
	for i := end - 1; i >= floor; i-- {
		if isSentenceEnd(runes, i) {
			return i + 1
		}
	}
	for i := end - 1; i >= floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return end
}

func isSentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '\n':
		return true
	case '.', '!', '?':
		return i+1 == len(runes) || unicode.IsSpace(runes[i+1])
	}
	return false
}

var (
	headerRegex     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	imageRegex      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	linkRegex       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	emphasisRegex   = regexp.MustCompile(`(\*\*|__|\*|~~)`)
	codeFenceRegex  = regexp.MustCompile("(?m)^```.*$")
	inlineCodeRegex = regexp.MustCompile("`([^`]*)`")
)

// ParseMarkdown strips markdown syntax and keeps the readable text
func ParseMarkdown(content string) string {
	content = codeFenceRegex.ReplaceAllString(content, "")
	content = imageRegex.ReplaceAllString(content, "")
	content = linkRegex.ReplaceAllString(content, "$1")
	content = headerRegex.ReplaceAllString(content, "")
	content = inlineCodeRegex.ReplaceAllString(content, "$1")
	content = emphasisRegex.ReplaceAllString(content, "")
	return NormalizeWhitespace(content)
}

// NormalizeWhitespace collapses runs of spaces within lines and keeps at
// most one blank line between paragraphs.
func NormalizeWhitespace(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")

	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
