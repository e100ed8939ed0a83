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

// Package citation parses inline citation markers in model answers and
// renders them against the numbered sources the answer was grounded on.
//
// Two marker forms are recognised: a run of Unicode superscript digits
// (¹, ²³) and a bracketed integer of one to three ASCII digits ([4]).
// Parsing never fails. Markers that point at an unknown source degrade to
// a plain superscript numeral.
package citation

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MarkerStyle records which lexical form a marker used
type MarkerStyle string

const (
	// StyleSuperscript is a run of Unicode superscript digits
	StyleSuperscript MarkerStyle = "superscript"
	// StyleBracket is [n] with 1 to 3 ASCII digits
	StyleBracket MarkerStyle = "bracket"
)

// SegmentKind classifies a parsed segment
type SegmentKind string

const (
	// KindText is verbatim answer text
	KindText SegmentKind = "text"
	// KindReference is a marker resolved to a citation
	KindReference SegmentKind = "reference"
	// KindUnresolved is a marker whose id has no citation
	KindUnresolved SegmentKind = "unresolved"
)

// maxBracketDigits bounds [n] markers; longer runs are usually years or quantities
const maxBracketDigits = 3

// Citation is one numbered source an answer may refer to
type Citation struct {
	ID            int     `json:"id"`
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Snippet       string  `json:"snippet"`
	Domain        string  `json:"domain,omitempty"`
	Score         float64 `json:"score,omitempty"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// Segment is one node of a parsed answer
type Segment struct {
	Kind SegmentKind `json:"kind"`
	// Text is the verbatim text for KindText, the decimal id for KindReference
	// and the superscript numeral for KindUnresolved.
	Text     string      `json:"text"`
	Marker   string      `json:"marker,omitempty"`
	ID       int         `json:"id,omitempty"`
	Style    MarkerStyle `json:"style,omitempty"`
	Citation *Citation   `json:"citation,omitempty"`
}

// IsMarker reports whether the segment came from a citation marker
func (s Segment) IsMarker() bool {
	return s.Kind == KindReference || s.Kind == KindUnresolved
}

// superscriptDigits maps each superscript digit rune to its value
var superscriptDigits = map[rune]int{
	'⁰': 0, '¹': 1, '²': 2, '³': 3, '⁴': 4,
	'⁵': 5, '⁶': 6, '⁷': 7, '⁸': 8, '⁹': 9,
}

func superscriptValue(r rune) (int, bool) {
	v, ok := superscriptDigits[r]
	return v, ok
}

// Parse splits answer into text and marker segments in a single left-to-right
// pass. Every character that is not part of a recognised marker is kept, in
// order, and adjacent text is merged into one segment.
func Parse(answer string, citations []Citation) []Segment {
	if answer == "" {
		return nil
	}

	byID := indexCitations(citations)
	p := &parser{byID: byID}

	for i := 0; i < len(answer); {
		r, size := utf8.DecodeRuneInString(answer[i:])

		if _, ok := superscriptValue(r); ok {
			i = p.superscriptRun(answer, i)
			continue
		}

		if r == '[' {
			if end, ok := bracketMarker(answer, i); ok {
				id, _ := strconv.Atoi(answer[i+1 : end-1])
				p.marker(answer[i:end], id, StyleBracket)
				i = end
				continue
			}
		}

		p.text.WriteString(answer[i : i+size])
		i += size
	}

	p.flush()
	return p.segments
}

type parser struct {
	byID     map[int]*Citation
	segments []Segment
	text     strings.Builder
}

func (p *parser) flush() {
	if p.text.Len() == 0 {
		return
	}
	p.segments = append(p.segments, Segment{Kind: KindText, Text: p.text.String()})
	p.text.Reset()
}

func (p *parser) marker(raw string, id int, style MarkerStyle) {
	p.flush()

	if c, ok := p.byID[id]; ok {
		p.segments = append(p.segments, Segment{
			Kind:     KindReference,
			Text:     strconv.Itoa(id),
			Marker:   raw,
			ID:       id,
			Style:    style,
			Citation: c,
		})
		return
	}

	p.segments = append(p.segments, Segment{
		Kind:   KindUnresolved,
		Text:   Superscript(id),
		Marker: raw,
		ID:     id,
		Style:  style,
	})
}

// superscriptRun consumes a maximal run of superscript digits starting at
// start and returns the index just past it. A run too large for int is text.
func (p *parser) superscriptRun(s string, start int) int {
	id := 0
	overflow := false
	i := start
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		v, ok := superscriptValue(r)
		if !ok {
			break
		}
		if !overflow {
			if id > (math.MaxInt-v)/10 {
				overflow = true
			} else {
				id = id*10 + v
			}
		}
		i += size
	}

	if overflow {
		p.text.WriteString(s[start:i])
		return i
	}
	p.marker(s[start:i], id, StyleSuperscript)
	return i
}

// bracketMarker reports whether s[start:] begins with [d], [dd] or [ddd] and
// returns the index just past the closing bracket.
func bracketMarker(s string, start int) (int, bool) {
	i := start + 1
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		digits++
		i++
		if digits > maxBracketDigits {
			return 0, false
		}
	}
	if digits == 0 || i >= len(s) || s[i] != ']' {
		return 0, false
	}
	return i + 1, true
}

// indexCitations keys copies of citations by id; the first record for an id wins
func indexCitations(citations []Citation) map[int]*Citation {
	byID := make(map[int]*Citation, len(citations))
	for _, c := range citations {
		c := c
		if _, exists := byID[c.ID]; exists {
			continue
		}
		byID[c.ID] = &c
	}
	return byID
}

// Superscript writes n using superscript digits. Negative values get a
// superscript minus.
func Superscript(n int) string {
	digits := strconv.Itoa(n)
	var b strings.Builder
	for _, d := range digits {
		if d == '-' {
			b.WriteRune('⁻')
			continue
		}
		b.WriteRune(superscriptRunes[d-'0'])
	}
	return b.String()
}

var superscriptRunes = [10]rune{'⁰', '¹', '²', '³', '⁴', '⁵', '⁶', '⁷', '⁸', '⁹'}
