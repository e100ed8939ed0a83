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
	"html"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// PlainText joins the text segments, dropping every marker
func PlainText(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		if s.Kind == KindText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// RenderHTML renders segments as an HTML fragment. Text is escaped, resolved
// markers become linked superscripts and unresolved ones plain superscripts.
func RenderHTML(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		switch s.Kind {
		case KindText:
			b.WriteString(html.EscapeString(s.Text))
		case KindReference:
			id := strconv.Itoa(s.ID)
			b.WriteString(`<sup class="citation" data-citation-id="`)
			b.WriteString(id)
			b.WriteString(`">`)
			if href := safeURL(s.Citation.URL); href != "" {
				b.WriteString(`<a href="`)
				b.WriteString(html.EscapeString(href))
				b.WriteString(`" title="`)
				b.WriteString(html.EscapeString(s.Citation.Title))
				b.WriteString(`" target="_blank" rel="noopener noreferrer">`)
				b.WriteString(id)
				b.WriteString("</a>")
			} else {
				b.WriteString(id)
			}
			b.WriteString("</sup>")
		case KindUnresolved:
			b.WriteString("<sup>")
			b.WriteString(strconv.Itoa(s.ID))
			b.WriteString("</sup>")
		}
	}
	return b.String()
}

// RenderMarkdown renders resolved markers as superscript links
// ([¹](https://example.com "Title")) and unresolved ones as bare superscripts.
func RenderMarkdown(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		switch s.Kind {
		case KindText:
			b.WriteString(s.Text)
		case KindReference:
			label := Superscript(s.ID)
			href := safeURL(s.Citation.URL)
			if href == "" {
				b.WriteString(label)
				continue
			}
			b.WriteString("[")
			b.WriteString(label)
			b.WriteString("](")
			b.WriteString(strings.NewReplacer(" ", "%20", ")", "%29").Replace(href))
			if s.Citation.Title != "" {
				b.WriteString(` "`)
				b.WriteString(strings.ReplaceAll(s.Citation.Title, `"`, `\"`))
				b.WriteString(`"`)
			}
			b.WriteString(")")
		case KindUnresolved:
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// ReferencedIDs returns the resolved citation ids in first-appearance order
func ReferencedIDs(segments []Segment) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, s := range segments {
		if s.Kind != KindReference || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		ids = append(ids, s.ID)
	}
	return ids
}

// CitedSources orders citations for display: those referenced in the answer
// first, in first-appearance order, then the rest by ascending id.
func CitedSources(segments []Segment, citations []Citation) []Citation {
	byID := indexCitations(citations)
	referenced := ReferencedIDs(segments)

	out := make([]Citation, 0, len(byID))
	used := make(map[int]bool, len(byID))
	for _, id := range referenced {
		if c, ok := byID[id]; ok {
			out = append(out, *c)
			used[id] = true
		}
	}

	rest := make([]Citation, 0, len(byID)-len(used))
	for id, c := range byID {
		if !used[id] {
			rest = append(rest, *c)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].ID < rest[j].ID })

	return append(out, rest...)
}

// safeURL returns raw if it is an absolute http(s) URL, otherwise ""
func safeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
