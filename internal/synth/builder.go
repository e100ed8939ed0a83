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

// Package synth builds the chat messages sent to the AI gateway for every
// generation feature and parses structured model output.
package synth

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/proxinex/proxinex-api/internal/gateway"
)

// Source is one numbered piece of grounding context
type Source struct {
	Number  int
	Title   string
	URL     string
	Content string
}

// PromptConfig bounds the size of generated prompts
type PromptConfig struct {
	MaxTokens      int
	MaxSources     int
	MaxSourceChars int
	MaxHistory     int
}

// DefaultPromptConfig returns default configuration
func DefaultPromptConfig() PromptConfig {
	return PromptConfig{
		MaxTokens:      6000,
		MaxSources:     8,
		MaxSourceChars: 1500,
		MaxHistory:     6,
	}
}

const researchSystemPrompt = `You are Proxinex, a research assistant that answers with verifiable citations.

Guidelines:
- Answer the question directly, then add supporting detail.
- Use only the numbered sources for factual claims.
- Cite every sourced sentence with the source number in square brackets, e.g. [1] or [2][3].
- Never invent source numbers that are not listed.
- If the sources do not cover the question, say so plainly.
- Use Markdown for lists and emphasis. Keep it concise.
`

const noSourcesSystemPrompt = `You are Proxinex, a research assistant.

No web sources were found for this question. Answer from general knowledge,
state that the answer is not backed by live sources, and do not use citation markers.
`

const documentSystemPrompt = `You are Memorix, an assistant that answers questions about the user's uploaded documents.

Guidelines:
- Answer only from the numbered document excerpts.
- Cite every sentence that uses an excerpt with its number in square brackets, e.g. [2].
- If the excerpts do not contain the answer, say that the documents do not cover it.
`

// ResearchMessages builds the prompt for a cited web research answer.
// Prior turns are kept so follow-up questions resolve.
func ResearchMessages(query string, sources []Source, history []gateway.Message, config PromptConfig) []gateway.Message {
	system := researchSystemPrompt
	if len(sources) == 0 {
		system = noSourcesSystemPrompt
	}
	return groundedMessages(system, "Question", query, sources, history, config)
}

// DocumentMessages builds the prompt for answering from document excerpts
func DocumentMessages(question string, excerpts []Source, history []gateway.Message, config PromptConfig) []gateway.Message {
	return groundedMessages(documentSystemPrompt, "Question", question, excerpts, history, config)
}

func groundedMessages(system, label, query string, sources []Source, history []gateway.Message, config PromptConfig) []gateway.Message {
	messages := []gateway.Message{{Role: gateway.RoleSystem, Content: system}}
	messages = append(messages, LimitHistory(history, config.MaxHistory)...)

	var prompt strings.Builder
	if len(sources) > 0 {
		prompt.WriteString(FormatSources(sources, config))
		prompt.WriteString("\n")
	}
	prompt.WriteString(fmt.Sprintf("%s: %s", label, strings.TrimSpace(query)))

	content := prompt.String()
	if config.MaxTokens > 0 && EstimateTokens(content) > config.MaxTokens {
		content = TruncateToTokenLimit(content, config.MaxTokens)
	}
	return append(messages, gateway.Message{Role: gateway.RoleUser, Content: content})
}

// FormatSources renders sources as "[n] title (url): content" lines
func FormatSources(sources []Source, config PromptConfig) string {
	if config.MaxSources > 0 && len(sources) > config.MaxSources {
		sources = sources[:config.MaxSources]
	}

	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, s := range sources {
		content := strings.Join(strings.Fields(s.Content), " ")
		if config.MaxSourceChars > 0 && utf8.RuneCountInString(content) > config.MaxSourceChars {
			content = string([]rune(content)[:config.MaxSourceChars]) + "..."
		}
		title := s.Title
		if title == "" {
			title = "Untitled"
		}
		if s.URL != "" {
			b.WriteString(fmt.Sprintf("[%d] %s (%s): %s\n", s.Number, title, s.URL, content))
		} else {
			b.WriteString(fmt.Sprintf("[%d] %s: %s\n", s.Number, title, content))
		}
	}
	return b.String()
}

// LimitHistory keeps the most recent user/assistant turns
func LimitHistory(history []gateway.Message, max int) []gateway.Message {
	var turns []gateway.Message
	for _, m := range history {
		if m.Role == gateway.RoleUser || m.Role == gateway.RoleAssistant {
			turns = append(turns, m)
		}
	}
	if max >= 0 && len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return turns
}

// SummaryMessages asks for a short summary of an uploaded document
func SummaryMessages(name, text string, maxTokens int) []gateway.Message {
	content := fmt.Sprintf("Document: %s\n\n%s", name, text)
	if maxTokens > 0 && EstimateTokens(content) > maxTokens {
		content = TruncateToTokenLimit(content, maxTokens)
	}
	return []gateway.Message{
		{Role: gateway.RoleSystem, Content: "Summarize the document in 3 to 5 sentences. Mention its subject, key points and any figures or dates that matter. Reply with the summary only."},
		{Role: gateway.RoleUser, Content: content},
	}
}

// EstimateTokens estimates the number of tokens in a text (rough approximation)
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// TruncateToTokenLimit truncates text to fit within token limit
func TruncateToTokenLimit(text string, maxTokens int) string {
	if EstimateTokens(text) <= maxTokens {
		return text
	}

	// 90% of the budget leaves room for the notice
	targetChars := int(float64(maxTokens) * 4 * 0.9)
	runes := []rune(text)
	if len(runes) > targetChars {
		return string(runes[:targetChars]) + "...\n\n[Context truncated due to length limits]"
	}
	return text
}
