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

package synth

import (
	"strings"
	"testing"

	"github.com/proxinex/proxinex-api/internal/gateway"
)

func TestResearchMessages(t *testing.T) {
	sources := []Source{
		{Number: 1, Title: "Go 1.24 Release Notes", URL: "https://go.dev/doc/go1.24", Content: "Go 1.24   adds generic\ntype aliases."},
		{Number: 2, Title: "", URL: "https://example.com/x", Content: "Second source"},
	}

	messages := ResearchMessages("  What changed in Go 1.24?  ", sources, nil, DefaultPromptConfig())
	if len(messages) != 2 {
		t.Fatalf("Expected system and user messages, got %d", len(messages))
	}
	if messages[0].Role != gateway.RoleSystem || !strings.Contains(messages[0].Content, "[1]") {
		t.Errorf("System prompt should instruct bracket citations, got %q", messages[0].Content)
	}

	user := messages[1].Content
	expected := []string{
		"Sources:\n",
		"[1] Go 1.24 Release Notes (https://go.dev/doc/go1.24): Go 1.24 adds generic type aliases.",
		"[2] Untitled (https://example.com/x): Second source",
		"Question: What changed in Go 1.24?",
	}
	for _, want := range expected {
		if !strings.Contains(user, want) {
			t.Errorf("User prompt missing %q:\n%s", want, user)
		}
	}
}

func TestResearchMessagesWithoutSources(t *testing.T) {
	messages := ResearchMessages("obscure question", nil, nil, DefaultPromptConfig())
	if !strings.Contains(messages[0].Content, "No web sources") {
		t.Errorf("Expected no-sources system prompt, got %q", messages[0].Content)
	}
	if strings.Contains(messages[1].Content, "Sources:") {
		t.Errorf("User prompt should not list sources: %q", messages[1].Content)
	}
}

func TestResearchMessagesKeepsRecentHistory(t *testing.T) {
	var history []gateway.Message
	for i := 0; i < 10; i++ {
		role := gateway.RoleUser
		if i%2 == 1 {
			role = gateway.RoleAssistant
		}
		history = append(history, gateway.Message{Role: role, Content: string(rune('a' + i))})
	}
	history = append(history, gateway.Message{Role: gateway.RoleSystem, Content: "ignored"})

	config := DefaultPromptConfig()
	config.MaxHistory = 4
	messages := ResearchMessages("follow up", nil, history, config)

	if len(messages) != 6 {
		t.Fatalf("Expected system + 4 history + user, got %d", len(messages))
	}
	if messages[1].Content != "g" || messages[4].Content != "j" {
		t.Errorf("Expected the last four turns, got %q..%q", messages[1].Content, messages[4].Content)
	}
}

func TestFormatSourcesLimits(t *testing.T) {
	var sources []Source
	for i := 1; i <= 5; i++ {
		sources = append(sources, Source{Number: i, Title: "T", Content: strings.Repeat("x", 50)})
	}
	config := PromptConfig{MaxSources: 3, MaxSourceChars: 10}

	out := FormatSources(sources, config)
	if strings.Contains(out, "[4]") {
		t.Errorf("Expected at most 3 sources:\n%s", out)
	}
	if !strings.Contains(out, "[1] T: xxxxxxxxxx...") {
		t.Errorf("Expected truncated content without URL:\n%s", out)
	}
}

func TestDocumentMessages(t *testing.T) {
	messages := DocumentMessages("What is the notice period?", []Source{
		{Number: 1, Title: "contract.pdf", Content: "Either party may terminate with 30 days notice."},
	}, nil, DefaultPromptConfig())

	if !strings.Contains(messages[0].Content, "Memorix") {
		t.Errorf("Expected document system prompt")
	}
	if !strings.Contains(messages[1].Content, "[1] contract.pdf: Either party") {
		t.Errorf("Expected excerpt line, got %q", messages[1].Content)
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	short := "short text"
	if got := TruncateToTokenLimit(short, 100); got != short {
		t.Errorf("Short text should be unchanged, got %q", got)
	}

	long := strings.Repeat("word ", 1000)
	got := TruncateToTokenLimit(long, 100)
	if !strings.HasSuffix(got, "[Context truncated due to length limits]") {
		t.Errorf("Expected truncation notice")
	}
	if EstimateTokens(got) > 110 {
		t.Errorf("Truncated text too long: %d tokens", EstimateTokens(got))
	}
}

func TestSummaryMessages(t *testing.T) {
	messages := SummaryMessages("notes.md", "Quarterly revenue grew 12%.", 1000)
	if len(messages) != 2 || !strings.Contains(messages[1].Content, "Document: notes.md") {
		t.Errorf("Unexpected summary prompt: %+v", messages)
	}
}
