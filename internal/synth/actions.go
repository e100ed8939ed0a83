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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/proxinex/proxinex-api/internal/gateway"
)

// Action is a text-action transformation
type Action string

const (
	ActionSummarize Action = "summarize"
	ActionExplain   Action = "explain"
	ActionSimplify  Action = "simplify"
	ActionExpand    Action = "expand"
	ActionRewrite   Action = "rewrite"
	ActionTranslate Action = "translate"
	ActionAsk       Action = "ask"
)

// MaxActionText caps the selected text a text action accepts
const MaxActionText = 20000

var actionInstructions = map[Action]string{
	ActionSummarize: "Summarize the selected text in a few short sentences, keeping the key facts.",
	ActionExplain:   "Explain the selected text clearly, defining any jargon, as if to a curious non-expert.",
	ActionSimplify:  "Rewrite the selected text in plain, simple language. Keep the meaning.",
	ActionExpand:    "Expand the selected text with more detail, examples and context. Keep the original intent.",
	ActionRewrite:   "Rewrite the selected text to be clearer and better structured. Keep the meaning and tone.",
	ActionTranslate: "Translate the selected text into %s. Reply with the translation only.",
	ActionAsk:       "Answer the user's question about the selected text. Use the text as the primary reference.",
}

// ParseAction validates an action name
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := actionInstructions[a]; !ok {
		return "", fmt.Errorf("unsupported action %q", s)
	}
	return a, nil
}

// TextActionRequest is a transformation of a text selection
type TextActionRequest struct {
	Action         Action
	Text           string
	Context        string
	TargetLanguage string
	Question       string
}

// Validate checks the request fields that depend on the action
func (r TextActionRequest) Validate() error {
	if _, ok := actionInstructions[r.Action]; !ok {
		return fmt.Errorf("unsupported action %q", r.Action)
	}
	if strings.TrimSpace(r.Text) == "" {
		return errors.New("text is required")
	}
	if utf8.RuneCountInString(r.Text) > MaxActionText {
		return fmt.Errorf("text exceeds %d characters", MaxActionText)
	}
	if r.Action == ActionTranslate && strings.TrimSpace(r.TargetLanguage) == "" {
		return errors.New("target_language is required for translate")
	}
	if r.Action == ActionAsk && strings.TrimSpace(r.Question) == "" {
		return errors.New("question is required for ask")
	}
	return nil
}

// TextActionMessages builds the prompt for a validated request
func TextActionMessages(r TextActionRequest) []gateway.Message {
	instruction := actionInstructions[r.Action]
	if r.Action == ActionTranslate {
		instruction = fmt.Sprintf(instruction, strings.TrimSpace(r.TargetLanguage))
	}

	system := "You are Proxinex, a writing and reading assistant. " + instruction +
		" Reply in Markdown without preamble."

	var user strings.Builder
	if c := strings.TrimSpace(r.Context); c != "" {
		user.WriteString("Surrounding context:\n")
		user.WriteString(c)
		user.WriteString("\n\n")
	}
	user.WriteString("Selected text:\n")
	user.WriteString(r.Text)
	if r.Action == ActionAsk {
		user.WriteString("\n\nQuestion: ")
		user.WriteString(strings.TrimSpace(r.Question))
	}

	return []gateway.Message{
		{Role: gateway.RoleSystem, Content: system},
		{Role: gateway.RoleUser, Content: user.String()},
	}
}

// Enhancement is the structured output of enhance-prompt
type Enhancement struct {
	EnhancedPrompt string   `json:"enhanced_prompt"`
	Improvements   []string `json:"improvements"`
}

const enhanceSystemPrompt = `You improve prompts that users send to AI research assistants.
Make the prompt specific, add missing context the user likely meant, state the desired output format and keep the user's intent.
%sReply with JSON only, no code fences:
{"enhanced_prompt": "<improved prompt>", "improvements": ["<short note>", "..."]}`

// EnhanceMessages builds the prompt for enhance-prompt; style is optional
func EnhanceMessages(prompt, style string) []gateway.Message {
	styleLine := ""
	if s := strings.TrimSpace(style); s != "" {
		styleLine = fmt.Sprintf("Write the improved prompt in a %s style.\n", s)
	}
	return []gateway.Message{
		{Role: gateway.RoleSystem, Content: fmt.Sprintf(enhanceSystemPrompt, styleLine)},
		{Role: gateway.RoleUser, Content: prompt},
	}
}

var codeFenceRegex = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// ParseEnhancement reads the model's JSON answer. Output that is not the
// expected JSON falls back to the raw text with no improvements.
func ParseEnhancement(raw string) Enhancement {
	text := strings.TrimSpace(raw)
	if m := codeFenceRegex.FindStringSubmatch(text); len(m) > 1 {
		text = strings.TrimSpace(m[1])
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		var out Enhancement
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil && strings.TrimSpace(out.EnhancedPrompt) != "" {
			out.EnhancedPrompt = strings.TrimSpace(out.EnhancedPrompt)
			if out.Improvements == nil {
				out.Improvements = []string{}
			}
			return out
		}
	}
	return Enhancement{EnhancedPrompt: strings.TrimSpace(raw), Improvements: []string{}}
}
