package orderparse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const DefaultSystemPrompt = `You turn a transcribed restaurant voice order into a list of order items.

Your job:
- Return one entry per distinct item, keeping the quantity and any modifiers with it (e.g. "2 flat whites, oat milk").
- Keep the wording the guest used. Fix obvious transcription misspellings of menu terms only.
- Ignore greetings, filler words and table chatter.

Output rules:
- Respond with a JSON object of the form {"items": ["..."]}.
- If nothing was ordered, respond with {"items": []}.
- Do not invent items that were not said.`

var ErrNoChoices = errors.New("parser returned no choices")

type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// LLMParser extracts items with a chat model constrained to JSON output.
type LLMParser struct {
	client  ChatClient
	model   string
	timeout time.Duration
	menu    string
}

// NewLLMParser builds the primary parser. menu is an optional comma, semicolon
// or newline separated list of menu terms used to steer spelling.
func NewLLMParser(client ChatClient, model string, timeout time.Duration, menu string) *LLMParser {
	return &LLMParser{
		client:  client,
		model:   strings.TrimSpace(model),
		timeout: timeout,
		menu:    strings.Join(menuTerms(menu), ", "),
	}
}

func (p *LLMParser) Parse(ctx context.Context, text string) ([]string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	systemPrompt := DefaultSystemPrompt
	if p.menu != "" {
		systemPrompt += fmt.Sprintf("\n\nMenu terms, use these spellings exactly when relevant:\n%s", p.menu)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("VOICE_ORDER: %q", text)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return decodeItems(resp.Choices[0].Message.Content)
}

func decodeItems(content string) ([]string, error) {
	content = stripCodeFence(strings.TrimSpace(content))

	var wrapped struct {
		Items []string `json:"items"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil {
		return wrapped.Items, nil
	}

	var bare []string
	if err := json.Unmarshal([]byte(content), &bare); err != nil {
		return nil, fmt.Errorf("invalid parser response: %w", err)
	}
	return bare, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func menuTerms(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})

	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		term := strings.TrimSpace(field)
		if term == "" {
			continue
		}
		key := strings.ToLower(term)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}
