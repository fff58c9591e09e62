// Package quickreply derives tappable reply suggestions for the assistant's
// latest message. Suggestions are best-effort: only closed questions get any,
// and every failure degrades to none rather than surfacing an error.
package quickreply

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	openaisdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/openai"
)

const (
	// MaxSuggestionTokens bounds the classification call; two short labels
	// never need more.
	MaxSuggestionTokens = 100
	// MaxLabelRunes caps a single label; anything longer is not a tappable
	// option and discards the whole suggestion.
	MaxLabelRunes = 40
)

const classifierPrompt = `You label assistant messages for a planning chat UI. Given the assistant's latest message, decide whether it asks a closed question the user could answer with one of exactly two short options (for example yes/no, this/that, now/later).

Respond with JSON only, no other text:
- A closed two-way question: {"options": ["<first label>", "<second label>"]}
- Anything else (open question, statement, list of choices longer than two): {"options": null}

Labels must be at most four words each and written in the language of the message.`

type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// Generator produces quick-reply suggestions using a small classifier model
type Generator struct {
	client completionClient
	model  string
	logger *zap.Logger
}

// NewGenerator creates a Generator that classifies with the given model
func NewGenerator(client completionClient, model string, logger *zap.Logger) *Generator {
	return &Generator{
		client: client,
		model:  model,
		logger: logger,
	}
}

// Suggest returns exactly two reply labels for a closed question, or nil.
// Messages that do not end in a question mark are never sent to the
// classifier.
func (g *Generator) Suggest(ctx context.Context, replyText string) []string {
	trimmed := strings.TrimSpace(replyText)
	if trimmed == "" || !strings.HasSuffix(trimmed, "?") {
		return nil
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openaisdk.ChatCompletionMessage{
			{Role: openaisdk.ChatMessageRoleSystem, Content: classifierPrompt},
			{Role: openaisdk.ChatMessageRoleUser, Content: trimmed},
		},
		MaxTokens:   MaxSuggestionTokens,
		Temperature: 0,
	})
	if err != nil {
		g.logger.Warn("Quick-reply classification failed", zap.Error(err))
		return nil
	}

	options := parseOptions(resp.Content)
	if options == nil {
		g.logger.Debug("No quick replies for message", zap.String("content", resp.Content))
	}
	return options
}

// parseOptions extracts the two labels from the classifier output. Any shape
// other than exactly two short non-empty labels yields nil.
func parseOptions(content string) []string {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var payload struct {
		Options []string `json:"options"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil
	}
	if len(payload.Options) != 2 {
		return nil
	}

	labels := make([]string, 0, len(payload.Options))
	for _, opt := range payload.Options {
		opt = strings.TrimSpace(opt)
		if opt == "" || utf8.RuneCountInString(opt) > MaxLabelRunes {
			return nil
		}
		labels = append(labels, opt)
	}
	return labels
}
