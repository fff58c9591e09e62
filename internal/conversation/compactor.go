// Copyright 2024 AI Plan Assistant Project
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

// Package conversation carries the dialogue plumbing around the turn loop:
// compaction of long chat histories into a rolling summary, and the HTTP
// surface the chat client talks to.
package conversation

import (
	"context"
	"strings"

	openaisdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/openai"
	"github.com/your-org/ai-plan-assistant/internal/plan"
)

const (
	// CompactionThreshold is the history length that triggers compaction at
	// the start of a turn.
	CompactionThreshold = 40
	// RetainedMessages is how much recent history survives a compaction.
	RetainedMessages = 20

	summaryMaxTokens = 300
)

const summarizerPrompt = `Summarize this planning conversation in a few sentences. Keep every concrete decision: chosen themes and topics, wishes the user expressed, and anything they explicitly rejected. Write in the third person ("The user wants..."). Output only the summary.`

type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// Compactor condenses old conversation history into the session summary so
// prompts stay bounded on long sessions
type Compactor struct {
	client completionClient
	model  string
	logger *zap.Logger
}

// NewCompactor creates a Compactor that summarizes with the given model
func NewCompactor(client completionClient, model string, logger *zap.Logger) *Compactor {
	return &Compactor{
		client: client,
		model:  model,
		logger: logger,
	}
}

// Compact folds everything but the most recent messages into the rolling
// summary once the history has grown past the threshold. The truncation
// happens even when the summarizer call fails; losing one summary beats an
// unbounded prompt. New summaries are appended, never overwritten, so
// earlier compactions survive. Reports whether the history was truncated.
func (c *Compactor) Compact(ctx context.Context, state *plan.State) bool {
	if len(state.History) <= CompactionThreshold {
		return false
	}

	// Never cut between an assistant tool-call message and its results: the
	// completion API rejects replayed tool results whose calling message is
	// gone. Moving the cut forward sends the whole exchange into the summary.
	cutoff := len(state.History) - RetainedMessages
	for cutoff < len(state.History) && state.History[cutoff].Role == plan.RoleTool {
		cutoff++
	}
	summary, err := c.summarize(ctx, state.History[:cutoff])
	switch {
	case err != nil:
		c.logger.Warn("History summarization failed, truncating without a summary", zap.Error(err))
	case summary != "":
		if state.Summary != "" {
			state.Summary += "\n\n" + summary
		} else {
			state.Summary = summary
		}
	}

	retained := make([]plan.Message, len(state.History)-cutoff)
	copy(retained, state.History[cutoff:])
	state.History = retained

	c.logger.Info("Compacted conversation history",
		zap.Int("dropped", cutoff),
		zap.Int("retained", len(retained)))
	return true
}

func (c *Compactor) summarize(ctx context.Context, messages []plan.Message) (string, error) {
	transcript := renderTranscript(messages)
	if transcript == "" {
		return "", nil
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openaisdk.ChatCompletionMessage{
			{Role: openaisdk.ChatMessageRoleSystem, Content: summarizerPrompt},
			{Role: openaisdk.ChatMessageRoleUser, Content: transcript},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// renderTranscript flattens history into "role: content" lines. Tool results
// and tool-call markers are skipped; the plan snapshot in the system prompt
// carries that state better than raw tool chatter would.
func renderTranscript(messages []plan.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg.Role != plan.RoleUser && msg.Role != plan.RoleAssistant {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
