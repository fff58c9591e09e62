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

// Package orchestrator runs the tool-calling dialogue loop for the planning
// assistant: it assembles the prompt for each round, relays the model's tool
// calls to the registry, and shapes the final turn result including
// quick-reply suggestions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	openaisdk "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/config"
	"github.com/your-org/ai-plan-assistant/internal/conversation"
	"github.com/your-org/ai-plan-assistant/internal/openai"
	"github.com/your-org/ai-plan-assistant/internal/plan"
	"github.com/your-org/ai-plan-assistant/internal/prompt"
	"github.com/your-org/ai-plan-assistant/internal/quickreply"
	"github.com/your-org/ai-plan-assistant/internal/session"
	"github.com/your-org/ai-plan-assistant/internal/tools"
)

const (
	// FallbackReply is returned when the tool-call budget runs out before
	// the model produces a final message. Tool mutations made up to that
	// point are already persisted and stay.
	FallbackReply = "I'm sorry, I reached my processing limit for this request. Could you rephrase it or take a smaller step?"

	// CompletionFaultReply is returned when the completion service fails
	// mid-turn. Nothing from the failed turn is persisted beyond tool
	// calls that already completed.
	CompletionFaultReply = "I'm sorry, I'm having trouble reaching my language service right now. Please try again in a moment."
)

// errNoFinalReply signals that every round of the loop came back with tool
// calls and the budget ran out.
var errNoFinalReply = errors.New("no final reply within the tool-call budget")

type completionUnavailableError struct {
	cause error
}

func (e *completionUnavailableError) Error() string {
	return fmt.Sprintf("completion service unavailable: %v", e.cause)
}

func (e *completionUnavailableError) Unwrap() error {
	return e.cause
}

type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error)
}

// Orchestrator drives one dialogue turn end to end
type Orchestrator struct {
	config      *config.Config
	client      completionClient
	registry    *tools.Registry
	sessions    *session.Manager
	compactor   *conversation.Compactor
	suggestions *quickreply.Generator
	logger      *zap.Logger
}

// NewOrchestrator creates the dialogue orchestrator
func NewOrchestrator(
	cfg *config.Config,
	client completionClient,
	registry *tools.Registry,
	sessions *session.Manager,
	compactor *conversation.Compactor,
	suggestions *quickreply.Generator,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		config:      cfg,
		client:      client,
		registry:    registry,
		sessions:    sessions,
		compactor:   compactor,
		suggestions: suggestions,
		logger:      logger,
	}
}

// HandleTurn runs a single user turn: compaction, the tool-call loop, and
// the final reply with quick-reply suggestions. Turns for the same session
// are serialized.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, userMessage string) (*conversation.TurnResult, error) {
	unlock := o.sessions.Lock(sessionID)
	defer unlock()

	sess, err := o.sessions.LoadOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	o.logger.Info("Handling turn",
		zap.String("session_id", sessionID),
		zap.String("stage", string(sess.State.Stage)),
		zap.Int("history_length", len(sess.State.History)))

	// Step 1: compact long histories before this turn adds to them.
	if o.compactor.Compact(ctx, sess.State) {
		if err := o.sessions.Save(ctx, sess); err != nil {
			return nil, fmt.Errorf("failed to persist compacted session: %w", err)
		}
	}

	// Step 2: record the user turn and run the loop.
	sess.State.AppendHistory(plan.Message{Role: plan.RoleUser, Content: userMessage})

	reply, err := o.runToolLoop(ctx, sess)
	switch {
	case err == nil:
		sess.State.AppendHistory(plan.Message{Role: plan.RoleAssistant, Content: reply})

	case errors.Is(err, errNoFinalReply):
		o.logger.Warn("Tool-call budget exhausted",
			zap.String("session_id", sessionID),
			zap.Int("max_tool_rounds", o.config.Workflow.MaxToolRounds))
		reply = FallbackReply
		sess.State.AppendHistory(plan.Message{Role: plan.RoleAssistant, Content: reply})

	default:
		var unavailable *completionUnavailableError
		if errors.As(err, &unavailable) {
			// The turn is abandoned without saving, so the session stays
			// at its last persisted state.
			o.logger.Error("Completion service fault, abandoning turn",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return &conversation.TurnResult{
				ReplyText:    CompletionFaultReply,
				Stage:        sess.State.Stage,
				PlanSnapshot: sess.State.Snapshot(),
			}, nil
		}
		// Persistence fault inside a tool call. The failed tool was not
		// committed; surface the fault to the caller.
		return nil, err
	}

	// Step 3: persist the completed turn.
	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist turn: %w", err)
	}

	result := &conversation.TurnResult{
		ReplyText:        reply,
		Stage:            sess.State.Stage,
		PlanSnapshot:     sess.State.Snapshot(),
		SuggestedReplies: o.suggestions.Suggest(ctx, reply),
	}

	o.logger.Info("Turn completed",
		zap.String("session_id", sessionID),
		zap.String("stage", string(result.Stage)),
		zap.Int("suggestions", len(result.SuggestedReplies)))

	return result, nil
}

// runToolLoop feeds the conversation to the completion service and executes
// requested tools until the model answers in plain text or the round budget
// runs out. Tool failures the model can react to come back as result strings
// and the loop continues; only persistence faults abort.
func (o *Orchestrator) runToolLoop(ctx context.Context, sess *session.Session) (string, error) {
	maxRounds := o.config.Workflow.MaxToolRounds
	definitions := o.registry.Definitions()

	for round := 1; round <= maxRounds; round++ {
		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       o.config.OpenAI.Model,
			Messages:    o.buildMessages(sess.State),
			Tools:       definitions,
			MaxTokens:   o.config.OpenAI.MaxTokens,
			Temperature: float32(o.config.OpenAI.Temperature),
		})
		if err != nil {
			return "", &completionUnavailableError{cause: err}
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return "", &completionUnavailableError{cause: errors.New("empty completion")}
			}
			return resp.Content, nil
		}

		sess.State.AppendHistory(assistantToolMessage(resp))

		for _, call := range resp.ToolCalls {
			result, execErr := o.registry.Execute(ctx, sess, call.Function.Name, call.Function.Arguments)
			if execErr != nil {
				return "", fmt.Errorf("tool %s: %w", call.Function.Name, execErr)
			}

			o.logger.Debug("Tool round result",
				zap.Int("round", round),
				zap.String("tool", call.Function.Name),
				zap.String("result", result))

			sess.State.AppendHistory(plan.Message{
				Role:       plan.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	return "", errNoFinalReply
}

// buildMessages renders the request messages for one round. The system
// prompt is rebuilt every round so tool mutations show up in the snapshot
// the model sees next. Replay enforces tool-call pairing, since the
// completion API rejects requests carrying either half alone: an assistant
// tool-call message whose results never reached history (a turn abandoned
// between rounds) goes out without the calls, and tool results without
// their calling message are dropped.
func (o *Orchestrator) buildMessages(state *plan.State) []openaisdk.ChatCompletionMessage {
	messages := make([]openaisdk.ChatCompletionMessage, 0, len(state.History)+1)
	messages = append(messages, openaisdk.ChatCompletionMessage{
		Role:    openaisdk.ChatMessageRoleSystem,
		Content: prompt.Build(state),
	})

	history := state.History
	for i := 0; i < len(history); i++ {
		msg := history[i]
		switch {
		case msg.Role == plan.RoleTool:
			// Reached only when the result was not consumed by a paired
			// assistant message below; replaying it alone is invalid.
			continue

		case msg.Role == plan.RoleAssistant && len(msg.ToolCalls) > 0:
			results, next := pairedToolResults(history, i)
			if results == nil {
				if msg.Content != "" {
					messages = append(messages, openaisdk.ChatCompletionMessage{
						Role:    openaisdk.ChatMessageRoleAssistant,
						Content: msg.Content,
					})
				}
				continue
			}
			messages = append(messages, toSDKMessage(msg))
			for _, result := range results {
				messages = append(messages, toSDKMessage(result))
			}
			i = next - 1

		default:
			messages = append(messages, toSDKMessage(msg))
		}
	}
	return messages
}

// pairedToolResults collects the run of tool messages answering the
// assistant tool-call message at index i. It returns the results and the
// index past the run when every call is answered, or nil results when any
// call is not.
func pairedToolResults(history []plan.Message, i int) ([]plan.Message, int) {
	pending := make(map[string]bool, len(history[i].ToolCalls))
	for _, call := range history[i].ToolCalls {
		pending[call.ID] = true
	}

	var results []plan.Message
	j := i + 1
	for j < len(history) && history[j].Role == plan.RoleTool {
		if pending[history[j].ToolCallID] {
			delete(pending, history[j].ToolCallID)
			results = append(results, history[j])
		}
		j++
	}
	if len(pending) > 0 {
		return nil, j
	}
	return results, j
}

func toSDKMessage(msg plan.Message) openaisdk.ChatCompletionMessage {
	out := openaisdk.ChatCompletionMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openaisdk.ToolCall{
			ID:   call.ID,
			Type: openaisdk.ToolTypeFunction,
			Function: openaisdk.FunctionCall{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return out
}

func assistantToolMessage(resp *openai.ChatCompletionResponse) plan.Message {
	msg := plan.Message{Role: plan.RoleAssistant, Content: resp.Content}
	for _, call := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, plan.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return msg
}
