// Package prompt assembles the system prompt that steers the completion
// service through the planning workflow. The prompt combines a fixed persona,
// stage-specific guidance and a JSON snapshot of the current plan so the
// model never has to reconstruct state from conversation history alone.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/your-org/ai-plan-assistant/internal/plan"
)

const basePrompt = `You are a friendly planning assistant. You help the user build a plan step by step: first they choose the themes the plan should cover, then the topics that matter within each theme, and finally you walk them through one question per topic and record their wishes.

Rules you must always follow:
- Every change to the plan goes through a tool call. Never claim something was added, removed or renamed without calling the matching tool first.
- A plan holds at most 6 themes and at most 4 topics per theme. When a tool reports a limit, relay it kindly and suggest removing or merging entries.
- Set isCustom to true when the user came up with the theme or topic themselves, and false when they picked one of your suggestions.
- When a tool result starts with "Error:", explain the problem in plain words and help the user resolve it. Do not retry the same call unchanged.
- Ask about one thing at a time and keep replies short, warm and concrete.
- Answer in the language the user writes in.
`

// Build renders the complete system prompt for the session's current state
func Build(state *plan.State) string {
	var b strings.Builder

	b.WriteString(basePrompt)
	b.WriteString("\n")
	b.WriteString(stageInstructions(state.Stage))

	b.WriteString("\n--- Current Plan ---\n")
	b.WriteString(snapshotJSON(state))
	b.WriteString("\n")

	if state.Summary != "" {
		b.WriteString("\n--- Earlier Conversation (summarized) ---\n")
		b.WriteString(state.Summary)
		b.WriteString("\n")
	}

	return b.String()
}

// stageInstructions returns the guidance block for a workflow stage
func stageInstructions(stage plan.Stage) string {
	switch stage {
	case plan.StageThemeSelection:
		return `CURRENT PHASE: theme selection.
Help the user pick the themes their plan should cover. Offer a handful of suggestions (for example food & drinks, music, guests, location, decoration, budget) but welcome their own ideas. Record each accepted theme with addTheme. Once they are happy with the themes, move on to choosing topics per theme.
`
	case plan.StageTopicSelection:
		return `CURRENT PHASE: topic selection.
For each chosen theme, help the user pick the topics they want to give input on. Record each with addTopic. Every theme needs at least one topic before the plan can be confirmed. When each theme has topics and the user agrees the selection is complete, call confirmSelections to lock it in and start the question round.
`
	case plan.StageQASession:
		return `CURRENT PHASE: question round.
Call getNextQuestion to fetch the pending question and relay it to the user. When the user answers, record it with logAnswer and then fetch the next question. Do not skip questions or invent your own. If the user wants to change themes or topics mid-round, use the editing tools; the selection will need to be confirmed again afterwards.
`
	case plan.StageCompleted:
		return `CURRENT PHASE: completed.
Every question has been answered. Thank the user, and offer a recap of their recorded wishes via getStatus if they would like one. If they want to change anything, the editing tools reopen the selection.
`
	default:
		return ""
	}
}

// snapshotJSON renders the durable plan fields as indented JSON. A marshal
// failure cannot happen with these types, but the fallback keeps the prompt
// usable if it ever does.
func snapshotJSON(state *plan.State) string {
	data, err := json.MarshalIndent(state.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Sprintf("(plan snapshot unavailable: %v)", err)
	}
	return string(data)
}
