// Package tools exposes the plan-editing operations the completion service
// may invoke during a turn. Every tool validates its arguments, mutates the
// session's workflow state and persists it before returning; failures the
// model can react to are returned as "Error: ..." strings, while persistence
// failures are returned as real errors and abort the turn.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/plan"
	"github.com/your-org/ai-plan-assistant/internal/session"
)

// Tool names advertised to the completion service.
const (
	ToolAddTheme          = "addTheme"
	ToolAddTopic          = "addTopic"
	ToolRemoveTheme       = "removeTheme"
	ToolRemoveTopic       = "removeTopic"
	ToolRenameTheme       = "renameTheme"
	ToolRenameTopic       = "renameTopic"
	ToolConfirmSelections = "confirmSelections"
	ToolGetNextQuestion   = "getNextQuestion"
	ToolLogAnswer         = "logAnswer"
	ToolGetStatus         = "getStatus"
)

// CompletionMessage is returned by getNextQuestion once every queued question
// has been answered.
const CompletionMessage = "All questions have been answered. The plan is complete."

type handlerFunc func(ctx context.Context, sess *session.Session, args json.RawMessage) (string, error)

type toolSpec struct {
	definition openai.FunctionDefinition
	handler    handlerFunc
}

// Registry holds the tool set for the dialogue loop. Schemas are built once
// at startup; Execute dispatches by name.
type Registry struct {
	sessions *session.Manager
	logger   *zap.Logger
	specs    []toolSpec
	index    map[string]toolSpec
}

// NewRegistry creates the registry with every plan tool registered
func NewRegistry(sessions *session.Manager, logger *zap.Logger) *Registry {
	r := &Registry{
		sessions: sessions,
		logger:   logger,
		index:    make(map[string]toolSpec),
	}

	r.register(openai.FunctionDefinition{
		Name:        ToolAddTheme,
		Description: "Add a theme to the user's plan. Set isCustom to true when the user proposed the theme themselves instead of picking a suggested one.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"name":     {Type: jsonschema.String, Description: "Name of the theme"},
				"isCustom": {Type: jsonschema.Boolean, Description: "Whether the user proposed this theme themselves"},
			},
			Required: []string{"name"},
		},
	}, r.addTheme)

	r.register(openai.FunctionDefinition{
		Name:        ToolAddTopic,
		Description: "Add a topic under an existing theme. Set isCustom to true when the user proposed the topic themselves.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"theme":    {Type: jsonschema.String, Description: "Name of the theme the topic belongs to"},
				"name":     {Type: jsonschema.String, Description: "Name of the topic"},
				"isCustom": {Type: jsonschema.Boolean, Description: "Whether the user proposed this topic themselves"},
			},
			Required: []string{"theme", "name"},
		},
	}, r.addTopic)

	r.register(openai.FunctionDefinition{
		Name:        ToolRemoveTheme,
		Description: "Remove a theme from the plan together with its topics and any answers already given for it.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"name": {Type: jsonschema.String, Description: "Name of the theme to remove"},
			},
			Required: []string{"name"},
		},
	}, r.removeTheme)

	r.register(openai.FunctionDefinition{
		Name:        ToolRemoveTopic,
		Description: "Remove a topic from a theme together with any answers already given for it.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"theme": {Type: jsonschema.String, Description: "Name of the theme the topic belongs to"},
				"name":  {Type: jsonschema.String, Description: "Name of the topic to remove"},
			},
			Required: []string{"theme", "name"},
		},
	}, r.removeTopic)

	r.register(openai.FunctionDefinition{
		Name:        ToolRenameTheme,
		Description: "Rename an existing theme. Topics and answers under it are kept.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"old": {Type: jsonschema.String, Description: "Current name of the theme"},
				"new": {Type: jsonschema.String, Description: "New name for the theme"},
			},
			Required: []string{"old", "new"},
		},
	}, r.renameTheme)

	r.register(openai.FunctionDefinition{
		Name:        ToolRenameTopic,
		Description: "Rename a topic under a theme. Answers already given for it are kept.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"theme": {Type: jsonschema.String, Description: "Name of the theme the topic belongs to"},
				"old":   {Type: jsonschema.String, Description: "Current name of the topic"},
				"new":   {Type: jsonschema.String, Description: "New name for the topic"},
			},
			Required: []string{"theme", "old", "new"},
		},
	}, r.renameTopic)

	r.register(openai.FunctionDefinition{
		Name:        ToolConfirmSelections,
		Description: "Confirm the selected themes and topics, build the question queue and start the question session. Every theme must have at least one topic.",
		Parameters: jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: map[string]jsonschema.Definition{},
		},
	}, r.confirmSelections)

	r.register(openai.FunctionDefinition{
		Name:        ToolGetNextQuestion,
		Description: "Fetch the next question the user should answer. Repeats the pending question if one is already active.",
		Parameters: jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: map[string]jsonschema.Definition{},
		},
	}, r.getNextQuestion)

	r.register(openai.FunctionDefinition{
		Name:        ToolLogAnswer,
		Description: "Record the user's answer to the currently active question.",
		Parameters: jsonschema.Definition{
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"answer": {Type: jsonschema.String, Description: "The user's answer"},
			},
			Required: []string{"answer"},
		},
	}, r.logAnswer)

	r.register(openai.FunctionDefinition{
		Name:        ToolGetStatus,
		Description: "Get a JSON snapshot of the current plan: stage, themes, topics and recorded answers.",
		Parameters: jsonschema.Definition{
			Type:       jsonschema.Object,
			Properties: map[string]jsonschema.Definition{},
		},
	}, r.getStatus)

	return r
}

func (r *Registry) register(def openai.FunctionDefinition, handler handlerFunc) {
	spec := toolSpec{definition: def, handler: handler}
	r.specs = append(r.specs, spec)
	r.index[def.Name] = spec
}

// Definitions returns the tool schemas advertised to the completion service
func (r *Registry) Definitions() []openai.Tool {
	tools := make([]openai.Tool, 0, len(r.specs))
	for i := range r.specs {
		def := r.specs[i].definition
		tools = append(tools, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: &def,
		})
	}
	return tools
}

// Execute runs a named tool against the session. The returned string is what
// the model sees; a non-nil error means the session could not be persisted
// and the turn must abort.
func (r *Registry) Execute(ctx context.Context, sess *session.Session, name, rawArgs string) (result string, err error) {
	spec, ok := r.index[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool '%s'", name), nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool execution panicked",
				zap.String("tool", name),
				zap.Any("panic", rec))
			result = fmt.Sprintf("Error: tool '%s' failed unexpectedly", name)
			err = nil
		}
	}()

	r.logger.Debug("Executing tool",
		zap.String("tool", name),
		zap.String("session_id", sess.ID))

	return spec.handler(ctx, sess, json.RawMessage(rawArgs))
}

func (r *Registry) persist(ctx context.Context, sess *session.Session) error {
	if err := r.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", sess.ID, err)
	}
	return nil
}

func toolError(err error) string {
	return "Error: " + err.Error()
}

type addThemeArgs struct {
	Name     string `json:"name"`
	IsCustom bool   `json:"isCustom"`
}

func (r *Registry) addTheme(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args addThemeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolAddTheme, err), nil
	}

	added, err := sess.State.AddTheme(args.Name, args.IsCustom)
	if err != nil {
		return toolError(err), nil
	}
	if !added {
		return fmt.Sprintf("Theme '%s' is already selected.", args.Name), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added theme '%s'.", args.Name), nil
}

type addTopicArgs struct {
	Theme    string `json:"theme"`
	Name     string `json:"name"`
	IsCustom bool   `json:"isCustom"`
}

func (r *Registry) addTopic(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args addTopicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolAddTopic, err), nil
	}

	added, err := sess.State.AddTopic(args.Theme, args.Name, args.IsCustom)
	if err != nil {
		if errors.Is(err, plan.ErrThemeNotFound) {
			return fmt.Sprintf("Error: unknown theme '%s'", args.Theme), nil
		}
		return toolError(err), nil
	}
	if !added {
		return fmt.Sprintf("Topic '%s' is already selected under theme '%s'.", args.Name, args.Theme), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Added topic '%s' under theme '%s'.", args.Name, args.Theme), nil
}

type removeThemeArgs struct {
	Name string `json:"name"`
}

func (r *Registry) removeTheme(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args removeThemeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolRemoveTheme, err), nil
	}

	if err := sess.State.RemoveTheme(args.Name); err != nil {
		if errors.Is(err, plan.ErrThemeNotFound) {
			return fmt.Sprintf("Error: theme '%s' not found", args.Name), nil
		}
		return toolError(err), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed theme '%s' and everything under it.", args.Name), nil
}

type removeTopicArgs struct {
	Theme string `json:"theme"`
	Name  string `json:"name"`
}

func (r *Registry) removeTopic(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args removeTopicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolRemoveTopic, err), nil
	}

	if err := sess.State.RemoveTopic(args.Theme, args.Name); err != nil {
		switch {
		case errors.Is(err, plan.ErrThemeNotFound):
			return fmt.Sprintf("Error: unknown theme '%s'", args.Theme), nil
		case errors.Is(err, plan.ErrTopicNotFound):
			return fmt.Sprintf("Error: topic '%s' not found under theme '%s'", args.Name, args.Theme), nil
		}
		return toolError(err), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed topic '%s' from theme '%s'.", args.Name, args.Theme), nil
}

type renameThemeArgs struct {
	Old string `json:"old"`
	New string `json:"new"`
}

func (r *Registry) renameTheme(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args renameThemeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolRenameTheme, err), nil
	}

	if err := sess.State.RenameTheme(args.Old, args.New); err != nil {
		if errors.Is(err, plan.ErrThemeNotFound) {
			return fmt.Sprintf("Error: theme '%s' not found", args.Old), nil
		}
		return toolError(err), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Renamed theme '%s' to '%s'.", args.Old, args.New), nil
}

type renameTopicArgs struct {
	Theme string `json:"theme"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

func (r *Registry) renameTopic(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args renameTopicArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolRenameTopic, err), nil
	}

	if err := sess.State.RenameTopic(args.Theme, args.Old, args.New); err != nil {
		switch {
		case errors.Is(err, plan.ErrThemeNotFound):
			return fmt.Sprintf("Error: unknown theme '%s'", args.Theme), nil
		case errors.Is(err, plan.ErrTopicNotFound):
			return fmt.Sprintf("Error: topic '%s' not found under theme '%s'", args.Old, args.Theme), nil
		}
		return toolError(err), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Renamed topic '%s' to '%s' under theme '%s'.", args.Old, args.New, args.Theme), nil
}

func (r *Registry) confirmSelections(ctx context.Context, sess *session.Session, _ json.RawMessage) (string, error) {
	queued, err := sess.State.ConfirmSelections()
	if err != nil {
		var missing *plan.MissingTopicsError
		if errors.As(err, &missing) {
			return fmt.Sprintf("Error: incomplete selections, %s. Add at least one topic to each theme before confirming.", missing.Error()), nil
		}
		return toolError(err), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	if queued == 0 {
		return "Selections confirmed. Every topic already has an answer; call getNextQuestion to finish.", nil
	}
	return fmt.Sprintf("Selections confirmed. %d questions are queued; call getNextQuestion to begin.", queued), nil
}

func (r *Registry) getNextQuestion(ctx context.Context, sess *session.Session, _ json.RawMessage) (string, error) {
	wasCompleted := sess.State.Stage == plan.StageCompleted
	hadCurrent := sess.State.Current != nil

	q, ok, err := sess.State.NextQuestion()
	if err != nil {
		return toolError(err), nil
	}
	if !ok {
		// Queue drained. Persist the COMPLETED transition; repeat calls
		// change nothing and skip the write.
		if !wasCompleted {
			if err := r.persist(ctx, sess); err != nil {
				return "", err
			}
		}
		return CompletionMessage, nil
	}
	if hadCurrent {
		return fmt.Sprintf("A question is already pending (theme '%s', topic '%s'): %s", q.Theme, q.Topic, q.Text), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Next question (theme '%s', topic '%s'): %s", q.Theme, q.Topic, q.Text), nil
}

type logAnswerArgs struct {
	Answer string `json:"answer"`
}

func (r *Registry) logAnswer(ctx context.Context, sess *session.Session, raw json.RawMessage) (string, error) {
	var args logAnswerArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return fmt.Sprintf("Error: invalid arguments for %s: %v", ToolLogAnswer, err), nil
	}

	item, err := sess.State.LogAnswer(args.Answer)
	if err != nil {
		return toolError(err), nil
	}
	if err := r.persist(ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("Answer recorded for topic '%s' (theme '%s').", item.Topic, item.Theme), nil
}

func (r *Registry) getStatus(_ context.Context, sess *session.Session, _ json.RawMessage) (string, error) {
	snapshot := sess.State.Snapshot()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Sprintf("Error: failed to serialize plan status: %v", err), nil
	}
	return string(data), nil
}
