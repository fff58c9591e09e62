package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/your-org/ai-plan-assistant/internal/plan"
	"github.com/your-org/ai-plan-assistant/internal/session"
)

func newTestHarness(t *testing.T) (*Registry, *session.Manager, session.Storage) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	storage, err := session.NewSQLiteStorage(dbPath, logger)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	cache := session.NewCache(session.DefaultCacheConfig())
	manager := session.NewManager(storage, cache, logger)
	return NewRegistry(manager, logger), manager, storage
}

func newTestSession(t *testing.T, manager *session.Manager, id string) *session.Session {
	t.Helper()

	sess, err := manager.LoadOrCreate(context.Background(), id)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return sess
}

func mustExecute(t *testing.T, r *Registry, sess *session.Session, name, args string) string {
	t.Helper()

	result, err := r.Execute(context.Background(), sess, name, args)
	if err != nil {
		t.Fatalf("Tool %s failed: %v", name, err)
	}
	return result
}

func TestAddTheme(t *testing.T) {
	registry, manager, storage := newTestHarness(t)
	sess := newTestSession(t, manager, "session_add_theme")

	result := mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food", "isCustom": false}`)
	if result != "Added theme 'Food'." {
		t.Errorf("Unexpected result: %q", result)
	}
	if len(sess.State.Themes) != 1 || sess.State.Themes[0].Name != "Food" {
		t.Errorf("Expected theme Food in state, got %+v", sess.State.Themes)
	}

	// The write must be durable before the tool returns.
	stored, err := storage.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Failed to load persisted session: %v", err)
	}
	if len(stored.State.Themes) != 1 || stored.State.Themes[0].Name != "Food" {
		t.Errorf("Persisted state missing theme: %+v", stored.State.Themes)
	}
}

func TestAddThemeDuplicate(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_dup_theme")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	result := mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food", "isCustom": true}`)

	if result != "Theme 'Food' is already selected." {
		t.Errorf("Unexpected duplicate result: %q", result)
	}
	if len(sess.State.Themes) != 1 {
		t.Errorf("Duplicate add changed state: %+v", sess.State.Themes)
	}
	if sess.State.Themes[0].IsCustom {
		t.Error("Duplicate add must not overwrite the original isCustom flag")
	}
}

func TestAddThemeLimit(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_theme_limit")

	for i := 0; i < plan.MaxThemes; i++ {
		mustExecute(t, registry, sess, ToolAddTheme, fmt.Sprintf(`{"name": "Theme %d"}`, i))
	}

	result := mustExecute(t, registry, sess, ToolAddTheme, `{"name": "One Too Many"}`)
	if result != "Error: maximum of 6 themes reached" {
		t.Errorf("Unexpected limit result: %q", result)
	}
	if len(sess.State.Themes) != plan.MaxThemes {
		t.Errorf("Expected %d themes, got %d", plan.MaxThemes, len(sess.State.Themes))
	}
}

func TestAddThemeEmptyName(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_empty_name")

	result := mustExecute(t, registry, sess, ToolAddTheme, `{"name": "   "}`)
	if result != "Error: name must not be empty" {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestInvalidArguments(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_bad_json")

	result := mustExecute(t, registry, sess, ToolAddTheme, `{"name": `)
	if !strings.HasPrefix(result, "Error: invalid arguments for addTheme") {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestAddTopic(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_add_topic")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)

	result := mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget", "isCustom": true}`)
	if result != "Added topic 'Budget' under theme 'Food'." {
		t.Errorf("Unexpected result: %q", result)
	}
	topics := sess.State.Topics["Food"]
	if len(topics) != 1 || topics[0].Name != "Budget" || !topics[0].IsCustom {
		t.Errorf("Unexpected topics: %+v", topics)
	}

	dup := mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)
	if dup != "Topic 'Budget' is already selected under theme 'Food'." {
		t.Errorf("Unexpected duplicate result: %q", dup)
	}
}

func TestAddTopicUnknownTheme(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_topic_no_theme")

	result := mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Travel", "name": "Flights"}`)
	if result != "Error: unknown theme 'Travel'" {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestAddTopicLimit(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_topic_limit")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	for i := 0; i < plan.MaxTopicsPerTheme; i++ {
		mustExecute(t, registry, sess, ToolAddTopic, fmt.Sprintf(`{"theme": "Food", "name": "Topic %d"}`, i))
	}

	result := mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "One Too Many"}`)
	if result != "Error: maximum of 4 topics per theme reached" {
		t.Errorf("Unexpected limit result: %q", result)
	}
}

func TestRemoveTheme(t *testing.T) {
	registry, manager, storage := newTestHarness(t)
	sess := newTestSession(t, manager, "session_remove_theme")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)

	result := mustExecute(t, registry, sess, ToolRemoveTheme, `{"name": "Food"}`)
	if result != "Removed theme 'Food' and everything under it." {
		t.Errorf("Unexpected result: %q", result)
	}
	if len(sess.State.Themes) != 0 {
		t.Errorf("Theme not removed: %+v", sess.State.Themes)
	}
	if _, ok := sess.State.Topics["Food"]; ok {
		t.Error("Topics not cascaded on theme removal")
	}

	stored, err := storage.Load(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Failed to load persisted session: %v", err)
	}
	if len(stored.State.Themes) != 0 {
		t.Errorf("Persisted state still has themes: %+v", stored.State.Themes)
	}
}

func TestRemoveThemeNotFound(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_remove_missing")

	result := mustExecute(t, registry, sess, ToolRemoveTheme, `{"name": "Ghost"}`)
	if result != "Error: theme 'Ghost' not found" {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestRemoveTopic(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_remove_topic")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)

	result := mustExecute(t, registry, sess, ToolRemoveTopic, `{"theme": "Food", "name": "Budget"}`)
	if result != "Removed topic 'Budget' from theme 'Food'." {
		t.Errorf("Unexpected result: %q", result)
	}
	if len(sess.State.Topics["Food"]) != 0 {
		t.Errorf("Topic not removed: %+v", sess.State.Topics["Food"])
	}

	missingTopic := mustExecute(t, registry, sess, ToolRemoveTopic, `{"theme": "Food", "name": "Budget"}`)
	if missingTopic != "Error: topic 'Budget' not found under theme 'Food'" {
		t.Errorf("Unexpected result: %q", missingTopic)
	}

	missingTheme := mustExecute(t, registry, sess, ToolRemoveTopic, `{"theme": "Travel", "name": "Flights"}`)
	if missingTheme != "Error: unknown theme 'Travel'" {
		t.Errorf("Unexpected result: %q", missingTheme)
	}
}

func TestRenameTheme(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_rename_theme")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)
	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Travel"}`)

	result := mustExecute(t, registry, sess, ToolRenameTheme, `{"old": "Food", "new": "Catering"}`)
	if result != "Renamed theme 'Food' to 'Catering'." {
		t.Errorf("Unexpected result: %q", result)
	}
	if sess.State.Themes[0].Name != "Catering" {
		t.Errorf("Theme not renamed: %+v", sess.State.Themes)
	}
	if len(sess.State.Topics["Catering"]) != 1 {
		t.Error("Topics did not follow the renamed theme")
	}

	taken := mustExecute(t, registry, sess, ToolRenameTheme, `{"old": "Catering", "new": "Travel"}`)
	if taken != "Error: name already in use" {
		t.Errorf("Unexpected result: %q", taken)
	}

	missing := mustExecute(t, registry, sess, ToolRenameTheme, `{"old": "Ghost", "new": "Spirit"}`)
	if missing != "Error: theme 'Ghost' not found" {
		t.Errorf("Unexpected result: %q", missing)
	}
}

func TestRenameTopic(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_rename_topic")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)

	result := mustExecute(t, registry, sess, ToolRenameTopic, `{"theme": "Food", "old": "Budget", "new": "Costs"}`)
	if result != "Renamed topic 'Budget' to 'Costs' under theme 'Food'." {
		t.Errorf("Unexpected result: %q", result)
	}
	if sess.State.Topics["Food"][0].Name != "Costs" {
		t.Errorf("Topic not renamed: %+v", sess.State.Topics["Food"])
	}

	missing := mustExecute(t, registry, sess, ToolRenameTopic, `{"theme": "Food", "old": "Budget", "new": "Spend"}`)
	if missing != "Error: topic 'Budget' not found under theme 'Food'" {
		t.Errorf("Unexpected result: %q", missing)
	}
}

func TestConfirmSelections(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_confirm")

	noThemes := mustExecute(t, registry, sess, ToolConfirmSelections, "")
	if noThemes != "Error: no themes selected" {
		t.Errorf("Unexpected result: %q", noThemes)
	}

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Travel"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)

	incomplete := mustExecute(t, registry, sess, ToolConfirmSelections, "")
	if !strings.Contains(incomplete, "Error: incomplete selections") || !strings.Contains(incomplete, "Travel") {
		t.Errorf("Unexpected incomplete result: %q", incomplete)
	}
	if sess.State.Stage != plan.StageThemeSelection {
		t.Errorf("Failed confirmation must not advance the stage, got %s", sess.State.Stage)
	}

	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Travel", "name": "Flights"}`)

	confirmed := mustExecute(t, registry, sess, ToolConfirmSelections, "")
	if !strings.Contains(confirmed, "2 questions are queued") {
		t.Errorf("Unexpected confirmation result: %q", confirmed)
	}
	if sess.State.Stage != plan.StageQASession {
		t.Errorf("Expected stage %s, got %s", plan.StageQASession, sess.State.Stage)
	}
	if len(sess.State.Queue) != 2 {
		t.Errorf("Expected 2 queued questions, got %d", len(sess.State.Queue))
	}
}

func TestQuestionFlow(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_qa_flow")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Venue"}`)
	mustExecute(t, registry, sess, ToolConfirmSelections, "")

	first := mustExecute(t, registry, sess, ToolGetNextQuestion, "")
	want := "Next question (theme 'Food', topic 'Budget'): What are your wishes regarding 'Budget'?"
	if first != want {
		t.Errorf("Unexpected first question:\n got %q\nwant %q", first, want)
	}

	// Asking again without answering repeats the pending question.
	repeat := mustExecute(t, registry, sess, ToolGetNextQuestion, "")
	if !strings.HasPrefix(repeat, "A question is already pending") || !strings.Contains(repeat, "Budget") {
		t.Errorf("Unexpected repeat result: %q", repeat)
	}

	answered := mustExecute(t, registry, sess, ToolLogAnswer, `{"answer": "Around 2000 euros"}`)
	if answered != "Answer recorded for topic 'Budget' (theme 'Food')." {
		t.Errorf("Unexpected answer result: %q", answered)
	}
	if sess.State.Current != nil {
		t.Error("Current question not cleared after answer")
	}
	if len(sess.State.QAItems) != 1 || sess.State.QAItems[0].Answer != "Around 2000 euros" {
		t.Errorf("Answer not recorded: %+v", sess.State.QAItems)
	}

	second := mustExecute(t, registry, sess, ToolGetNextQuestion, "")
	if !strings.Contains(second, "'Venue'") {
		t.Errorf("Unexpected second question: %q", second)
	}
	mustExecute(t, registry, sess, ToolLogAnswer, `{"answer": "Something outdoors"}`)

	done := mustExecute(t, registry, sess, ToolGetNextQuestion, "")
	if done != CompletionMessage {
		t.Errorf("Unexpected completion result: %q", done)
	}
	if sess.State.Stage != plan.StageCompleted {
		t.Errorf("Expected stage %s, got %s", plan.StageCompleted, sess.State.Stage)
	}

	// Completed sessions keep answering with the terminal message.
	again := mustExecute(t, registry, sess, ToolGetNextQuestion, "")
	if again != CompletionMessage {
		t.Errorf("Unexpected repeat completion result: %q", again)
	}
}

func TestGetNextQuestionBeforeConfirmation(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_early_question")

	result := mustExecute(t, registry, sess, ToolGetNextQuestion, "")
	if result != "Error: selections not confirmed" {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestLogAnswerWithoutQuestion(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_no_question")

	result := mustExecute(t, registry, sess, ToolLogAnswer, `{"answer": "Into the void"}`)
	if result != "Error: no active question" {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestGetStatus(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_status")

	mustExecute(t, registry, sess, ToolAddTheme, `{"name": "Food", "isCustom": true}`)
	mustExecute(t, registry, sess, ToolAddTopic, `{"theme": "Food", "name": "Budget"}`)

	result := mustExecute(t, registry, sess, ToolGetStatus, "")

	var snapshot plan.Snapshot
	if err := json.Unmarshal([]byte(result), &snapshot); err != nil {
		t.Fatalf("Status is not valid JSON: %v\n%s", err, result)
	}
	if snapshot.Stage != plan.StageThemeSelection {
		t.Errorf("Expected stage %s, got %s", plan.StageThemeSelection, snapshot.Stage)
	}
	if len(snapshot.Themes) != 1 || !snapshot.Themes[0].IsCustom {
		t.Errorf("Unexpected themes in snapshot: %+v", snapshot.Themes)
	}
	if len(snapshot.Topics["Food"]) != 1 {
		t.Errorf("Unexpected topics in snapshot: %+v", snapshot.Topics)
	}
}

func TestUnknownTool(t *testing.T) {
	registry, manager, _ := newTestHarness(t)
	sess := newTestSession(t, manager, "session_unknown_tool")

	result := mustExecute(t, registry, sess, "fetchWeather", "{}")
	if result != "Error: unknown tool 'fetchWeather'" {
		t.Errorf("Unexpected result: %q", result)
	}
}

func TestDefinitions(t *testing.T) {
	registry, _, _ := newTestHarness(t)

	defs := registry.Definitions()
	if len(defs) != 10 {
		t.Fatalf("Expected 10 tool definitions, got %d", len(defs))
	}

	names := make(map[string]bool)
	for _, def := range defs {
		if def.Function == nil {
			t.Fatal("Tool definition missing function")
		}
		names[def.Function.Name] = true
	}
	for _, want := range []string{
		ToolAddTheme, ToolAddTopic, ToolRemoveTheme, ToolRemoveTopic,
		ToolRenameTheme, ToolRenameTopic, ToolConfirmSelections,
		ToolGetNextQuestion, ToolLogAnswer, ToolGetStatus,
	} {
		if !names[want] {
			t.Errorf("Missing tool definition %s", want)
		}
	}
}

type failingStorage struct{}

func (f *failingStorage) Load(ctx context.Context, sessionID string) (*session.Session, error) {
	return nil, session.ErrSessionNotFound
}

func (f *failingStorage) Save(ctx context.Context, sess *session.Session) error {
	return errors.New("disk full")
}

func (f *failingStorage) Delete(ctx context.Context, sessionID string) error { return nil }
func (f *failingStorage) Ping(ctx context.Context) error                     { return nil }
func (f *failingStorage) Close() error                                       { return nil }

func TestPersistenceFailureIsFatal(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cache := session.NewCache(session.DefaultCacheConfig())
	manager := session.NewManager(&failingStorage{}, cache, logger)
	registry := NewRegistry(manager, logger)

	sess := &session.Session{ID: "session_broken_disk", State: plan.NewState()}

	result, err := registry.Execute(context.Background(), sess, ToolAddTheme, `{"name": "Food"}`)
	if err == nil {
		t.Fatal("Expected a persistence error")
	}
	if result != "" {
		t.Errorf("Expected empty result on persistence failure, got %q", result)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Expected wrapped storage error, got %v", err)
	}
}

func TestPanicRecovery(t *testing.T) {
	registry, _, _ := newTestHarness(t)

	// A nil session makes the handler dereference through nil; the registry
	// must turn that into an error string instead of crashing the turn.
	result, err := registry.Execute(context.Background(), nil, ToolAddTheme, `{"name": "Food"}`)
	if err != nil {
		t.Fatalf("Panic must not surface as an error: %v", err)
	}
	if result != "Error: tool 'addTheme' failed unexpectedly" {
		t.Errorf("Unexpected result: %q", result)
	}
}
