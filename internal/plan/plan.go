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

// Package plan models the guided plan workflow: the selection stages, the
// themes and topics the user picks, and the question/answer ledger built from
// them. All mutations preserve the workflow invariants (theme/topic limits,
// stage ordering, queue consistency) so callers never observe a state the
// workflow could not have reached.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxThemes is the maximum number of themes a plan may hold
	MaxThemes = 6
	// MaxTopicsPerTheme is the maximum number of topics under one theme
	MaxTopicsPerTheme = 4
)

// Stage represents the current phase of the guided workflow
type Stage string

const (
	// StageThemeSelection is the initial phase where themes are chosen
	StageThemeSelection Stage = "THEME_SELECTION"
	// StageTopicSelection is the phase where topics are chosen per theme
	StageTopicSelection Stage = "TOPIC_SELECTION"
	// StageQASession is the phase where queued questions are answered
	StageQASession Stage = "QA_SESSION"
	// StageCompleted indicates every queued question has been handled
	StageCompleted Stage = "COMPLETED"
)

// Theme is a top-level category selected for the plan
type Theme struct {
	Name     string `json:"name"`
	IsCustom bool   `json:"is_custom"`
}

// Topic is a sub-item under a theme; each topic yields one question
type Topic struct {
	Name     string `json:"name"`
	IsCustom bool   `json:"is_custom"`
}

// QAItem is one answered (or answer-pending) question in the plan ledger.
// Items are upserted by (theme, question): logging a second answer for the
// same pair replaces the previous answer instead of appending.
type QAItem struct {
	Theme    string `json:"theme"`
	Topic    string `json:"topic"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Question is a pending entry on the QA queue
type Question struct {
	Theme string `json:"theme"`
	Topic string `json:"topic"`
	Text  string `json:"question"`
}

// MessageRole identifies the author of a conversation turn
type MessageRole string

const (
	// RoleSystem marks instructions injected by the orchestrator
	RoleSystem MessageRole = "system"
	// RoleUser marks end-user turns
	RoleUser MessageRole = "user"
	// RoleAssistant marks completion-service turns
	RoleAssistant MessageRole = "assistant"
	// RoleTool marks tool execution results fed back to the model
	RoleTool MessageRole = "tool"
)

// ToolCall records one tool invocation requested by the completion service
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one conversation turn, including any tool-call records
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// State is the complete workflow state for one session. Themes, topics, QA
// items and the summary are durable; the queue, current question and history
// live only in the cache layer and are rebuilt after a restart.
type State struct {
	Stage   Stage              `json:"stage"`
	Themes  []Theme            `json:"themes"`
	Topics  map[string][]Topic `json:"topics"`
	QAItems []QAItem           `json:"qa_items"`
	Queue   []Question         `json:"qa_queue,omitempty"`
	Current *Question          `json:"current_question,omitempty"`
	History []Message          `json:"history,omitempty"`
	Summary string             `json:"summary"`
}

// Snapshot is the externally visible view of a plan: stage plus everything the
// user has selected and answered so far
type Snapshot struct {
	Stage   Stage              `json:"stage"`
	Themes  []Theme            `json:"themes"`
	Topics  map[string][]Topic `json:"topics"`
	QAItems []QAItem           `json:"qa_items"`
}

var (
	// ErrEmptyName is returned when a theme or topic name is blank
	ErrEmptyName = errors.New("name must not be empty")
	// ErrMaxThemes is returned when the theme limit is reached
	ErrMaxThemes = fmt.Errorf("maximum of %d themes reached", MaxThemes)
	// ErrMaxTopics is returned when a theme's topic limit is reached
	ErrMaxTopics = fmt.Errorf("maximum of %d topics per theme reached", MaxTopicsPerTheme)
	// ErrThemeNotFound is returned when a named theme does not exist
	ErrThemeNotFound = errors.New("theme not found")
	// ErrTopicNotFound is returned when a named topic does not exist
	ErrTopicNotFound = errors.New("topic not found")
	// ErrNameTaken is returned when a rename target already exists
	ErrNameTaken = errors.New("name already in use")
	// ErrNoThemes is returned when confirmation runs with no themes selected
	ErrNoThemes = errors.New("no themes selected")
	// ErrNotConfirmed is returned when questions are requested before
	// selections are confirmed
	ErrNotConfirmed = errors.New("selections not confirmed")
	// ErrNoActiveQuestion is returned when an answer arrives with no
	// question pending
	ErrNoActiveQuestion = errors.New("no active question")
)

// MissingTopicsError reports themes that block confirmation because they have
// no topics yet
type MissingTopicsError struct {
	Themes []string
}

func (e *MissingTopicsError) Error() string {
	return fmt.Sprintf("themes missing topics: %s", strings.Join(e.Themes, ", "))
}

// NewState returns a fresh workflow state at the theme-selection stage
func NewState() *State {
	return &State{
		Stage:  StageThemeSelection,
		Topics: make(map[string][]Topic),
	}
}

// QuestionText derives the question asked for a topic. The text depends only
// on the topic name so renaming a theme never invalidates queued questions or
// the (theme, question) upsert key.
func QuestionText(topic string) string {
	return fmt.Sprintf("What are your wishes regarding '%s'?", topic)
}

// AddTheme appends a theme. Adding a name that is already present is a no-op
// acknowledged with added=false, so repeated tool deliveries never corrupt
// state. Editing the theme set after confirmation re-enters topic selection.
func (s *State) AddTheme(name string, isCustom bool) (added bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, ErrEmptyName
	}
	if s.hasTheme(name) {
		return false, nil
	}
	if len(s.Themes) >= MaxThemes {
		return false, ErrMaxThemes
	}
	s.Themes = append(s.Themes, Theme{Name: name, IsCustom: isCustom})
	if s.Topics == nil {
		s.Topics = make(map[string][]Topic)
	}
	s.regressAfterThemeEdit()
	return true, nil
}

// AddTopic appends a topic under an existing theme. Duplicates are no-ops.
// The first topic added moves the workflow out of theme selection.
func (s *State) AddTopic(theme, name string, isCustom bool) (added bool, err error) {
	theme = strings.TrimSpace(theme)
	name = strings.TrimSpace(name)
	if theme == "" || name == "" {
		return false, ErrEmptyName
	}
	if !s.hasTheme(theme) {
		return false, ErrThemeNotFound
	}
	for _, t := range s.Topics[theme] {
		if t.Name == name {
			return false, nil
		}
	}
	if len(s.Topics[theme]) >= MaxTopicsPerTheme {
		return false, ErrMaxTopics
	}
	s.Topics[theme] = append(s.Topics[theme], Topic{Name: name, IsCustom: isCustom})
	if s.Stage == StageThemeSelection {
		s.Stage = StageTopicSelection
	}
	return true, nil
}

// RemoveTheme removes a theme together with its topics, its QA items and any
// questions queued for it. Removing the last theme resets the workflow to
// theme selection.
func (s *State) RemoveTheme(name string) error {
	name = strings.TrimSpace(name)
	idx := s.themeIndex(name)
	if idx < 0 {
		return ErrThemeNotFound
	}
	s.Themes = append(s.Themes[:idx], s.Themes[idx+1:]...)
	delete(s.Topics, name)

	kept := s.QAItems[:0]
	for _, item := range s.QAItems {
		if item.Theme != name {
			kept = append(kept, item)
		}
	}
	s.QAItems = kept

	s.dropQueued(func(q Question) bool { return q.Theme == name })
	if s.Current != nil && s.Current.Theme == name {
		s.Current = nil
	}

	if len(s.Themes) == 0 {
		s.Stage = StageThemeSelection
		s.Queue = nil
		s.Current = nil
		return nil
	}
	s.regressAfterThemeEdit()
	return nil
}

// RemoveTopic removes a topic, the QA items answered for it and any queued or
// pending question it produced.
func (s *State) RemoveTopic(theme, name string) error {
	theme = strings.TrimSpace(theme)
	name = strings.TrimSpace(name)
	if !s.hasTheme(theme) {
		return ErrThemeNotFound
	}
	topics := s.Topics[theme]
	idx := -1
	for i, t := range topics {
		if t.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrTopicNotFound
	}
	s.Topics[theme] = append(topics[:idx], topics[idx+1:]...)

	kept := s.QAItems[:0]
	for _, item := range s.QAItems {
		if item.Theme != theme || item.Topic != name {
			kept = append(kept, item)
		}
	}
	s.QAItems = kept

	s.dropQueued(func(q Question) bool { return q.Theme == theme && q.Topic == name })
	if s.Current != nil && s.Current.Theme == theme && s.Current.Topic == name {
		s.Current = nil
	}
	return nil
}

// RenameTheme relabels a theme everywhere it is referenced: the theme list,
// the topic map, the QA ledger and any queued or pending question. Question
// text is untouched because it derives from the topic name alone.
func (s *State) RenameTheme(oldName, newName string) error {
	oldName = strings.TrimSpace(oldName)
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrEmptyName
	}
	idx := s.themeIndex(oldName)
	if idx < 0 {
		return ErrThemeNotFound
	}
	if oldName == newName {
		return nil
	}
	if s.hasTheme(newName) {
		return ErrNameTaken
	}
	s.Themes[idx].Name = newName
	s.Topics[newName] = s.Topics[oldName]
	delete(s.Topics, oldName)
	for i := range s.QAItems {
		if s.QAItems[i].Theme == oldName {
			s.QAItems[i].Theme = newName
		}
	}
	for i := range s.Queue {
		if s.Queue[i].Theme == oldName {
			s.Queue[i].Theme = newName
		}
	}
	if s.Current != nil && s.Current.Theme == oldName {
		s.Current.Theme = newName
	}
	return nil
}

// RenameTopic relabels a topic under one theme. Queued and pending questions
// are re-derived from the new name; already-answered QA items keep the text
// they were asked with.
func (s *State) RenameTopic(theme, oldName, newName string) error {
	theme = strings.TrimSpace(theme)
	oldName = strings.TrimSpace(oldName)
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrEmptyName
	}
	if !s.hasTheme(theme) {
		return ErrThemeNotFound
	}
	topics := s.Topics[theme]
	idx := -1
	for i, t := range topics {
		if t.Name == oldName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrTopicNotFound
	}
	if oldName == newName {
		return nil
	}
	for _, t := range topics {
		if t.Name == newName {
			return ErrNameTaken
		}
	}
	topics[idx].Name = newName
	for i := range s.QAItems {
		if s.QAItems[i].Theme == theme && s.QAItems[i].Topic == oldName {
			s.QAItems[i].Topic = newName
		}
	}
	for i := range s.Queue {
		if s.Queue[i].Theme == theme && s.Queue[i].Topic == oldName {
			s.Queue[i].Topic = newName
			s.Queue[i].Text = QuestionText(newName)
		}
	}
	if s.Current != nil && s.Current.Theme == theme && s.Current.Topic == oldName {
		s.Current.Topic = newName
		s.Current.Text = QuestionText(newName)
	}
	return nil
}

// ConfirmSelections validates that every theme has at least one topic, builds
// the question queue and enters the QA stage. Topics whose derived question
// already holds an answer are skipped, so re-confirming after a theme edit
// never re-asks what the user already answered. Returns the number of
// questions queued.
func (s *State) ConfirmSelections() (int, error) {
	if len(s.Themes) == 0 {
		return 0, ErrNoThemes
	}
	var missing []string
	for _, th := range s.Themes {
		if len(s.Topics[th.Name]) == 0 {
			missing = append(missing, th.Name)
		}
	}
	if len(missing) > 0 {
		return 0, &MissingTopicsError{Themes: missing}
	}

	s.Queue = s.buildQueue()
	s.Current = nil
	s.Stage = StageQASession
	return len(s.Queue), nil
}

// NextQuestion returns the question the user should answer next. A pending
// question is repeated rather than skipped, so duplicate tool deliveries never
// drop one. When the queue drains with nothing pending the workflow completes
// and (nil, false, nil) is returned; further calls are no-ops.
func (s *State) NextQuestion() (q *Question, ok bool, err error) {
	switch s.Stage {
	case StageQASession:
	case StageCompleted:
		return nil, false, nil
	default:
		return nil, false, ErrNotConfirmed
	}
	if s.Current != nil {
		return s.Current, true, nil
	}
	if len(s.Queue) == 0 {
		s.Stage = StageCompleted
		return nil, false, nil
	}
	next := s.Queue[0]
	s.Queue = s.Queue[1:]
	s.Current = &next
	return s.Current, true, nil
}

// LogAnswer records the answer to the current question, upserting the QA
// ledger by (theme, question) so a repeated answer replaces rather than
// duplicates. The current question is cleared.
func (s *State) LogAnswer(answer string) (QAItem, error) {
	if s.Current == nil {
		return QAItem{}, ErrNoActiveQuestion
	}
	item := QAItem{
		Theme:    s.Current.Theme,
		Topic:    s.Current.Topic,
		Question: s.Current.Text,
		Answer:   answer,
	}
	replaced := false
	for i := range s.QAItems {
		if s.QAItems[i].Theme == item.Theme && s.QAItems[i].Question == item.Question {
			s.QAItems[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		s.QAItems = append(s.QAItems, item)
	}
	s.Current = nil
	return item, nil
}

// RebuildQueue reconstructs the question queue from unanswered topics. Used
// after a process restart, when the durable record carries the stage but the
// queue lived only in the cache.
func (s *State) RebuildQueue() {
	if s.Stage != StageQASession {
		return
	}
	s.Queue = s.buildQueue()
	s.Current = nil
}

// Snapshot returns a deep copy of the externally visible plan
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Stage:   s.Stage,
		Themes:  make([]Theme, len(s.Themes)),
		Topics:  make(map[string][]Topic, len(s.Topics)),
		QAItems: make([]QAItem, len(s.QAItems)),
	}
	copy(snap.Themes, s.Themes)
	copy(snap.QAItems, s.QAItems)
	for theme, topics := range s.Topics {
		cp := make([]Topic, len(topics))
		copy(cp, topics)
		snap.Topics[theme] = cp
	}
	return snap
}

// Clone returns a deep copy of the full state, history included
func (s *State) Clone() *State {
	cp := &State{
		Stage:   s.Stage,
		Summary: s.Summary,
		Themes:  make([]Theme, len(s.Themes)),
		Topics:  make(map[string][]Topic, len(s.Topics)),
		QAItems: make([]QAItem, len(s.QAItems)),
	}
	copy(cp.Themes, s.Themes)
	copy(cp.QAItems, s.QAItems)
	for theme, topics := range s.Topics {
		tcp := make([]Topic, len(topics))
		copy(tcp, topics)
		cp.Topics[theme] = tcp
	}
	if len(s.Queue) > 0 {
		cp.Queue = make([]Question, len(s.Queue))
		copy(cp.Queue, s.Queue)
	}
	if s.Current != nil {
		cur := *s.Current
		cp.Current = &cur
	}
	if len(s.History) > 0 {
		cp.History = make([]Message, len(s.History))
		copy(cp.History, s.History)
		for i, m := range s.History {
			if len(m.ToolCalls) > 0 {
				calls := make([]ToolCall, len(m.ToolCalls))
				copy(calls, m.ToolCalls)
				cp.History[i].ToolCalls = calls
			}
		}
	}
	return cp
}

// AppendHistory appends one conversation turn, stamping it if unstamped
func (s *State) AppendHistory(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.History = append(s.History, m)
}

// AnswerCount reports how many QA items hold a non-empty answer
func (s *State) AnswerCount() int {
	n := 0
	for _, item := range s.QAItems {
		if item.Answer != "" {
			n++
		}
	}
	return n
}

func (s *State) buildQueue() []Question {
	answered := make(map[string]struct{}, len(s.QAItems))
	for _, item := range s.QAItems {
		answered[item.Theme+"\x00"+item.Question] = struct{}{}
	}
	var queue []Question
	for _, th := range s.Themes {
		for _, t := range s.Topics[th.Name] {
			text := QuestionText(t.Name)
			if _, done := answered[th.Name+"\x00"+text]; done {
				continue
			}
			queue = append(queue, Question{Theme: th.Name, Topic: t.Name, Text: text})
		}
	}
	return queue
}

// regressAfterThemeEdit re-enters topic selection when the theme set changes
// after confirmation. The queue and pending question are cleared because they
// are only meaningful during the QA stage; answered items are kept.
func (s *State) regressAfterThemeEdit() {
	if s.Stage == StageQASession || s.Stage == StageCompleted {
		s.Stage = StageTopicSelection
		s.Queue = nil
		s.Current = nil
	}
}

func (s *State) hasTheme(name string) bool {
	return s.themeIndex(name) >= 0
}

func (s *State) themeIndex(name string) int {
	for i, th := range s.Themes {
		if th.Name == name {
			return i
		}
	}
	return -1
}

func (s *State) dropQueued(match func(Question) bool) {
	if len(s.Queue) == 0 {
		return
	}
	kept := s.Queue[:0]
	for _, q := range s.Queue {
		if !match(q) {
			kept = append(kept, q)
		}
	}
	s.Queue = kept
}
