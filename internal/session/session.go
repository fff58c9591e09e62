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

// Package session provides per-conversation state storage for the plan
// workflow: a durable store holding the plan record and a write-through cache
// holding the full state including the volatile conversation history.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/plan"
)

// ErrSessionNotFound is returned when a session id is unknown to both the
// cache and the durable store
var ErrSessionNotFound = errors.New("session not found")

// Session binds a workflow state to its identifier. The durable store keeps
// stage, themes, topics, QA items and the summary; queue, current question and
// history exist only in the cache layer.
type Session struct {
	ID        string      `json:"id"`
	State     *plan.State `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of the session
func (s *Session) Clone() *Session {
	cp := *s
	cp.State = s.State.Clone()
	return &cp
}

// Storage is the durable backend behind the cache. Save must be atomic per
// call: a failed save leaves the previous record intact.
type Storage interface {
	Load(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Manager coordinates the cache and the durable store and serializes turns
// per session. All reads hand out deep copies; callers mutate their copy and
// hand it back through Save.
type Manager struct {
	storage Storage
	cache   *Cache
	logger  *zap.Logger
	locks   sync.Map
}

// NewManager creates a session manager over the given durable storage
func NewManager(storage Storage, cache *Cache, logger *zap.Logger) *Manager {
	return &Manager{
		storage: storage,
		cache:   cache,
		logger:  logger,
	}
}

// Lock serializes turns for one session id and returns the unlock function.
// Turns for different sessions proceed in parallel.
func (m *Manager) Lock(sessionID string) func() {
	v, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Get returns the session for an id, consulting the cache first. On a cache
// miss the durable record is loaded and rehydrated: a session persisted
// mid-QA gets its question queue rebuilt from unanswered topics, since the
// queue itself is never persisted.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	if sess, ok := m.cache.Get(sessionID); ok {
		return sess, nil
	}

	sess, err := m.storage.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.State.RebuildQueue()
	m.cache.Set(sess)

	m.logger.Debug("Session rehydrated from durable store",
		zap.String("session_id", sessionID),
		zap.String("stage", string(sess.State.Stage)),
		zap.Int("rebuilt_queue", len(sess.State.Queue)),
	)
	return sess.Clone(), nil
}

// LoadOrCreate returns the session for an id, creating and persisting a fresh
// one at the theme-selection stage when the id is unknown
func (m *Manager) LoadOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.Get(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := time.Now()
	sess = &Session{
		ID:        sessionID,
		State:     plan.NewState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Info("Session created", zap.String("session_id", sessionID))
	return sess, nil
}

// Save writes the session through to the durable store and then refreshes the
// cache. The cache is only updated after the durable write succeeds, so a
// failed save leaves both layers at the previous consistent state.
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()
	if err := m.storage.Save(ctx, sess); err != nil {
		m.logger.Error("Durable session write failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to persist session: %w", err)
	}
	m.cache.Set(sess)
	return nil
}

// Delete removes a session from both layers. It takes the session lock, so
// a delete landing mid-turn waits for that turn instead of racing its final
// save. The lock entry stays registered; dropping it would hand the next
// turn a fresh mutex and break per-session serialization.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	unlock := m.Lock(sessionID)
	defer unlock()

	m.cache.Delete(sessionID)
	if err := m.storage.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Ping reports whether the durable store is reachable
func (m *Manager) Ping(ctx context.Context) error {
	return m.storage.Ping(ctx)
}

// CachedSessions reports how many sessions the cache currently holds
func (m *Manager) CachedSessions() int {
	return m.cache.Len()
}

// Close releases the durable store
func (m *Manager) Close() error {
	return m.storage.Close()
}
