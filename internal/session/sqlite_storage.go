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

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/plan"
)

// SQLiteStorage is the durable session store. Each session is one row; the
// plan collections are stored as JSON columns and the whole record is written
// with a single upsert, so a save is atomic.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStorage opens (or creates) the session database at dbPath
func NewSQLiteStorage(dbPath string, logger *zap.Logger) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	storage := &SQLiteStorage{db: db, logger: logger}
	if err := storage.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}

	logger.Info("Session database ready", zap.String("path", dbPath))
	return storage, nil
}

// initSchema creates the sessions table if it doesn't exist
func (s *SQLiteStorage) initSchema() error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			stage TEXT NOT NULL,
			themes TEXT NOT NULL,
			topics TEXT NOT NULL,
			qa_items TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`

	_, err := s.db.Exec(query)
	return err
}

// Load reads one session row and reassembles the durable part of its state
func (s *SQLiteStorage) Load(ctx context.Context, sessionID string) (*Session, error) {
	query := `
		SELECT stage, themes, topics, qa_items, summary, created_at, updated_at
		FROM sessions WHERE id = ?
	`

	sess := &Session{ID: sessionID}
	var stage, themesJSON, topicsJSON, qaItemsJSON, summary string
	row := s.db.QueryRowContext(ctx, query, sessionID)
	err := row.Scan(&stage, &themesJSON, &topicsJSON, &qaItemsJSON, &summary, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	state := plan.NewState()
	state.Stage = plan.Stage(stage)
	state.Summary = summary
	if err := json.Unmarshal([]byte(themesJSON), &state.Themes); err != nil {
		return nil, fmt.Errorf("failed to decode themes for session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(topicsJSON), &state.Topics); err != nil {
		return nil, fmt.Errorf("failed to decode topics for session %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(qaItemsJSON), &state.QAItems); err != nil {
		return nil, fmt.Errorf("failed to decode qa items for session %s: %w", sessionID, err)
	}
	if state.Topics == nil {
		state.Topics = make(map[string][]plan.Topic)
	}
	sess.State = state
	return sess, nil
}

// Save upserts the durable record in a single statement. History, queue and
// current question are deliberately not written; they belong to the cache.
func (s *SQLiteStorage) Save(ctx context.Context, sess *Session) error {
	themesJSON, err := json.Marshal(sess.State.Themes)
	if err != nil {
		return fmt.Errorf("failed to encode themes: %w", err)
	}
	topicsJSON, err := json.Marshal(sess.State.Topics)
	if err != nil {
		return fmt.Errorf("failed to encode topics: %w", err)
	}
	qaItemsJSON, err := json.Marshal(sess.State.QAItems)
	if err != nil {
		return fmt.Errorf("failed to encode qa items: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO sessions (id, stage, themes, topics, qa_items, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		sess.ID,
		string(sess.State.Stage),
		string(themesJSON),
		string(topicsJSON),
		string(qaItemsJSON),
		sess.State.Summary,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	return nil
}

// Delete removes a session row; deleting an unknown id is not an error
func (s *SQLiteStorage) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// Ping verifies the database connection
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
