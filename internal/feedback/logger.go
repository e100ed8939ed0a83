// Copyright 2024 Proxinex Authors
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

// Package feedback records thumbs-up and thumbs-down ratings on answers.
// Records go to a JSON lines file or a SQLite database.
package feedback

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/resilience"
)

const (
	StorageTypeFile   = "file"
	StorageTypeSQLite = "sqlite"
)

const (
	RatingPositive = "positive"
	RatingNegative = "negative"
)

const (
	MaxQueryLength   = 2000
	MaxCommentLength = 1000
	DefaultListLimit = 50
)

// Feedback is one rating of an answer
type Feedback struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Query     string    `json:"query"`
	Rating    string    `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats aggregates all recorded feedback
type Stats struct {
	Total            int                 `json:"total"`
	Positive         int                 `json:"positive"`
	Negative         int                 `json:"negative"`
	WithComments     int                 `json:"with_comments"`
	SatisfactionRate float64             `json:"satisfaction_rate"`
	ByModel          map[string]Counters `json:"by_model"`
}

// Counters are per-model rating totals
type Counters struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
}

func (s *Stats) add(f Feedback) {
	s.Total++
	if f.Comment != "" {
		s.WithComments++
	}
	model := f.Model
	if model == "" {
		model = "unknown"
	}
	c := s.ByModel[model]
	if f.Rating == RatingPositive {
		s.Positive++
		c.Positive++
	} else {
		s.Negative++
		c.Negative++
	}
	s.ByModel[model] = c
}

func (s *Stats) finish() {
	if s.Total > 0 {
		s.SatisfactionRate = math.Round(float64(s.Positive)/float64(s.Total)*1000) / 10
	}
}

// Logger handles feedback logging to various storage backends
type Logger struct {
	config Config
	logger *zap.Logger
	db     *sql.DB
	mu     sync.RWMutex
}

// Config holds configuration for feedback logging
type Config struct {
	StorageType string `json:"storage_type" mapstructure:"storage_type"` // StorageTypeFile or StorageTypeSQLite
	FilePath    string `json:"file_path" mapstructure:"file_path"`
	DBPath      string `json:"db_path" mapstructure:"db_path"`
}

// NewLogger creates a new feedback logger
func NewLogger(config Config, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fl := &Logger{
		config: config,
		logger: logger,
	}

	switch config.StorageType {
	case StorageTypeFile:
		if err := fl.initFileStorage(); err != nil {
			return nil, fmt.Errorf("failed to initialize file storage: %w", err)
		}
	case StorageTypeSQLite:
		if err := fl.initSQLiteStorage(); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.StorageType)
	}

	return fl, nil
}

func (fl *Logger) initFileStorage() error {
	if fl.config.FilePath == "" {
		return errors.New("file_path is required")
	}
	dir := filepath.Dir(fl.config.FilePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create feedback directory: %w", err)
	}

	file, err := os.OpenFile(fl.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create feedback file: %w", err)
	}
	return file.Close()
}

func (fl *Logger) initSQLiteStorage() error {
	if fl.config.DBPath == "" {
		return errors.New("db_path is required")
	}
	dir := filepath.Dir(fl.config.DBPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create feedback database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fl.config.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			message_id TEXT,
			session_id TEXT,
			query TEXT NOT NULL,
			rating TEXT NOT NULL,
			comment TEXT,
			model TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS feedback_timestamp_idx ON feedback (timestamp);
	`

	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create feedback table: %w", err)
	}

	fl.db = db
	return nil
}

// Validate checks a rating before it is stored
func Validate(f *Feedback) error {
	f.Rating = strings.ToLower(strings.TrimSpace(f.Rating))
	f.Query = strings.TrimSpace(f.Query)
	f.Comment = strings.TrimSpace(f.Comment)

	switch {
	case f.Rating != RatingPositive && f.Rating != RatingNegative:
		return resilience.NewBadRequestError("rating must be positive or negative", nil)
	case f.Query == "" && f.MessageID == "":
		return resilience.NewBadRequestError("query or message_id is required", nil)
	case utf8.RuneCountInString(f.Query) > MaxQueryLength:
		return resilience.NewBadRequestError(fmt.Sprintf("query exceeds %d characters", MaxQueryLength), nil)
	case utf8.RuneCountInString(f.Comment) > MaxCommentLength:
		return resilience.NewBadRequestError(fmt.Sprintf("comment exceeds %d characters", MaxCommentLength), nil)
	}
	return nil
}

// Record validates, redacts and stores one rating
func (fl *Logger) Record(ctx context.Context, f Feedback) (*Feedback, error) {
	if err := Validate(&f); err != nil {
		return nil, err
	}
	f.Query = Redact(f.Query)
	f.Comment = Redact(f.Comment)
	f.ID = uuid.NewString()
	f.Timestamp = time.Now().UTC()

	fl.mu.Lock()
	defer fl.mu.Unlock()

	var err error
	switch fl.config.StorageType {
	case StorageTypeFile:
		err = fl.logToFile(f)
	case StorageTypeSQLite:
		err = fl.logToSQLite(ctx, f)
	default:
		err = fmt.Errorf("unsupported storage type: %s", fl.config.StorageType)
	}
	if err != nil {
		return nil, err
	}

	fl.logger.Info("Feedback recorded",
		zap.String("id", f.ID),
		zap.String("user_id", f.UserID),
		zap.String("message_id", f.MessageID),
		zap.String("rating", f.Rating),
		zap.String("storage", fl.config.StorageType))
	return &f, nil
}

func (fl *Logger) logToFile(feedback Feedback) error {
	file, err := os.OpenFile(fl.config.FilePath, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open feedback file: %w", err)
	}
	defer func() { _ = file.Close() }()

	jsonData, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("failed to marshal feedback: %w", err)
	}
	if _, err := file.Write(append(jsonData, '\n')); err != nil {
		return fmt.Errorf("failed to write feedback to file: %w", err)
	}
	return nil
}

func (fl *Logger) logToSQLite(ctx context.Context, f Feedback) error {
	if fl.db == nil {
		return fmt.Errorf("SQLite database not initialized")
	}

	_, err := fl.db.ExecContext(ctx, `
		INSERT INTO feedback (id, user_id, message_id, session_id, query, rating, comment, model, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.UserID, f.MessageID, f.SessionID, f.Query, f.Rating, f.Comment, f.Model, f.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert feedback into SQLite: %w", err)
	}
	return nil
}

// Recent returns the newest records first
func (fl *Logger) Recent(ctx context.Context, limit int) ([]Feedback, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.config.StorageType == StorageTypeFile {
		all, err := fl.readFile()
		if err != nil {
			return nil, err
		}
		slices.Reverse(all)
		if len(all) > limit {
			all = all[:limit]
		}
		return all, nil
	}

	if fl.db == nil {
		return nil, fmt.Errorf("SQLite database not initialized")
	}
	rows, err := fl.db.QueryContext(ctx, `
		SELECT id, user_id, message_id, session_id, query, rating, comment, model, timestamp
		FROM feedback
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	feedbacks := []Feedback{}
	for rows.Next() {
		var f Feedback
		var userID, messageID, sessionID, comment, model sql.NullString
		if err := rows.Scan(&f.ID, &userID, &messageID, &sessionID, &f.Query, &f.Rating, &comment, &model, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		f.UserID, f.MessageID, f.SessionID = userID.String, messageID.String, sessionID.String
		f.Comment, f.Model = comment.String, model.String
		feedbacks = append(feedbacks, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback rows: %w", err)
	}
	return feedbacks, nil
}

// Stats aggregates every stored record
func (fl *Logger) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByModel: map[string]Counters{}}

	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.config.StorageType == StorageTypeFile {
		all, err := fl.readFile()
		if err != nil {
			return nil, err
		}
		for _, f := range all {
			stats.add(f)
		}
		stats.finish()
		return stats, nil
	}

	if fl.db == nil {
		return nil, fmt.Errorf("SQLite database not initialized")
	}
	rows, err := fl.db.QueryContext(ctx, `
		SELECT rating, COALESCE(model, ''), comment IS NOT NULL AND comment <> '', COUNT(*)
		FROM feedback
		GROUP BY 1, 2, 3
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rating, model string
		var commented bool
		var count int
		if err := rows.Scan(&rating, &model, &commented, &count); err != nil {
			return nil, fmt.Errorf("failed to scan feedback stats row: %w", err)
		}
		f := Feedback{Rating: rating, Model: model}
		if commented {
			f.Comment = "x"
		}
		for i := 0; i < count; i++ {
			stats.add(f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback stats rows: %w", err)
	}
	stats.finish()
	return stats, nil
}

// readFile loads every JSON line, skipping lines that do not parse
func (fl *Logger) readFile() ([]Feedback, error) {
	file, err := os.Open(fl.config.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var out []Feedback
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var f Feedback
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			fl.logger.Warn("Skipping malformed feedback line", zap.Int("line", line), zap.Error(err))
			continue
		}
		out = append(out, f)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feedback file: %w", err)
	}
	if out == nil {
		out = []Feedback{}
	}
	return out, nil
}

// Ping reports whether the backend is usable
func (fl *Logger) Ping(ctx context.Context) error {
	if fl.config.StorageType == StorageTypeSQLite {
		if fl.db == nil {
			return fmt.Errorf("SQLite database not initialized")
		}
		return fl.db.PingContext(ctx)
	}
	_, err := os.Stat(fl.config.FilePath)
	return err
}

// Close closes the feedback logger and any open resources
func (fl *Logger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.db != nil {
		err := fl.db.Close()
		fl.db = nil
		return err
	}
	return nil
}
