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

// Package memorix turns uploaded documents into searchable chunks and
// answers questions about them with numbered citations.
package memorix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/proxinex/proxinex-api/internal/chunker"
	"github.com/proxinex/proxinex-api/internal/citation"
	"github.com/proxinex/proxinex-api/internal/gateway"
	"github.com/proxinex/proxinex-api/internal/resilience"
	"github.com/proxinex/proxinex-api/internal/store"
	"github.com/proxinex/proxinex-api/internal/synth"
)

const (
	// DefaultMaxUploadBytes caps an upload at 10 MiB
	DefaultMaxUploadBytes = 10 << 20
	// MaxMessageLength bounds a chat message, in runes
	MaxMessageLength = 4000
	// MaxNameLength bounds a stored document name
	MaxNameLength = 200

	summaryChunks    = 3
	summaryMaxTokens = 1500
	historyTurns     = 6
)

// Store persists documents and ranks their chunks
type Store interface {
	CreateDocument(ctx context.Context, d store.Document, chunks []string) (*store.Document, error)
	GetDocument(ctx context.Context, userID, documentID string) (*store.Document, error)
	ListDocuments(ctx context.Context, userID string) ([]store.Document, error)
	DeleteDocument(ctx context.Context, userID, documentID string) error
	SearchChunks(ctx context.Context, userID, query string, documentIDs []string, limit int) ([]store.Chunk, error)
	LeadingChunks(ctx context.Context, userID string, documentIDs []string, limit int) ([]store.Chunk, error)
}

// History loads and records session turns
type History interface {
	RecentTurns(ctx context.Context, userID, sessionID string, n int) ([]gateway.Message, error)
	RecordExchange(ctx context.Context, userID, sessionID, question, answer, model string, citations any) error
}

// Config holds document processing settings
type Config struct {
	MaxUploadBytes int64
	ChunkSize      int
	ChunkOverlap   int
	ContextChunks  int
	Prompt         synth.PromptConfig
}

// Upload is one file to process
type Upload struct {
	Name     string
	MimeType string
	Data     []byte
}

// ProcessResult describes a stored document
type ProcessResult struct {
	Document   *store.Document `json:"document"`
	Chunks     int             `json:"chunks"`
	Chars      int             `json:"characters"`
	Summary    string          `json:"summary"`
	Summarized bool            `json:"summarized"`
}

// ChatRequest is a memorix-chat call
type ChatRequest struct {
	Message     string   `json:"message"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Model       string   `json:"model,omitempty"`
}

// ChatResult is a grounded answer over the user's documents
type ChatResult struct {
	Answer     string              `json:"answer"`
	AnswerHTML string              `json:"answer_html"`
	Segments   []citation.Segment  `json:"segments"`
	Citations  []citation.Citation `json:"citations"`
	Sources    []citation.Citation `json:"sources"`
	Model      string              `json:"model"`
	Usage      gateway.Usage       `json:"usage"`
}

type Service struct {
	store     Store
	completer gateway.Completer
	history   History
	config    Config
	logger    *zap.Logger
}

// NewService creates a memorix service; history may be nil
func NewService(s Store, completer gateway.Completer, history History, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = chunker.DefaultChunkSize
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = chunker.DefaultOverlap
	}
	if config.ContextChunks <= 0 {
		config.ContextChunks = 6
	}
	if config.Prompt == (synth.PromptConfig{}) {
		config.Prompt = synth.DefaultPromptConfig()
	}
	return &Service{
		store:     s,
		completer: completer,
		history:   history,
		config:    config,
		logger:    logger,
	}
}

// MaxUploadBytes is the configured upload limit
func (s *Service) MaxUploadBytes() int64 {
	return s.config.MaxUploadBytes
}

// ValidateUpload checks size and type without extracting anything
func (s *Service) ValidateUpload(up Upload) (Kind, error) {
	if len(up.Data) == 0 {
		return "", resilience.NewBadRequestError("file is empty", nil)
	}
	if int64(len(up.Data)) > s.config.MaxUploadBytes {
		return "", s.TooLarge()
	}
	kind, err := DetectKind(cleanName(up.Name), up.MimeType, up.Data)
	if err != nil {
		return "", resilience.NewBadRequestError("unsupported file type; upload a PDF, text, markdown or CSV file", err)
	}
	return kind, nil
}

// TooLarge is the error for an upload over MaxUploadBytes
func (s *Service) TooLarge() error {
	return resilience.NewServiceError(
		fmt.Sprintf("file exceeds the %d MB upload limit", s.config.MaxUploadBytes>>20),
		resilience.ErrorCodeBadRequest, http.StatusRequestEntityTooLarge, nil)
}

// ProcessDocument extracts, chunks, summarizes and stores an upload
func (s *Service) ProcessDocument(ctx context.Context, userID string, up Upload) (*ProcessResult, error) {
	name := cleanName(up.Name)
	kind, err := s.ValidateUpload(up)
	if err != nil {
		return nil, err
	}
	text, err := Extract(kind, up.Data)
	if err != nil {
		return nil, resilience.NewUnprocessableError("could not read the document", err)
	}
	if text == "" {
		return nil, resilience.NewUnprocessableError("no text could be extracted from the document", nil)
	}

	chunks := chunker.Split(text, s.config.ChunkSize, s.config.ChunkOverlap)
	summary, summarized := s.summarize(ctx, name, chunks)

	doc, err := s.store.CreateDocument(ctx, store.Document{
		UserID:    userID,
		Name:      name,
		MimeType:  kind.MimeType(),
		SizeBytes: int64(len(up.Data)),
		Summary:   summary,
	}, chunks)
	if err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	s.logger.Info("Document processed",
		zap.String("user_id", userID),
		zap.String("document_id", doc.ID),
		zap.String("kind", string(kind)),
		zap.Int("chunks", len(chunks)),
		zap.Bool("summarized", summarized))

	return &ProcessResult{
		Document:   doc,
		Chunks:     len(chunks),
		Chars:      utf8.RuneCountInString(text),
		Summary:    summary,
		Summarized: summarized,
	}, nil
}

// summarize is best effort: a gateway failure stores the document without a summary
func (s *Service) summarize(ctx context.Context, name string, chunks []string) (string, bool) {
	if s.completer == nil || len(chunks) == 0 {
		return "", false
	}
	head := strings.Join(chunks[:min(summaryChunks, len(chunks))], "\n\n")
	resp, err := s.completer.Complete(ctx, gateway.CompletionRequest{
		Messages:  synth.SummaryMessages(name, head, summaryMaxTokens),
		MaxTokens: 300,
	})
	if err != nil {
		s.logger.Warn("Document summary failed",
			zap.String("document", name),
			zap.Error(err))
		return "", false
	}
	return resp.Content, resp.Content != ""
}

// ListDocuments returns the user's documents, newest first
func (s *Service) ListDocuments(ctx context.Context, userID string) ([]store.Document, error) {
	docs, err := s.store.ListDocuments(ctx, userID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return docs, nil
}

// GetDocument returns one of the user's documents
func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (*store.Document, error) {
	return s.store.GetDocument(ctx, userID, documentID)
}

// DeleteDocument removes a document and its chunks
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if err := s.store.DeleteDocument(ctx, userID, documentID); err != nil {
		return err
	}
	s.logger.Info("Document deleted",
		zap.String("user_id", userID),
		zap.String("document_id", documentID))
	return nil
}

// ValidateChat trims the message and rejects a request Chat would refuse,
// so callers can check it before charging quota
func (s *Service) ValidateChat(ctx context.Context, userID string, req *ChatRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return resilience.NewBadRequestError("message is required", nil)
	}
	if utf8.RuneCountInString(req.Message) > MaxMessageLength {
		return resilience.NewBadRequestError(fmt.Sprintf("message exceeds %d characters", MaxMessageLength), nil)
	}
	return s.checkDocuments(ctx, userID, req.DocumentIDs)
}

// Chat answers a question from the user's documents
func (s *Service) Chat(ctx context.Context, userID string, req ChatRequest) (*ChatResult, error) {
	if err := s.ValidateChat(ctx, userID, &req); err != nil {
		return nil, err
	}

	chunks, err := s.store.SearchChunks(ctx, userID, req.Message, req.DocumentIDs, s.config.ContextChunks)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	if len(chunks) == 0 {
		// nothing matched the wording; fall back to the start of the documents
		chunks, err = s.store.LeadingChunks(ctx, userID, req.DocumentIDs, s.config.ContextChunks)
		if err != nil {
			return nil, fmt.Errorf("load chunks: %w", err)
		}
	}

	var turns []gateway.Message
	if req.SessionID != "" && s.history != nil {
		turns, err = s.history.RecentTurns(ctx, userID, req.SessionID, historyTurns)
		if err != nil {
			return nil, err
		}
	}

	citations := make([]citation.Citation, len(chunks))
	excerpts := make([]synth.Source, len(chunks))
	for i, c := range chunks {
		citations[i] = citation.Citation{
			ID:      i + 1,
			Title:   c.DocumentName,
			Snippet: citation.Snippet(c.Content, 240),
			Score:   c.Rank,
		}
		excerpts[i] = synth.Source{
			Number:  i + 1,
			Title:   fmt.Sprintf("%s (part %d)", c.DocumentName, c.Index+1),
			Content: c.Content,
		}
	}

	completion, err := s.completer.Complete(ctx, gateway.CompletionRequest{
		Model:    req.Model,
		Messages: synth.DocumentMessages(req.Message, excerpts, turns, s.config.Prompt),
	})
	if err != nil {
		return nil, err
	}

	segments := citation.Parse(completion.Content, citations)
	result := &ChatResult{
		Answer:     completion.Content,
		AnswerHTML: citation.RenderHTML(segments),
		Segments:   segments,
		Citations:  citations,
		Sources:    citation.CitedSources(segments, citations),
		Model:      completion.Model,
		Usage:      completion.Usage,
	}

	s.logger.Info("Memorix answered",
		zap.String("user_id", userID),
		zap.String("model", result.Model),
		zap.Int("chunks", len(chunks)),
		zap.Int("cited", len(citation.ReferencedIDs(segments))))

	if req.SessionID != "" && s.history != nil {
		if err := s.history.RecordExchange(ctx, userID, req.SessionID, req.Message, result.Answer, result.Model, result.Citations); err != nil {
			s.logger.Warn("Failed to record memorix exchange",
				zap.String("session_id", req.SessionID),
				zap.Error(err))
		}
	}
	return result, nil
}

// checkDocuments requires at least one document, and every requested id to be the user's
func (s *Service) checkDocuments(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		docs, err := s.store.ListDocuments(ctx, userID)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return resilience.NewNotFoundError("no documents uploaded yet; upload a document to chat with Memorix", nil)
		}
		return nil
	}
	for _, id := range ids {
		if _, err := s.store.GetDocument(ctx, userID, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return resilience.NewNotFoundError(fmt.Sprintf("document %s not found", id), err)
			}
			return err
		}
	}
	return nil
}

func cleanName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "document.txt"
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = string([]rune(name)[:MaxNameLength])
	}
	return name
}
