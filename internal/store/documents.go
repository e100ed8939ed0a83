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

package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const documentColumns = "id::text, user_id::text, name, mime_type, size_bytes, summary, chunk_count, created_at"

// DocumentRepo persists Memorix documents and their chunks
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.MimeType, &d.SizeBytes, &d.Summary, &d.ChunkCount, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDocument stores a document and all of its chunks in one transaction
func (r *DocumentRepo) CreateDocument(ctx context.Context, d Document, chunks []string) (*Document, error) {
	var out *Document
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		created, err := scanDocument(tx.QueryRow(ctx, `
INSERT INTO documents (user_id, name, mime_type, size_bytes, summary, chunk_count)
VALUES ($1::uuid, $2, $3, $4, $5, $6)
RETURNING `+documentColumns, d.UserID, d.Name, d.MimeType, d.SizeBytes, d.Summary, len(chunks)))
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		batch := &pgx.Batch{}
		for i, c := range chunks {
			batch.Queue("INSERT INTO document_chunks (document_id, chunk_index, content) VALUES ($1::uuid, $2, $3)",
				created.ID, i, c)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		out = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetDocument returns a document owned by userID
func (r *DocumentRepo) GetDocument(ctx context.Context, userID, documentID string) (*Document, error) {
	d, err := scanDocument(r.db.Pool.QueryRow(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id::text = $1 AND user_id = $2::uuid", documentID, userID))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// ListDocuments returns the user's documents, newest first
func (r *DocumentRepo) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	rows, err := r.db.Pool.Query(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE user_id = $1::uuid ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := make([]Document, 0, 16)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

// DeleteDocument removes a document and its chunks
func (r *DocumentRepo) DeleteDocument(ctx context.Context, userID, documentID string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"DELETE FROM documents WHERE id::text = $1 AND user_id = $2::uuid", documentID, userID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchChunks ranks the user's chunks against query with Postgres full-text
// search. An empty documentIDs searches every document of the user.
func (r *DocumentRepo) SearchChunks(ctx context.Context, userID, query string, documentIDs []string, limit int) ([]Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT c.document_id::text, d.name, c.chunk_index, c.content, ts_rank(c.tsv, q) AS rank
FROM document_chunks c
JOIN documents d ON d.id = c.document_id,
     websearch_to_tsquery('english', $2) q
WHERE d.user_id = $1::uuid
  AND (COALESCE(cardinality($3::text[]), 0) = 0 OR c.document_id::text = ANY($3::text[]))
  AND c.tsv @@ q
ORDER BY rank DESC, c.document_id, c.chunk_index
LIMIT $4`, userID, query, documentIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return collectChunks(rows)
}

// LeadingChunks returns the first chunks of the user's most recent documents.
// It backs questions that share no terms with any chunk.
func (r *DocumentRepo) LeadingChunks(ctx context.Context, userID string, documentIDs []string, limit int) ([]Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT c.document_id::text, d.name, c.chunk_index, c.content, 0::real
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE d.user_id = $1::uuid
  AND (COALESCE(cardinality($2::text[]), 0) = 0 OR c.document_id::text = ANY($2::text[]))
ORDER BY d.created_at DESC, c.chunk_index
LIMIT $3`, userID, documentIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("leading chunks: %w", err)
	}
	return collectChunks(rows)
}

func collectChunks(rows pgx.Rows) ([]Chunk, error) {
	defer rows.Close()
	out := make([]Chunk, 0, 8)
	for rows.Next() {
		var c Chunk
		var rank float32
		if err := rows.Scan(&c.DocumentID, &c.DocumentName, &c.Index, &c.Content, &rank); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Rank = float64(rank)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}
