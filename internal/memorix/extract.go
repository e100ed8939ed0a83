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

package memorix

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"

	pdf "github.com/ledongthuc/pdf"

	"github.com/proxinex/proxinex-api/internal/chunker"
)

// Kind is a supported upload format
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindCSV      Kind = "csv"
)

// ErrUnsupportedType is returned for uploads that are not PDF, text, markdown or CSV
var ErrUnsupportedType = errors.New("unsupported file type")

// MimeType is the canonical content type stored for a kind
func (k Kind) MimeType() string {
	switch k {
	case KindPDF:
		return "application/pdf"
	case KindMarkdown:
		return "text/markdown"
	case KindCSV:
		return "text/csv"
	default:
		return "text/plain"
	}
}

// DetectKind sniffs the upload, trusting magic bytes over the name and
// declared content type.
func DetectKind(name, mimeType string, data []byte) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}

	if isPDF(data) {
		return KindPDF, nil
	}
	if ext == ".pdf" || mt == "application/pdf" {
		return "", fmt.Errorf("%w: file claims to be a PDF but has no PDF header", ErrUnsupportedType)
	}
	if !isProbablyText(data) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, name)
	}

	switch {
	case ext == ".csv" || mt == "text/csv":
		return KindCSV, nil
	case ext == ".md" || ext == ".markdown" || mt == "text/markdown":
		return KindMarkdown, nil
	case ext == ".txt" || ext == "" || strings.HasPrefix(mt, "text/"):
		return KindText, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
}

// Extract returns the readable text of an upload
func Extract(kind Kind, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch kind {
	case KindPDF:
		text, err = extractPDF(data)
	case KindCSV:
		text, err = extractCSV(data)
	case KindMarkdown:
		text = chunker.ParseMarkdown(string(data))
	case KindText:
		text = string(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, kind)
	}
	if err != nil {
		return "", err
	}
	return Sanitize(text), nil
}

func extractPDF(data []byte) (text string, err error) {
	// the reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader: malformed document: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("pdf reader: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("pdf plaintext: %w", err)
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("pdf read: %w", err)
	}
	return string(b), nil
}

// extractCSV renders each row as "header: value" pairs so rows survive chunking
func extractCSV(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("csv parse: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	header := records[0]
	var b strings.Builder
	for _, row := range records[1:] {
		parts := make([]string, 0, len(row))
		for i, v := range row {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				parts = append(parts, strings.TrimSpace(header[i])+": "+v)
			} else {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			b.WriteString(strings.Join(parts, "; "))
			b.WriteString(".\n")
		}
	}
	if b.Len() == 0 {
		return strings.Join(header, ", "), nil
	}
	return b.String(), nil
}

// Sanitize drops invalid UTF-8 and control characters and normalizes whitespace
func Sanitize(text string) string {
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' {
			return '\n'
		}
		if unicode.IsControl(r) || r == '\uFFFD' {
			return -1
		}
		return r
	}, text)
	return chunker.NormalizeWhitespace(text)
}

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

// isProbablyText rejects binaries: no NULs and mostly printable bytes
func isProbablyText(b []byte) bool {
	sample := b[:min(len(b), 4096)]
	if len(sample) == 0 {
		return false
	}
	good := 0
	for _, c := range sample {
		if c == 0x00 {
			return false
		}
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c <= 0x7E) || c >= 0x80 {
			good++
		}
	}
	return float64(good)/float64(len(sample)) > 0.95
}
