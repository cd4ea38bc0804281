// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdf ingests PDF documents arriving over Telegram, extracts
// their text, classifies them by content, and answers questions
// about them through the inference backend.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	pdfreader "github.com/ledongthuc/pdf"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/telegram"
)

// contextClip bounds how much extracted text is handed to the
// inference backend as reference material.
const contextClip = 6000

// Kind classifies a document by its content.
type Kind string

const (
	KindInvoice  Kind = "invoice"
	KindPaper    Kind = "paper"
	KindResume   Kind = "resume"
	KindManual   Kind = "manual"
	KindDocument Kind = "document"
)

// Record is the metadata of an ingested document. The extracted text
// travels alongside in Text but is persisted separately as the
// attachment body, not in the encoded record.
type Record struct {
	FileID    string `cbor:"fileId" json:"fileId"`
	FileName  string `cbor:"fileName" json:"fileName"`
	Kind      Kind   `cbor:"kind" json:"kind"`
	PageCount int    `cbor:"pageCount" json:"pageCount"`
	CharCount int    `cbor:"charCount" json:"charCount"`

	Text string `cbor:"-" json:"-"`
}

// Downloader fetches file content from Telegram.
type Downloader interface {
	GetFile(ctx context.Context, fileID string) (telegram.File, error)
	DownloadFile(ctx context.Context, filePath string) ([]byte, error)
}

// Responder generates a reply from the inference backend.
type Responder interface {
	GenerateReply(ctx context.Context, modelID, topic, agent, userInput, contextSummary, extraContext string) (string, error)
}

// Processor ingests and answers questions about PDF documents.
type Processor struct {
	downloader Downloader
	responder  Responder
	logger     *slog.Logger
}

// NewProcessor creates a Processor. responder may be nil when no
// inference backend is configured; AnswerQuestion then fails
// descriptively.
func NewProcessor(downloader Downloader, responder Responder, logger *slog.Logger) (*Processor, error) {
	if downloader == nil {
		return nil, fmt.Errorf("pdf: downloader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		downloader: downloader,
		responder:  responder,
		logger:     logger,
	}, nil
}

// Ingest downloads the Telegram file, extracts its text, and
// classifies it. The returned record carries the full extracted
// text in Text.
func (p *Processor) Ingest(ctx context.Context, fileID, fileName string) (*Record, error) {
	file, err := p.downloader.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("pdf: resolving file %s: %w", fileID, err)
	}
	data, err := p.downloader.DownloadFile(ctx, file.FilePath)
	if err != nil {
		return nil, fmt.Errorf("pdf: downloading %s: %w", file.FilePath, err)
	}

	text, pages, err := extractText(data)
	if err != nil {
		return nil, fmt.Errorf("pdf: extracting text from %s: %w", fileName, err)
	}

	record := &Record{
		FileID:    fileID,
		FileName:  fileName,
		Kind:      Classify(text),
		PageCount: pages,
		CharCount: len(text),
		Text:      text,
	}
	p.logger.Info("document ingested",
		"file", fileName, "kind", record.Kind,
		"pages", pages, "chars", record.CharCount)
	return record, nil
}

// extractText pulls the plain text out of a PDF body.
func extractText(data []byte) (string, int, error) {
	reader, err := pdfreader.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", 0, err
	}
	var buffer bytes.Buffer
	if _, err := buffer.ReadFrom(plain); err != nil {
		return "", 0, err
	}
	return buffer.String(), reader.NumPage(), nil
}

// Classify guesses the document kind from its text. The heuristics
// are keyword-based and deliberately coarse: the kind only informs
// the prompt framing, never gates behavior.
func Classify(text string) Kind {
	lower := strings.ToLower(text)
	contains := func(terms ...string) int {
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		return hits
	}

	switch {
	case contains("invoice", "amount due", "bill to", "payment terms") >= 2:
		return KindInvoice
	case contains("abstract", "references", "et al", "introduction") >= 2:
		return KindPaper
	case contains("experience", "education", "skills", "employment") >= 2:
		return KindResume
	case contains("installation", "troubleshooting", "getting started", "usage") >= 2:
		return KindManual
	default:
		return KindDocument
	}
}

// BuildContext renders the document as reference material for an
// inference call, clipped to a bounded size.
func BuildContext(record *Record, question string) string {
	text := record.Text
	if len(text) > contextClip {
		text = text[:contextClip] + "\n[truncated]"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Attached %s %q (%d pages).\n", record.Kind, record.FileName, record.PageCount)
	if question != "" {
		fmt.Fprintf(&b, "The user is asking: %s\n", question)
	}
	b.WriteString("Document text:\n")
	b.WriteString(text)
	return b.String()
}

// AnswerQuestion asks the inference backend the question against the
// document.
func (p *Processor) AnswerQuestion(ctx context.Context, modelID, topic, agent string, record *Record, question string) (string, error) {
	if p.responder == nil {
		return "", fmt.Errorf("pdf: no inference backend configured; set INFERENCE_API_KEY to enable document Q&A")
	}
	return p.responder.GenerateReply(ctx, modelID, topic, agent,
		question, "", BuildContext(record, question))
}
