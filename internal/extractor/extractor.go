package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/persona/internal/blob"
	"github.com/MikeSquared-Agency/persona/internal/metrics"
	"github.com/MikeSquared-Agency/persona/internal/openai"
	"github.com/MikeSquared-Agency/persona/internal/store"
)

// ErrUnsupported is returned by Extract for content types no extraction exists for.
var ErrUnsupported = errors.New("unsupported content type")

// maxFileBytes bounds what is read from storage for a single upload.
const maxFileBytes = 20 << 20

// truncatedMarker ends text that was cut at maxFileBytes.
const truncatedMarker = "...[truncated]"

// ErrTooLarge is returned for images over the read limit; a clipped image cannot be decoded.
var ErrTooLarge = errors.New("file exceeds extraction size limit")

type Completer interface {
	Complete(ctx context.Context, req openai.Request) (string, error)
}

// FileStatusWriter is the slice of the store the extractor mutates.
type FileStatusWriter interface {
	UpdateFileStatus(ctx context.Context, id uuid.UUID, status store.FileStatus, extractedText *string) error
}

type Extractor struct {
	llm    Completer
	blobs  blob.Store
	files  FileStatusWriter
	model  string
	limit  int64
	logger *slog.Logger
}

func New(llm Completer, blobs blob.Store, files FileStatusWriter, visionModel string, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, blobs: blobs, files: files, model: visionModel, limit: maxFileBytes, logger: logger}
}

type kind int

const (
	kindUnsupported kind = iota
	kindImage
	kindText
	kindHTML
)

func classify(contentType string) kind {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return kindImage
	case mt == "text/html", mt == "application/xhtml+xml":
		return kindHTML
	case mt == "text/plain", mt == "text/markdown", mt == "text/csv", mt == "application/json":
		return kindText
	}
	return kindUnsupported
}

// Supported reports whether Extract can handle the content type.
func Supported(contentType string) bool {
	return classify(contentType) != kindUnsupported
}

// Extract turns one stored training file into plain text.
func (e *Extractor) Extract(ctx context.Context, f store.TrainingFile) (string, error) {
	k := classify(f.ContentType)
	if k == kindUnsupported {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, f.ContentType)
	}

	rc, err := e.blobs.Get(ctx, f.StoragePath)
	if err != nil {
		return "", fmt.Errorf("read training file: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, e.limit+1))
	if err != nil {
		return "", fmt.Errorf("read training file: %w", err)
	}
	clipped := int64(len(data)) > e.limit
	if clipped {
		if k == kindImage {
			return "", fmt.Errorf("%w: %s is over %d bytes", ErrTooLarge, f.Filename, e.limit)
		}
		data = data[:e.limit]
		e.logger.Warn("training file over size limit, extracting the first part only", "file_id", f.ID, "filename", f.Filename, "limit", e.limit)
	}

	var text string
	switch k {
	case kindImage:
		return e.extractImage(ctx, f, data)
	case kindHTML:
		article, err := readability.FromReader(bytes.NewReader(data), nil)
		if err != nil {
			return "", fmt.Errorf("parse html: %w", err)
		}
		text = strings.TrimSpace(article.TextContent)
	default:
		text = strings.ToValidUTF8(string(data), "�")
	}
	if clipped {
		text += truncatedMarker
	}
	return text, nil
}

func (e *Extractor) extractImage(ctx context.Context, f store.TrainingFile, data []byte) (string, error) {
	mt, _, err := mime.ParseMediaType(f.ContentType)
	if err != nil {
		mt = f.ContentType
	}
	text, err := e.llm.Complete(ctx, openai.Request{
		Operation: "extraction",
		Model:     e.model,
		System:    visionSystemPrompt,
		Messages: []openai.Message{{
			Role:    "user",
			Content: visionUserPrompt,
			Images:  []openai.Image{{MediaType: mt, Data: data}},
		}},
		MaxTokens:   2000,
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("vision extraction: %w", err)
	}
	return text, nil
}

// FileText is the extracted text of one file.
type FileText struct {
	FileID   uuid.UUID
	Filename string
	Text     string
}

type BatchResult struct {
	Texts     []FileText
	Completed int
	Failed    int
	Skipped   int
}

// Combined joins every extracted text, each under its filename.
func (r BatchResult) Combined() string {
	var b strings.Builder
	for _, t := range r.Texts {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "--- %s ---\n%s", t.Filename, t.Text)
	}
	return b.String()
}

// ExtractBatch extracts every file in order. A failing file is marked failed and the batch
// continues; unsupported files are skipped and their status left untouched. progress, if
// set, is called after each file.
func (e *Extractor) ExtractBatch(ctx context.Context, files []store.TrainingFile, progress func(done, total int)) BatchResult {
	var res BatchResult
	for i, f := range files {
		e.extractOne(ctx, f, &res)
		if progress != nil {
			progress(i+1, len(files))
		}
	}
	e.logger.Info("extraction batch complete",
		"files", len(files),
		"completed", res.Completed,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res
}

func (e *Extractor) extractOne(ctx context.Context, f store.TrainingFile, res *BatchResult) {
	if !Supported(f.ContentType) {
		res.Skipped++
		metrics.FileExtractionsTotal.WithLabelValues("skipped").Inc()
		e.logger.Warn("skipping unsupported training file", "file_id", f.ID, "content_type", f.ContentType)
		return
	}

	if err := e.files.UpdateFileStatus(ctx, f.ID, store.FileProcessing, nil); err != nil {
		e.logger.Warn("failed to mark file processing", "file_id", f.ID, "error", err)
	}

	start := time.Now()
	text, err := e.Extract(ctx, f)
	if err != nil {
		res.Failed++
		metrics.FileExtractionsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("file extraction failed", "file_id", f.ID, "filename", f.Filename, "error", err)
		if uerr := e.files.UpdateFileStatus(ctx, f.ID, store.FileFailed, nil); uerr != nil {
			e.logger.Warn("failed to mark file failed", "file_id", f.ID, "error", uerr)
		}
		return
	}

	if err := e.files.UpdateFileStatus(ctx, f.ID, store.FileCompleted, &text); err != nil {
		e.logger.Warn("failed to store extracted text", "file_id", f.ID, "error", err)
	}
	res.Completed++
	res.Texts = append(res.Texts, FileText{FileID: f.ID, Filename: f.Filename, Text: text})
	metrics.FileExtractionsTotal.WithLabelValues("completed").Inc()
	e.logger.Debug("file extracted", "file_id", f.ID, "chars", len(text), "duration", time.Since(start))
}
