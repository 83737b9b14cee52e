package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) CreateFile(ctx context.Context, f *TrainingFile) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.Status == "" {
		f.Status = FilePending
	}
	f.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO training_files (id, session_id, storage_path, original_filename, file_size, content_type, processing_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.SessionID, f.StoragePath, f.Filename, f.Size, f.ContentType, f.Status, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert training file: %w", err)
	}
	return nil
}

// ListFiles returns the session's files in upload order.
func (s *Store) ListFiles(ctx context.Context, sessionID uuid.UUID) ([]TrainingFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, storage_path, original_filename, file_size, content_type, processing_status,
			extracted_text, analysis_data, created_at
		FROM training_files WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list training files: %w", err)
	}
	defer rows.Close()

	var out []TrainingFile
	for rows.Next() {
		var f TrainingFile
		if err := rows.Scan(&f.ID, &f.SessionID, &f.StoragePath, &f.Filename, &f.Size, &f.ContentType, &f.Status,
			&f.ExtractedText, &f.AnalysisData, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan training file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFileStatus(ctx context.Context, id uuid.UUID, status FileStatus, extractedText *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE training_files SET processing_status = $2, extracted_text = COALESCE($3, extracted_text)
		WHERE id = $1`, id, status, extractedText)
	if err != nil {
		return fmt.Errorf("update training file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update training file %s: %w", id, ErrNotFound)
	}
	return nil
}
