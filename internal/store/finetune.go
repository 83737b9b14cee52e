package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const fineTuneColumns = `id, avatar_id, user_id, provider_job_id, provider_file_id, base_model, fine_tuned_model,
	status, example_count, error, created_at, finished_at`

func scanFineTuneJob(row pgx.Row) (*FineTuneJob, error) {
	var j FineTuneJob
	err := row.Scan(&j.ID, &j.AvatarID, &j.UserID, &j.ProviderJobID, &j.ProviderFileID, &j.BaseModel, &j.FineTunedModel,
		&j.Status, &j.ExampleCount, &j.Error, &j.CreatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) CreateFineTuneJob(ctx context.Context, j *FineTuneJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO finetune_jobs (`+fineTuneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		j.ID, j.AvatarID, j.UserID, j.ProviderJobID, j.ProviderFileID, j.BaseModel, j.FineTunedModel,
		j.Status, j.ExampleCount, j.Error, j.CreatedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fine-tune job: %w", err)
	}
	return nil
}

func (s *Store) GetFineTuneJob(ctx context.Context, id uuid.UUID) (*FineTuneJob, error) {
	j, err := scanFineTuneJob(s.pool.QueryRow(ctx, `SELECT `+fineTuneColumns+` FROM finetune_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get fine-tune job %s: %w", id, notFound(err))
	}
	return j, nil
}

func (s *Store) UpdateFineTuneJob(ctx context.Context, j *FineTuneJob) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE finetune_jobs SET fine_tuned_model = $2, status = $3, error = $4, finished_at = $5
		WHERE id = $1`, j.ID, j.FineTunedModel, j.Status, j.Error, j.FinishedAt)
	if err != nil {
		return fmt.Errorf("update fine-tune job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fine-tune job %s: %w", j.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListFineTuneJobs(ctx context.Context, avatarID uuid.UUID) ([]FineTuneJob, error) {
	return s.queryFineTuneJobs(ctx, `SELECT `+fineTuneColumns+` FROM finetune_jobs WHERE avatar_id = $1 ORDER BY created_at DESC`, avatarID)
}

// ListActiveFineTuneJobs returns jobs the provider may still change.
func (s *Store) ListActiveFineTuneJobs(ctx context.Context) ([]FineTuneJob, error) {
	return s.queryFineTuneJobs(ctx, `
		SELECT `+fineTuneColumns+` FROM finetune_jobs
		WHERE status NOT IN ('succeeded', 'failed', 'cancelled') ORDER BY created_at`)
}

func (s *Store) queryFineTuneJobs(ctx context.Context, sql string, args ...any) ([]FineTuneJob, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list fine-tune jobs: %w", err)
	}
	defer rows.Close()

	var out []FineTuneJob
	for rows.Next() {
		j, err := scanFineTuneJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fine-tune job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}
