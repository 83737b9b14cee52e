package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const versionColumns = `id, avatar_id, user_id, training_data_id, parent_version_id, seq, version_number, version_name,
	description, system_prompt, personality_traits, behavior_rules, response_style, inheritance_type, is_active,
	is_published, usage_count, rating, created_at, activated_at`

func scanVersion(row pgx.Row) (*PromptVersion, error) {
	var v PromptVersion
	var style []byte
	err := row.Scan(&v.ID, &v.AvatarID, &v.UserID, &v.TrainingDataID, &v.ParentVersionID, &v.Seq, &v.VersionNumber, &v.VersionName,
		&v.Description, &v.SystemPrompt, &v.PersonalityTraits, &v.BehaviorRules, &style, &v.InheritanceType, &v.IsActive,
		&v.IsPublished, &v.UsageCount, &v.Rating, &v.CreatedAt, &v.ActivatedAt)
	if err != nil {
		return nil, err
	}
	if len(style) > 0 {
		if err := json.Unmarshal(style, &v.ResponseStyle); err != nil {
			return nil, fmt.Errorf("decode response style: %w", err)
		}
	}
	return &v, nil
}

// CreateVersion bumps the avatar's version counter with a compare-and-swap and inserts the
// version under the new sequence number in the same transaction.
func (s *Store) CreateVersion(ctx context.Context, v *PromptVersion, expectedCounter int) error {
	style, err := json.Marshal(v.ResponseStyle)
	if err != nil {
		return fmt.Errorf("encode response style: %w", err)
	}
	if v.ResponseStyle == nil {
		style = []byte("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int
	err = tx.QueryRow(ctx, `
		UPDATE avatars SET version_counter = version_counter + 1, updated_at = now()
		WHERE id = $1 AND version_counter = $2
		RETURNING version_counter`, v.AvatarID, expectedCounter).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM avatars WHERE id = $1)`, v.AvatarID).Scan(&exists); err != nil {
			return fmt.Errorf("check avatar: %w", err)
		}
		if !exists {
			return fmt.Errorf("create version for avatar %s: %w", v.AvatarID, ErrNotFound)
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("bump version counter: %w", err)
	}

	if v.ParentVersionID != nil {
		var parentAvatar uuid.UUID
		err := tx.QueryRow(ctx, `SELECT avatar_id FROM prompt_versions WHERE id = $1`, *v.ParentVersionID).Scan(&parentAvatar)
		if err != nil {
			return fmt.Errorf("get parent version %s: %w", *v.ParentVersionID, notFound(err))
		}
		if parentAvatar != v.AvatarID {
			return fmt.Errorf("parent version %s belongs to another avatar: %w", *v.ParentVersionID, ErrNotFound)
		}
	}

	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.InheritanceType == "" {
		v.InheritanceType = InheritFull
	}
	v.Seq = seq
	v.VersionNumber = FormatVersionNumber(seq)
	v.CreatedAt = time.Now().UTC()
	v.IsActive = false
	v.ActivatedAt = nil
	v.PersonalityTraits = nonNil(v.PersonalityTraits)
	v.BehaviorRules = nonNil(v.BehaviorRules)

	_, err = tx.Exec(ctx, `
		INSERT INTO prompt_versions (id, avatar_id, user_id, training_data_id, parent_version_id, seq, version_number,
			version_name, description, system_prompt, personality_traits, behavior_rules, response_style, inheritance_type,
			is_active, is_published, usage_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, false, $15, 0, $16)`,
		v.ID, v.AvatarID, v.UserID, v.TrainingDataID, v.ParentVersionID, v.Seq, v.VersionNumber,
		v.VersionName, v.Description, v.SystemPrompt, v.PersonalityTraits, v.BehaviorRules, style, v.InheritanceType,
		v.IsPublished, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert prompt version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, id uuid.UUID) (*PromptVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `SELECT `+versionColumns+` FROM prompt_versions WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get prompt version %s: %w", id, notFound(err))
	}
	return v, nil
}

// ListVersions returns the avatar's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, avatarID uuid.UUID) ([]PromptVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+versionColumns+` FROM prompt_versions
		WHERE avatar_id = $1 ORDER BY seq DESC`, avatarID)
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	defer rows.Close()

	var out []PromptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

func (s *Store) LatestVersion(ctx context.Context, avatarID uuid.UUID) (*PromptVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM prompt_versions
		WHERE avatar_id = $1 ORDER BY seq DESC LIMIT 1`, avatarID))
	if err != nil {
		return nil, fmt.Errorf("latest prompt version: %w", notFound(err))
	}
	return v, nil
}

func (s *Store) ActiveVersion(ctx context.Context, avatarID uuid.UUID) (*PromptVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, `
		SELECT `+versionColumns+` FROM prompt_versions
		WHERE avatar_id = $1 AND is_active`, avatarID))
	if err != nil {
		return nil, fmt.Errorf("active prompt version: %w", notFound(err))
	}
	return v, nil
}

// ActivateVersion runs the deactivate-all and activate-one steps in one transaction.
// The partial unique index on (avatar_id) WHERE is_active backs this up.
func (s *Store) ActivateVersion(ctx context.Context, avatarID, versionID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the avatar row so concurrent activations serialize.
	if _, err := tx.Exec(ctx, `SELECT 1 FROM avatars WHERE id = $1 FOR UPDATE`, avatarID); err != nil {
		return fmt.Errorf("lock avatar: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE prompt_versions SET is_active = false, activated_at = NULL
		WHERE avatar_id = $1 AND is_active`, avatarID); err != nil {
		return fmt.Errorf("deactivate versions: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE prompt_versions SET is_active = true, activated_at = now()
		WHERE id = $1 AND avatar_id = $2`, versionID, avatarID)
	if err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activate version %s: %w", versionID, ErrNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) CountChildren(ctx context.Context, versionID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM prompt_versions WHERE parent_version_id = $1`, versionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count child versions: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteVersion(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM prompt_versions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prompt version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete prompt version %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateVersionPrompt(ctx context.Context, id uuid.UUID, systemPrompt string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE prompt_versions SET system_prompt = $2 WHERE id = $1`, id, systemPrompt)
	if err != nil {
		return fmt.Errorf("update prompt version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update prompt version %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) IncrementVersionUsage(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE prompt_versions SET usage_count = usage_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment version usage: %w", err)
	}
	return nil
}
