package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const avatarColumns = `id, user_id, name, age, gender, origin_country, primary_language, secondary_languages,
	backstory, personality_traits, hidden_rules, custom_prompt, version_counter, created_at, updated_at`

// CreateAvatar inserts an avatar profile. A zero ID is replaced with a new one.
func (s *Store) CreateAvatar(ctx context.Context, a *Avatar) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO avatars (`+avatarColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $13)`,
		a.ID, a.UserID, a.Name, a.Age, a.Gender, a.OriginCountry, a.PrimaryLanguage, nonNil(a.SecondaryLanguages),
		a.Backstory, nonNil(a.PersonalityTraits), a.HiddenRules, a.CustomPrompt, now,
	)
	if err != nil {
		return fmt.Errorf("insert avatar: %w", err)
	}
	a.VersionCounter = 0
	return nil
}

func (s *Store) GetAvatar(ctx context.Context, id uuid.UUID) (*Avatar, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+avatarColumns+` FROM avatars WHERE id = $1`, id)
	var a Avatar
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Age, &a.Gender, &a.OriginCountry, &a.PrimaryLanguage, &a.SecondaryLanguages,
		&a.Backstory, &a.PersonalityTraits, &a.HiddenRules, &a.CustomPrompt, &a.VersionCounter, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get avatar %s: %w", id, notFound(err))
	}
	return &a, nil
}

// UpdateAvatar rewrites the profile fields. The version counter is never touched here.
func (s *Store) UpdateAvatar(ctx context.Context, a *Avatar) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE avatars SET name = $2, age = $3, gender = $4, origin_country = $5, primary_language = $6,
			secondary_languages = $7, backstory = $8, personality_traits = $9, hidden_rules = $10,
			custom_prompt = $11, updated_at = $12
		WHERE id = $1`,
		a.ID, a.Name, a.Age, a.Gender, a.OriginCountry, a.PrimaryLanguage, nonNil(a.SecondaryLanguages),
		a.Backstory, nonNil(a.PersonalityTraits), a.HiddenRules, a.CustomPrompt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update avatar %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
