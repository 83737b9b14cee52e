package versions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/metrics"
	"github.com/MikeSquared-Agency/persona/internal/promptcache"
	"github.com/MikeSquared-Agency/persona/internal/store"
)

var (
	ErrVersionActive      = errors.New("cannot delete the active prompt version: activate another version first")
	ErrVersionHasChildren = errors.New("cannot delete a prompt version that newer versions were built on")
)

// Modifier performs a targeted in-place prompt edit.
type Modifier interface {
	ApplyModification(ctx context.Context, currentPrompt, instruction string) (string, error)
}

// HintSource supplies learned conversation hints for a chat message.
type HintSource interface {
	Hints(ctx context.Context, avatarID uuid.UUID, message string) string
}

type Service struct {
	store    store.Repository
	cache    promptcache.Cache
	bus      hermes.Bus
	modifier Modifier
	hints    HintSource
	logger   *slog.Logger
}

func NewService(s store.Repository, cache promptcache.Cache, bus hermes.Bus, modifier Modifier, logger *slog.Logger) *Service {
	if cache == nil {
		cache = promptcache.Nop{}
	}
	return &Service{store: s, cache: cache, bus: bus, modifier: modifier, logger: logger}
}

// SetHintSource enables learned hints in ChatPrompt.
func (s *Service) SetHintSource(h HintSource) {
	s.hints = h
}

// Base is the snapshot a new version is built from: the avatar (carrying the version
// counter read), its latest version if any, and the prompt that version holds.
type Base struct {
	Avatar *store.Avatar
	Latest *store.PromptVersion
	Prompt string
}

// Base reads the avatar before its latest version, so a version created in between shows
// up as a counter mismatch at creation time.
func (s *Service) Base(ctx context.Context, avatarID uuid.UUID) (*Base, error) {
	a, err := s.store.GetAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestVersion(ctx, avatarID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	b := &Base{Avatar: a}
	if latest != nil {
		b.Latest = latest
		b.Prompt = latest.SystemPrompt
	} else {
		b.Prompt, _ = s.fromProfile(a)
	}
	return b, nil
}

type NewVersion struct {
	UserID            uuid.UUID
	TrainingDataID    *uuid.UUID
	Name              string
	Description       string
	SystemPrompt      string
	PersonalityTraits []string
	BehaviorRules     []string
	ResponseStyle     map[string]any
	InheritanceType   store.InheritanceType
}

// Create adds a version parented on the avatar's latest version.
func (s *Service) Create(ctx context.Context, avatarID uuid.UUID, nv NewVersion) (*store.PromptVersion, error) {
	base, err := s.Base(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	return s.CreateFrom(ctx, base, nv)
}

// CreateFrom adds a version parented on base.Latest. It fails with store.ErrVersionConflict
// if any version was created for the avatar after base was read.
func (s *Service) CreateFrom(ctx context.Context, base *Base, nv NewVersion) (*store.PromptVersion, error) {
	if strings.TrimSpace(nv.SystemPrompt) == "" {
		return nil, errors.New("system prompt is empty")
	}
	v := &store.PromptVersion{
		AvatarID:          base.Avatar.ID,
		UserID:            nv.UserID,
		TrainingDataID:    nv.TrainingDataID,
		VersionName:       nv.Name,
		Description:       nv.Description,
		SystemPrompt:      nv.SystemPrompt,
		PersonalityTraits: nv.PersonalityTraits,
		BehaviorRules:     nv.BehaviorRules,
		ResponseStyle:     nv.ResponseStyle,
		InheritanceType:   nv.InheritanceType,
	}
	if base.Latest != nil {
		parent := base.Latest.ID
		v.ParentVersionID = &parent
	}
	if err := s.store.CreateVersion(ctx, v, base.Avatar.VersionCounter); err != nil {
		return nil, fmt.Errorf("create prompt version: %w", err)
	}

	evt := hermes.VersionEvent{
		VersionID:     v.ID.String(),
		AvatarID:      v.AvatarID.String(),
		VersionNumber: v.VersionNumber,
		Timestamp:     time.Now().UTC(),
	}
	if v.ParentVersionID != nil {
		evt.ParentID = v.ParentVersionID.String()
	}
	s.publish(hermes.SubjectVersionCreated, evt)
	s.logger.Info("prompt version created", "version_id", v.ID, "avatar_id", v.AvatarID, "version", v.VersionNumber)
	return v, nil
}

// Activate makes the version the avatar's only active one.
func (s *Service) Activate(ctx context.Context, versionID uuid.UUID) (*store.PromptVersion, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ActivateVersion(ctx, v.AvatarID, v.ID); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, v.AvatarID)
	metrics.VersionActivationsTotal.Inc()

	v, err = s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	s.publish(hermes.SubjectVersionActivated, hermes.VersionEvent{
		VersionID:     v.ID.String(),
		AvatarID:      v.AvatarID.String(),
		VersionNumber: v.VersionNumber,
		Timestamp:     time.Now().UTC(),
	})
	s.logger.Info("prompt version activated", "version_id", v.ID, "avatar_id", v.AvatarID, "version", v.VersionNumber)
	return v, nil
}

// Delete removes an inactive, childless version. Both guards run before the delete.
func (s *Service) Delete(ctx context.Context, versionID uuid.UUID) error {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if v.IsActive {
		return fmt.Errorf("delete %s: %w", v.VersionNumber, ErrVersionActive)
	}
	n, err := s.store.CountChildren(ctx, versionID)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("delete %s (%d child versions): %w", v.VersionNumber, n, ErrVersionHasChildren)
	}
	if err := s.store.DeleteVersion(ctx, versionID); err != nil {
		return err
	}
	s.logger.Info("prompt version deleted", "version_id", versionID, "avatar_id", v.AvatarID)
	return nil
}

// UpdatePrompt edits a version's prompt text in place.
func (s *Service) UpdatePrompt(ctx context.Context, versionID uuid.UUID, text string) (*store.PromptVersion, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("system prompt is empty")
	}
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateVersionPrompt(ctx, versionID, text); err != nil {
		return nil, err
	}
	if v.IsActive {
		s.cache.Invalidate(ctx, v.AvatarID)
	}
	v.SystemPrompt = text
	return v, nil
}

// ApplyModification performs a surgical edit of the version's prompt following one
// instruction, without creating a new version.
func (s *Service) ApplyModification(ctx context.Context, versionID uuid.UUID, instruction string) (*store.PromptVersion, error) {
	if s.modifier == nil {
		return nil, errors.New("prompt modification is not configured")
	}
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	out, err := s.modifier.ApplyModification(ctx, v.SystemPrompt, instruction)
	if err != nil {
		return nil, err
	}
	return s.UpdatePrompt(ctx, versionID, out)
}

func (s *Service) Get(ctx context.Context, versionID uuid.UUID) (*store.PromptVersion, error) {
	return s.store.GetVersion(ctx, versionID)
}

func (s *Service) List(ctx context.Context, avatarID uuid.UUID) ([]store.PromptVersion, error) {
	return s.store.ListVersions(ctx, avatarID)
}

func (s *Service) Latest(ctx context.Context, avatarID uuid.UUID) (*store.PromptVersion, error) {
	return s.store.LatestVersion(ctx, avatarID)
}

func (s *Service) Active(ctx context.Context, avatarID uuid.UUID) (*store.PromptVersion, error) {
	return s.store.ActiveVersion(ctx, avatarID)
}

// Lineage returns the chain from the root version down to versionID.
func (s *Service) Lineage(ctx context.Context, versionID uuid.UUID) ([]store.PromptVersion, error) {
	seen := make(map[uuid.UUID]bool)
	var chain []store.PromptVersion
	id := versionID
	for {
		if seen[id] {
			return nil, fmt.Errorf("lineage of %s: %w", versionID, store.ErrLineageCycle)
		}
		seen[id] = true
		v, err := s.store.GetVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *v)
		if v.ParentVersionID == nil {
			break
		}
		id = *v.ParentVersionID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// SystemPrompt resolves the prompt used at chat time: the avatar's custom prompt, else its
// active version, else the profile-derived base prompt. It always has an answer for an
// existing avatar.
func (s *Service) SystemPrompt(ctx context.Context, avatarID uuid.UUID) (string, error) {
	e, err := s.resolve(ctx, avatarID)
	if err != nil {
		return "", err
	}
	return e.Prompt, nil
}

func (s *Service) resolve(ctx context.Context, avatarID uuid.UUID) (promptcache.Entry, error) {
	if e, ok := s.cache.Get(ctx, avatarID); ok {
		return e, nil
	}
	a, err := s.store.GetAvatar(ctx, avatarID)
	if err != nil {
		return promptcache.Entry{}, err
	}

	var e promptcache.Entry
	if prompt, custom := s.fromProfile(a); custom {
		e.Prompt = prompt
	} else {
		active, err := s.store.ActiveVersion(ctx, avatarID)
		switch {
		case err == nil:
			e = promptcache.Entry{Prompt: active.SystemPrompt, VersionID: active.ID}
		case errors.Is(err, store.ErrNotFound):
			e.Prompt = prompt
		default:
			return promptcache.Entry{}, err
		}
	}
	s.cache.Set(ctx, avatarID, e)
	return e, nil
}

// fromProfile returns the custom prompt when set (custom=true), else the base prompt.
func (s *Service) fromProfile(a *store.Avatar) (string, bool) {
	if a.CustomPrompt != nil && strings.TrimSpace(*a.CustomPrompt) != "" {
		return *a.CustomPrompt, true
	}
	return BasePrompt(a), false
}

// InvalidatePrompt drops the cached prompt after the avatar profile changes.
func (s *Service) InvalidatePrompt(ctx context.Context, avatarID uuid.UUID) {
	s.cache.Invalidate(ctx, avatarID)
}

// ChatPrompt is SystemPrompt plus learned hints relevant to the message. It counts one use
// of the active version when that version supplied the prompt.
func (s *Service) ChatPrompt(ctx context.Context, avatarID uuid.UUID, message string) (string, error) {
	e, err := s.resolve(ctx, avatarID)
	if err != nil {
		return "", err
	}
	if e.VersionID != uuid.Nil {
		if err := s.store.IncrementVersionUsage(ctx, e.VersionID); err != nil {
			s.logger.Warn("failed to count version usage", "version_id", e.VersionID, "error", err)
		}
	}
	prompt := e.Prompt
	if s.hints != nil && strings.TrimSpace(message) != "" {
		if h := s.hints.Hints(ctx, avatarID, message); h != "" {
			prompt += "\n\n" + h
		}
	}
	return prompt, nil
}

func (s *Service) publish(subject string, data any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
