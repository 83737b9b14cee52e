package api

import (
	"net/http"
	"strings"

	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.deps.Versions.List(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.PromptVersion{}
	}
	writeJSON(w, http.StatusOK, list)
}

type createVersionRequest struct {
	Name              string                `json:"version_name"`
	Description       string                `json:"description"`
	SystemPrompt      string                `json:"system_prompt"`
	PersonalityTraits []string              `json:"personality_traits"`
	BehaviorRules     []string              `json:"behavior_rules"`
	ResponseStyle     map[string]any        `json:"response_style"`
	InheritanceType   store.InheritanceType `json:"inheritance_type"`
	Activate          bool                  `json:"activate"`
}

// createVersion adds a hand-written version on top of the avatar's latest one.
func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createVersionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SystemPrompt) == "" {
		s.writeError(w, r, invalid("system_prompt is required"))
		return
	}
	switch req.InheritanceType {
	case "":
		req.InheritanceType = store.InheritOverride
	case store.InheritFull, store.InheritIncremental, store.InheritOverride:
	default:
		s.writeError(w, r, invalid("unknown inheritance_type %q", req.InheritanceType))
		return
	}

	v, err := s.deps.Versions.Create(r.Context(), a.ID, versions.NewVersion{
		UserID:            a.UserID,
		Name:              req.Name,
		Description:       req.Description,
		SystemPrompt:      req.SystemPrompt,
		PersonalityTraits: req.PersonalityTraits,
		BehaviorRules:     req.BehaviorRules,
		ResponseStyle:     req.ResponseStyle,
		InheritanceType:   req.InheritanceType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Activate {
		if v, err = s.deps.Versions.Activate(r.Context(), v.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, v)
}

// ownedVersion loads the version named in the path if its avatar belongs to the caller.
func (s *Server) ownedVersion(r *http.Request) (*store.PromptVersion, error) {
	id, err := parseID(r, "versionID")
	if err != nil {
		return nil, err
	}
	v, err := s.deps.Versions.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if _, err := s.avatarFor(r, v.AvatarID); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.ownedVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) versionLineage(w http.ResponseWriter, r *http.Request) {
	v, err := s.ownedVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chain, err := s.deps.Versions.Lineage(r.Context(), v.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) activateVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.ownedVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err = s.deps.Versions.Activate(r.Context(), v.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.ownedVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Versions.Delete(r.Context(), v.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateVersionPrompt(w http.ResponseWriter, r *http.Request) {
	v, err := s.ownedVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		SystemPrompt string `json:"system_prompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.SystemPrompt) == "" {
		s.writeError(w, r, invalid("system_prompt is required"))
		return
	}
	v, err = s.deps.Versions.UpdatePrompt(r.Context(), v.ID, req.SystemPrompt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// modifyVersion applies one natural-language edit instruction to the version's prompt.
func (s *Server) modifyVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.ownedVersion(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Instruction string `json:"instruction"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		s.writeError(w, r, invalid("instruction is required"))
		return
	}
	if err := s.deps.LLM.Ready(); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err = s.deps.Versions.ApplyModification(r.Context(), v.ID, req.Instruction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
