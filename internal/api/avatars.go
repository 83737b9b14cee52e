package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

func parseID(r *http.Request, param string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		return uuid.Nil, invalid("%s is not a valid id", param)
	}
	return id, nil
}

// ownedAvatar loads the avatar named in the path. Avatars of other users read as not found.
func (s *Server) ownedAvatar(r *http.Request) (*store.Avatar, error) {
	id, err := parseID(r, "avatarID")
	if err != nil {
		return nil, err
	}
	return s.avatarFor(r, id)
}

func (s *Server) avatarFor(r *http.Request, id uuid.UUID) (*store.Avatar, error) {
	a, err := s.deps.Store.GetAvatar(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userIDFrom(r.Context()) {
		return nil, store.ErrNotFound
	}
	return a, nil
}

type avatarRequest struct {
	Name               *string   `json:"name"`
	Age                *int      `json:"age"`
	Gender             *string   `json:"gender"`
	OriginCountry      *string   `json:"origin_country"`
	PrimaryLanguage    *string   `json:"primary_language"`
	SecondaryLanguages *[]string `json:"secondary_languages"`
	Backstory          *string   `json:"backstory"`
	PersonalityTraits  *[]string `json:"personality_traits"`
	HiddenRules        *string   `json:"hidden_rules"`
	CustomPrompt       *string   `json:"custom_prompt"`
}

// apply copies the fields present in the request onto a. An empty custom_prompt clears it.
func (req avatarRequest) apply(a *store.Avatar) {
	if req.Name != nil {
		a.Name = strings.TrimSpace(*req.Name)
	}
	if req.Age != nil {
		a.Age = *req.Age
	}
	if req.Gender != nil {
		a.Gender = *req.Gender
	}
	if req.OriginCountry != nil {
		a.OriginCountry = *req.OriginCountry
	}
	if req.PrimaryLanguage != nil {
		a.PrimaryLanguage = *req.PrimaryLanguage
	}
	if req.SecondaryLanguages != nil {
		a.SecondaryLanguages = *req.SecondaryLanguages
	}
	if req.Backstory != nil {
		a.Backstory = *req.Backstory
	}
	if req.PersonalityTraits != nil {
		a.PersonalityTraits = *req.PersonalityTraits
	}
	if req.HiddenRules != nil {
		a.HiddenRules = *req.HiddenRules
	}
	if req.CustomPrompt != nil {
		if strings.TrimSpace(*req.CustomPrompt) == "" {
			a.CustomPrompt = nil
		} else {
			p := *req.CustomPrompt
			a.CustomPrompt = &p
		}
	}
}

func (s *Server) createAvatar(w http.ResponseWriter, r *http.Request) {
	var req avatarRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a := &store.Avatar{UserID: userIDFrom(r.Context())}
	req.apply(a)
	if a.Name == "" {
		s.writeError(w, r, invalid("name is required"))
		return
	}
	if err := s.deps.Store.CreateAvatar(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAvatar(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) updateAvatar(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req avatarRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.apply(a)
	if a.Name == "" {
		s.writeError(w, r, invalid("name cannot be empty"))
		return
	}
	if err := s.deps.Store.UpdateAvatar(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Versions.InvalidatePrompt(r.Context(), a.ID)
	writeJSON(w, http.StatusOK, a)
}

type statsResponse struct {
	Versions        int                         `json:"versions"`
	ActiveVersion   string                      `json:"active_version,omitempty"`
	Sessions        map[store.SessionStatus]int `json:"sessions"`
	Patterns        int                         `json:"patterns"`
	Feedback        map[store.FeedbackLabel]int `json:"feedback"`
	FineTuneJobs    int                         `json:"finetune_jobs"`
	FineTunedModels []string                    `json:"fine_tuned_models"`
}

// avatarStats loads the dashboard counters with concurrent reads.
func (s *Server) avatarStats(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var (
		versionList []store.PromptVersion
		sessions    []store.TrainingSession
		patterns    []store.ConversationPattern
		feedback    []store.ConversationFeedback
		jobs        []store.FineTuneJob
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		versionList, err = s.deps.Store.ListVersions(ctx, a.ID)
		return err
	})
	g.Go(func() (err error) {
		sessions, err = s.deps.Store.ListSessions(ctx, a.ID, a.UserID)
		return err
	})
	g.Go(func() (err error) {
		patterns, err = s.deps.Store.ListPatterns(ctx, a.ID)
		return err
	})
	g.Go(func() (err error) {
		feedback, err = s.deps.Store.ListFeedback(ctx, a.ID)
		return err
	})
	g.Go(func() (err error) {
		jobs, err = s.deps.Store.ListFineTuneJobs(ctx, a.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		s.writeError(w, r, err)
		return
	}

	stats := statsResponse{
		Versions:        len(versionList),
		Sessions:        map[store.SessionStatus]int{},
		Patterns:        len(patterns),
		Feedback:        map[store.FeedbackLabel]int{},
		FineTuneJobs:    len(jobs),
		FineTunedModels: []string{},
	}
	for _, v := range versionList {
		if v.IsActive {
			stats.ActiveVersion = v.VersionNumber
		}
	}
	for _, sess := range sessions {
		stats.Sessions[sess.Status]++
	}
	for _, f := range feedback {
		stats.Feedback[f.Label]++
	}
	for _, j := range jobs {
		if j.FineTunedModel != "" {
			stats.FineTunedModels = append(stats.FineTunedModels, j.FineTunedModel)
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

// systemPrompt returns the prompt the avatar chats with. With ?message= it is the chat
// prompt for that message, learned hints included.
func (s *Server) systemPrompt(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var prompt string
	if msg := r.URL.Query().Get("message"); msg != "" {
		prompt, err = s.deps.Versions.ChatPrompt(r.Context(), a.ID, msg)
	} else {
		prompt, err = s.deps.Versions.SystemPrompt(r.Context(), a.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"system_prompt": prompt})
}
