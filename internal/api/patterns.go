package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/persona/internal/learner"
	"github.com/MikeSquared-Agency/persona/internal/store"
)

type turnRequest struct {
	SessionID      string              `json:"session_id"`
	UserMessage    string              `json:"user_message"`
	AvatarResponse string              `json:"avatar_response"`
	Feedback       store.FeedbackLabel `json:"feedback"`
}

func (req turnRequest) validate() error {
	if strings.TrimSpace(req.UserMessage) == "" || strings.TrimSpace(req.AvatarResponse) == "" {
		return invalid("user_message and avatar_response are required")
	}
	switch req.Feedback {
	case "", store.FeedbackGood, store.FeedbackBad, store.FeedbackNeutral:
		return nil
	}
	return invalid("feedback must be good, bad or neutral")
}

// recordTurn queues a chat turn for pattern learning and answers before it runs.
func (s *Server) recordTurn(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.deps.Learner.LearnAsync(learner.Turn{
		AvatarID:       a.ID,
		UserID:         a.UserID,
		UserMessage:    req.UserMessage,
		AvatarResponse: req.AvatarResponse,
		Feedback:       req.Feedback,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) recordFeedback(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Feedback == "" {
		s.writeError(w, r, invalid("feedback is required"))
		return
	}
	fb := &store.ConversationFeedback{
		AvatarID:       a.ID,
		UserID:         a.UserID,
		ChatSessionID:  req.SessionID,
		UserMessage:    req.UserMessage,
		AvatarResponse: req.AvatarResponse,
		Label:          req.Feedback,
	}
	if err := s.deps.Learner.RecordFeedback(r.Context(), fb); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, fb)
}

// listPatterns returns every learned pattern, or only those a ?message= would trigger.
func (s *Server) listPatterns(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patterns []store.ConversationPattern
	if msg := r.URL.Query().Get("message"); msg != "" {
		patterns, err = s.deps.Learner.RelevantPatterns(r.Context(), a.ID, msg, 0)
	} else {
		patterns, err = s.deps.Store.ListPatterns(r.Context(), a.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if patterns == nil {
		patterns = []store.ConversationPattern{}
	}
	writeJSON(w, http.StatusOK, patterns)
}

// compactPatterns merges duplicate learned patterns. It is a dry run unless ?execute=true.
func (s *Server) compactPatterns(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threshold := learner.DefaultCompactThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		threshold, err = strconv.ParseFloat(v, 64)
		if err != nil || threshold <= 0 || threshold > 1 {
			s.writeError(w, r, invalid("threshold must be in (0, 1]"))
			return
		}
	}
	execute := r.URL.Query().Get("execute") == "true"
	res, err := s.deps.Learner.Compact(r.Context(), a.ID, threshold, execute)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
