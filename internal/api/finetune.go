package api

import (
	"net/http"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

func (s *Server) startFineTune(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.FineTune.Start(r.Context(), a.ID, a.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listFineTunes(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.deps.FineTune.List(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []store.FineTuneJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) cancelFineTune(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "jobID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.deps.FineTune.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.avatarFor(r, job.AvatarID); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err = s.deps.FineTune.Cancel(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
