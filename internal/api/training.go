package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/pipeline"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/training"
)

const (
	maxUploadMemory = 32 << 20
	// pasted conversation text is stored and extracted like an uploaded text file
	pastedTextName  = "pasted-text.txt"

	progressBuffer    = 64
	progressRecheck   = 5 * time.Second
	progressWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// startTraining stores the uploaded files (and any pasted text) in a new pending session and runs it in the
// background, answering 202 with the session. With ?wait=true the run happens inline
// and the response carries the new version.
func (s *Server) startTraining(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.LLM.Ready(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		s.writeError(w, r, invalid("parse upload: %v", err))
		return
	}

	typ := store.TrainingType(r.FormValue("training_type"))
	if typ == "" {
		typ = store.TrainingFileUpload
	}
	if !typ.Valid() {
		s.writeError(w, r, invalid("unknown training_type %q", typ))
		return
	}
	activate := false
	if v := r.FormValue("activate"); v != "" {
		if activate, err = strconv.ParseBool(v); err != nil {
			s.writeError(w, r, invalid("activate must be a boolean"))
			return
		}
	}

	req := pipeline.Request{
		UserID:       a.UserID,
		AvatarID:     a.ID,
		TrainingType: typ,
		Instructions: r.FormValue("instructions"),
		Activate:     activate,
	}
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				s.writeError(w, r, invalid("open upload %s: %v", fh.Filename, err))
				return
			}
			defer f.Close()
			req.Files = append(req.Files, pipeline.Upload{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Body:        f,
			})
		}
	}

	if text := r.FormValue("text"); strings.TrimSpace(text) != "" {
		req.Files = append(req.Files, pipeline.Upload{
			Filename:    pastedTextName,
			ContentType: "text/plain",
			Size:        int64(len(text)),
			Body:        strings.NewReader(text),
		})
	}

	sess, err := s.deps.Pipeline.Prepare(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		res, err := s.deps.Pipeline.Execute(r.Context(), sess.ID, activate, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		body := map[string]any{
			"session":         res.Session,
			"version":         res.Version,
			"files_completed": res.Extraction.Completed,
			"files_failed":    res.Extraction.Failed,
			"files_skipped":   res.Extraction.Skipped,
		}
		if res.ActivationErr != nil {
			body["activation_error"] = res.ActivationErr.Error()
		}
		writeJSON(w, http.StatusOK, body)
		return
	}

	runCtx := context.WithoutCancel(r.Context())
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		res, err := s.deps.Pipeline.Execute(runCtx, sess.ID, activate, nil)
		switch {
		case err != nil:
			s.logger.Warn("background training failed", "session_id", sess.ID, "error", err)
		case res.ActivationErr != nil:
			s.logger.Warn("background training finished without activation", "session_id", sess.ID, "error", res.ActivationErr)
		}
	}()
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) listTraining(w http.ResponseWriter, r *http.Request) {
	a, err := s.ownedAvatar(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.deps.Sessions.ListSessions(r.Context(), a.ID, a.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.TrainingSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ownedSession loads the session named in the path if it belongs to the caller.
func (s *Server) ownedSession(r *http.Request) (*store.TrainingSession, error) {
	id, err := parseID(r, "sessionID")
	if err != nil {
		return nil, err
	}
	sess, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userIDFrom(r.Context()) {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *Server) getTraining(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	files, err := s.deps.Sessions.ListFiles(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logs, err := s.deps.Sessions.ErrorLogs(r.Context(), sess.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []store.TrainingFile{}
	}
	if logs == nil {
		logs = []store.TrainingErrorLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": sess,
		"files":   files,
		"errors":  logs,
	})
}

// trainingProgress streams the session's progress events over a websocket and closes
// once the session completes or fails.
func (s *Server) trainingProgress(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ownedSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Subscribe before re-reading the status so no terminal event falls in between.
	events := make(chan hermes.ProgressEvent, progressBuffer)
	unsubscribe, err := s.deps.Bus.Subscribe(hermes.ProgressSubject(sess.ID.String()), func(_ string, data []byte) {
		var ev hermes.ProgressEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if s.sendIfFinished(conn, sess.ID) {
		return
	}

	recheck := time.NewTicker(progressRecheck)
	defer recheck.Stop()
	for {
		select {
		case ev := <-events:
			if err := writeProgress(conn, ev); err != nil {
				return
			}
			if ev.Stage == pipeline.StageCompleted || ev.Stage == pipeline.StageFailed {
				closeStream(conn)
				return
			}
		case <-recheck.C:
			// covers terminal events dropped by a full buffer
			if s.sendIfFinished(conn, sess.ID) {
				return
			}
		case <-closed:
			return
		}
	}
}

// sendIfFinished writes a final event and closes the stream when the session has
// already reached a terminal status.
func (s *Server) sendIfFinished(conn *websocket.Conn, sessionID uuid.UUID) bool {
	sess, err := s.deps.Sessions.Get(context.Background(), sessionID)
	if err != nil {
		s.logger.Warn("progress status check failed", "session_id", sessionID, "error", err)
		return false
	}
	if !training.Terminal(sess.Status) {
		return false
	}
	ev := hermes.ProgressEvent{
		SessionID: sessionID.String(),
		Stage:     pipeline.StageCompleted,
		Label:     "Training complete",
		Percent:   100,
		Timestamp: time.Now().UTC(),
	}
	if sess.Status == store.StatusFailed {
		ev.Stage = pipeline.StageFailed
		ev.Label = "Training failed"
	}
	if err := writeProgress(conn, ev); err == nil {
		closeStream(conn)
	}
	return true
}

func writeProgress(conn *websocket.Conn, ev hermes.ProgressEvent) error {
	conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
	return conn.WriteJSON(ev)
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "training finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(progressWriteWait))
}
