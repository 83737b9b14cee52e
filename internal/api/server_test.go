package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/persona/internal/analysis"
	"github.com/MikeSquared-Agency/persona/internal/blob"
	"github.com/MikeSquared-Agency/persona/internal/extractor"
	"github.com/MikeSquared-Agency/persona/internal/finetune"
	"github.com/MikeSquared-Agency/persona/internal/hermes"
	"github.com/MikeSquared-Agency/persona/internal/learner"
	"github.com/MikeSquared-Agency/persona/internal/openai"
	"github.com/MikeSquared-Agency/persona/internal/pipeline"
	"github.com/MikeSquared-Agency/persona/internal/store"
	"github.com/MikeSquared-Agency/persona/internal/synthesis"
	"github.com/MikeSquared-Agency/persona/internal/training"
	"github.com/MikeSquared-Agency/persona/internal/versions"
)

const synthesisReply = `{"enhanced_system_prompt":"Keep replies short and breezy.",` +
	`"behavior_rules":["be casual"],"response_style":{"tone":"casual"},` +
	`"improvement_notes":"Tone is more casual."}`

const analysisReply = `{"communication_style":{"formality_level":"casual","tone":"warm"},"personality_traits":["playful"]}`

// cannedLLM answers each operation with a fixed reply.
type cannedLLM map[string]string

func (c cannedLLM) Complete(_ context.Context, req openai.Request) (string, error) {
	reply, ok := c[req.Operation]
	if !ok {
		return "", errors.New("unexpected operation " + req.Operation)
	}
	return reply, nil
}

type preflight struct{ err error }

func (p *preflight) Ready() error { return p.err }

type fixture struct {
	srv      *Server
	store    *store.MemStore
	bus      *hermes.Local
	sessions *training.Manager
	llm      *preflight
	user     uuid.UUID
}

func newFixture(t *testing.T, jwtSecret string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ms := store.NewMemStore()
	bus := hermes.NewLocal()
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	llm := cannedLLM{
		"analysis":     analysisReply,
		"synthesis":    synthesisReply,
		"modification": "You are Mira. Always answer in French.",
	}
	syn := synthesis.New(llm, "chat-model", logger)
	vs := versions.NewService(ms, nil, bus, syn, logger)
	lrn := learner.New(ms, learner.Options{}, logger)
	vs.SetHintSource(lrn)
	sessions := training.NewManager(ms, logger)
	pl := pipeline.New(
		sessions,
		blobs,
		extractor.New(llm, blobs, ms, "vision-model", logger),
		analysis.New(llm, "chat-model", logger),
		syn,
		vs,
		bus,
		logger,
	)
	ft := finetune.NewService(ms, openai.NewClient("", ""), vs, bus, "base-model", logger)

	f := &fixture{store: ms, bus: bus, sessions: sessions, llm: &preflight{}, user: uuid.New()}
	f.srv = NewServer(0, Deps{
		Store:     ms,
		Sessions:  sessions,
		Pipeline:  pl,
		Versions:  vs,
		Learner:   lrn,
		FineTune:  ft,
		Bus:       bus,
		LLM:       f.llm,
		JWTSecret: jwtSecret,
		Logger:    logger,
	})
	t.Cleanup(lrn.Wait)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(devUserHeader, f.user.String())
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) createAvatar(t *testing.T) *store.Avatar {
	t.Helper()
	w := f.do(t, "POST", "/api/v1/avatars", map[string]any{"name": "Mira", "backstory": "A lighthouse keeper."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var a store.Avatar
	require.NoError(t, json.NewDecoder(w.Body).Decode(&a))
	return &a
}

func (f *fixture) trainingRequest(t *testing.T, avatarID uuid.UUID, query string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("instructions", "make the tone more casual"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="files"; filename="chat.txt"`)
	h.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("Mira: hey there!\nUser: lol hi"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/avatars/"+avatarID.String()+"/training"+query, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(devUserHeader, f.user.String())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest("GET", "/api/v1/persona/status", nil)
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decode[map[string]string](t, w)
	if body["service"] != "persona" {
		t.Errorf("expected service persona, got %q", body["service"])
	}
	if body["llm"] != "ready" {
		t.Errorf("expected llm ready, got %q", body["llm"])
	}

	f.llm.err = openai.ErrMissingAPIKey
	w = httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/persona/status", nil))
	body = decode[map[string]string](t, w)
	if body["llm"] != "missing_api_key" {
		t.Errorf("expected llm missing_api_key, got %q", body["llm"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestAuth_DevHeader(t *testing.T) {
	f := newFixture(t, "")

	req := httptest.NewRequest("POST", "/api/v1/avatars", strings.NewReader(`{"name":"Mira"}`))
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("POST", "/api/v1/avatars", strings.NewReader(`{"name":"Mira"}`))
	req.Header.Set(devUserHeader, "not-a-uuid")
	w = httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func signToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuth_JWT(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, secret)
	user := uuid.New()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"valid", signToken(t, secret, user.String(), time.Now().Add(time.Hour)), http.StatusCreated},
		{"wrong secret", signToken(t, "other", user.String(), time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"expired", signToken(t, secret, user.String(), time.Now().Add(-time.Hour)), http.StatusUnauthorized},
		{"subject not a uuid", signToken(t, secret, "bob", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"missing", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/avatars", strings.NewReader(`{"name":"Mira"}`))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			w := httptest.NewRecorder()
			f.srv.router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusCreated {
				a := decode[store.Avatar](t, w)
				assert.Equal(t, user, a.UserID)
			}
		})
	}
}

func TestAvatarLifecycle(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, "POST", "/api/v1/avatars", map[string]any{"age": 30})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	a := f.createAvatar(t)
	path := "/api/v1/avatars/" + a.ID.String()

	w = f.do(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Mira", decode[store.Avatar](t, w).Name)

	w = f.do(t, "GET", path+"/system-prompt", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["system_prompt"], "You are Mira.")

	w = f.do(t, "PATCH", path, map[string]any{"custom_prompt": "You are a pirate."})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, "GET", path+"/system-prompt", nil)
	assert.Equal(t, "You are a pirate.", decode[map[string]string](t, w)["system_prompt"])

	w = f.do(t, "PATCH", path, map[string]any{"custom_prompt": ""})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "GET", path+"/system-prompt", nil)
	assert.Contains(t, decode[map[string]string](t, w)["system_prompt"], "You are Mira.")

	w = f.do(t, "GET", "/api/v1/avatars/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, "GET", "/api/v1/avatars/not-an-id", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAvatarOfAnotherUserIsHidden(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)

	req := httptest.NewRequest("GET", "/api/v1/avatars/"+a.ID.String(), nil)
	req.Header.Set(devUserHeader, uuid.NewString())
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVersionFlow(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	avatarPath := "/api/v1/avatars/" + a.ID.String()

	w := f.do(t, "POST", avatarPath+"/versions", map[string]any{"version_name": "empty"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", avatarPath+"/versions", map[string]any{"system_prompt": "You are Mira, v1."})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	v1 := decode[store.PromptVersion](t, w)
	assert.Equal(t, "v1.0", v1.VersionNumber)
	assert.Nil(t, v1.ParentVersionID)

	w = f.do(t, "POST", avatarPath+"/versions", map[string]any{"system_prompt": "You are Mira, v2.", "activate": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	v2 := decode[store.PromptVersion](t, w)
	assert.Equal(t, "v2.0", v2.VersionNumber)
	assert.True(t, v2.IsActive)
	require.NotNil(t, v2.ParentVersionID)
	assert.Equal(t, v1.ID, *v2.ParentVersionID)

	w = f.do(t, "GET", avatarPath+"/system-prompt", nil)
	assert.Equal(t, "You are Mira, v2.", decode[map[string]string](t, w)["system_prompt"])

	w = f.do(t, "GET", "/api/v1/versions/"+v2.ID.String()+"/lineage", nil)
	require.Equal(t, http.StatusOK, w.Code)
	chain := decode[[]store.PromptVersion](t, w)
	require.Len(t, chain, 2)
	assert.Equal(t, v1.ID, chain[0].ID)

	w = f.do(t, "DELETE", "/api/v1/versions/"+v2.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.do(t, "DELETE", "/api/v1/versions/"+v1.ID.String(), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, "PATCH", "/api/v1/versions/"+v2.ID.String()+"/prompt", map[string]string{"system_prompt": "You are Mira, edited."})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "GET", avatarPath+"/system-prompt", nil)
	assert.Equal(t, "You are Mira, edited.", decode[map[string]string](t, w)["system_prompt"])

	w = f.do(t, "POST", "/api/v1/versions/"+v2.ID.String()+"/modify", map[string]string{"instruction": "answer in French"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "You are Mira. Always answer in French.", decode[store.PromptVersion](t, w).SystemPrompt)

	w = f.do(t, "POST", "/api/v1/versions/"+v1.ID.String()+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, "GET", avatarPath+"/versions", nil)
	for _, v := range decode[[]store.PromptVersion](t, w) {
		assert.Equal(t, v.ID == v1.ID, v.IsActive, v.VersionNumber)
	}

	// v2 is now an inactive leaf
	w = f.do(t, "DELETE", "/api/v1/versions/"+v2.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, "GET", "/api/v1/versions/"+v2.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartTraining_Wait(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)

	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, f.trainingRequest(t, a.ID, "?wait=true"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Session        store.TrainingSession `json:"session"`
		Version        store.PromptVersion   `json:"version"`
		FilesCompleted int                   `json:"files_completed"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, store.StatusCompleted, body.Session.Status)
	assert.Equal(t, "v1.0", body.Version.VersionNumber)
	assert.Contains(t, body.Version.SystemPrompt, "Keep replies short and breezy.")
	assert.Equal(t, 1, body.FilesCompleted)
	assert.False(t, body.Version.IsActive)

	w = f.do(t, "GET", "/api/v1/training/"+body.Session.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[struct {
		Files []store.TrainingFile `json:"files"`
	}](t, w)
	require.Len(t, detail.Files, 1)
	assert.Equal(t, store.FileCompleted, detail.Files[0].Status)
}

func TestStartTraining_Background(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)

	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, f.trainingRequest(t, a.ID, ""))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sess := decode[store.TrainingSession](t, w)
	assert.Equal(t, store.StatusPending, sess.Status)

	f.srv.runs.Wait()

	w = f.do(t, "GET", "/api/v1/avatars/"+a.ID.String()+"/training", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]store.TrainingSession](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, store.StatusCompleted, list[0].Status)
}

func TestStartTraining_PastedText(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)

	form := url.Values{
		"instructions": {"warmer"},
		"activate":     {"true"},
		"text":         {"User: hi\nMira: hey you"},
	}
	req := httptest.NewRequest("POST", "/api/v1/avatars/"+a.ID.String()+"/training?wait=true", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(devUserHeader, f.user.String())
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Version        store.PromptVersion `json:"version"`
		FilesCompleted int                 `json:"files_completed"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 1, body.FilesCompleted)
	assert.True(t, body.Version.IsActive)

	w = f.do(t, "GET", "/api/v1/avatars/"+a.ID.String()+"/system-prompt", nil)
	assert.Equal(t, body.Version.SystemPrompt, decode[map[string]string](t, w)["system_prompt"])
}

func TestStartTraining_MissingAPIKey(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	f.llm.err = openai.ErrMissingAPIKey

	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, f.trainingRequest(t, a.ID, "?wait=true"))
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	sessions, err := f.store.ListSessions(context.Background(), a.ID, f.user)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStartTraining_UnknownType(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)

	req := httptest.NewRequest("POST", "/api/v1/avatars/"+a.ID.String()+"/training",
		strings.NewReader("training_type=telepathy"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(devUserHeader, f.user.String())
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func dialProgress(t *testing.T, f *fixture, sessionID uuid.UUID) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.srv.router)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/training/" + sessionID.String() + "/progress"
	header := http.Header{}
	header.Set(devUserHeader, f.user.String())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestTrainingProgress_StreamsUntilCompleted(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	sess, err := f.sessions.CreateSession(context.Background(), f.user, a.ID, store.TrainingFileUpload, "")
	require.NoError(t, err)

	conn := dialProgress(t, f, sess.ID)

	subject := hermes.ProgressSubject(sess.ID.String())
	require.NoError(t, f.bus.Publish(subject, hermes.ProgressEvent{SessionID: sess.ID.String(), Stage: pipeline.StageExtraction, Percent: 10}))
	require.NoError(t, f.bus.Publish(subject, hermes.ProgressEvent{SessionID: sess.ID.String(), Stage: pipeline.StageCompleted, Percent: 100}))

	var ev hermes.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, pipeline.StageExtraction, ev.Stage)
	assert.Equal(t, 10, ev.Percent)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, pipeline.StageCompleted, ev.Stage)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestTrainingProgress_FinishedSession(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	sess, err := f.sessions.CreateSession(context.Background(), f.user, a.ID, store.TrainingFileUpload, "")
	require.NoError(t, err)
	_, err = f.sessions.Fail(context.Background(), sess.ID, pipeline.StageQueued, errors.New("upload lost"))
	require.NoError(t, err)

	conn := dialProgress(t, f, sess.ID)

	var ev hermes.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, pipeline.StageFailed, ev.Stage)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal close, got %v", err)
}

func TestTrainingProgress_OtherUsersSession(t *testing.T) {
	f := newFixture(t, "")
	sess, err := f.sessions.CreateSession(context.Background(), uuid.New(), uuid.New(), store.TrainingFileUpload, "")
	require.NoError(t, err)

	w := f.do(t, "GET", "/api/v1/training/"+sess.ID.String()+"/progress", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFeedbackAndPatterns(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	path := "/api/v1/avatars/" + a.ID.String()

	w := f.do(t, "POST", path+"/feedback", map[string]string{
		"user_message":    "hello there",
		"avatar_response": "Hi! Lovely to see you.",
		"feedback":        "great",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", path+"/feedback", map[string]string{
		"user_message":    "hello there",
		"avatar_response": "Hi! Lovely to see you.",
		"feedback":        "good",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, "POST", path+"/turns", map[string]string{
		"user_message":    "how are you?",
		"avatar_response": "Doing well, thanks for asking.",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	f.srv.deps.Learner.Wait()

	w = f.do(t, "GET", path+"/patterns", nil)
	require.Equal(t, http.StatusOK, w.Code)
	types := map[store.PatternType]bool{}
	for _, p := range decode[[]store.ConversationPattern](t, w) {
		types[p.PatternType] = true
	}
	assert.True(t, types[store.PatternGreeting])
	assert.True(t, types[store.PatternQuestion])

	w = f.do(t, "GET", path+"/patterns?message=hello+friend", nil)
	require.Equal(t, http.StatusOK, w.Code)
	relevant := decode[[]store.ConversationPattern](t, w)
	require.Len(t, relevant, 1)
	assert.Equal(t, store.PatternGreeting, relevant[0].PatternType)

	w = f.do(t, "GET", path+"/system-prompt?message=hello+friend", nil)
	assert.Contains(t, decode[map[string]string](t, w)["system_prompt"], "## Learned Conversation Patterns")

	w = f.do(t, "GET", path+"/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[statsResponse](t, w)
	assert.Equal(t, 2, stats.Patterns)
	assert.Equal(t, 1, stats.Feedback[store.FeedbackGood])
}

func TestCompactPatterns(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	ctx := context.Background()
	for _, triggers := range [][]string{{"hello", "hi"}, {"hello", "hi", "hey"}} {
		require.NoError(t, f.store.CreatePattern(ctx, &store.ConversationPattern{
			AvatarID:     a.ID,
			UserID:       f.user,
			PatternType:  store.PatternGreeting,
			TriggerWords: triggers,
			UsageCount:   1,
			SuccessRate:  0.8,
		}))
	}
	path := "/api/v1/avatars/" + a.ID.String() + "/patterns/compact"

	w := f.do(t, "POST", path+"?threshold=7", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, "POST", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[learner.CompactResult](t, w)
	assert.False(t, res.Execute)
	assert.Equal(t, 1, res.Merged)

	w = f.do(t, "POST", path+"?execute=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	patterns, err := f.store.ListPatterns(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 2, patterns[0].UsageCount)
}

func TestFineTune(t *testing.T) {
	f := newFixture(t, "")
	a := f.createAvatar(t)
	path := "/api/v1/avatars/" + a.ID.String() + "/finetune"

	w := f.do(t, "POST", path, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "no examples yet")

	ctx := context.Background()
	for i := 0; i < finetune.MinExamples; i++ {
		require.NoError(t, f.store.AppendFeedback(ctx, &store.ConversationFeedback{
			AvatarID:       a.ID,
			UserID:         f.user,
			UserMessage:    "hello",
			AvatarResponse: "Hi there!",
			Label:          store.FeedbackGood,
		}))
	}

	// the provider client has no key configured
	w = f.do(t, "POST", path, nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = f.do(t, "GET", path, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]store.FineTuneJob](t, w))

	w = f.do(t, "POST", "/api/v1/finetune/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
