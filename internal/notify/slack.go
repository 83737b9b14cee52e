// Package notify posts training run summaries to Slack.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultPostMessageURL = "https://slack.com/api/chat.postMessage"

// Summary describes one finished training run.
type Summary struct {
	SessionID        uuid.UUID
	AvatarID         uuid.UUID
	TrainingType     string
	Status           string
	VersionNumber    string
	FilesCompleted   int
	FilesFailed      int
	FilesSkipped     int
	ImprovementNotes string
	Error            string
	Duration         time.Duration
}

type Poster struct {
	token   string
	channel string
	client  *http.Client
	logger  *slog.Logger
	apiURL  string
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  defaultPostMessageURL,
		logger:  logger,
	}
}

// TrainingFinished posts the run summary, and any error in a thread.
func (p *Poster) TrainingFinished(ctx context.Context, s Summary) error {
	ts, err := p.PostTrainingSummary(ctx, s)
	if err != nil {
		return err
	}
	if s.Error != "" {
		if err := p.PostThread(ctx, ts, "```"+s.Error+"```"); err != nil {
			return fmt.Errorf("post error thread: %w", err)
		}
	}
	return nil
}

// PostTrainingSummary posts the summary and returns the message timestamp.
func (p *Poster) PostTrainingSummary(ctx context.Context, s Summary) (string, error) {
	text := formatSummary(s)

	body, err := json.Marshal(map[string]any{
		"channel": p.channel,
		"text":    text,
		"blocks": []map[string]any{
			{
				"type": "section",
				"text": map[string]any{
					"type": "mrkdwn",
					"text": text,
				},
			},
			{
				"type": "context",
				"elements": []map[string]any{
					{
						"type": "mrkdwn",
						"text": fmt.Sprintf("session `%s` | avatar `%s`", s.SessionID, s.AvatarID),
					},
				},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	var resp postResponse
	if err := p.post(ctx, body, &resp); err != nil {
		return "", err
	}

	p.logger.Info("posted training summary to slack", "ts", resp.TS, "session_id", s.SessionID)
	return resp.TS, nil
}

// PostThread posts a threaded reply to a message.
func (p *Poster) PostThread(ctx context.Context, threadTS, text string) error {
	body, err := json.Marshal(map[string]any{
		"channel":   p.channel,
		"thread_ts": threadTS,
		"text":      text,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return p.post(ctx, body, &postResponse{})
}

type postResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error,omitempty"`
}

func (p *Poster) post(ctx context.Context, body []byte, out *postResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse slack response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack error: %s", out.Error)
	}
	return nil
}

func formatSummary(s Summary) string {
	var sb strings.Builder

	icon := ":white_check_mark:"
	if s.Status != "completed" {
		icon = ":x:"
	}
	fmt.Fprintf(&sb, "%s *Training %s* (%s, %s)\n", icon, s.Status, s.TrainingType, s.Duration.Round(time.Second))

	if s.VersionNumber != "" {
		fmt.Fprintf(&sb, "*New version:* %s\n", s.VersionNumber)
	}
	fmt.Fprintf(&sb, "*Files:* %d extracted, %d failed, %d skipped\n", s.FilesCompleted, s.FilesFailed, s.FilesSkipped)

	if notes := strings.TrimSpace(s.ImprovementNotes); notes != "" {
		fmt.Fprintf(&sb, "\n%s", notes)
	}
	return strings.TrimRight(sb.String(), "\n")
}
