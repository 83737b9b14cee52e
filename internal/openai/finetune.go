package openai

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
)

// File is an uploaded provider file.
type File struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Purpose  string `json:"purpose"`
	Bytes    int64  `json:"bytes"`
}

// FineTuneJob mirrors the provider's fine_tuning.job object.
type FineTuneJob struct {
	ID             string `json:"id"`
	Model          string `json:"model"`
	FineTunedModel string `json:"fine_tuned_model"`
	Status         string `json:"status"`
	TrainingFile   string `json:"training_file"`
	CreatedAt      int64  `json:"created_at"`
	FinishedAt     int64  `json:"finished_at"`
	Error          *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorMessage returns the provider's failure reason, if any.
func (j FineTuneJob) ErrorMessage() string {
	if j.Error == nil {
		return ""
	}
	return j.Error.Message
}

type createFineTuneRequest struct {
	TrainingFile string `json:"training_file"`
	Model        string `json:"model"`
	Suffix       string `json:"suffix,omitempty"`
}

// UploadFile uploads a JSONL dataset with the given purpose (e.g. "fine-tune").
func (c *Client) UploadFile(ctx context.Context, filename string, data []byte, purpose string) (*File, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", purpose); err != nil {
		return nil, fmt.Errorf("write purpose field: %w", err)
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var f File
	if err := c.do(ctx, http.MethodPost, "/v1/files", w.FormDataContentType(), &buf, &f); err != nil {
		return nil, fmt.Errorf("upload file: %w", err)
	}
	return &f, nil
}

// CreateFineTuneJob starts a fine-tuning job on an uploaded training file.
func (c *Client) CreateFineTuneJob(ctx context.Context, trainingFileID, model, suffix string) (*FineTuneJob, error) {
	var job FineTuneJob
	err := c.doJSON(ctx, http.MethodPost, "/v1/fine_tuning/jobs", createFineTuneRequest{
		TrainingFile: trainingFileID,
		Model:        model,
		Suffix:       suffix,
	}, &job)
	if err != nil {
		return nil, fmt.Errorf("create fine-tune job: %w", err)
	}
	return &job, nil
}

// GetFineTuneJob fetches the current state of a job.
func (c *Client) GetFineTuneJob(ctx context.Context, jobID string) (*FineTuneJob, error) {
	var job FineTuneJob
	if err := c.doJSON(ctx, http.MethodGet, "/v1/fine_tuning/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, fmt.Errorf("get fine-tune job: %w", err)
	}
	return &job, nil
}

// CancelFineTuneJob asks the provider to cancel a job. In-flight work may still finish.
func (c *Client) CancelFineTuneJob(ctx context.Context, jobID string) (*FineTuneJob, error) {
	var job FineTuneJob
	if err := c.doJSON(ctx, http.MethodPost, "/v1/fine_tuning/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &job); err != nil {
		return nil, fmt.Errorf("cancel fine-tune job: %w", err)
	}
	return &job, nil
}
