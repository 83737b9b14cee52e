package finetune

import (
	"context"
	"log/slog"
	"time"
)

// Poller refreshes every unfinished job on a fixed interval. Jobs have no client-side
// deadline; they are polled until the provider reports a terminal status.
type Poller struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewPoller(svc *Service, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{svc: svc, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("fine-tune poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("fine-tune poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce refreshes the active jobs once. Per-job failures are logged and skipped.
func (p *Poller) PollOnce(ctx context.Context) {
	jobs, err := p.svc.store.ListActiveFineTuneJobs(ctx)
	if err != nil {
		p.logger.Error("failed to list active fine-tune jobs", "error", err)
		return
	}
	for i := range jobs {
		job := &jobs[i]
		before := job.Status
		if err := p.svc.Refresh(ctx, job); err != nil {
			p.logger.Warn("fine-tune refresh failed", "job_id", job.ID, "error", err)
			continue
		}
		if job.Status != before {
			p.logger.Info("fine-tune job status changed", "job_id", job.ID, "from", before, "to", job.Status)
		}
	}
}
