package stages

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// Sender delivers the job's messages to subscribers page by page.
type Sender struct {
	d Deps
}

// NewSender builds the send stage.
func NewSender(d Deps) *Sender {
	d = d.withDefaults()
	d.Logger = d.Logger.Named(NameSend)
	return &Sender{d: d}
}

// Name implements Stage.
func (s *Sender) Name() string { return NameSend }

// Run sends every undelivered, subscribed message to one page of recipients.
// A recipient is recorded on a message only after the send is confirmed, so a
// message reaches each recipient at most once. Send failures are counted, not fatal.
func (s *Sender) Run(ctx context.Context, req Request) (Result, error) {
	job, ok, err := s.d.activeJob(ctx, pipeline.StatusSending, req)
	if err != nil || !ok {
		return noop(NameSend, job), err
	}
	counters := map[string]int{"sent": 0, "failed": 0, "recipients": 0}

	// Generation replaces every message within the job, so the job start bounds them.
	messages, err := s.d.Messages.ListSince(ctx, job.StartedAt)
	if err != nil {
		return Result{}, fmt.Errorf("list job messages: %w", err)
	}
	if len(messages) == 0 {
		return s.complete(ctx, job, counters, "no messages for this job")
	}

	adminsOnly, err := debugMode(ctx, s.d)
	if err != nil {
		return Result{}, err
	}
	total, err := s.d.Recipients.CountRecipients(ctx, adminsOnly)
	if err != nil {
		return Result{}, fmt.Errorf("count recipients: %w", err)
	}
	job.TotalItems = total
	offset := job.CurrentBatchOffset
	if total == 0 || offset >= total {
		return s.complete(ctx, job, counters, "no recipients left")
	}

	size := req.size()
	recipients, err := s.d.Recipients.ListRecipients(ctx, adminsOnly, offset, size)
	if err != nil {
		return Result{}, fmt.Errorf("list recipients at %d: %w", offset, err)
	}
	for _, r := range recipients {
		counters["recipients"]++
		for _, m := range messages {
			if !r.Wants(m) || m.DeliveredTo(r.ID) {
				continue
			}
			log := s.d.Logger.With(zap.Int64("user_id", r.ID), zap.Int64("message_id", m.ID))
			if err := s.d.Messenger.SendHTML(ctx, r.TelegramChatID, m.Text); err != nil {
				counters["failed"]++
				log.Warn("message send failed", zap.Error(err))
				continue
			}
			counters["sent"]++
			if _, err := s.d.Messages.MarkDelivered(ctx, m.ID, r.ID); err != nil {
				log.Error("record delivery failed", zap.Error(err))
			}
		}
	}

	next := min(offset+size, total)
	if next >= total {
		return s.complete(ctx, job, counters, "all recipients processed")
	}
	job.Advance(next)
	saved, err := s.d.save(ctx, job)
	if err != nil {
		return Result{}, err
	}
	s.logBatch(saved, counters)
	return done(NameSend, saved, counters), nil
}

func (s *Sender) complete(ctx context.Context, job pipeline.Job, counters map[string]int, reason string) (Result, error) {
	job.Transition(pipeline.StatusCompleted, 0)
	saved, err := s.d.save(ctx, job)
	if err != nil {
		return Result{}, err
	}
	s.logBatch(saved, counters)
	s.d.Logger.Info("pipeline completed", zap.Int64("job_id", saved.ID), zap.String("reason", reason))
	return done(NameSend, saved, counters), nil
}

func (s *Sender) logBatch(job pipeline.Job, counters map[string]int) {
	s.d.Logger.Info("send batch finished",
		zap.Int64("job_id", job.ID),
		zap.String("progress", job.Progress()),
		zap.Int("sent", counters["sent"]),
		zap.Int("failed", counters["failed"]),
	)
}
