package claim

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/metrics"
)

const claimExpiredReason = "claim expired"

// ReconcileReport summarizes one sweep
type ReconcileReport struct {
	Checked     int `json:"checked"`
	Republished int `json:"republished"`
	ForceFailed int `json:"forceFailed"`
}

// Reconcile cross-checks the deliveries this process holds active against
// the claim store. A vanished record is re-published as claimed-ready; after
// MaxMissedCycles consecutive re-publications the job is force-failed.
func (s *Service) Reconcile(ctx context.Context) ReconcileReport {
	var report ReconcileReport

	active := make(map[string]bool)
	for _, queueName := range s.RunningConsumers() {
		for _, token := range s.engine.ActiveTokens(queueName) {
			active[token] = true
		}
	}

	s.mu.Lock()
	claims := make(map[string]localClaim, len(s.local))
	for token, lc := range s.local {
		if !active[token] {
			// Finalized elsewhere or returned to the queue on a consumer restart
			delete(s.local, token)
			continue
		}
		claims[token] = *lc
	}
	s.mu.Unlock()

	for token, lc := range claims {
		report.Checked++

		_, err := s.store.Get(ctx, lc.record.JobID)
		if err == nil {
			s.setMissed(token, 0)
			continue
		}
		if !isNotFound(err) {
			s.logger.Error("Failed to read claimed job during reconciliation",
				slog.String("job_id", lc.record.JobID),
				slog.Any("error", err),
			)
			continue
		}

		s.expireAssignment(ctx, lc.record)

		if lc.missed >= s.opts.MaxMissedCycles {
			if s.forceFail(ctx, token, lc) {
				report.ForceFailed++
			}
			continue
		}
		if s.republish(ctx, token, lc) {
			report.Republished++
		}
	}

	if report.Republished > 0 || report.ForceFailed > 0 {
		s.logger.Info("Claim reconciliation finished",
			slog.Int("checked", report.Checked),
			slog.Int("republished", report.Republished),
			slog.Int("force_failed", report.ForceFailed),
		)
	}
	return report
}

// expireAssignment frees a worker that held the vanished claim. The pull may
// have been served by another process, so the local status is not consulted.
func (s *Service) expireAssignment(ctx context.Context, rec domain.ClaimedJob) {
	if err := s.assigner.ExpireAssignment(ctx, rec.JobID, claimExpiredReason); err != nil {
		s.logger.Warn("Failed to expire worker assignment",
			slog.String("job_id", rec.JobID),
			slog.Any("error", err),
		)
	}
}

func (s *Service) setMissed(token string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lc, ok := s.local[token]; ok {
		lc.missed = n
	}
}

func (s *Service) republish(ctx context.Context, token string, lc localClaim) bool {
	rec := lc.record
	rec.Status = domain.ClaimStatusReady
	rec.AssignedWorkerID = ""
	rec.AssignedAt = nil
	rec.ClaimedAt = s.now()

	if err := s.store.Put(ctx, &rec, s.opts.TTL); err != nil {
		s.logger.Error("Failed to re-publish claimed job",
			slog.String("job_id", rec.JobID),
			slog.Any("error", err),
		)
		return false
	}

	missed := lc.missed + 1
	s.mu.Lock()
	if cur, ok := s.local[token]; ok {
		cur.record = rec
		cur.missed = missed
	}
	s.mu.Unlock()

	metrics.OrphanedClaimsTotal.WithLabelValues(rec.QueueName, "republished").Inc()
	s.logger.Warn("Re-published expired claim",
		slog.String("job_id", rec.JobID),
		slog.Int("missed_cycles", missed),
	)
	return true
}

// forceFail records the failure on the post before dead-lettering, so a
// failed write leaves the delivery for the next sweep
func (s *Service) forceFail(ctx context.Context, token string, lc localClaim) bool {
	job := lc.record.Payload

	no := false
	_, err := s.results.ProcessJobFailure(ctx, job, "", domain.JobFailure{
		Error:       "claim expired before any worker completed the job",
		ErrorCode:   domain.ErrorCodeClaimExpired,
		ShouldRetry: &no,
	})
	if err := s.resultError(&lc.record, "force_failed", err); err != nil {
		s.logger.Error("Failed to mark orphaned job's post as failed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return false
	}

	if err := s.engine.Fail(ctx, token, claimExpiredReason); err != nil {
		s.logger.Error("Failed to dead-letter orphaned job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return false
	}
	s.forget(token)
	s.releaseKey(ctx, job)

	metrics.OrphanedClaimsTotal.WithLabelValues(lc.record.QueueName, "force_failed").Inc()
	s.logger.Error("Force-failed orphaned job",
		slog.String("job_id", job.JobID),
		slog.Int("missed_cycles", lc.missed),
	)
	return true
}
