package arm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (a *Arm) spawnWorkerPool(ctx context.Context) {
	a.logger.Info("Spawning worker pool",
		slog.Int("concurrency", a.cfg.Concurrency),
		slog.String("worker_id", a.cfg.WorkerID),
	)

	// Jobs already taken from the Brain run to completion after shutdown starts
	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < a.cfg.Concurrency; i++ {
		a.wg.Add(1)
		go a.workerLoop(jobCtx, i)
	}
}

// workerLoop processes tasks until the jobs channel is closed
func (a *Arm) workerLoop(ctx context.Context, workerNum int) {
	defer a.wg.Done()

	workerName := fmt.Sprintf("%s-%d", a.cfg.WorkerID, workerNum)
	a.logger.Debug("Worker goroutine started", slog.String("worker_name", workerName))

	for t := range a.jobsChan {
		a.logger.Info("Worker received job",
			slog.String("worker_name", workerName),
			slog.String("job_id", t.job.JobID),
			slog.Bool("pushed", t.pushed),
		)
		a.processJob(ctx, t)
		a.slots.Release(1)
	}

	a.logger.Debug("Worker goroutine stopping - jobsChan closed", slog.String("worker_name", workerName))
}

// pullLoop asks the Brain for work at the configured pace while slots are free
func (a *Arm) pullLoop(ctx context.Context) {
	for {
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		a.pullOnce(ctx)
	}
}

// pullOnce reserves free slots, pulls at most that many jobs and queues them.
// It returns the number of jobs queued.
func (a *Arm) pullOnce(ctx context.Context) int {
	reserved := 0
	for reserved < a.cfg.PullLimit && a.slots.TryAcquire(1) {
		reserved++
	}
	if reserved == 0 {
		return 0
	}

	jobs, err := a.client.Pull(ctx, reserved)
	if err != nil {
		a.slots.Release(int64(reserved))
		switch {
		case ctx.Err() != nil:
		case IsStatus(err, http.StatusTooManyRequests):
			a.logger.Debug("Pull rate limited by brain")
		case IsStatus(err, http.StatusUnauthorized):
			a.logger.Warn("Worker token rejected, renewing")
			if err := a.renewToken(ctx); err != nil {
				a.logger.Error("Failed to renew worker token", slog.String("error", err.Error()))
			}
		default:
			a.errorCount.Add(1)
			a.logger.Error("Failed to pull jobs", slog.String("error", err.Error()))
		}
		return 0
	}

	if len(jobs) > reserved {
		a.logger.Warn("Brain returned more jobs than requested",
			slog.Int("requested", reserved),
			slog.Int("received", len(jobs)),
		)
	}
	if unused := reserved - len(jobs); unused > 0 {
		a.slots.Release(int64(unused))
	}

	for i, j := range jobs {
		if i >= reserved {
			// No slot is left; the claim expires and the Brain reclaims the job
			break
		}
		a.jobsChan <- task{job: j.Data, lockToken: j.LockToken}
	}
	return min(len(jobs), reserved)
}
