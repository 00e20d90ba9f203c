package arm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/dto"
	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// degradedAbove is the CPU or memory percentage that marks the host degraded
const degradedAbove = 90.0

// healthLoop pings the Brain right away and then every HealthInterval
func (a *Arm) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		a.ping(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Arm) ping(ctx context.Context) {
	report := a.healthReport(ctx)

	start := a.now()
	err := a.client.Health(ctx, report)
	a.lastLatency.Store(a.now().Sub(start).Milliseconds())
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("Health ping failed", slog.String("error", err.Error()))
	}
}

// healthReport samples host load. Sampling errors leave the field unset.
func (a *Arm) healthReport(ctx context.Context) dto.HealthRequest {
	r := dto.HealthRequest{
		Status:       domain.HealthStatusHealthy,
		ResponseTime: a.lastLatency.Load(),
		ErrorCount:   int(a.errorCount.Swap(0)),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		v := clampPercent(pct[0])
		r.CPUUsage = &v
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		v := clampPercent(vm.UsedPercent)
		r.MemoryUsage = &v
	}

	if (r.CPUUsage != nil && *r.CPUUsage > degradedAbove) || (r.MemoryUsage != nil && *r.MemoryUsage > degradedAbove) {
		r.Status = domain.HealthStatusDegraded
	}
	return r
}

func clampPercent(v float64) float64 {
	return max(0, min(100, v))
}
