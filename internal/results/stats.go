package results

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/storage"
)

// Timeframe bounds Stats by the posts' last update. Zero values are open.
type Timeframe struct {
	Start time.Time
	End   time.Time
}

// Breakdown is the per-region or per-worker share of Stats
type Breakdown struct {
	Total   int     `json:"total"`
	Success int     `json:"success"`
	AvgTime float64 `json:"avgTime"`

	timed int
}

// Stats summarizes terminal posts
type Stats struct {
	TotalJobs        int                   `json:"totalJobs"`
	SuccessfulJobs   int                   `json:"successfulJobs"`
	FailedJobs       int                   `json:"failedJobs"`
	AvgExecutionTime float64               `json:"avgExecutionTime"`
	SuccessRate      float64               `json:"successRate"`
	ByRegion         map[string]*Breakdown `json:"byRegion"`
	ByWorker         map[string]*Breakdown `json:"byWorker"`
	ErrorBreakdown   map[string]int        `json:"errorBreakdown"`
}

// Stats aggregates posted and failed posts inside tf
func (p *Processor) Stats(ctx context.Context, tf Timeframe) (*Stats, error) {
	filter := storage.PostFilter{Statuses: []string{domain.PostStatusPosted, domain.PostStatusFailed}}
	if !tf.Start.IsZero() {
		filter.UpdatedSince = &tf.Start
	}
	if !tf.End.IsZero() {
		filter.UpdatedBefore = &tf.End
	}

	posts, err := p.store.ListPosts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}

	st := &Stats{
		ByRegion:       map[string]*Breakdown{},
		ByWorker:       map[string]*Breakdown{},
		ErrorBreakdown: map[string]int{},
	}

	var totalTime float64
	var timed int
	for _, post := range posts {
		if post.Analytics == nil {
			continue
		}
		success := post.Status == domain.PostStatusPosted
		final, _ := post.Analytics[keyFinalFailure].(map[string]any)

		st.TotalJobs++
		if success {
			st.SuccessfulJobs++
		} else {
			st.FailedJobs++
		}

		region := stringAt(post.Analytics, keyRegion)
		worker := stringAt(post.Analytics, keyPostedBy)
		execTime := numberAt(post.Analytics, keyExecutionTime)
		if !success && final != nil {
			region = stringAt(final, keyRegion)
			worker = stringAt(final, "failedBy")
			execTime = numberAt(final, keyExecutionTime)

			code := stringAt(final, "errorCode")
			if code == "" {
				code = domain.ErrorCodeUnknown
			}
			st.ErrorBreakdown[code]++
		}
		region = orUnknown(region)
		worker = orUnknown(worker)

		rb := bucket(st.ByRegion, region)
		wb := bucket(st.ByWorker, worker)
		for _, b := range []*Breakdown{rb, wb} {
			b.Total++
			if success {
				b.Success++
			}
			if execTime > 0 {
				b.timed++
				b.AvgTime += (execTime - b.AvgTime) / float64(b.timed)
			}
		}
		if execTime > 0 {
			totalTime += execTime
			timed++
		}
	}

	if timed > 0 {
		st.AvgExecutionTime = totalTime / float64(timed)
	}
	if st.TotalJobs > 0 {
		st.SuccessRate = float64(st.SuccessfulJobs) / float64(st.TotalJobs) * 100
	}
	return st, nil
}

// Cleanup drops progress history from terminal posts last updated before
// now-retention. It returns how many posts were touched.
func (p *Processor) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := p.now().Add(-retention)
	posts, err := p.store.ListPosts(ctx, storage.PostFilter{
		Statuses:      []string{domain.PostStatusPosted, domain.PostStatusFailed},
		UpdatedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list posts: %w", err)
	}

	touched := 0
	for _, post := range posts {
		if _, ok := post.Analytics[keyProgressUpdates]; !ok {
			continue
		}
		_, err := p.store.UpdatePost(ctx, post.ID, func(sp *domain.ScheduledPost) error {
			delete(sp.Analytics, keyProgressUpdates)
			return nil
		})
		if err != nil {
			p.logger.Error("Failed to clean up post analytics",
				slog.String("post_id", post.ID),
				slog.Any("error", err),
			)
			continue
		}
		touched++
	}

	p.logger.Info("Result cleanup completed",
		slog.Int("posts", touched),
		slog.Duration("retention", retention),
	)
	return touched, nil
}

func bucket(m map[string]*Breakdown, key string) *Breakdown {
	b, ok := m[key]
	if !ok {
		b = &Breakdown{}
		m[key] = b
	}
	return b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// numberAt reads a number that may have come back from JSON as float64
func numberAt(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
