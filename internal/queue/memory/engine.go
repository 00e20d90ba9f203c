// Package memory is an in-process queue.Engine for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/queue"
)

var _ queue.Engine = (*Engine)(nil)

type job struct {
	seq         uint64
	payload     domain.JobPayload
	priority    int
	enqueuedAt  time.Time
	redelivered bool
}

type memQueue struct {
	ready     []*job
	active    map[string]*job
	dead      []DeadJob
	completed int
	consumers int
	notify    chan struct{}
}

// DeadJob is a dead-lettered payload with the reason it was failed
type DeadJob struct {
	Payload domain.JobPayload
	Reason  string
}

// Engine keeps every queue in memory guarded by one mutex
type Engine struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64
	logger *slog.Logger
	timers []*time.Timer
	closed bool
}

// New creates an empty engine
func New(logger *slog.Logger) *Engine {
	return &Engine{
		queues: make(map[string]*memQueue),
		logger: logger,
	}
}

func (e *Engine) queueLocked(name string) *memQueue {
	q, ok := e.queues[name]
	if !ok {
		q = &memQueue{
			active: make(map[string]*job),
			notify: make(chan struct{}, 1),
		}
		e.queues[name] = q
	}
	return q
}

func (e *Engine) Enqueue(_ context.Context, queueName string, payload domain.JobPayload, opts queue.EnqueueOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("queue engine closed")
	}

	e.seq++
	j := &job{seq: e.seq, payload: payload, priority: opts.Priority, enqueuedAt: time.Now()}

	if opts.Delay > 0 {
		e.timers = append(e.timers, time.AfterFunc(opts.Delay, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.closed {
				e.pushLocked(queueName, j)
			}
		}))
		return nil
	}

	e.pushLocked(queueName, j)
	return nil
}

// pushLocked inserts j keeping higher priority first and FIFO within a priority
func (e *Engine) pushLocked(queueName string, j *job) {
	q := e.queueLocked(queueName)
	q.ready = append(q.ready, j)
	sort.SliceStable(q.ready, func(a, b int) bool {
		if q.ready[a].priority != q.ready[b].priority {
			return q.ready[a].priority > q.ready[b].priority
		}
		return q.ready[a].seq < q.ready[b].seq
	})
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) Consume(ctx context.Context, queueName string, handler queue.Handler) error {
	e.mu.Lock()
	q := e.queueLocked(queueName)
	q.consumers++
	notify := q.notify
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		q.consumers--
		e.mu.Unlock()
	}()

	for {
		d, ok := e.takeNext(queueName)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-notify:
				continue
			}
		}

		if err := handler(ctx, d); err != nil {
			e.handBack(d.Token, err)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// takeNext moves the head of the ready list to active
func (e *Engine) takeNext(queueName string) (queue.Delivery, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queueLocked(queueName)
	if len(q.ready) == 0 {
		return queue.Delivery{}, false
	}
	j := q.ready[0]
	q.ready = q.ready[1:]

	token := fmt.Sprintf("mem/%s/%d", queueName, j.seq)
	q.active[token] = j

	// More work may be waiting for another consumer
	if len(q.ready) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	return queue.Delivery{
		Token:       token,
		QueueName:   queueName,
		Payload:     j.payload,
		Redelivered: j.redelivered,
		EnqueuedAt:  j.enqueuedAt,
	}, true
}

func (e *Engine) handBack(token string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, j, ok := e.activeLocked(token)
	if !ok {
		return
	}
	delete(q.active, token)

	if queue.ShouldRequeue(err) {
		j.redelivered = true
		q.ready = append([]*job{j}, q.ready...)
		return
	}
	q.dead = append(q.dead, DeadJob{Payload: j.payload, Reason: err.Error()})
	e.logger.Warn("Delivery dead-lettered by handler error",
		slog.String("job_id", j.payload.JobID),
		slog.Any("error", err),
	)
}

func (e *Engine) activeLocked(token string) (*memQueue, *job, bool) {
	for _, q := range e.queues {
		if j, ok := q.active[token]; ok {
			return q, j, true
		}
	}
	return nil, nil, false
}

func (e *Engine) Complete(_ context.Context, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, _, ok := e.activeLocked(token)
	if !ok {
		return queue.ErrUnknownToken
	}
	delete(q.active, token)
	q.completed++
	return nil
}

func (e *Engine) Retry(ctx context.Context, token string, payload domain.JobPayload, delay time.Duration) error {
	e.mu.Lock()
	q, j, ok := e.activeLocked(token)
	if !ok {
		e.mu.Unlock()
		return queue.ErrUnknownToken
	}
	delete(q.active, token)
	var queueName string
	for name, candidate := range e.queues {
		if candidate == q {
			queueName = name
		}
	}
	priority := j.priority
	e.mu.Unlock()

	return e.Enqueue(ctx, queueName, payload, queue.EnqueueOptions{Priority: priority, Delay: delay})
}

func (e *Engine) Fail(_ context.Context, token string, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, j, ok := e.activeLocked(token)
	if !ok {
		return queue.ErrUnknownToken
	}
	delete(q.active, token)
	q.dead = append(q.dead, DeadJob{Payload: j.payload, Reason: reason})
	return nil
}

func (e *Engine) ActiveTokens(queueName string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[queueName]
	if !ok {
		return nil
	}
	tokens := make([]string, 0, len(q.active))
	for t := range q.active {
		tokens = append(tokens, t)
	}
	sort.Strings(tokens)
	return tokens
}

func (e *Engine) Stats(_ context.Context, queueName string) (queue.Stats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queueLocked(queueName)
	return queue.Stats{
		Queue:     queueName,
		Ready:     len(q.ready),
		Active:    len(q.active),
		Consumers: q.consumers,
	}, nil
}

// DeadLetters returns the payloads failed on queueName
func (e *Engine) DeadLetters(queueName string) []DeadJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]DeadJob(nil), e.queueLocked(queueName).dead...)
}

// Completed returns the number of acknowledged deliveries on queueName
func (e *Engine) Completed(queueName string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.queueLocked(queueName).completed
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for _, t := range e.timers {
		t.Stop()
	}
	return nil
}
