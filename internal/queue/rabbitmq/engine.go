// Package rabbitmq implements queue.Engine on RabbitMQ. A delivery stays
// unacknowledged while active; its completion token names the owning
// process so any Brain instance can finalize it through the control exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/internal/queue"
	"github.com/cuongbtq/postdispatch/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ queue.Engine = (*Engine)(nil)

// Broker is the subset of the shared RabbitMQ client the engine uses
type Broker interface {
	DeclareJobQueue(name string) error
	DeclareControlQueue(routingKey string) (string, error)
	PublishWithRetry(ctx context.Context, exchange, routingKey string, msg rabbitmq.Message) error
	Consume(queue, consumerTag string, exclusive bool) (<-chan amqp.Delivery, io.Closer, error)
	QueueInfo(name string) (messages int, consumers int, err error)
	Config() rabbitmq.Config
}

type activeDelivery struct {
	delivery  amqp.Delivery
	queueName string
	priority  uint8
}

// Engine is the RabbitMQ-backed queue engine
type Engine struct {
	broker    Broker
	processID string
	logger    *slog.Logger

	mu         sync.Mutex
	active     map[string]*activeDelivery
	declared   map[string]bool
	generation uint64
}

// NewEngine creates an engine owned by processID
func NewEngine(broker Broker, processID string, logger *slog.Logger) *Engine {
	return &Engine{
		broker:    broker,
		processID: processID,
		logger:    logger,
		active:    make(map[string]*activeDelivery),
		declared:  make(map[string]bool),
	}
}

// ProcessID is the identity written into this engine's completion tokens
func (e *Engine) ProcessID() string {
	return e.processID
}

func (e *Engine) ensureQueue(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.declared[name] {
		return nil
	}
	if err := e.broker.DeclareJobQueue(name); err != nil {
		return err
	}
	e.declared[name] = true
	return nil
}

func (e *Engine) Enqueue(ctx context.Context, queueName string, payload domain.JobPayload, opts queue.EnqueueOptions) error {
	if err := e.ensureQueue(queueName); err != nil {
		return err
	}
	return e.publish(ctx, queueName, payload, clampPriority(opts.Priority, e.broker.Config().MaxPriority), opts.Delay)
}

// publish sends payload to the main queue, or parks it on the retry queue
// when delay is set so the dead-letter hop returns it after the TTL
func (e *Engine) publish(ctx context.Context, queueName string, payload domain.JobPayload, priority uint8, delay time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	msg := rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   payload.JobID,
		Priority:    priority,
		Headers:     amqp.Table{"x-attempt": int32(payload.Attempt)},
	}

	cfg := e.broker.Config()
	exchange, routingKey := cfg.ExchangeName, queueName
	if delay > 0 {
		exchange, routingKey = "", rabbitmq.RetryQueueName(queueName)
		msg.Expiration = delay
	}

	if err := e.broker.PublishWithRetry(ctx, exchange, routingKey, msg); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}

	e.logger.Debug("Job published",
		slog.String("job_id", payload.JobID),
		slog.String("queue", queueName),
		slog.Duration("delay", delay),
	)
	return nil
}

func clampPriority(p, max int) uint8 {
	if p < 0 {
		return 0
	}
	if max > 0 && p > max {
		p = max
	}
	if p > 255 {
		p = 255
	}
	return uint8(p)
}

func (e *Engine) Consume(ctx context.Context, queueName string, handler queue.Handler) error {
	if err := e.ensureQueue(queueName); err != nil {
		return err
	}

	e.mu.Lock()
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	consumerTag := fmt.Sprintf("%s-%s-%d", e.processID, queueName, gen)
	deliveries, ch, err := e.broker.Consume(queueName, consumerTag, false)
	if err != nil {
		return err
	}
	defer func() {
		// Closing the channel returns every unacknowledged delivery to the queue
		ch.Close()
		e.dropGeneration(queueName, gen)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for queue %s", queueName)
			}
			e.handle(ctx, queueName, gen, d, handler)
		}
	}
}

func (e *Engine) handle(ctx context.Context, queueName string, gen uint64, d amqp.Delivery, handler queue.Handler) {
	var payload domain.JobPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		e.logger.Error("Failed to parse job payload",
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			e.logger.Error("Failed to NACK malformed message", slog.String("error", nackErr.Error()))
		}
		return
	}

	token := fmt.Sprintf("%s/%s/%d-%d", e.processID, queueName, gen, d.DeliveryTag)

	e.mu.Lock()
	e.active[token] = &activeDelivery{delivery: d, queueName: queueName, priority: d.Priority}
	e.mu.Unlock()

	err := handler(ctx, queue.Delivery{
		Token:       token,
		QueueName:   queueName,
		Payload:     payload,
		Redelivered: d.Redelivered,
		EnqueuedAt:  d.Timestamp,
	})
	if err == nil {
		return
	}

	e.mu.Lock()
	delete(e.active, token)
	e.mu.Unlock()

	requeue := queue.ShouldRequeue(err)
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		e.logger.Error("Failed to NACK message",
			slog.String("job_id", payload.JobID),
			slog.String("error", nackErr.Error()),
		)
		return
	}
	e.logger.Warn("Delivery handed back to broker",
		slog.String("job_id", payload.JobID),
		slog.Bool("requeue", requeue),
		slog.Any("error", err),
	)
}

// dropGeneration forgets deliveries of a closed consumer; the broker redelivers them
func (e *Engine) dropGeneration(queueName string, gen uint64) {
	prefix := fmt.Sprintf("%s/%s/%d-", e.processID, queueName, gen)

	e.mu.Lock()
	defer e.mu.Unlock()
	for token := range e.active {
		if strings.HasPrefix(token, prefix) {
			delete(e.active, token)
		}
	}
}

func (e *Engine) take(token string) (*activeDelivery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.active[token]
	if !ok {
		return nil, queue.ErrUnknownToken
	}
	delete(e.active, token)
	return a, nil
}

// ownerOf returns the process id encoded in a token
func ownerOf(token string) (string, error) {
	owner, rest, ok := strings.Cut(token, "/")
	if !ok || owner == "" || rest == "" {
		return "", fmt.Errorf("%w: malformed token", queue.ErrUnknownToken)
	}
	return owner, nil
}

func (e *Engine) Complete(ctx context.Context, token string) error {
	owner, err := ownerOf(token)
	if err != nil {
		return err
	}
	if owner != e.processID {
		return e.forward(ctx, owner, controlMessage{Action: actionComplete, Token: token})
	}

	a, err := e.take(token)
	if err != nil {
		return err
	}
	if err := a.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func (e *Engine) Retry(ctx context.Context, token string, payload domain.JobPayload, delay time.Duration) error {
	owner, err := ownerOf(token)
	if err != nil {
		return err
	}
	if owner != e.processID {
		return e.forward(ctx, owner, controlMessage{Action: actionRetry, Token: token, Payload: &payload, DelayMs: delay.Milliseconds()})
	}

	a, err := e.take(token)
	if err != nil {
		return err
	}

	// Publish the next attempt before acking so a crash in between duplicates rather than loses the job
	if err := e.publish(ctx, a.queueName, payload, a.priority, delay); err != nil {
		e.mu.Lock()
		e.active[token] = a
		e.mu.Unlock()
		return err
	}
	if err := a.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	return nil
}

func (e *Engine) Fail(ctx context.Context, token string, reason string) error {
	owner, err := ownerOf(token)
	if err != nil {
		return err
	}
	if owner != e.processID {
		return e.forward(ctx, owner, controlMessage{Action: actionFail, Token: token, Reason: reason})
	}

	a, err := e.take(token)
	if err != nil {
		return err
	}
	if err := a.delivery.Nack(false, false); err != nil {
		return fmt.Errorf("failed to dead-letter delivery: %w", err)
	}
	e.logger.Info("Delivery dead-lettered",
		slog.String("queue", a.queueName),
		slog.String("reason", reason),
	)
	return nil
}

func (e *Engine) ActiveTokens(queueName string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var tokens []string
	for token, a := range e.active {
		if a.queueName == queueName {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

func (e *Engine) Stats(_ context.Context, queueName string) (queue.Stats, error) {
	ready, consumers, err := e.broker.QueueInfo(queueName)
	if err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{
		Queue:     queueName,
		Ready:     ready,
		Active:    len(e.ActiveTokens(queueName)),
		Consumers: consumers,
	}, nil
}

// Close is a no-op; the caller owns the broker connection
func (e *Engine) Close() error {
	return nil
}
