package claim

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

const (
	minRestartDelay = time.Second
	maxRestartDelay = 30 * time.Second
)

type consumer struct {
	queueName string
	cancel    context.CancelFunc
	done      chan struct{}
}

// StartConsumers starts one consumer per queue name
func (s *Service) StartConsumers(ctx context.Context, queueNames []string) {
	s.logger.Info("Starting claim consumers", slog.Int("queue_count", len(queueNames)))
	for _, name := range queueNames {
		s.StartConsumer(ctx, name)
	}
}

// StartConsumer starts the consumer for one queue. It reports false when the
// queue already has a running consumer.
func (s *Service) StartConsumer(ctx context.Context, queueName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consumers[queueName]; ok {
		return false
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &consumer{queueName: queueName, cancel: cancel, done: make(chan struct{})}
	s.consumers[queueName] = c

	s.wg.Add(1)
	go s.runConsumer(cctx, c)
	return true
}

// StopConsumer stops one queue's consumer and waits for it to exit
func (s *Service) StopConsumer(queueName string) bool {
	s.mu.Lock()
	c, ok := s.consumers[queueName]
	delete(s.consumers, queueName)
	s.mu.Unlock()

	if !ok {
		return false
	}
	c.cancel()
	<-c.done
	return true
}

// RunningConsumers lists the queues with an active consumer
func (s *Service) RunningConsumers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.consumers))
	for name := range s.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every consumer and waits for them
func (s *Service) Stop() {
	s.logger.Info("Stopping claim consumers...")

	s.mu.Lock()
	for name, c := range s.consumers {
		c.cancel()
		delete(s.consumers, name)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Claim consumers stopped")
}

// runConsumer keeps a queue consumed, restarting with backoff when the
// engine drops the subscription
func (s *Service) runConsumer(ctx context.Context, c *consumer) {
	defer s.wg.Done()
	defer close(c.done)

	logger := s.logger.With(slog.String("queue", c.queueName))
	logger.Info("Claim consumer started")

	delay := minRestartDelay
	for {
		started := time.Now()
		err := s.engine.Consume(ctx, c.queueName, s.handleDelivery)
		if ctx.Err() != nil {
			logger.Info("Claim consumer stopped - context canceled")
			return
		}

		if time.Since(started) > maxRestartDelay {
			delay = minRestartDelay
		}
		logger.Warn("Claim consumer exited, restarting",
			slog.Any("error", err),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRestartDelay)
	}
}
