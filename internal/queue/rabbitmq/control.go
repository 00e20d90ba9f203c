package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/postdispatch/internal/domain"
	"github.com/cuongbtq/postdispatch/shared/rabbitmq"
)

const (
	actionComplete = "complete"
	actionRetry    = "retry"
	actionFail     = "fail"
)

// controlMessage asks the owning process to finalize one of its deliveries
type controlMessage struct {
	Action  string             `json:"action"`
	Token   string             `json:"token"`
	Payload *domain.JobPayload `json:"payload,omitempty"`
	DelayMs int64              `json:"delayMs,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

func (e *Engine) forward(ctx context.Context, owner string, msg controlMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}

	err = e.broker.PublishWithRetry(ctx, e.broker.Config().ControlExchange, owner, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to forward %s to %s: %w", msg.Action, owner, err)
	}

	e.logger.Debug("Finalization forwarded to owning process",
		slog.String("action", msg.Action),
		slog.String("owner", owner),
	)
	return nil
}

// ServeControl consumes finalization requests addressed to this process until ctx is done
func (e *Engine) ServeControl(ctx context.Context) error {
	queueName, err := e.broker.DeclareControlQueue(e.processID)
	if err != nil {
		return err
	}

	deliveries, ch, err := e.broker.Consume(queueName, e.processID+"-control", true)
	if err != nil {
		return err
	}
	defer ch.Close()

	e.logger.Info("Control consumer started", slog.String("process_id", e.processID))

	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("control delivery channel closed")
			}

			var msg controlMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				e.logger.Error("Failed to parse control message", slog.String("error", err.Error()))
				_ = d.Nack(false, false)
				continue
			}

			if err := e.applyControl(ctx, msg); err != nil {
				e.logger.Warn("Forwarded finalization failed",
					slog.String("action", msg.Action),
					slog.String("token", msg.Token),
					slog.Any("error", err),
				)
			}
			_ = d.Ack(false)
		}
	}
}

func (e *Engine) applyControl(ctx context.Context, msg controlMessage) error {
	switch msg.Action {
	case actionComplete:
		return e.Complete(ctx, msg.Token)
	case actionRetry:
		if msg.Payload == nil {
			return fmt.Errorf("retry without payload")
		}
		return e.Retry(ctx, msg.Token, *msg.Payload, time.Duration(msg.DelayMs)*time.Millisecond)
	case actionFail:
		return e.Fail(ctx, msg.Token, msg.Reason)
	default:
		return fmt.Errorf("unknown control action %q", msg.Action)
	}
}
