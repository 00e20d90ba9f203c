package rabbitmq

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	DeadLetterExchange string
	ControlExchange    string
	MaxPriority        int
	Prefetch           int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Message is an outgoing publishing
type Message struct {
	Body        []byte
	ContentType string
	MessageID   string
	Priority    uint8
	// Expiration is the per-message TTL; zero means no expiry
	Expiration time.Duration
	Headers    amqp.Table
}

// Client represents a RabbitMQ client. Publishing is serialized on one
// channel; every consumer gets its own channel so prefetch applies per queue.
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected bool

	pubMu sync.Mutex
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.declareExchanges(); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare exchanges: %w", err)
	}

	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected = true

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("dead_letter_exchange", c.config.DeadLetterExchange),
		slog.String("control_exchange", c.config.ControlExchange),
	)

	return nil
}

func (c *Client) declareExchanges() error {
	exchanges := []struct {
		name string
		kind string
	}{
		{c.config.ExchangeName, c.config.ExchangeType},
		{c.config.DeadLetterExchange, amqp.ExchangeDirect},
		{c.config.ControlExchange, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		if ex.name == "" {
			continue
		}
		err := c.channel.ExchangeDeclare(
			ex.name,                  // name
			ex.kind,                  // type
			c.config.ExchangeDurable, // durable
			false,                    // auto-deleted
			false,                    // internal
			false,                    // no-wait
			nil,                      // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", ex.name, err)
		}
	}
	return nil
}

// RetryQueueName is the holding queue whose expired messages flow back to name
func RetryQueueName(name string) string { return name + ".retry" }

// DeadQueueName is the dead-letter queue for name
func DeadQueueName(name string) string { return name + ".dead" }

// DeclareJobQueue declares a durable priority queue bound to the job exchange
// under its own name, plus its retry and dead-letter queues.
func (c *Client) DeclareJobQueue(name string) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    c.config.DeadLetterExchange,
		"x-dead-letter-routing-key": DeadQueueName(name),
	}
	if c.config.MaxPriority > 0 {
		mainArgs["x-max-priority"] = int32(c.config.MaxPriority)
	}

	if _, err := c.channel.QueueDeclare(name, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	if err := c.channel.QueueBind(name, name, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}

	// Expired retry messages are dead-lettered back onto the main queue
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    c.config.ExchangeName,
		"x-dead-letter-routing-key": name,
	}
	if _, err := c.channel.QueueDeclare(RetryQueueName(name), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("failed to declare retry queue %s: %w", name, err)
	}

	dead := DeadQueueName(name)
	if _, err := c.channel.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", name, err)
	}
	if err := c.channel.QueueBind(dead, dead, c.config.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue %s: %w", name, err)
	}

	c.logger.Debug("Job queue declared", slog.String("queue", name))
	return nil
}

// DeclareControlQueue declares an exclusive queue bound to the control
// exchange with routingKey and returns the server-assigned queue name.
func (c *Client) DeclareControlQueue(routingKey string) (string, error) {
	if !c.isConnected {
		return "", fmt.Errorf("not connected to RabbitMQ")
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	q, err := c.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("failed to declare control queue: %w", err)
	}
	if err := c.channel.QueueBind(q.Name, routingKey, c.config.ControlExchange, false, nil); err != nil {
		return "", fmt.Errorf("failed to bind control queue: %w", err)
	}
	return q.Name, nil
}

// Publish publishes a message to exchange with routingKey
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	if !c.isConnected {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	publishing := amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		Body:         msg.Body,
		Priority:     msg.Priority,
		Headers:      msg.Headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if msg.Expiration > 0 {
		publishing.Expiration = fmt.Sprintf("%d", msg.Expiration.Milliseconds())
	}

	c.pubMu.Lock()
	err := c.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	c.pubMu.Unlock()

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("exchange", exchange),
			slog.String("routing_key", routingKey),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("exchange", exchange),
		slog.String("routing_key", routingKey),
		slog.Int("body_size", len(msg.Body)),
	)

	return nil
}

// PublishWithRetry publishes a message with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, exchange, routingKey string, msg Message) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.Publish(ctx, exchange, routingKey, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("routing_key", routingKey),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Consume opens a dedicated channel and starts consuming queue with manual acks
func (c *Client) Consume(queue, consumerTag string, exclusive bool) (<-chan amqp.Delivery, io.Closer, error) {
	if !c.isConnected {
		return nil, nil, fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	if c.config.Prefetch > 0 {
		if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := ch.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		exclusive,   // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, ch, nil
}

// QueueInfo reports ready messages and consumers without declaring the queue
func (c *Client) QueueInfo(name string) (messages int, consumers int, err error) {
	if !c.isConnected {
		return 0, 0, fmt.Errorf("not connected to RabbitMQ")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return q.Messages, q.Consumers, nil
}

// Config returns the client configuration
func (c *Client) Config() Config {
	return *c.config
}

// NotifyClose returns the channel closed when the publishing channel drops
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}
