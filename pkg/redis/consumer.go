package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	Stream string
	// Group and Consumer switch to XREADGROUP with acknowledgements.
	Group    string
	Consumer string
	// LastID is where a plain reader starts: "0" for the beginning, "$" for
	// new entries only. Defaults to "0".
	LastID string
	// Count caps entries per read. Defaults to 100.
	Count int64
	// Block is how long one read waits for entries. Defaults to 5s.
	Block time.Duration
	// RetryInterval is the first backoff after a read error, doubled up to
	// MaxRetryInterval. Defaults to 1s and 30s.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
	Logger           *zap.Logger
}

// MessageHandler processes one entry. A nil return acknowledges it in group
// mode.
type MessageHandler func(ctx context.Context, msg Message) error

// Message is one stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// StreamConsumer tails a stream, optionally as a consumer group member.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer validates config and applies defaults.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	if config.Group != "" && config.Consumer == "" {
		return nil, errors.New("consumer name is required when using consumer groups")
	}

	if config.LastID == "" {
		config.LastID = "0"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConsumer{client: client, config: config, logger: logger}, nil
}

// Run reads until ctx is cancelled, calling handler for every entry. Handler
// errors are logged and the entry is left unacknowledged.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	if sc.config.Group != "" {
		if err := sc.client.XGroupCreate(ctx, sc.config.Stream, sc.config.Group, "0"); err != nil {
			return err
		}
	}

	lastID := sc.config.LastID
	retryInterval := sc.config.RetryInterval

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		messages, newLastID, err := sc.readMessages(ctx, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))
			select {
			case <-time.After(retryInterval):
				retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retryInterval = sc.config.RetryInterval

		if sc.config.Group == "" && newLastID != "" {
			lastID = newLastID
		}

		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				sc.logger.Error("Error processing message",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
				continue
			}
			if sc.config.Group != "" {
				if _, err := sc.client.XAck(ctx, sc.config.Stream, sc.config.Group, msg.ID); err != nil {
					sc.logger.Warn("Failed to acknowledge message",
						zap.String("stream", sc.config.Stream),
						zap.String("id", msg.ID),
						zap.Error(err))
				}
			}
		}
	}
}

func (sc *StreamConsumer) readMessages(ctx context.Context, lastID string) ([]Message, string, error) {
	var (
		streams []redis.XStream
		err     error
	)
	if sc.config.Group != "" {
		streams, err = sc.client.XReadGroup(ctx, sc.config.Group, sc.config.Consumer, sc.config.Stream, sc.config.Count, sc.config.Block)
	} else {
		streams, err = sc.client.XRead(ctx, sc.config.Stream, lastID, sc.config.Count, sc.config.Block)
	}
	if err != nil {
		return nil, "", err
	}

	var (
		messages  []Message
		newLastID string
	)
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{ID: xmsg.ID, Stream: stream.Stream, Values: xmsg.Values})
			newLastID = xmsg.ID
		}
	}
	return messages, newLastID, nil
}

// Field returns a string field of the message, "" when absent.
func (m *Message) Field(name string) string {
	switch v := m.Values[name].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}
