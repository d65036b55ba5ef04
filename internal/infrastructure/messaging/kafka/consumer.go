package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"pg_settlement/internal/config"
	"pg_settlement/internal/domain/order"
	"pg_settlement/pkg/logger"
)

// CommandHandler executes one command from the command topic.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd order.Command) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

const (
	defaultRetryBackoff = time.Second
	maxRetryBackoff     = 30 * time.Second
)

// errRedeliver marks a command that must be handled again before its offset
// is committed.
var errRedeliver = errors.New("command must be redelivered")

// CommandConsumer reads the command topic. A message is committed after it
// is handled or found undecodable. A failed reconcile.order is committed and
// left to the scheduled run. A failed draft.retry has no row to reconcile, so
// it is retried with backoff and stays uncommitted until it succeeds.
type CommandConsumer struct {
	reader       messageReader
	handler      CommandHandler
	logger       logger.Logger
	retryBackoff time.Duration
}

func NewCommandConsumer(cfg config.KafkaConfig, handler CommandHandler, log logger.Logger) *CommandConsumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.ConsumerGroup,
		Topic:    cfg.CommandTopic,
		MinBytes: 1,
		MaxBytes: 1e6,
	})

	return &CommandConsumer{
		reader:       reader,
		handler:      handler,
		logger:       log,
		retryBackoff: defaultRetryBackoff,
	}
}

// Start blocks until ctx is cancelled or the reader fails.
func (c *CommandConsumer) Start(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch command: %w", err)
		}

		if !c.process(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit command offset %d: %w", msg.Offset, err)
		}
	}
}

// process handles msg until it no longer asks for redelivery. It returns false
// when ctx ends first, leaving the offset uncommitted.
func (c *CommandConsumer) process(ctx context.Context, msg kafkago.Message) bool {
	backoff := c.retryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	for {
		if err := c.handle(ctx, msg); !errors.Is(err, errRedeliver) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

func (c *CommandConsumer) handle(ctx context.Context, msg kafkago.Message) error {
	log := c.logger.WithFields(
		logger.String("topic", msg.Topic),
		logger.Int("partition", msg.Partition),
		logger.Int64("offset", msg.Offset),
	)

	var cmd order.Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		log.Error("Dropping undecodable command", logger.Error(err))
		return nil
	}
	if err := cmd.Validate(); err != nil {
		log.Error("Dropping invalid command", logger.Error(err))
		return nil
	}

	if err := c.handler.HandleCommand(ctx, cmd); err != nil {
		log.Error("Command failed",
			logger.String("type", string(cmd.Type)),
			logger.String("shop_order_no", cmd.ShopOrderNo),
			logger.Error(err),
		)
		if cmd.Type == order.CommandDraftRetry && !order.IsValidation(err) {
			return fmt.Errorf("%w: %v", errRedeliver, err)
		}
		return nil
	}
	log.Info("Command handled", logger.String("type", string(cmd.Type)))
	return nil
}

func (c *CommandConsumer) Close() {
	_ = c.reader.Close()
}
