package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"pg_settlement/internal/config"
	"pg_settlement/internal/domain/order"
	"pg_settlement/internal/infrastructure/encoding/avro"
	"pg_settlement/pkg/logger"
)

const (
	headerEventType   = "event_type"
	headerCommandType = "command_type"
	headerContentType = "content_type"

	contentTypeAvro = "avro/binary"
	contentTypeJSON = "application/json"
)

// syncProducer is the part of *kgo.Client the producer uses.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// SettlementProducer publishes Avro settlement events and JSON commands.
// Records are keyed by shop order number so one order stays on one partition.
type SettlementProducer struct {
	client       syncProducer
	encoder      *avro.Encoder
	eventTopic   string
	commandTopic string
	logger       logger.Logger
}

func NewSettlementProducer(cfg config.KafkaConfig, encoder *avro.Encoder, log logger.Logger) (*SettlementProducer, error) {
	log.Info("Connecting Kafka producer",
		logger.Any("brokers", cfg.Brokers),
		logger.String("event_topic", cfg.EventTopic),
		logger.String("command_topic", cfg.CommandTopic),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.EventTopic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &SettlementProducer{
		client:       client,
		encoder:      encoder,
		eventTopic:   cfg.EventTopic,
		commandTopic: cfg.CommandTopic,
		logger:       log,
	}, nil
}

func (p *SettlementProducer) PublishEvent(ctx context.Context, e order.Event) error {
	payload, err := p.encoder.EncodeNative(avro.ToSettlementEventNative(e))
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}

	rec := &kgo.Record{
		Topic: p.eventTopic,
		Key:   []byte(e.ShopOrderNo),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: headerEventType, Value: []byte(e.Type)},
			{Key: headerContentType, Value: []byte(contentTypeAvro)},
		},
		Timestamp: e.OccurredAt,
	}
	return p.produce(ctx, rec)
}

func (p *SettlementProducer) PublishCommand(ctx context.Context, cmd order.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.Type, err)
	}

	key := cmd.ShopOrderNo
	if key == "" && cmd.Draft != nil {
		key = cmd.Draft.ShopOrderNo
	}

	rec := &kgo.Record{
		Topic: p.commandTopic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: headerCommandType, Value: []byte(cmd.Type)},
			{Key: headerContentType, Value: []byte(contentTypeJSON)},
		},
		Timestamp: cmd.IssuedAt,
	}
	return p.produce(ctx, rec)
}

func (p *SettlementProducer) produce(ctx context.Context, rec *kgo.Record) error {
	if len(rec.Value) == 0 {
		return fmt.Errorf("payload is empty")
	}

	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.logger.Error("Failed to publish record",
			logger.String("topic", rec.Topic),
			logger.String("key", string(rec.Key)),
			logger.Int("payload_size", len(rec.Value)),
			logger.Error(err),
		)
		return fmt.Errorf("publish to kafka topic %s: %w", rec.Topic, err)
	}

	p.logger.Debug("Published record",
		logger.String("topic", rec.Topic),
		logger.String("key", string(rec.Key)),
	)
	return nil
}

func (p *SettlementProducer) Close(ctx context.Context) error {
	p.logger.Info("Closing Kafka producer")
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
