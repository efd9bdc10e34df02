package notify

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"

	"token-payment-reconciler/internal/domain"
)

// RecordProducer is the part of *kgo.Client the publisher uses.
type RecordProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes status changes as JSON records keyed by payment id,
// so all transitions of one payment land on the same partition in order.
type KafkaPublisher struct {
	kcl   RecordProducer
	topic string
}

// NewKafkaPublisher creates a publisher. An empty topic uses the client's
// default produce topic.
func NewKafkaPublisher(kcl RecordProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{kcl: kcl, topic: topic}
}

// PublishStatusChange produces one record and waits for the broker ack.
func (p *KafkaPublisher) PublishStatusChange(ctx context.Context, change domain.PaymentStatusChange) error {
	record, err := createRecord(p.topic, change)
	if err != nil {
		return err
	}
	if err = p.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrap(err, "failed to produce record")
	}
	return nil
}

func createRecord(topic string, change domain.PaymentStatusChange) (*kgo.Record, error) {
	payload, err := json.Marshal(change)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling to json")
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(change.PaymentID),
		Value: payload,
	}, nil
}

// ClientConfig configures the Kafka client backing a KafkaPublisher.
type ClientConfig struct {
	Brokers          []string
	Topic            string
	MetricsNamespace string
}

// NewClient creates a franz-go client with Prometheus hooks registered on
// the default registry.
func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := kprom.NewMetrics(cfg.MetricsNamespace,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))

	kcl, err := kgo.NewClient(
		kgo.WithHooks(m),
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
		kgo.WithLogger(&kgoLogger{logger: logger}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}
	return kcl, nil
}

// kgoLogger forwards franz-go client logs to zap.
type kgoLogger struct {
	logger *zap.SugaredLogger
}

func (l *kgoLogger) Level() kgo.LogLevel { return kgo.LogLevelInfo }

func (l *kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	switch level {
	case kgo.LogLevelError:
		l.logger.Errorw(msg, keyvals...)
	case kgo.LogLevelWarn:
		l.logger.Warnw(msg, keyvals...)
	case kgo.LogLevelInfo:
		l.logger.Infow(msg, keyvals...)
	default:
		l.logger.Debugw(msg, keyvals...)
	}
}
