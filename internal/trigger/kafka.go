package trigger

import (
	"context"

	"github.com/segmentio/kafka-go"

	"helios/pkg/logger"
)

// KafkaConfig configures the kafka trigger source
type KafkaConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
}

// KafkaSource reads trigger events from a Kafka topic. The message value
// carries the event JSON; the message key is the fallback trigger key.
type KafkaSource struct {
	reader *kafka.Reader
	sink   Sink
	log    *logger.Logger
}

// NewKafkaSource creates a kafka trigger source
func NewKafkaSource(cfg KafkaConfig, sink Sink, log *logger.Logger) *KafkaSource {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 10e3 // 10KB
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10e6 // 10MB
	}

	log = log.With("component", "trigger_kafka", "topic", cfg.Topic)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		// Stale triggers are worthless; start at the tip
		StartOffset: kafka.LastOffset,
	})

	log.Infow("Kafka trigger source created",
		"brokers", cfg.Brokers,
		"group_id", cfg.GroupID,
	)

	return &KafkaSource{
		reader: reader,
		sink:   sink,
		log:    log,
	}
}

// Name returns the source name
func (k *KafkaSource) Name() string { return "kafka" }

// Run consumes messages until ctx is cancelled
func (k *KafkaSource) Run(ctx context.Context) error {
	defer k.reader.Close()

	k.log.Infow("Starting kafka trigger consumer")

	for {
		// Check for shutdown before blocking on the next read
		select {
		case <-ctx.Done():
			k.log.Infow("Kafka trigger consumer stopped")
			return ctx.Err()
		default:
		}

		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.log.Infow("Kafka trigger consumer stopped")
				return ctx.Err()
			}
			k.log.Errorw("Failed to read trigger message", "error", err)
			continue
		}

		dispatch(k.sink, k.Name(), msg.Value, string(msg.Key), k.log)
	}
}
