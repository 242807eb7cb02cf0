package notifier

import (
	"context"
	"fmt"
	"time"

	"passkeeper/internal/passes/service"
	"passkeeper/pkg/config"
	"passkeeper/pkg/kafka"
	"passkeeper/pkg/logger"
)

const eventSource = "passkeeper"

// payload is the wire shape of a pass event. Field names are part of
// the consumer contract; keep them stable.
type payload struct {
	Kind          string     `json:"kind"`
	User          string     `json:"user"`
	PreviousOwner string     `json:"previous_owner,omitempty"`
	ReservationID string     `json:"reservation_id,omitempty"`
	TransferMode  string     `json:"transfer_mode,omitempty"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// KafkaNotifier publishes pass events to a Kafka topic, keyed by user
// so each user's events stay ordered.
type KafkaNotifier struct {
	producer *kafka.Producer
	log      *logger.Logger
}

func NewKafkaNotifier(cfg *config.Config) (*KafkaNotifier, error) {
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &KafkaNotifier{producer: producer, log: cfg.Log}, nil
}

func (n *KafkaNotifier) Publish(ctx context.Context, ev service.Event) error {
	msg, err := kafka.NewMessage().
		WithKey(ev.User).
		WithValue(payload{
			Kind:          string(ev.Kind),
			User:          ev.User,
			PreviousOwner: ev.PreviousOwner,
			ReservationID: ev.ReservationID,
			TransferMode:  ev.TransferMode,
			Start:         ev.Start,
			End:           ev.End,
			OccurredAt:    ev.OccurredAt,
		}).
		WithEventType(string(ev.Kind)).
		WithSource(eventSource).
		WithTimestamp(ev.OccurredAt).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build event message: %w", err)
	}

	return n.producer.Publish(ctx, msg)
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// LogNotifier writes events to the log instead of a broker. Used when
// no Kafka brokers are configured.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Publish(_ context.Context, ev service.Event) error {
	n.log.Info("Pass event",
		"kind", string(ev.Kind),
		"user", ev.User,
		"previous_owner", ev.PreviousOwner,
		"reservation_id", ev.ReservationID,
		"transfer_mode", ev.TransferMode,
	)
	return nil
}
