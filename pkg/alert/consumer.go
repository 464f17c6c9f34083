package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/immuni-app/immuni-backend-analytics/pkg/model"
)

// Consumer is the triage-side view of the alert topic.
type Consumer interface {
	Next(ctx context.Context) (model.PoisonedItem, error)
	Close() error
}

type KafkaTriage struct {
	reader kafkaReader
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type TriageConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaTriage(cfg TriageConfig) (*KafkaTriage, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaTriage{reader: r}, nil
}

func (c *KafkaTriage) Next(ctx context.Context) (model.PoisonedItem, error) {
	if c == nil || c.reader == nil {
		return model.PoisonedItem{}, fmt.Errorf("kafka triage consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return model.PoisonedItem{}, err
	}
	var item model.PoisonedItem
	if err := json.Unmarshal(msg.Value, &item); err != nil {
		return model.PoisonedItem{}, fmt.Errorf("decode poisoned alert: %w", err)
	}
	return item, nil
}

func (c *KafkaTriage) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
