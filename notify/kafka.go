package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/goliatone/go-permission/extension"
)

// Producer is the subset of *kgo.Client used by KafkaNotifier.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaNotifier publishes notifications as JSON records keyed by permission id,
// so a partition sees one request's updates in order.
type KafkaNotifier struct {
	producer Producer
	topic    string
}

var _ extension.Notifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(producer Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: strings.TrimSpace(topic)}
}

// NewKafkaClient builds a franz-go client for brokers with topic as default.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
}

func (k *KafkaNotifier) Notify(ctx context.Context, n extension.Notification) error {
	if k == nil || k.producer == nil {
		return errors.New("kafka notifier not configured")
	}
	value, err := json.Marshal(n)
	if err != nil {
		return err
	}
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(n.PermissionID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "status", Value: []byte(n.Status)},
		},
	}
	return k.producer.ProduceSync(ctx, record).FirstErr()
}
