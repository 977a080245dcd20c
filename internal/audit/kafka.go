package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/hitoshi/toolshelf/internal/model"
)

// DefaultTopic は監査エントリを配信するKafkaトピックの既定値。
const DefaultTopic = "toolshelf.audit"

// producer はkgo.Clientのうち利用するメソッド。
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher は監査エントリをJSONにしてKafkaトピックへ同期的に配信する。
type KafkaPublisher struct {
	client producer
}

// kafkaMessage はKafkaに配信するJSONの形式。
type kafkaMessage struct {
	ID        int64     `json:"id"`
	ActorID   string    `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// NewKafkaPublisher はブローカーに接続するKafkaPublisherを生成する。
// topicが空の場合はDefaultTopicを使う。
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("toolshelf-audit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client}, nil
}

// Publish は監査エントリを1件配信する。
// キーはactor_id（認証前のイベントではaction）とし、同一アカウントの順序を保つ。
func (p *KafkaPublisher) Publish(ctx context.Context, entry *model.AuditEntry) error {
	value, err := json.Marshal(kafkaMessage{
		ID:        entry.ID,
		ActorID:   entry.ActorID,
		Action:    string(entry.Action),
		Detail:    entry.Detail,
		CreatedAt: entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	key := entry.ActorID
	if key == "" {
		key = string(entry.Action)
	}

	if err := p.client.ProduceSync(ctx, &kgo.Record{Key: []byte(key), Value: value}).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce audit entry: %w", err)
	}
	return nil
}

// Close はKafkaクライアントを閉じる。
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

var _ Publisher = (*KafkaPublisher)(nil)
