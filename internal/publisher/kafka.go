package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Message はイベントログに送信する1件のメッセージ。
type Message struct {
	// Topic は送信先トピック。
	Topic string
	// Key はパーティションキー。
	Key string
	// Value はペイロード。
	Value []byte
	// Headers はメッセージヘッダー。
	Headers map[string]string
}

// Producer はイベントログへの送信を行う。
type Producer interface {
	// Publish はメッセージを1件送信する。
	Publish(ctx context.Context, msg Message) error
	// Close は送信を終了し、接続を閉じる。
	Close() error
}

// KafkaProducer はKafkaをイベントログとするProducerの実装。
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer は指定したブローカーに接続するKafkaProducerを生成する。
// 同じキーのメッセージは同じパーティションに送られる。
func NewKafkaProducer(brokers []string, logger zerolog.Logger) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireOne,
			MaxAttempts:            1,
			AllowAutoTopicCreation: true,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Error().Msgf(msg, args...)
			}),
		},
	}
}

// Publish はProducer.Publishを実装する。
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("イベントログへの送信に失敗: topic=%s: %w", msg.Topic, err)
	}
	return nil
}

// Close はProducer.Closeを実装する。
func (p *KafkaProducer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("Kafkaライターのクローズに失敗: %w", err)
	}
	return nil
}
