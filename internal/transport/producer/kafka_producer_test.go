package producer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"eventcore/pkg/broker"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"
)

func newTestKafkaProducer(t *testing.T, maxAttempts int) (*KafkaProducer, *mocks.SyncProducer) {
	t.Helper()
	sp := mocks.NewSyncProducer(t, nil)
	b := &broker.KafkaBroker{ProducerTopic: "eventcore.events", SyncProducer: sp}
	return NewKafkaProducer(b, zap.NewNop().Sugar(), maxAttempts, nil), sp
}

func TestKafkaProducer_PublishUsesTargetAndRoutingKey(t *testing.T) {
	p, sp := newTestKafkaProducer(t, 1)
	defer sp.Close()

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders" {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return fmt.Errorf("key = %q", key)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Key) != "traceparent" {
			return fmt.Errorf("headers = %v", msg.Headers)
		}
		return nil
	})

	err := p.Publish(context.Background(), Message{
		ID:         "e1",
		Target:     "orders",
		RoutingKey: "order-1",
		Payload:    []byte(`{}`),
		Headers:    map[string]string{"traceparent": "00-abc-def-01"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestKafkaProducer_DefaultTopic(t *testing.T) {
	p, sp := newTestKafkaProducer(t, 1)
	defer sp.Close()

	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "eventcore.events" {
			return fmt.Errorf("topic = %q", msg.Topic)
		}
		return nil
	})

	if err := p.Publish(context.Background(), Message{ID: "e1", RoutingKey: "k"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestKafkaProducer_PermanentError(t *testing.T) {
	p, sp := newTestKafkaProducer(t, 3)
	defer sp.Close()

	sp.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	err := p.Publish(context.Background(), Message{ID: "e1", Target: "orders", RoutingKey: "k"})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !errors.Is(err, sarama.ErrMessageSizeTooLarge) {
		t.Fatalf("expected wrapped kafka error, got %v", err)
	}
}

func TestKafkaProducer_RetryableErrorIsNotPermanent(t *testing.T) {
	p, sp := newTestKafkaProducer(t, 1)
	defer sp.Close()

	sp.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	err := p.Publish(context.Background(), Message{ID: "e1", Target: "orders", RoutingKey: "k"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestKafkaProducer_CanceledContext(t *testing.T) {
	p, sp := newTestKafkaProducer(t, 1)
	defer sp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Publish(ctx, Message{ID: "e1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestClassifyRetry(t *testing.T) {
	cases := map[string]error{
		"leader_not_available": sarama.ErrLeaderNotAvailable,
		"not_enough_replicas":  sarama.ErrNotEnoughReplicas,
		"client_deadline":      context.Canceled,
		"other":                errors.New("boom"),
	}
	for want, err := range cases {
		if got := ClassifyRetry(err); got != want {
			t.Errorf("ClassifyRetry(%v) = %q, want %q", err, got, want)
		}
	}
}
