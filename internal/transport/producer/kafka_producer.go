package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"eventcore/internal/application/common"
	"eventcore/pkg/broker"
	"eventcore/pkg/metrics"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const kindKafka = "kafka"

type KafkaProducer struct {
	broker      *broker.KafkaBroker
	logger      *zap.SugaredLogger
	maxAttempts int
	m           *metrics.Metrics
}

func NewKafkaProducer(broker *broker.KafkaBroker, logger *zap.SugaredLogger, maxAttempts int, m *metrics.Metrics) *KafkaProducer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &KafkaProducer{
		broker:      broker,
		logger:      logger,
		maxAttempts: maxAttempts,
		m:           m,
	}
}

// HealthCheck проверяет доступность Kafka через broker
func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if p.broker == nil {
		return errors.New("kafka broker is not initialized")
	}
	return p.broker.HealthCheck(ctx)
}

// Publish отправляет запись в топик msg.Target (или топик по умолчанию).
// Ключ сообщения - routing key, поэтому события одного агрегата попадают в одну партицию.
func (p *KafkaProducer) Publish(ctx context.Context, m Message) error {
	topic := m.Target
	if topic == "" {
		topic = p.broker.ProducerTopic
	}
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic:     topic,
			Key:       sarama.StringEncoder(m.RoutingKey),
			Value:     sarama.ByteEncoder(m.Payload),
			Headers:   recordHeaders(m),
			Timestamp: time.Now(),
		}

		t0 := time.Now()
		part, off, err := p.broker.SyncProducer.SendMessage(msg)
		rt := time.Since(t0)

		if p.m != nil {
			res := "ok"
			if err != nil {
				res = "error"
			}
			p.m.Producer.AttemptLatencySeconds.WithLabelValues(kindKafka, topic, res).Observe(rt.Seconds())
		}

		if err == nil {
			p.count(topic, "success")
			p.logger.Debugf("[entry %s] sent topic=%s partition=%d offset=%d attempt=%d rt=%s",
				m.ID, topic, part, off, attempt, rt)
			return nil
		}

		lastErr = unwrapProducerError(err)

		if kerr, ok := lastErr.(sarama.KError); ok {
			if isPermanent(kerr) {
				p.count(topic, "permanent")
				p.logger.Errorf("[entry %s] permanent kafka error attempt=%d rt=%s kafka_error=%s code=%d",
					m.ID, attempt, rt, kerr.Error(), int16(kerr))
				return Permanent(fmt.Errorf("kafka: %w", kerr))
			}

			p.logger.Warnf("[entry %s] retryable kafka error attempt=%d rt=%s kafka_error=%s code=%d",
				m.ID, attempt, rt, kerr.Error(), int16(kerr))
		} else {
			p.logger.Warnf("[entry %s] retryable error attempt=%d rt=%s reason=%s err=%v",
				m.ID, attempt, rt, ClassifyRetry(lastErr), lastErr)
		}

		if attempt == p.maxAttempts {
			break
		}

		if err := common.SleepCtx(ctx, common.NextBackoffWithJitter(attempt-1)); err != nil {
			p.count(topic, "canceled")
			return err
		}
	}

	p.count(topic, "failed")
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaProducer) count(topic, result string) {
	if p.m != nil {
		p.m.Producer.OperationsTotal.WithLabelValues(kindKafka, topic, result).Inc()
	}
}

func recordHeaders(m Message) []sarama.RecordHeader {
	if len(m.Headers) == 0 {
		return nil
	}
	headers := make([]sarama.RecordHeader, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return headers
}

// SyncProducer оборачивает ошибку брокера в *sarama.ProducerError
func unwrapProducerError(err error) error {
	var perr *sarama.ProducerError
	if errors.As(err, &perr) && perr.Err != nil {
		return perr.Err
	}
	return err
}

func isPermanent(k sarama.KError) bool {
	switch k {
	case sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrInvalidRequest,
		sarama.ErrInvalidMessage,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrSASLAuthenticationFailed:
		return true
	default:
		return false
	}
}

func ClassifyRetry(err error) string {
	if k, ok := err.(sarama.KError); ok {
		switch k {
		case sarama.ErrLeaderNotAvailable:
			return "leader_not_available"
		case sarama.ErrRequestTimedOut:
			return "broker_timeout"
		case sarama.ErrNotEnoughReplicas, sarama.ErrNotEnoughReplicasAfterAppend:
			return "not_enough_replicas"
		default:
			return k.Error()
		}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "net_timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "client_deadline"
	}
	return "other"
}
