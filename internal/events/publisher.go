package events

import (
	"context"
	"fmt"
	"strings"

	"commerce-relay/config"
	"commerce-relay/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

// Publisher delivers envelopes to a message broker.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

const (
	BrokerRedis = "redis"
	BrokerKafka = "kafka"
	BrokerAMQP  = "amqp"
)

// NewPublisher builds the publisher selected by cfg.Kind and wraps it in a
// circuit breaker.
func NewPublisher(ctx context.Context, cfg config.BrokerConfig, redisClient *goredis.Client, log *logger.Logger) (Publisher, error) {
	var (
		inner Publisher
		err   error
	)
	switch strings.ToLower(cfg.Kind) {
	case "", BrokerRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis broker selected but no redis client")
		}
		inner = NewRedisPublisher(redisClient, "events")
	case BrokerKafka:
		inner, err = NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	case BrokerAMQP:
		inner, err = DialAMQPPublisher(ctx, cfg.AMQPURL, cfg.AMQPExchange, log)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewBreakerPublisher(cfg.Kind, inner, log), nil
}
