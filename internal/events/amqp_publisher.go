package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-relay/pkg/logger"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpAppID = "commerce-relay"

type amqpChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	IsClosed() bool
	Close() error
}

// AMQPPublisher publishes envelopes to a durable topic exchange with
// publisher confirms.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	log      *logger.Logger
}

// DialAMQPPublisher connects with exponential backoff, declares the exchange
// and enables confirms.
func DialAMQPPublisher(ctx context.Context, url, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	if log == nil {
		log = logger.NewNop()
	}

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		c, cErr := amqp.Dial(url)
		conn = c
		return cErr
	}, backoff.WithContext(newBackOff(30*time.Second), ctx))
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, errors.Join(err, ch.Close(), conn.Close())
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Join(err, ch.Close(), conn.Close())
	}

	p := newAMQPPublisher(ch, exchange, log)
	p.conn = conn
	go p.watchClose(ch.NotifyClose(make(chan *amqp.Error, 1)))
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, log *logger.Logger) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange, log: log}
}

func (p *AMQPPublisher) Publish(ctx context.Context, env Envelope) error {
	if p.channel == nil {
		return errors.New("amqp channel is empty")
	}
	if p.channel.IsClosed() {
		return errors.New("amqp channel is closed")
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := amqp.Table{}
	for k, v := range env.Headers() {
		headers[k] = v
	}

	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		env.RoutingKey(),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID.String(),
			Timestamp:    env.OccurredAt,
			Type:         env.EventType,
			AppId:        amqpAppID,
			Headers:      headers,
			Body:         data,
		},
	)
	if err != nil {
		return err
	}
	if confirmation == nil {
		return nil
	}
	ok, err := confirmation.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("amqp broker nacked publish")
	}
	return nil
}

func (p *AMQPPublisher) watchClose(ch chan *amqp.Error) {
	if err := <-ch; err != nil {
		p.log.Errorf("amqp channel closed: %v", err)
	}
}

func (p *AMQPPublisher) Close() error {
	var errs []error
	if p.channel != nil && !p.channel.IsClosed() {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	b.MaxInterval = 5 * time.Second
	return b
}
