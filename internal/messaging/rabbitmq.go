package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"remote-index-builder/pkg/api"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// session is a connection with a single channel configured by setup.
type session struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func openSession(url string, setup func(*amqp.Channel) error) (*session, error) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(RetryDelay), MaxConnectRetry-1)
	conn, err := backoff.RetryNotifyWithData(func() (*amqp.Connection, error) {
		return amqp.Dial(url)
	}, policy, func(err error, next time.Duration) {
		slog.Warn("rabbitmq dial failed", "error", err, "retry_in", next)
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to rabbitmq after %d attempts: %w", MaxConnectRetry, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("error opening rabbitmq channel: %w", err)
	}

	if err := setup(channel); err != nil {
		conn.Close()
		return nil, err
	}

	return &session{conn: conn, channel: channel}, nil
}

func (s *session) close() {
	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Error("error closing rabbitmq connection", "error", err)
	}
}

func declareQueues(channel *amqp.Channel, queues ...string) error {
	for _, queue := range queues {
		if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("error declaring rabbitmq queue %s: %w", queue, err)
		}
	}
	return nil
}

// supervise reopens the session whenever the broker closes its channel, until
// stop is closed or the session is closed gracefully.
func supervise(stop <-chan struct{}, current *session, reopen func() (*session, error), install func(*session)) {
	for {
		notify := current.channel.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-stop:
			current.close()
			return
		case err, ok := <-notify:
			if !ok {
				return
			}
			slog.Warn("rabbitmq channel closed, reconnecting", "error", err)
		}

		for {
			next, err := reopen()
			if err == nil {
				current = next
				install(next)
				break
			}
			slog.Error("rabbitmq reconnect failed", "error", err)
			select {
			case <-stop:
				return
			case <-time.After(RetryDelay * 10):
			}
		}
	}
}

// RabbitMQPublisher publishes with broker confirms, so a nil error means the
// broker has taken ownership of the message.
type RabbitMQPublisher struct {
	url    string
	queues Queues

	mu       sync.RWMutex
	session  *session
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRabbitMQPublisher(rabbitMQURL string, queues Queues) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL, queues: queues, stop: make(chan struct{})}

	s, err := p.open()
	if err != nil {
		return nil, err
	}
	p.session = s
	slog.Info("rabbitmq publisher connected", "build_queue", queues.Build, "result_queue", queues.Result)

	go supervise(p.stop, s, p.open, p.install)

	return p, nil
}

func (p *RabbitMQPublisher) open() (*session, error) {
	return openSession(p.url, func(channel *amqp.Channel) error {
		if err := declareQueues(channel, p.queues.Build, p.queues.Result); err != nil {
			return err
		}
		if err := channel.Confirm(false); err != nil {
			return fmt.Errorf("error enabling publisher confirms: %w", err)
		}
		return nil
	})
}

func (p *RabbitMQPublisher) install(s *session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.stop:
		s.close()
		return
	default:
	}
	p.session = s
	slog.Info("rabbitmq publisher reconnected")
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error encoding message for %s: %w", queue, err)
	}

	p.mu.RLock()
	s := p.session
	p.mu.RUnlock()

	if s == nil || s.channel.IsClosed() {
		return fmt.Errorf("rabbitmq channel for %s is closed", queue)
	}

	confirm, err := s.channel.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		slog.Error("error publishing message", "queue", queue, "error", err)
		return fmt.Errorf("error publishing to %s: %w", queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("error waiting for broker confirm on %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker refused message on %s", queue)
	}
	return nil
}

func (p *RabbitMQPublisher) PublishBuildTask(ctx context.Context, payload api.BuildTaskPayload) error {
	return p.publish(ctx, p.queues.Build, payload)
}

func (p *RabbitMQPublisher) PublishBuildResult(ctx context.Context, payload api.BuildResultPayload) error {
	return p.publish(ctx, p.queues.Result, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.session != nil {
			p.session.close()
			p.session = nil
		}
	})
}

type rabbitTask struct {
	d amqp.Delivery
}

func (t *rabbitTask) Type() string {
	return t.d.RoutingKey
}

func (t *rabbitTask) Payload() []byte {
	return t.d.Body
}

func (t *rabbitTask) Ack() error {
	return t.d.Ack(false)
}

func (t *rabbitTask) Nack() error {
	return t.d.Nack(false, true)
}

func (t *rabbitTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	url      string
	queue    string
	prefetch int

	tasks    chan Task
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRabbitMQReceiver consumes queue with at most prefetch unacknowledged
// deliveries in flight.
func NewRabbitMQReceiver(rabbitMQURL, queue string, prefetch int) (*RabbitMQReceiver, error) {
	c := &RabbitMQReceiver{
		url:      rabbitMQURL,
		queue:    queue,
		prefetch: max(prefetch, 1),
		tasks:    make(chan Task),
		stop:     make(chan struct{}),
	}

	s, err := c.open()
	if err != nil {
		return nil, err
	}
	slog.Info("rabbitmq receiver consuming", "queue", queue, "prefetch", c.prefetch)

	go supervise(c.stop, s, c.open, func(*session) {
		slog.Info("rabbitmq receiver reconnected", "queue", queue)
	})

	return c, nil
}

func (c *RabbitMQReceiver) open() (*session, error) {
	s, err := openSession(c.url, func(channel *amqp.Channel) error {
		if err := channel.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("error setting channel qos: %w", err)
		}
		return declareQueues(channel, c.queue)
	})
	if err != nil {
		return nil, err
	}

	deliveries, err := s.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("error consuming from rabbitmq queue %s: %w", c.queue, err)
	}

	go c.forward(deliveries)

	return s, nil
}

// forward hands deliveries to Tasks until stopped. A delivery that was taken
// off the broker but never handed out is returned to the queue.
func (c *RabbitMQReceiver) forward(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case c.tasks <- &rabbitTask{d: d}:
		case <-c.stop:
			if err := d.Nack(false, true); err != nil {
				slog.Error("error returning delivery on shutdown", "error", err)
			}
			return
		}
	}
}

func (c *RabbitMQReceiver) Tasks() <-chan Task {
	return c.tasks
}

func (c *RabbitMQReceiver) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
