package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// rabbitSession is one connection and channel with the records queue declared.
type rabbitSession struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func dialRabbitSession(url string, attempts int) (*rabbitSession, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(RetryDelay)
		}
		if conn, err = amqp.Dial(url); err == nil {
			break
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", attempts, "error", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", attempts, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := channel.QueueDeclare(RecordsQueue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare rabbitmq queue %s: %w", RecordsQueue, err)
	}

	return &rabbitSession{conn: conn, channel: channel}, nil
}

func (s *rabbitSession) closed() bool {
	return s.channel.IsClosed()
}

func (s *rabbitSession) close() {
	if err := s.conn.Close(); err != nil && err != amqp.ErrClosed {
		slog.Error("error closing rabbitmq connection", "error", err)
	}
}

// RabbitMQPublisher publishes records as persistent messages on a confirming
// channel, so PublishRecord only succeeds once the broker has taken the record.
// A lost connection is re-dialed on the next publish.
type RabbitMQPublisher struct {
	url string

	// confirms are tracked per channel, so publishes are serialized.
	mu      sync.Mutex
	session *rabbitSession
	closed  bool
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}

	session, err := p.open(MaxConnectRetry)
	if err != nil {
		return nil, err
	}
	p.session = session

	slog.Info("rabbitmq publisher ready", "queue", RecordsQueue)
	return p, nil
}

func (p *RabbitMQPublisher) open(attempts int) (*rabbitSession, error) {
	session, err := dialRabbitSession(p.url, attempts)
	if err != nil {
		return nil, err
	}
	if err := session.channel.Confirm(false); err != nil {
		session.close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return session, nil
}

func (p *RabbitMQPublisher) PublishRecord(ctx context.Context, payload RecordPayload) error {
	body, err := encodeRecord(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrQueueClosed
	}

	if p.session == nil || p.session.closed() {
		slog.Warn("rabbitmq channel closed, reconnecting")
		if p.session != nil {
			p.session.close()
			p.session = nil
		}
		session, err := p.open(1)
		if err != nil {
			return err
		}
		p.session = session
	}

	confirm, err := p.session.channel.PublishWithDeferredConfirmWithContext(ctx,
		"",           // default exchange
		RecordsQueue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    payload.SubmissionId.String(),
			Type:         RecordMessageType,
			Timestamp:    payload.Timestamp,
			Body:         body,
		})
	if err != nil {
		slog.Error("failed to publish record", "submission_id", payload.SubmissionId, "error", err)
		return fmt.Errorf("failed to publish record %s: %w", payload.SubmissionId, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("error waiting for confirm of record %s: %w", payload.SubmissionId, err)
	}
	if !acked {
		return fmt.Errorf("record %s: %w", payload.SubmissionId, ErrNotConfirmed)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	if p.session != nil {
		p.session.close()
		p.session = nil
	}
}

type rabbitDelivery struct {
	d      amqp.Delivery
	record RecordPayload
}

func (r *rabbitDelivery) Record() RecordPayload {
	return r.record
}

func (r *rabbitDelivery) Ack() error {
	return r.d.Ack(false)
}

func (r *rabbitDelivery) Requeue() error {
	return r.d.Nack(false, true)
}

func (r *rabbitDelivery) Discard() error {
	return r.d.Reject(false)
}

// RabbitMQReceiver consumes the records queue one unacked message at a time.
// Messages that are not valid records are rejected before they reach Records.
// The Records channel is closed once the receiver is closed.
type RabbitMQReceiver struct {
	url     string
	records chan RecordDelivery

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	r := &RabbitMQReceiver{
		url:     rabbitMQURL,
		records: make(chan RecordDelivery),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	session, msgs, err := r.subscribe(MaxConnectRetry)
	if err != nil {
		return nil, err
	}

	go r.run(session, msgs)

	return r, nil
}

func (r *RabbitMQReceiver) subscribe(attempts int) (*rabbitSession, <-chan amqp.Delivery, error) {
	session, err := dialRabbitSession(r.url, attempts)
	if err != nil {
		return nil, nil, err
	}

	if err := session.channel.Qos(1, 0, false); err != nil {
		session.close()
		return nil, nil, fmt.Errorf("failed to set channel qos: %w", err)
	}

	msgs, err := session.channel.Consume(RecordsQueue, "", false, false, false, false, nil)
	if err != nil {
		session.close()
		return nil, nil, fmt.Errorf("failed to consume from rabbitmq queue %s: %w", RecordsQueue, err)
	}

	slog.Info("rabbitmq consumer started", "queue", RecordsQueue)
	return session, msgs, nil
}

func (r *RabbitMQReceiver) run(session *rabbitSession, msgs <-chan amqp.Delivery) {
	defer close(r.done)
	defer close(r.records)

	for {
		stopped := r.forward(msgs)
		session.close()
		if stopped {
			slog.Info("rabbitmq consumer stopped")
			return
		}

		slog.Warn("rabbitmq consumer lost its channel, reconnecting")
		for {
			select {
			case <-r.stop:
				return
			case <-time.After(RetryDelay):
			}

			var err error
			if session, msgs, err = r.subscribe(1); err == nil {
				break
			}
			slog.Warn("failed to restart rabbitmq consumer", "error", err)
		}
	}
}

// forward hands valid records to Records until the delivery channel closes or
// the receiver is stopped. It reports whether it was stopped.
func (r *RabbitMQReceiver) forward(msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-r.stop:
			return true
		case d, ok := <-msgs:
			if !ok {
				return false
			}

			record, err := decodeRecord(d.Type, d.MessageId, d.Body)
			if err != nil {
				slog.Error("rejecting invalid record message", "message_id", d.MessageId, "error", err)
				if err := d.Reject(false); err != nil {
					slog.Error("error rejecting message", "error", err)
				}
				continue
			}

			select {
			case r.records <- &rabbitDelivery{d: d, record: record}:
			case <-r.stop:
				if err := d.Nack(false, true); err != nil {
					slog.Error("error returning record to queue", "submission_id", record.SubmissionId, "error", err)
				}
				return true
			}
		}
	}
}

func (r *RabbitMQReceiver) Records() <-chan RecordDelivery {
	return r.records
}

// Close stops consuming and waits for the consumer to shut down. Records
// already handed out can no longer be settled.
func (r *RabbitMQReceiver) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

var (
	_ Publisher = (*RabbitMQPublisher)(nil)
	_ Receiver  = (*RabbitMQReceiver)(nil)
)
