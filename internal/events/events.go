// Package events publishes job lifecycle notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"

	"georeg/internal/config"
)

// Event is the JSON payload published for every job transition.
type Event struct {
	JobID   string         `json:"job_id"`
	Type    string         `json:"type"`
	Status  string         `json:"status"` // queued, running, progress, completed, failed
	Percent int            `json:"percent"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
	Time    time.Time      `json:"time"`
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New builds the publisher selected by cfg.Driver.
func New(cfg config.Events) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return Noop{}, nil
	case "kafka":
		return NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	case "nats":
		return NewNATSPublisher(cfg.NATSURL, cfg.Subject)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Driver)
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// KafkaPublisher writes events to a topic keyed by job id so a job's
// events stay ordered within one partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	p, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(p, topic), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer.
func NewKafkaPublisherWithProducer(p sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topic: topic}
}

func (k *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, _, err = k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.JobID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("kafka publish %s: %w", ev.JobID, err)
	}
	return nil
}

func (k *KafkaPublisher) Close() error { return k.producer.Close() }

// natsConn is the part of *nats.Conn used here.
type natsConn interface {
	Publish(subj string, data []byte) error
	Close()
}

// NATSPublisher publishes on <subject>.<status>.
type NATSPublisher struct {
	conn    natsConn
	subject string
}

// NewNATSPublisher connects to url, reconnecting in the background.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("georeg"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (n *NATSPublisher) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject+"."+ev.Status, data)
}

func (n *NATSPublisher) Close() error {
	n.conn.Close()
	return nil
}
