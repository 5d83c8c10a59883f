package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"georeg/internal/config"
)

func TestKafkaPublisherSendsJSON(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.JobID != "job-1" || ev.Status != "completed" || ev.Percent != 100 {
			return errors.New("unexpected event payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := NewKafkaPublisherWithProducer(producer, "georeg.jobs")
	ev := Event{JobID: "job-1", Type: "coregister", Status: "completed", Percent: 100, Time: time.Now()}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(context.Background(), ev); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	closed   bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestNATSPublisherUsesStatusSubject(t *testing.T) {
	conn := &fakeConn{}
	pub := &NATSPublisher{conn: conn, subject: "georeg.jobs"}
	if err := pub.Publish(context.Background(), Event{JobID: "j", Status: "failed", Error: "boom"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "georeg.jobs.failed" {
		t.Fatalf("subjects %v", conn.subjects)
	}
	var ev Event
	if err := json.Unmarshal(conn.payloads[0], &ev); err != nil || ev.Error != "boom" {
		t.Fatalf("payload %s (%v)", conn.payloads[0], err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pub.Publish(ctx, Event{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	_ = pub.Close()
	if !conn.closed {
		t.Fatalf("connection not closed")
	}
}

func TestNewSelectsDriver(t *testing.T) {
	p, err := New(config.Events{Driver: "none"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(Noop); !ok {
		t.Fatalf("expected Noop, got %T", p)
	}
	if _, err := New(config.Events{Driver: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
