package sink

import (
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.BatchSize != DefaultKafkaBatchSize {
		t.Errorf("expected batch size %d, got %d", DefaultKafkaBatchSize, config.BatchSize)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
	if !config.AutoCreateTopics {
		t.Error("expected topic auto-creation")
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		RequiredAcks: kafka.RequireOne,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchBytes != DefaultKafkaBatchBytes {
		t.Errorf("expected default batch bytes, got %d", sink.writer.BatchBytes)
	}
	if sink.writer.RequiredAcks != kafka.RequireOne {
		t.Errorf("expected RequireOne acks, got %v", sink.writer.RequiredAcks)
	}
	if sink.writer.Async {
		t.Error("expected synchronous writes")
	}
	if _, ok := sink.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected key hash balancer, got %T", sink.writer.Balancer)
	}
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{}); err == nil {
		t.Error("expected error for empty brokers, got nil")
	}
}

func TestStreamName(t *testing.T) {
	tests := map[string]string{
		"burrow.membership.prod": "burrow_membership_prod",
		"plain":                  "plain",
		"a.*.>":                  "a___",
	}
	for subject, want := range tests {
		if got := streamName(subject); got != want {
			t.Errorf("streamName(%q) = %q, want %q", subject, got, want)
		}
	}
}

func TestMockSink_Publish(t *testing.T) {
	mock := &MockSink{}

	if err := mock.Publish("burrow.membership.c1", "10.0.0.1:11111@7", []byte(`{"current":"DEAD"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := mock.Snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "burrow.membership.c1" || msgs[0].Key != "10.0.0.1:11111@7" {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestMockSink_PublishError(t *testing.T) {
	expected := errors.New("publish failed")
	mock := &MockSink{}
	mock.SetError(expected)

	if err := mock.Publish("t", "k", []byte("v")); !errors.Is(err, expected) {
		t.Errorf("expected error %v, got %v", expected, err)
	}
	if len(mock.Snapshot()) != 0 {
		t.Error("expected nothing recorded on error")
	}

	mock.SetError(nil)
	if err := mock.Publish("t", "k", []byte("v")); err != nil {
		t.Errorf("expected recovery, got %v", err)
	}
}

func TestMockSink_ResetAndClose(t *testing.T) {
	mock := &MockSink{}
	mock.Publish("t", "k1", nil)
	mock.Publish("t", "k2", nil)
	mock.Reset()

	if n := len(mock.Snapshot()); n != 0 {
		t.Errorf("expected 0 messages after reset, got %d", n)
	}
	if err := mock.Close(); err != nil || !mock.Closed() {
		t.Errorf("expected closed mock, err=%v", err)
	}
}

func TestMockSink_Concurrent(t *testing.T) {
	mock := &MockSink{}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mock.Publish("topic", "key", []byte("value"))
		}()
	}
	wg.Wait()

	if n := len(mock.Snapshot()); n != 10 {
		t.Errorf("expected 10 messages, got %d", n)
	}
}
