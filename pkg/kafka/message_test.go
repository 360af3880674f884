package kafka

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestMessageBuilder_Build(t *testing.T) {
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	msg, err := NewMessage().
		WithKey("veh-1").
		WithValue(map[string]int{"version": 3}).
		WithEventType("availability.updated").
		WithTimestamp(at).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Key != "veh-1" || string(msg.Value) != `{"version":3}` {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.GetEventID() == "" {
		t.Error("event id must be generated")
	}
	if msg.Headers[HeaderTimestamp] != "2025-06-01T09:00:00Z" {
		t.Errorf("unexpected timestamp header %q", msg.Headers[HeaderTimestamp])
	}
}

func TestMessageBuilder_EncodingFailureIsPermanent(t *testing.T) {
	_, err := NewMessage().WithKey("k").WithValue(make(chan int)).Build()
	if err == nil {
		t.Fatal("expected an encoding error")
	}
	if ClassifyError(err) != ErrorTypePermanent {
		t.Errorf("encoding errors must not be retried")
	}
}

func TestMessage_RetryCountPastNine(t *testing.T) {
	msg, _ := NewMessage().WithKey("k").WithRawValue([]byte("{}")).Build()
	for i := 0; i < 12; i++ {
		msg.IncrementRetryCount()
	}
	if got := msg.GetRetryCount(); got != 12 {
		t.Errorf("expected 12 retries, got %d", got)
	}
}

func TestKafkaMessageRoundTripKeepsHeaders(t *testing.T) {
	msg, _ := NewMessage().WithKey("veh-1").WithRawValue([]byte("{}")).WithEventID("evt-1").Build()

	back := fromKafkaMessage(toKafkaMessage(msg))
	if back.Key != "veh-1" || back.GetEventID() != "evt-1" {
		t.Errorf("unexpected message %+v", back)
	}
}

func TestDeadLetter_RecordsCauseWithoutMutatingOriginal(t *testing.T) {
	msg, _ := NewMessage().WithKey("veh-1").WithRawValue([]byte("{}")).Build()

	dl := fromKafkaMessage(deadLetter(msg, "rentsync.availability", "rentsync-push", errors.New("boom")))

	if dl.Headers[HeaderDLQError] != "boom" || dl.Headers[HeaderOriginalTopic] != "rentsync.availability" {
		t.Errorf("unexpected dlq headers %v", dl.Headers)
	}
	if dl.Headers[HeaderDLQGroup] != "rentsync-push" {
		t.Errorf("expected consumer group header")
	}
	if _, ok := msg.Headers[HeaderDLQError]; ok {
		t.Error("original message headers must stay untouched")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{name: "nil", err: nil, want: ErrorTypeUnknown},
		{name: "typed transient", err: NewTransientError("push", io.EOF), want: ErrorTypeTransient},
		{name: "wrapped permanent", err: errors.Join(NewPermanentError("decode", io.EOF)), want: ErrorTypePermanent},
		{name: "i/o timeout text", err: errors.New("read tcp: I/O Timeout"), want: ErrorTypeTransient},
		{name: "connection refused text", err: errors.New("dial tcp: connection refused"), want: ErrorTypeTransient},
		{name: "unknown", err: errors.New("unexpected payload"), want: ErrorTypePermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestShouldRetry(t *testing.T) {
	transient := NewTransientError("push", context.DeadlineExceeded)

	if !ShouldRetry(transient, 0, 3) {
		t.Error("transient error under the limit should retry")
	}
	if ShouldRetry(transient, 3, 3) {
		t.Error("retry limit reached")
	}
	if ShouldRetry(NewPermanentError("decode", io.EOF), 0, 3) {
		t.Error("permanent errors are not retried")
	}
}
