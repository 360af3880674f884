package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"rentsync/internal/backend/push"
	"rentsync/internal/backend/service"
	"rentsync/pkg/kafka"
	"rentsync/pkg/model"
)

func TestFrameMessage_RoundTrip(t *testing.T) {
	frame, err := model.NewFrame(model.EventAvailabilityUpdated, "veh-1", model.AvailabilityPatch{ResourceID: "veh-1", Version: 4})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}

	msg, err := FrameMessage(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Key != "veh-1" || msg.GetEventID() != frame.EventID || msg.GetEventType() != model.EventAvailabilityUpdated {
		t.Errorf("unexpected message %+v", msg)
	}

	back, err := MessageFrame(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var patch model.AvailabilityPatch
	if err := back.DecodeData(&patch); err != nil || patch.Version != 4 {
		t.Errorf("unexpected payload %+v %v", patch, err)
	}
}

func TestFrameMessage_RequiresResource(t *testing.T) {
	_, err := FrameMessage(model.ControlFrame(model.FramePing, "", time.Now()))
	if !errors.Is(err, kafka.ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestHandler(t *testing.T) {
	frame, _ := model.NewFrame(model.EventLockReleased, "veh-2", model.LockEvent{LockID: "l-1"})
	good, _ := FrameMessage(frame)

	tests := []struct {
		name      string
		msg       kafka.Message
		sinkErr   error
		wantErr   bool
		wantType  kafka.ErrorType
		delivered bool
	}{
		{name: "delivered", msg: good, delivered: true},
		{name: "garbage is permanent", msg: kafka.Message{Key: "veh-2", Value: []byte("{nope")}, wantErr: true, wantType: kafka.ErrorTypePermanent},
		{name: "sink failure is transient", msg: good, sinkErr: errors.New("boom"), wantErr: true, wantType: kafka.ErrorTypeTransient, delivered: true},
		{name: "closed hub is dropped", msg: good, sinkErr: push.ErrHubClosed, delivered: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []model.Frame
			sink := service.PublisherFunc(func(_ context.Context, f model.Frame) error {
				got = append(got, f)
				return tt.sinkErr
			})

			err := Handler(sink)(context.Background(), tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if tt.wantErr && kafka.ClassifyError(err) != tt.wantType {
				t.Errorf("expected error type %d, got %d", tt.wantType, kafka.ClassifyError(err))
			}
			if (len(got) == 1) != tt.delivered {
				t.Errorf("expected delivered=%v, got %d frames", tt.delivered, len(got))
			}
			if tt.delivered && got[0].ResourceID != "veh-2" {
				t.Errorf("unexpected frame %+v", got[0])
			}
		})
	}
}
