package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-realtime/internal/models"
)

type recordingWriter struct {
	msgs     []kafka.Message
	deadline bool
	closed   bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, w.deadline = ctx.Deadline()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishKeysByEntity(t *testing.T) {
	w := &recordingWriter{}
	p := NewProducerWithWriter(w)
	ctx := context.Background()

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if err := p.PublishLocation(ctx, models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 1, Lng: 2}, At: at}); err != nil {
		t.Fatalf("location: %v", err)
	}
	if err := p.PublishTripEvent(ctx, models.TripEvent{TripID: "t1", Type: "accept", Status: models.TripAccepted, ActorID: "d1", At: at}); err != nil {
		t.Fatalf("trip event: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("got %d messages", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "d1" || string(w.msgs[1].Key) != "t1" {
		t.Fatalf("keys = %q, %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	if !w.deadline {
		t.Fatal("writes must carry a deadline")
	}

	var ev models.TripEvent
	if err := json.Unmarshal(w.msgs[1].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Status != models.TripAccepted || ev.ActorID != "d1" {
		t.Fatalf("event = %+v", ev)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("close: %v closed=%v", err, w.closed)
	}
}
