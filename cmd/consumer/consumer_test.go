package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-realtime/internal/models"
)

// fakeMirror implements presence.Mirror for tests
type fakeMirror struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  models.DriverPresence
}

func (f *fakeMirror) MirrorPresence(ctx context.Context, p models.DriverPresence) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("mirror fail")
	}
	f.last = p
	return nil
}

func update() models.LocationUpdate {
	return models.LocationUpdate{DriverID: "d1", Location: models.Coord{Lat: 1, Lng: 2}, At: time.Now()}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeMirror{fail: 2}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, update(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected backoff between attempts")
	}
	if f.last.Status != models.DriverAvailable || f.last.Location == nil || f.last.Location.Lng != 2 {
		t.Fatalf("unexpected presence %+v", f.last)
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeMirror{fail: 5}
	if err := updateRedisWithRetry(context.Background(), f, update(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeMirror{fail: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, update(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDecodeLocation(t *testing.T) {
	if _, err := decodeLocation([]byte(`{"driverId":"d1","location":{"lat":10,"lng":20},"status":"busy"}`)); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}
	for _, raw := range []string{`not json`, `{"location":{"lat":1,"lng":1}}`, `{"driverId":"d1","location":{"lat":91,"lng":0}}`} {
		if _, err := decodeLocation([]byte(raw)); err == nil {
			t.Errorf("%s: expected error", raw)
		}
	}
}
