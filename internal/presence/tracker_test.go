package presence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-realtime/internal/models"
)

type recordingMirror struct {
	mu   sync.Mutex
	seen []models.DriverPresence
	err  error
}

func (m *recordingMirror) MirrorPresence(_ context.Context, p models.DriverPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, p)
	return m.err
}

func TestLifecycle(t *testing.T) {
	tr := NewTracker(nil)
	if p, ok := tr.Get("d1"); ok || p.Status != models.DriverOffline {
		t.Fatalf("unknown driver should read as offline")
	}
	tr.SetOnline("d1", false)
	if p, _ := tr.Get("d1"); p.Status != models.DriverAvailable {
		t.Fatalf("expected available, got %s", p.Status)
	}
	if !tr.Reserve("d1") {
		t.Fatalf("reserve should succeed on available driver")
	}
	if tr.Reserve("d1") {
		t.Fatalf("second reserve must fail")
	}
	if got := tr.Available(); len(got) != 0 {
		t.Fatalf("busy driver listed as available")
	}
	if !tr.Release("d1") {
		t.Fatalf("release should succeed on busy driver")
	}
	tr.SetOffline("d1")
	if tr.Release("d1") {
		t.Fatalf("release must not bring an offline driver back")
	}
}

func TestSetOnlineWithActiveTripIsBusy(t *testing.T) {
	tr := NewTracker(nil)
	p := tr.SetOnline("d1", true)
	if p.Status != models.DriverBusy {
		t.Fatalf("expected busy, got %s", p.Status)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetOnline("d1", false)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Reserve("d1") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one reservation, got %d", wins)
	}
}

func TestLocationSnapshotIsCopied(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetOnline("d1", false)
	p := tr.UpdateLocation("d1", models.Coord{Lat: 1, Lng: 2})
	p.Location.Lat = 99
	got, _ := tr.Get("d1")
	if got.Location.Lat != 1 {
		t.Fatalf("snapshot mutation leaked into tracker")
	}
}

func TestMirrorReceivesChangesAndErrorsDoNotBlock(t *testing.T) {
	m := &recordingMirror{err: errors.New("redis down")}
	tr := NewTracker(nil, m)
	tr.SetOnline("d1", false)
	tr.SetOnline("d1", false) // no change, no mirror call
	tr.UpdateLocation("d1", models.Coord{Lat: 1, Lng: 1})
	tr.SetOffline("d1")

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.seen) != 3 {
		t.Fatalf("expected 3 mirrored changes, got %d", len(m.seen))
	}
	if m.seen[2].Status != models.DriverOffline {
		t.Fatalf("last mirrored status should be offline")
	}
}

func TestAvailableOrdered(t *testing.T) {
	tr := NewTracker(nil)
	tr.SetOnline("b", false)
	tr.SetOnline("a", false)
	tr.SetOnline("c", false)
	tr.SetOffline("c")
	got := tr.Available()
	if len(got) != 2 || got[0].DriverID != "a" || got[1].DriverID != "b" {
		t.Fatalf("unexpected available set %v", got)
	}
}
