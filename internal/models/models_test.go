package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTripDriverIDIsNullUntilAccepted(t *testing.T) {
	tr := &Trip{ID: "t1", RiderID: "r1", Status: TripPending, CreatedAt: time.Unix(0, 0).UTC()}
	b, err := json.Marshal(tr)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	v, ok := m["driverId"]
	if !ok || v != nil {
		t.Fatalf("pending trip should carry driverId null, got %s", b)
	}
	if m["id"] != "t1" || m["status"] != "pending" {
		t.Fatalf("other fields lost: %s", b)
	}

	tr.DriverID, tr.Status = "d1", TripAccepted
	b, _ = json.Marshal(*tr)
	var back Trip
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.DriverID != "d1" || back.Status != TripAccepted {
		t.Fatalf("round trip lost the driver: %+v", back)
	}
}
