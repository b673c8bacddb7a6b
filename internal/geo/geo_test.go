package geo

import (
	"math"
	"testing"

	"github.com/example/ride-realtime/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111.2km, got %f", d)
	}
}

func TestWithin(t *testing.T) {
	center := models.Coord{Lat: -23.55, Lng: -46.63}
	near := &models.Coord{Lat: -23.551, Lng: -46.631}
	far := &models.Coord{Lat: -22.90, Lng: -43.17}

	if !Within(center, near, 1000) {
		t.Fatalf("near point should be within 1km")
	}
	if Within(center, far, 1000) {
		t.Fatalf("far point should be outside 1km")
	}
	if !Within(center, nil, 0) {
		t.Fatalf("unbounded radius accepts unknown position")
	}
	if Within(center, nil, 1000) {
		t.Fatalf("bounded radius rejects unknown position")
	}
}
