// Package pricing computes fare estimates. Fares are advisory: the rider's
// client sends the agreed price with the request.
package pricing

import (
	"math"
	"time"
)

type Category string

const (
	Standard Category = "standard"
	Comfort  Category = "comfort"
	Premium  Category = "premium"
)

// Categories lists every category in display order.
var Categories = []Category{Standard, Comfort, Premium}

const (
	BaseFare  = 5.0
	PerKm     = 2.0
	PerMinute = 0.5
)

func (c Category) multiplier() float64 {
	switch c {
	case Comfort:
		return 1.2
	case Premium:
		return 1.5
	default:
		return 1.0
	}
}

// Fare prices a trip of distanceMeters lasting durationSeconds.
func Fare(c Category, distanceMeters, durationSeconds, demand float64) float64 {
	if distanceMeters < 0 {
		distanceMeters = 0
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	if demand <= 0 {
		demand = 1
	}
	raw := BaseFare + PerKm*distanceMeters/1000 + PerMinute*durationSeconds/60
	return round2(raw * c.multiplier() * demand)
}

type Quote struct {
	Category Category `json:"category"`
	Price    float64  `json:"price"`
}

// Estimate quotes every category.
func Estimate(distanceMeters, durationSeconds, demand float64) []Quote {
	out := make([]Quote, 0, len(Categories))
	for _, c := range Categories {
		out = append(out, Quote{Category: c, Price: Fare(c, distanceMeters, durationSeconds, demand)})
	}
	return out
}

// DemandMultiplier is a time-of-day surge: morning and evening peaks and
// night hours are priced up. Hours are inclusive.
func DemandMultiplier(at time.Time) float64 {
	switch h := at.Hour(); {
	case h >= 7 && h <= 9:
		return 1.3
	case h >= 17 && h <= 19:
		return 1.4
	case h >= 22 || h <= 6:
		return 1.2
	}
	return 1.0
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
