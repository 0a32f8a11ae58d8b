package geo

import (
	"math"
	"testing"
)

func TestDistanceOneDegreeLongitudeAtEquator(t *testing.T) {
	got := Distance(0, 0, 0, 1)
	want := 111195.0
	if math.Abs(got-want)/want > 0.01 {
		t.Fatalf("Distance(0,0,0,1) = %.1f m, want %.1f m ±1%%", got, want)
	}
}

func TestDistanceIdenticalPoints(t *testing.T) {
	if got := Distance(13.7563, 100.5018, 13.7563, 100.5018); got != 0 {
		t.Fatalf("Distance(p, p) = %v, want 0", got)
	}
}

func TestDistanceSmallDisplacement(t *testing.T) {
	// ~1.5 m near (10, 100); must fall well under a 100 m admission gate.
	got := Distance(10.000000, 100.000000, 10.00001, 100.00001)
	if got < 1 || got > 2 {
		t.Fatalf("Distance() = %.2f m, want ≈1.5 m", got)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	ab := Distance(51.5007, -0.1246, 48.8584, 2.2945)
	ba := Distance(48.8584, 2.2945, 51.5007, -0.1246)
	if math.Abs(ab-ba) > 1e-6 {
		t.Fatalf("distance not symmetric: %v vs %v", ab, ba)
	}
	// London → Paris is roughly 334 km.
	if ab < 330000 || ab > 345000 {
		t.Fatalf("Distance(London, Paris) = %.0f m, want ≈334 km", ab)
	}
}
