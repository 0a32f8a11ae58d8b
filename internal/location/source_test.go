package location

import (
	"context"
	"errors"
	"testing"
)

func TestManualSource(t *testing.T) {
	src := NewManualSource()

	if _, err := src.Current(context.Background()); !errors.Is(err, ErrNoFix) {
		t.Fatalf("Current() before first fix error = %v, want ErrNoFix", err)
	}

	src.Set(Sample{Latitude: 10, Longitude: 100, Timestamp: at(0)})
	src.Set(Sample{Latitude: 11, Longitude: 101, Timestamp: at(5)})

	got, err := src.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got.Latitude != 11 || got.Longitude != 101 {
		t.Fatalf("Current() = %+v, want latest fix", got)
	}
}
