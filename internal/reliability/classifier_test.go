package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 403, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestLinearBackoffScalesWithAttempt(t *testing.T) {
	base := time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := LinearBackoff(tc.attempt, base, 0); got != tc.want {
			t.Fatalf("LinearBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestLinearBackoffCap(t *testing.T) {
	if got := LinearBackoff(10, time.Second, 4*time.Second); got != 4*time.Second {
		t.Fatalf("LinearBackoff(10) = %v, want cap 4s", got)
	}
}
