package backoff_test

import (
	"testing"
	"time"

	"github.com/greenwichg/etl-transforations/internal/backoff"
)

func TestConstant(t *testing.T) {
	c := backoff.NewConstant(3 * time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		if got := c.Delay(attempt); got != 3*time.Second {
			t.Fatalf("Delay(%d) = %v, want 3s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)
	if got := e.Delay(20); got != 10*time.Second {
		t.Fatalf("Delay(20) = %v, want 10s cap", got)
	}
}

func TestExponentialJitter_StaysInRange(t *testing.T) {
	j := backoff.NewExponentialJitter(time.Second, time.Minute)
	for attempt := 1; attempt <= 10; attempt++ {
		full := backoff.NewExponential(time.Second, time.Minute).Delay(attempt)
		for i := 0; i < 50; i++ {
			d := j.Delay(attempt)
			if d < full/2 || d > full {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, full/2, full)
			}
		}
	}
}
