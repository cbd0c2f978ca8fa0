package agent

import (
	"testing"
	"time"
)

func TestBackoffFollowsTable(t *testing.T) {
	b := &reconnectBackoff{}
	want := []time.Duration{
		5 * time.Second, 5 * time.Second, 5 * time.Second,
		10 * time.Second, 20 * time.Second, 30 * time.Second,
		60 * time.Second, 60 * time.Second, 120 * time.Second,
		// Past the table the last entry repeats.
		120 * time.Second, 120 * time.Second,
	}
	for i, w := range want {
		got, stop := b.Next()
		if stop {
			t.Fatalf("step %d: backoff stopped", i)
		}
		if got != w {
			t.Errorf("step %d: delay = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := &reconnectBackoff{}
	for i := 0; i < 6; i++ {
		b.Next()
	}
	b.reset()
	if got, _ := b.Next(); got != 5*time.Second {
		t.Errorf("delay after reset = %v, want 5s", got)
	}
}
