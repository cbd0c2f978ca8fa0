package agent

import (
	"sync/atomic"
	"time"
)

// reconnectDelays is the hand-tuned reconnect schedule: quick retries for
// a blip, settling at two minutes for an outage. The last entry repeats.
var reconnectDelays = []time.Duration{
	5 * time.Second,
	5 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// reconnectBackoff implements retry.Backoff over the delay table. A
// successful session resets the failure count, so the next drop starts
// from the top of the table again.
type reconnectBackoff struct {
	failures atomic.Int64
}

func (b *reconnectBackoff) Next() (time.Duration, bool) {
	n := b.failures.Add(1)
	idx := int(n) - 1
	if idx >= len(reconnectDelays) {
		idx = len(reconnectDelays) - 1
	}
	return reconnectDelays[idx], false
}

func (b *reconnectBackoff) reset() {
	b.failures.Store(0)
}
