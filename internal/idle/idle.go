// Package idle watches a message stream for silence. After WarningLevel of
// silence it emits a single Timeout event so the owner can probe the peer;
// after DisconnectLevel it closes the event stream so the owner can drop
// the connection.
package idle

import "time"

// Options configures a watcher. CheckInterval defaults to one second when
// zero; tests shorten it.
type Options struct {
	WarningLevel    time.Duration
	DisconnectLevel time.Duration
	CheckInterval   time.Duration
}

// Event is either one received item or a single idle warning.
type Event[T any] struct {
	// Timeout is true when the warning level elapsed with no traffic.
	// Item is only meaningful when Timeout is false.
	Timeout bool
	Item    T
}

// Watch consumes in and relays each item as an event. The returned channel
// closes when in closes or when DisconnectLevel passes without traffic.
// Any item resets both levels.
func Watch[T any](in <-chan T, opts Options) <-chan Event[T] {
	check := opts.CheckInterval
	if check <= 0 {
		check = time.Second
	}
	out := make(chan Event[T])

	go func() {
		defer close(out)
		ticker := time.NewTicker(check)
		defer ticker.Stop()

		last := time.Now()
		warned := false

		for {
			select {
			case item, ok := <-in:
				if !ok {
					return
				}
				last = time.Now()
				warned = false
				out <- Event[T]{Item: item}
			case now := <-ticker.C:
				silence := now.Sub(last)
				if silence >= opts.DisconnectLevel {
					return
				}
				if silence >= opts.WarningLevel && !warned {
					warned = true
					out <- Event[T]{Timeout: true}
				}
			}
		}
	}()

	return out
}
