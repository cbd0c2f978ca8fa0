// Package sshconn supervises one external ssh process per forward. The
// supervisor walks an explicit state machine: connect, then periodic
// control-socket checks while connected, linear backoff on failures, and
// cooperative teardown into a terminal disconnected state.
package sshconn

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryanburgers/connectbot/internal/logging"
)

// Timing knobs. Tests shorten these.
var (
	checkInterval    = 10 * time.Second
	failureDelayUnit = time.Second
	// The failure delay grows linearly with consecutive failures and is
	// capped here.
	maxFailureDelay = 60 * time.Second
)

// Settings is everything a supervisor needs to establish its forward,
// straight from the server's enable command.
type Settings struct {
	SshHost     string
	SshPort     uint16
	SshUser     string
	SshKey      string
	ForwardHost string
	ForwardPort uint16
	RemotePort  uint16
	GatewayPort bool
}

// runner executes the ssh steps. The default shells out to the ssh binary;
// tests substitute a scripted one.
type runner interface {
	Connect(ctx context.Context, settings Settings, socketPath string) error
	Check(ctx context.Context, socketPath string) error
	Disconnect(ctx context.Context, socketPath string) error
}

// newRunner builds the production runner. Package variable so tests can
// substitute a scripted runner.
var newRunner = func() runner { return &execRunner{} }

// Supervisor drives one forward. Every state change is published on
// Events; the channel closes after the terminal Disconnected change.
type Supervisor struct {
	id       string
	settings Settings
	run      runner
	socket   string

	events         chan StateChange
	disconnect     chan struct{}
	disconnectOnce sync.Once
}

// Start launches a supervisor for the given forward.
func Start(id string, settings Settings) *Supervisor {
	s := &Supervisor{
		id:         id,
		settings:   settings,
		run:        newRunner(),
		socket:     controlSocketPath(id),
		events:     make(chan StateChange, 8),
		disconnect: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Events is the supervisor's state change stream. It closes once the
// supervisor reaches Disconnected.
func (s *Supervisor) Events() <-chan StateChange {
	return s.events
}

// Disconnect asks the supervisor to tear the forward down. Idempotent.
func (s *Supervisor) Disconnect() {
	s.disconnectOnce.Do(func() { close(s.disconnect) })
}

func (s *Supervisor) emit(state State) {
	s.events <- StateChange{ID: s.id, State: state}
}

// wait sleeps for d or returns false if teardown was requested first.
func (s *Supervisor) wait(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.disconnect:
		return false
	}
}

func (s *Supervisor) loop() {
	defer close(s.events)

	// Any in-flight ssh step dies with the teardown request.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.disconnect
		cancel()
	}()

	log := logging.WithForward(s.id)
	failures := 0
	state := StateRequested
	s.emit(state)

	for {
		select {
		case <-s.disconnect:
			s.teardown(log)
			return
		default:
		}

		switch state {
		case StateRequested:
			state = StateConnecting
			s.emit(state)

		case StateConnecting:
			if err := s.run.Connect(ctx, s.settings, s.socket); err != nil {
				if ctx.Err() != nil {
					s.teardown(log)
					return
				}
				failures++
				log.Warnf("sshconn: connect failed (%d): %v", failures, err)
				state = StateFailed
				s.emit(state)
				continue
			}
			failures = 0
			log.Info("sshconn: connected")
			state = StateConnected
			s.emit(state)

		case StateConnected:
			if !s.wait(checkInterval) {
				s.teardown(log)
				return
			}
			state = StateChecking
			s.emit(state)

		case StateChecking:
			if err := s.run.Check(ctx, s.socket); err != nil {
				if ctx.Err() != nil {
					s.teardown(log)
					return
				}
				failures++
				log.Warnf("sshconn: check failed (%d): %v", failures, err)
				state = StateFailed
				s.emit(state)
				continue
			}
			state = StateConnected
			s.emit(state)

		case StateFailed:
			delay := time.Duration(failures) * failureDelayUnit
			if delay > maxFailureDelay {
				delay = maxFailureDelay
			}
			if !s.wait(delay) {
				s.teardown(log)
				return
			}
			state = StateConnecting
			s.emit(state)
		}
	}
}

func (s *Supervisor) teardown(log *logrus.Entry) {
	s.emit(StateDisconnecting)
	// Best effort; the ssh master may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.run.Disconnect(ctx, s.socket)
	log.Info("sshconn: disconnected")
	s.emit(StateDisconnected)
}
