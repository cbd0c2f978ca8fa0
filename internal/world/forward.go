package world

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrForwardNotFound is returned when a forward id is not known to the
// device it was addressed to.
var ErrForwardNotFound = errors.New("ssh forward not found")

// ForwardLease is how long a forward stays active without an extension.
const ForwardLease = 24 * time.Hour

// ClientState is the device-reported lifecycle state of a forward.
type ClientState int

const (
	ClientRequested ClientState = iota
	ClientConnecting
	ClientConnected
	ClientDisconnecting
	ClientDisconnected
	ClientFailed
)

func (s ClientState) String() string {
	switch s {
	case ClientRequested:
		return "requested"
	case ClientConnecting:
		return "connecting"
	case ClientConnected:
		return "connected"
	case ClientDisconnecting:
		return "disconnecting"
	case ClientDisconnected:
		return "disconnected"
	case ClientFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// SshForward is one requested reverse forward on a device. Two state
// variables move independently: the server side (active with a lease, or
// inactive since some instant) and the client side (what the device last
// reported). The remote port is held from creation until the device
// reports Disconnected.
type SshForward struct {
	ID          string
	ForwardHost string
	ForwardPort uint16
	GatewayPort bool

	ClientState ClientState

	Active        bool
	ActiveUntil   time.Time
	InactiveSince time.Time

	port *RemotePort
}

// RemotePort returns the allocated server-side port, if the forward still
// holds one.
func (f *SshForward) RemotePort() (uint16, bool) {
	if f.port == nil {
		return 0, false
	}
	return f.port.Value(), true
}

// SshForwards is a device's forward collection in insertion order. The
// world's lock guards it.
type SshForwards struct {
	order    []string
	forwards map[string]*SshForward
}

// Create mints a forward with a fresh id and an allocated remote port.
// Forwards to port 80 draw from the web pool, everything else from the
// general pool. The lease runs from now.
func (s *SshForwards) Create(alloc *PortAllocator, host string, port uint16, gateway bool, now time.Time) (*SshForward, error) {
	var (
		rp  *RemotePort
		err error
	)
	if port == 80 {
		rp, err = alloc.AllocateWeb()
	} else {
		rp, err = alloc.Allocate()
	}
	if err != nil {
		return nil, err
	}

	f := &SshForward{
		ID:          uuid.NewString(),
		ForwardHost: host,
		ForwardPort: port,
		GatewayPort: gateway,
		ClientState: ClientRequested,
		Active:      true,
		ActiveUntil: now.Add(ForwardLease),
		port:        rp,
	}
	if s.forwards == nil {
		s.forwards = make(map[string]*SshForward)
	}
	s.forwards[f.ID] = f
	s.order = append(s.order, f.ID)
	return f, nil
}

// Find returns the forward with the given id, or nil.
func (s *SshForwards) Find(id string) *SshForward {
	return s.forwards[id]
}

// All returns the forwards in insertion order.
func (s *SshForwards) All() []*SshForward {
	out := make([]*SshForward, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.forwards[id])
	}
	return out
}

// UpdateClientState records a device status report. A transition to
// Disconnected releases the remote port; repeated Disconnected reports are
// idempotent. An unknown id returns ErrForwardNotFound so the session can
// tell the device to tear that forward down.
func (s *SshForwards) UpdateClientState(id string, state ClientState) error {
	f := s.forwards[id]
	if f == nil {
		return ErrForwardNotFound
	}
	f.ClientState = state
	if state == ClientDisconnected && f.port != nil {
		f.port.Release()
		f.port = nil
	}
	return nil
}

// Disconnect moves the forward's server state to inactive. Idempotent;
// reports whether the id was known.
func (s *SshForwards) Disconnect(id string, now time.Time) bool {
	f := s.forwards[id]
	if f == nil {
		return false
	}
	if f.Active {
		f.Active = false
		f.InactiveSince = now
	}
	return true
}

// Extend renews the forward's lease from now. Reports whether the id was
// known.
func (s *SshForwards) Extend(id string, now time.Time) bool {
	f := s.forwards[id]
	if f == nil {
		return false
	}
	f.Active = true
	f.ActiveUntil = now.Add(ForwardLease)
	return true
}

// Cleanup expires leases and drops dead forwards. Forwards whose lease
// passed move to inactive and their ids are returned so the caller can
// tell a connected device to tear them down. Forwards that are inactive
// since before cutoff and whose client already reported Disconnected are
// removed.
func (s *SshForwards) Cleanup(now, cutoff time.Time) (newlyInactive []string) {
	for _, id := range s.order {
		f := s.forwards[id]
		if f.Active && f.ActiveUntil.Before(now) {
			f.Active = false
			f.InactiveSince = now
			newlyInactive = append(newlyInactive, id)
		}
	}

	kept := s.order[:0]
	for _, id := range s.order {
		f := s.forwards[id]
		if f.ClientState == ClientDisconnected && !f.Active && f.InactiveSince.Before(cutoff) {
			delete(s.forwards, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return newlyInactive
}

// releaseAll returns every still-held port to the allocator. Used when the
// owning device is removed.
func (s *SshForwards) releaseAll() {
	for _, f := range s.forwards {
		if f.port != nil {
			f.port.Release()
			f.port = nil
		}
	}
}
