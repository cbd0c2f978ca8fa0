// Package world holds the server's entire in-memory model: every known
// device, its connection state and history, its SSH forwards, and the
// shared port allocator. Nothing in here touches the network; sessions and
// the control server drive it and deliver its back-channel commands.
package world

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanburgers/connectbot/internal/logging"
)

var (
	// ErrDeviceExists is returned when creating a device id that is
	// already known.
	ErrDeviceExists = errors.New("device already exists")
	// ErrDeviceNotFound is returned when an operation names an unknown
	// device id.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceActive is returned when removing a device that still has a
	// live session.
	ErrDeviceActive = errors.New("device has an active connection")
)

// Retention windows applied by Cleanup.
const (
	historyRetention  = 48 * time.Hour
	inactiveRetention = time.Hour
)

// ConnectionHandle is the capability a device session hands to the world.
// It carries only the session's connection id and a bounded back-channel;
// sends fail rather than block when the channel is full.
type ConnectionHandle interface {
	ConnectionID() uint64
	ConnectSSH(forwardID string) error
	DisconnectSSH(forwardID string) error
	Disconnect() error
}

// ConnectionStatus is a device's high-level connection state.
type ConnectionStatus int

const (
	StatusUnknown ConnectionStatus = iota
	StatusConnected
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Device is one known device. All fields are guarded by the world's lock.
type Device struct {
	ID   string
	Name string

	Status      ConnectionStatus
	Address     string
	LastMessage time.Time

	History  ConnectionHistory
	Forwards SshForwards

	active ConnectionHandle
}

func newDevice(id string) *Device {
	return &Device{ID: id, Name: id}
}

// World is the aggregate of all devices plus the shared port allocator.
// A single RWMutex guards the device map and everything hanging off it;
// the allocator carries its own locks.
type World struct {
	mu      sync.RWMutex
	devices map[string]*Device
	ports   *PortAllocator
}

// New builds an empty world over the given allocator.
func New(ports *PortAllocator) *World {
	return &World{
		devices: make(map[string]*Device),
		ports:   ports,
	}
}

// CreateDevice registers a device id ahead of its first connection.
func (w *World) CreateDevice(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.devices[id]; ok {
		return ErrDeviceExists
	}
	w.devices[id] = newDevice(id)
	return nil
}

// RemoveDevice forgets a device. Fails with ErrDeviceActive while the
// device has a live session. Any ports its forwards still hold are
// returned to the allocator.
func (w *World) RemoveDevice(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	if d.active != nil {
		return ErrDeviceActive
	}
	d.Forwards.releaseAll()
	delete(w.devices, id)
	return nil
}

// SetName assigns a display name to a device.
func (w *World) SetName(id, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Name = name
	return nil
}

// ConnectDevice installs a session as the device's active connection,
// creating the device on demand. The displaced previous handle, if any, is
// returned and the caller must disconnect it; exactly one session may
// command a device at a time.
func (w *World) ConnectDevice(id string, handle ConnectionHandle, address string, now time.Time) (displaced ConnectionHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.devices[id]
	if !ok {
		d = newDevice(id)
		w.devices[id] = d
	}

	displaced = d.active
	d.active = handle
	d.Status = StatusConnected
	d.Address = address
	d.History.Open(handle.ConnectionID(), now, address)
	return displaced
}

// DisconnectDevice records the end of a session. The history close is
// always recorded, but the device's status only changes when the session
// ending is still the active one; a displaced session arriving here late
// must not clobber its replacement.
func (w *World) DisconnectDevice(id string, connID uint64, lastMessage time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.devices[id]
	if !ok {
		// Sessions always connect before they disconnect and a connected
		// device cannot be removed, so this is a programming error.
		panic(fmt.Sprintf("world: disconnect for unknown device %q", id))
	}

	d.History.Close(connID, lastMessage)

	if d.active != nil && d.active.ConnectionID() == connID {
		d.active = nil
		d.Status = StatusDisconnected
		d.LastMessage = lastMessage
		d.Address = ""
	}
}

// UpdateForwardState records a device's status report for one forward.
func (w *World) UpdateForwardState(deviceID, forwardID string, state ClientState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	return d.Forwards.UpdateClientState(forwardID, state)
}

// EnableResult reports a successful EnableForward. Handle is nil when the
// device is not currently connected; when present, the caller sends the
// enable command after releasing any references to the world.
type EnableResult struct {
	ForwardID  string
	RemotePort uint16
	Handle     ConnectionHandle
}

// EnableForward creates a forward on a device.
func (w *World) EnableForward(deviceID, host string, port uint16, gateway bool, now time.Time) (EnableResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.devices[deviceID]
	if !ok {
		return EnableResult{}, ErrDeviceNotFound
	}
	f, err := d.Forwards.Create(w.ports, host, port, gateway, now)
	if err != nil {
		return EnableResult{}, err
	}
	remote, _ := f.RemotePort()
	return EnableResult{ForwardID: f.ID, RemotePort: remote, Handle: d.active}, nil
}

// DisableForward moves a forward to inactive. The returned handle is nil
// when the device is not connected; otherwise the caller sends the disable
// command after unlock.
func (w *World) DisableForward(deviceID, forwardID string, now time.Time) (ConnectionHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if !d.Forwards.Disconnect(forwardID, now) {
		return nil, ErrForwardNotFound
	}
	return d.active, nil
}

// ExtendForward renews a forward's lease. No command goes to the device;
// the lease is purely server-side.
func (w *World) ExtendForward(deviceID, forwardID string, now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	d, ok := w.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if !d.Forwards.Extend(forwardID, now) {
		return ErrForwardNotFound
	}
	return nil
}

// ForwardSnapshot is a copy of one forward's state.
type ForwardSnapshot struct {
	ID            string
	ClientState   ClientState
	Active        bool
	ActiveUntil   time.Time
	InactiveSince time.Time
	ForwardHost   string
	ForwardPort   uint16
	RemotePort    uint16
	HasRemotePort bool
	GatewayPort   bool
}

func snapshotForward(f *SshForward) ForwardSnapshot {
	s := ForwardSnapshot{
		ID:            f.ID,
		ClientState:   f.ClientState,
		Active:        f.Active,
		ActiveUntil:   f.ActiveUntil,
		InactiveSince: f.InactiveSince,
		ForwardHost:   f.ForwardHost,
		ForwardPort:   f.ForwardPort,
		GatewayPort:   f.GatewayPort,
	}
	s.RemotePort, s.HasRemotePort = f.RemotePort()
	return s
}

// ForwardDetails returns a copy of one forward on one device.
func (w *World) ForwardDetails(deviceID, forwardID string) (ForwardSnapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	d, ok := w.devices[deviceID]
	if !ok {
		return ForwardSnapshot{}, false
	}
	f := d.Forwards.Find(forwardID)
	if f == nil {
		return ForwardSnapshot{}, false
	}
	return snapshotForward(f), true
}

// ActiveForwards returns copies of the device's currently active forwards,
// in insertion order. A session replays these as enable commands when a
// device initializes.
func (w *World) ActiveForwards(deviceID string) []ForwardSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	d, ok := w.devices[deviceID]
	if !ok {
		return nil
	}
	var out []ForwardSnapshot
	for _, f := range d.Forwards.All() {
		if f.Active {
			out = append(out, snapshotForward(f))
		}
	}
	return out
}

// DeviceSnapshot is a copy of one device's state.
type DeviceSnapshot struct {
	ID          string
	Name        string
	Status      ConnectionStatus
	Address     string
	LastMessage time.Time
	Forwards    []ForwardSnapshot
	History     []HistoryItem
}

// Snapshot copies the whole world, devices sorted by id.
func (w *World) Snapshot() []DeviceSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]DeviceSnapshot, 0, len(w.devices))
	for _, d := range w.devices {
		ds := DeviceSnapshot{
			ID:          d.ID,
			Name:        d.Name,
			Status:      d.Status,
			Address:     d.Address,
			LastMessage: d.LastMessage,
			History:     d.History.Items(),
		}
		for _, f := range d.Forwards.All() {
			ds.Forwards = append(ds.Forwards, snapshotForward(f))
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup prunes old history, expires forward leases, and drops dead
// forwards. Devices whose forwards just expired are told to tear them
// down; those sends happen after the lock is released. Idempotent for a
// fixed now.
func (w *World) Cleanup(now time.Time) {
	type disable struct {
		deviceID  string
		handle    ConnectionHandle
		forwardID string
	}
	var pending []disable

	w.mu.Lock()
	for _, d := range w.devices {
		d.History.Cleanup(now.Add(-historyRetention))
		newlyInactive := d.Forwards.Cleanup(now, now.Add(-inactiveRetention))
		if d.active == nil {
			continue
		}
		for _, id := range newlyInactive {
			pending = append(pending, disable{deviceID: d.ID, handle: d.active, forwardID: id})
		}
	}
	w.mu.Unlock()

	for _, p := range pending {
		if err := p.handle.DisconnectSSH(p.forwardID); err != nil {
			logging.Log.WithField("device", p.deviceID).WithField("forward", p.forwardID).
				Warnf("world: cleanup could not notify device: %v", err)
		}
	}
}
