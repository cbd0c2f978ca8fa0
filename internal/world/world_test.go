package world

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var worldTestNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

// fakeHandle records back-channel commands. When full is set, every send
// fails the way a saturated channel would.
type fakeHandle struct {
	id   uint64
	full bool

	mu           sync.Mutex
	connects     []string
	disconnects  []string
	disconnected bool
}

var errChannelFull = errors.New("back channel full")

func (h *fakeHandle) ConnectionID() uint64 { return h.id }

func (h *fakeHandle) ConnectSSH(forwardID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return errChannelFull
	}
	h.connects = append(h.connects, forwardID)
	return nil
}

func (h *fakeHandle) DisconnectSSH(forwardID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return errChannelFull
	}
	h.disconnects = append(h.disconnects, forwardID)
	return nil
}

func (h *fakeHandle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return errChannelFull
	}
	h.disconnected = true
	return nil
}

func newTestWorld() *World {
	return New(NewPortAllocator(8000, 8009, 10000, 10009))
}

// checkInvariant verifies active_connection presence matches connected
// status for every device.
func checkInvariant(t *testing.T, w *World) {
	t.Helper()
	w.mu.RLock()
	defer w.mu.RUnlock()
	for id, d := range w.devices {
		if (d.active != nil) != (d.Status == StatusConnected) {
			t.Errorf("device %s: active=%v but status=%v", id, d.active != nil, d.Status)
		}
	}
}

func TestCreateDevice(t *testing.T) {
	w := newTestWorld()
	if err := w.CreateDevice("d1"); err != nil {
		t.Fatal(err)
	}
	if err := w.CreateDevice("d1"); err != ErrDeviceExists {
		t.Errorf("got %v, want ErrDeviceExists", err)
	}
	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].ID != "d1" || snap[0].Name != "d1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap[0].Status != StatusUnknown {
		t.Errorf("fresh device status = %v, want unknown", snap[0].Status)
	}
	checkInvariant(t, w)
}

func TestConnectCreatesOnDemand(t *testing.T) {
	w := newTestWorld()
	h := &fakeHandle{id: 1}

	if displaced := w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow); displaced != nil {
		t.Fatalf("unexpected displaced handle %v", displaced)
	}

	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].Status != StatusConnected || snap[0].Address != "203.0.113.9" {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap[0].History) != 1 || snap[0].History[0].Closed {
		t.Errorf("expected one open history item: %+v", snap[0].History)
	}
	checkInvariant(t, w)
}

func TestDisplacement(t *testing.T) {
	w := newTestWorld()
	a := &fakeHandle{id: 1}
	b := &fakeHandle{id: 2}

	w.ConnectDevice("d1", a, "203.0.113.1", worldTestNow)
	displaced := w.ConnectDevice("d1", b, "203.0.113.2", worldTestNow.Add(time.Minute))
	if displaced != a {
		t.Fatalf("displaced = %v, want session A", displaced)
	}

	// Session A tears down late; B's status must survive.
	w.DisconnectDevice("d1", a.ConnectionID(), worldTestNow.Add(2*time.Minute))

	snap := w.Snapshot()
	if snap[0].Status != StatusConnected || snap[0].Address != "203.0.113.2" {
		t.Errorf("displaced teardown clobbered replacement: %+v", snap[0])
	}
	// A's history entry is closed, B's stays open.
	var open, closed int
	for _, item := range snap[0].History {
		if item.Closed {
			closed++
		} else {
			open++
		}
	}
	if open != 1 || closed != 1 {
		t.Errorf("history open=%d closed=%d, want 1/1", open, closed)
	}
	checkInvariant(t, w)
}

func TestDisconnectDevice(t *testing.T) {
	w := newTestWorld()
	h := &fakeHandle{id: 7}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)

	last := worldTestNow.Add(time.Hour)
	w.DisconnectDevice("d1", 7, last)

	snap := w.Snapshot()
	if snap[0].Status != StatusDisconnected || !snap[0].LastMessage.Equal(last) {
		t.Errorf("snapshot = %+v", snap[0])
	}
	checkInvariant(t, w)
}

func TestRemoveDevice(t *testing.T) {
	w := newTestWorld()

	if err := w.RemoveDevice("ghost"); err != ErrDeviceNotFound {
		t.Errorf("got %v, want ErrDeviceNotFound", err)
	}

	h := &fakeHandle{id: 1}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)
	if err := w.RemoveDevice("d1"); err != ErrDeviceActive {
		t.Errorf("got %v, want ErrDeviceActive", err)
	}

	w.DisconnectDevice("d1", 1, worldTestNow)
	if err := w.RemoveDevice("d1"); err != nil {
		t.Errorf("remove after disconnect: %v", err)
	}
	if len(w.Snapshot()) != 0 {
		t.Error("device still present after removal")
	}
}

func TestRemoveDeviceReleasesPorts(t *testing.T) {
	w := New(NewPortAllocator(8000, 8000, 10000, 10000))
	h := &fakeHandle{id: 1}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)

	if _, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow); err != nil {
		t.Fatal(err)
	}
	w.DisconnectDevice("d1", 1, worldTestNow)
	if err := w.RemoveDevice("d1"); err != nil {
		t.Fatal(err)
	}

	// The forward's port came back with the device's removal.
	if _, err := w.ports.Allocate(); err != nil {
		t.Errorf("port not released on device removal: %v", err)
	}
}

func TestSetName(t *testing.T) {
	w := newTestWorld()
	if err := w.SetName("ghost", "x"); err != ErrDeviceNotFound {
		t.Errorf("got %v, want ErrDeviceNotFound", err)
	}
	w.CreateDevice("d1")
	if err := w.SetName("d1", "kitchen pi"); err != nil {
		t.Fatal(err)
	}
	if snap := w.Snapshot(); snap[0].Name != "kitchen pi" {
		t.Errorf("name = %q", snap[0].Name)
	}
}

func TestEnableForward(t *testing.T) {
	w := newTestWorld()

	if _, err := w.EnableForward("ghost", "localhost", 22, false, worldTestNow); err != ErrDeviceNotFound {
		t.Fatalf("got %v, want ErrDeviceNotFound", err)
	}

	// Offline device: forward is created, no handle to notify.
	w.CreateDevice("d1")
	res, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle != nil {
		t.Error("offline device returned a handle")
	}
	if res.RemotePort < 10000 || res.RemotePort > 10009 {
		t.Errorf("remote port %d outside general range", res.RemotePort)
	}

	// Connected device: the active handle comes back for the post-unlock
	// send.
	h := &fakeHandle{id: 1}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)
	res, err = w.EnableForward("d1", "localhost", 80, true, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.Handle == nil {
		t.Fatal("connected device returned no handle")
	}
	if res.RemotePort < 8000 || res.RemotePort > 8009 {
		t.Errorf("web forward port %d outside web range", res.RemotePort)
	}
	checkInvariant(t, w)
}

func TestPortExhaustionLeavesWorldUnchanged(t *testing.T) {
	w := New(NewPortAllocator(8000, 8009, 10000, 10001))
	w.CreateDevice("d1")

	r1, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow); err != ErrNoAvailablePorts {
		t.Fatalf("got %v, want ErrNoAvailablePorts", err)
	}

	snap := w.Snapshot()
	if len(snap[0].Forwards) != 2 {
		t.Fatalf("got %d forwards, want 2", len(snap[0].Forwards))
	}
	got := map[uint16]bool{}
	for _, f := range snap[0].Forwards {
		got[f.RemotePort] = true
	}
	if !got[r1.RemotePort] || !got[r2.RemotePort] {
		t.Errorf("forwards lost their ports: %+v", snap[0].Forwards)
	}
}

func TestDisableAndExtend(t *testing.T) {
	w := newTestWorld()
	h := &fakeHandle{id: 1}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)
	res, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.DisableForward("d1", "ghost", worldTestNow); err != ErrForwardNotFound {
		t.Errorf("got %v, want ErrForwardNotFound", err)
	}
	handle, err := w.DisableForward("d1", res.ForwardID, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	if handle == nil {
		t.Error("connected device returned no handle on disable")
	}

	if err := w.ExtendForward("d1", res.ForwardID, worldTestNow.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	fs, ok := w.ForwardDetails("d1", res.ForwardID)
	if !ok {
		t.Fatal("forward vanished")
	}
	if !fs.Active || !fs.ActiveUntil.Equal(worldTestNow.Add(time.Hour).Add(ForwardLease)) {
		t.Errorf("extend did not renew: %+v", fs)
	}
	if err := w.ExtendForward("d1", "ghost", worldTestNow); err != ErrForwardNotFound {
		t.Errorf("got %v, want ErrForwardNotFound", err)
	}
}

func TestActiveForwardsForReplay(t *testing.T) {
	w := newTestWorld()
	w.CreateDevice("d1")
	r1, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := w.EnableForward("d1", "localhost", 80, true, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.DisableForward("d1", r1.ForwardID, worldTestNow); err != nil {
		t.Fatal(err)
	}

	active := w.ActiveForwards("d1")
	if len(active) != 1 || active[0].ID != r2.ForwardID {
		t.Errorf("active forwards = %+v, want just %s", active, r2.ForwardID)
	}
	if !active[0].HasRemotePort {
		t.Error("active forward lost its remote port")
	}
}

func TestLeaseExpiryLifecycle(t *testing.T) {
	w := newTestWorld()
	h := &fakeHandle{id: 1}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)
	res, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow)
	if err != nil {
		t.Fatal(err)
	}

	// Reconcile just past the lease: server state flips and the device is
	// told to tear down.
	expiry := worldTestNow.Add(ForwardLease + 30*time.Second)
	w.Cleanup(expiry)
	if len(h.disconnects) != 1 || h.disconnects[0] != res.ForwardID {
		t.Fatalf("device notified %v, want [%s]", h.disconnects, res.ForwardID)
	}
	fs, _ := w.ForwardDetails("d1", res.ForwardID)
	if fs.Active {
		t.Fatal("forward still active after lease expiry")
	}

	// Device confirms teardown; the port returns.
	if err := w.UpdateForwardState("d1", res.ForwardID, ClientDisconnected); err != nil {
		t.Fatal(err)
	}
	fs, _ = w.ForwardDetails("d1", res.ForwardID)
	if fs.HasRemotePort {
		t.Fatal("disconnected forward still holds a port")
	}

	// Thirty minutes on, the record is retained.
	w.Cleanup(expiry.Add(30 * time.Minute))
	if _, ok := w.ForwardDetails("d1", res.ForwardID); !ok {
		t.Fatal("forward dropped inside retention window")
	}

	// Two hours on, it is gone.
	w.Cleanup(expiry.Add(2 * time.Hour))
	if _, ok := w.ForwardDetails("d1", res.ForwardID); ok {
		t.Fatal("forward survived past retention window")
	}
	checkInvariant(t, w)
}

func TestCleanupIdempotent(t *testing.T) {
	w := newTestWorld()
	h := &fakeHandle{id: 1}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)
	if _, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow); err != nil {
		t.Fatal(err)
	}

	now := worldTestNow.Add(ForwardLease + time.Minute)
	w.Cleanup(now)
	first := w.Snapshot()
	w.Cleanup(now)
	second := w.Snapshot()

	if len(first) != len(second) || len(first[0].Forwards) != len(second[0].Forwards) {
		t.Errorf("cleanup not idempotent: %+v vs %+v", first, second)
	}
	// Only the first run notifies the device.
	if len(h.disconnects) != 1 {
		t.Errorf("device notified %d times, want 1", len(h.disconnects))
	}
}

func TestCleanupSurvivesFullBackChannel(t *testing.T) {
	w := newTestWorld()
	h := &fakeHandle{id: 1, full: true}
	w.ConnectDevice("d1", h, "203.0.113.9", worldTestNow)
	if _, err := w.EnableForward("d1", "localhost", 22, false, worldTestNow); err != nil {
		t.Fatal(err)
	}

	// The send fails; the world mutation stands and the next reconcile
	// finds the forward already inactive.
	w.Cleanup(worldTestNow.Add(ForwardLease + time.Minute))
	snap := w.Snapshot()
	if len(snap[0].Forwards) != 1 || snap[0].Forwards[0].Active {
		t.Errorf("snapshot = %+v", snap[0].Forwards)
	}
}
