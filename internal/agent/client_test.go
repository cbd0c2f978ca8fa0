package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/bryanburgers/connectbot/internal/agent/sshconn"
	"github.com/bryanburgers/connectbot/internal/tlsutil"
	"github.com/bryanburgers/connectbot/internal/wire"
)

// fakeServer is a scripted stand-in for the device server.
type fakeServer struct {
	t     *testing.T
	ln    net.Listener
	conns chan net.Conn
}

func startFakeServer(t *testing.T) (*fakeServer, Options) {
	t.Helper()
	cfg, pool, err := tlsutil.SelfSignedServerConfig("connectbot-test", "127.0.0.1")
	if err != nil {
		t.Fatalf("test cert: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeServer{t: t, ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fs.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	opts := Options{
		DeviceID: "d1",
		Address:  "127.0.0.1",
		Port:     uint16(port),
		TLS:      &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"},
	}
	return fs, opts
}

// serverConn is one accepted device session, seen from the server.
type serverConn struct {
	t    *testing.T
	conn net.Conn
	enc  *wire.Encoder
	dec  *wire.Decoder
}

func (fs *fakeServer) accept() *serverConn {
	fs.t.Helper()
	select {
	case conn := <-fs.conns:
		return &serverConn{t: fs.t, conn: conn, enc: wire.NewEncoder(conn), dec: wire.NewDecoder(conn)}
	case <-time.After(5 * time.Second):
		fs.t.Fatal("agent never connected")
		return nil
	}
}

func (c *serverConn) recv() *wire.ClientMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := c.dec.Decode()
	if err != nil {
		c.t.Fatalf("server recv: %v", err)
	}
	msg, err := wire.UnmarshalClientMessage(payload)
	if err != nil {
		c.t.Fatalf("server recv: unmarshal: %v", err)
	}
	return msg
}

func (c *serverConn) send(msg *wire.ServerMessage) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.enc.Encode(msg); err != nil {
		c.t.Fatalf("server send: %v", err)
	}
}

func (c *serverConn) expectInitialize(deviceID string) {
	c.t.Helper()
	msg := c.recv()
	if msg.Initialize == nil || msg.Initialize.ID != deviceID {
		c.t.Fatalf("got %+v, want initialize for %s", msg, deviceID)
	}
	if msg.Initialize.CommsVersion != CommsVersion {
		c.t.Errorf("comms version = %q", msg.Initialize.CommsVersion)
	}
}

func (c *serverConn) expectStatus(forwardID string, state wire.SshState) {
	c.t.Helper()
	msg := c.recv()
	if msg.SshStatus == nil || msg.SshStatus.ID != forwardID || msg.SshStatus.State != state {
		c.t.Fatalf("got %+v, want status %s=%v", msg, forwardID, state)
	}
}

func enableCommand(id string) *wire.ServerMessage {
	return &wire.ServerMessage{SshConnection: &wire.SshConnection{
		ID: id,
		Enable: &wire.SshEnable{
			SshHost: "gateway.example.com", SshPort: 22, SshUsername: "tunnel", SshKey: "KEY",
			ForwardHost: "localhost", ForwardPort: 22, RemotePort: 10000,
		},
	}}
}

func runAgent(t *testing.T, opts Options) (*Agent, context.CancelFunc, chan error) {
	t.Helper()
	a := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return a, cancel, done
}

func TestAgentSessionLifecycle(t *testing.T) {
	started := installFakeSupervisors(t)
	fs, opts := startFakeServer(t)
	runAgent(t, opts)

	conn := fs.accept()
	conn.expectInitialize("d1")

	// Enable starts a supervisor; its progress flows up as status
	// reports.
	conn.send(enableCommand("f1"))
	var sup *fakeSupervisor
	select {
	case sup = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never started")
	}

	sup.emit(sshconn.StateConnecting)
	conn.expectStatus("f1", wire.StateConnecting)
	sup.emit(sshconn.StateConnected)
	conn.expectStatus("f1", wire.StateConnected)
	// Checking is internal; on the wire it reads as still connected.
	sup.emit(sshconn.StateChecking)
	conn.expectStatus("f1", wire.StateConnected)

	// A duplicate enable restates the current state instead of starting a
	// second supervisor.
	conn.send(enableCommand("f1"))
	conn.expectStatus("f1", wire.StateConnected)
	if len(started) != 0 {
		t.Fatal("duplicate enable started a supervisor")
	}

	// Disable signals the supervisor.
	conn.send(&wire.ServerMessage{SshConnection: &wire.SshConnection{ID: "f1", Disable: &wire.SshDisable{}}})
	select {
	case <-sup.disconnect:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never told to disconnect")
	}

	// Disable for a forward the device does not know is answered with a
	// disconnected report so the server converges.
	conn.send(&wire.ServerMessage{SshConnection: &wire.SshConnection{ID: "ghost", Disable: &wire.SshDisable{}}})
	conn.expectStatus("ghost", wire.StateDisconnected)

	// Liveness.
	conn.send(&wire.ServerMessage{Ping: &wire.Ping{}})
	if msg := conn.recv(); msg.Pong == nil {
		t.Errorf("got %+v, want pong", msg)
	}
}

func TestAgentReconnectsAfterDrop(t *testing.T) {
	installFakeSupervisors(t)
	old := reconnectDelays
	reconnectDelays = []time.Duration{10 * time.Millisecond}
	t.Cleanup(func() { reconnectDelays = old })

	fs, opts := startFakeServer(t)
	runAgent(t, opts)

	first := fs.accept()
	first.expectInitialize("d1")
	first.conn.Close()

	second := fs.accept()
	second.expectInitialize("d1")
}

func TestAgentReportsStatesOnReconnect(t *testing.T) {
	started := installFakeSupervisors(t)
	old := reconnectDelays
	reconnectDelays = []time.Duration{10 * time.Millisecond}
	t.Cleanup(func() { reconnectDelays = old })

	fs, opts := startFakeServer(t)
	runAgent(t, opts)

	first := fs.accept()
	first.expectInitialize("d1")
	first.send(enableCommand("f1"))
	sup := <-started
	sup.emit(sshconn.StateConnected)
	first.expectStatus("f1", wire.StateConnected)
	first.conn.Close()

	// The supervisor keeps running across the drop, and the fresh session
	// restates its state right after initialize.
	second := fs.accept()
	second.expectInitialize("d1")
	second.expectStatus("f1", wire.StateConnected)
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	installFakeSupervisors(t)
	fs, opts := startFakeServer(t)
	_, cancel, done := runAgent(t, opts)

	conn := fs.accept()
	conn.expectInitialize("d1")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
