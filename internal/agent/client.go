// Package agent is the device side: it keeps one TLS session to the
// server, relays forward commands to per-forward SSH supervisors, and
// reports their state changes back up.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/bryanburgers/connectbot/internal/agent/sshconn"
	"github.com/bryanburgers/connectbot/internal/idle"
	"github.com/bryanburgers/connectbot/internal/logging"
	"github.com/bryanburgers/connectbot/internal/wire"
)

// CommsVersion announces the device's protocol revision in Initialize.
const CommsVersion = "1.0"

// Idle levels for the server session. The device tolerates far more
// silence than the server does; the server pings first. Tests shorten
// these.
var (
	idleWarning    = 60 * time.Second
	idleDisconnect = 120 * time.Second
)

// Options configures an agent.
type Options struct {
	DeviceID string
	// Address is the server's name, used for TLS verification.
	Address string
	Port    uint16
	// Resolve optionally overrides the host actually dialed, for setups
	// where the server's name does not resolve from the device.
	Resolve string
	TLS     *tls.Config
}

// Agent runs the device's server session and owns the forward manager.
type Agent struct {
	opts    Options
	events  chan sshconn.StateChange
	manager *Manager
	backoff *reconnectBackoff
}

func New(opts Options) *Agent {
	events := make(chan sshconn.StateChange, 64)
	return &Agent{
		opts:    opts,
		events:  events,
		manager: NewManager(events),
		backoff: &reconnectBackoff{},
	}
}

// Run keeps a session to the server until ctx is done, reconnecting on the
// backoff schedule. Supervisors keep running across reconnects; on return
// they are all asked to tear down.
func (a *Agent) Run(ctx context.Context) error {
	defer a.manager.DisconnectAll()

	return retry.Do(ctx, a.backoff, func(ctx context.Context) error {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logging.Log.Warnf("agent: session ended: %v", err)
		return retry.RetryableError(err)
	})
}

func (a *Agent) dialAddress() string {
	host := a.opts.Address
	if a.opts.Resolve != "" {
		host = a.opts.Resolve
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.opts.Port)))
}

// session runs one connection from dial to stream end.
func (a *Agent) session(ctx context.Context) error {
	d := &net.Dialer{Timeout: 30 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", a.dialAddress())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := tls.Client(raw, a.opts.TLS)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return fmt.Errorf("tls handshake: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	enc := wire.NewEncoder(conn)
	if err := enc.Encode(&wire.ClientMessage{Initialize: &wire.Initialize{
		ID:           a.opts.DeviceID,
		CommsVersion: CommsVersion,
	}}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	a.backoff.reset()
	logging.Log.Infof("agent: connected to %s", a.opts.Address)

	// The server may have missed state changes while we were away.
	for id, st := range a.manager.States() {
		if err := a.sendStatus(enc, id, st); err != nil {
			return err
		}
	}

	inbound := make(chan *wire.ServerMessage)
	go a.reader(conn, inbound)
	events := idle.Watch(inbound, idle.Options{
		WarningLevel:    idleWarning,
		DisconnectLevel: idleDisconnect,
	})
	defer func() {
		go func() {
			for range events {
			}
		}()
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("server stream ended")
			}
			if ev.Timeout {
				if err := enc.Encode(&wire.ClientMessage{Ping: &wire.Ping{}}); err != nil {
					return fmt.Errorf("ping: %w", err)
				}
				continue
			}
			if err := a.handleServer(enc, ev.Item); err != nil {
				return err
			}
		case ch := <-a.events:
			if err := a.sendStatus(enc, ch.ID, ch.State); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Agent) reader(conn net.Conn, inbound chan<- *wire.ServerMessage) {
	defer close(inbound)
	dec := wire.NewDecoder(conn)
	for {
		payload, err := dec.Decode()
		if err != nil {
			if err != io.EOF {
				logging.Log.Debugf("agent: read ended: %v", err)
			}
			return
		}
		msg, err := wire.UnmarshalServerMessage(payload)
		if err != nil {
			logging.Log.Warnf("agent: bad frame: %v", err)
			return
		}
		inbound <- msg
	}
}

func (a *Agent) handleServer(enc *wire.Encoder, msg *wire.ServerMessage) error {
	switch {
	case msg.Ping != nil:
		return enc.Encode(&wire.ClientMessage{Pong: &wire.Pong{}})
	case msg.Pong != nil:
		return nil
	case msg.SshConnection != nil:
		return a.handleSshConnection(enc, msg.SshConnection)
	}
	return nil
}

func (a *Agent) handleSshConnection(enc *wire.Encoder, cmd *wire.SshConnection) error {
	switch {
	case cmd.Enable != nil:
		if st, ok := a.manager.LastState(cmd.ID); ok {
			// Already supervising this forward; just restate where it is.
			return a.sendStatus(enc, cmd.ID, st)
		}
		logging.WithForward(cmd.ID).Infof("agent: enabling forward to %s:%d",
			cmd.Enable.ForwardHost, cmd.Enable.ForwardPort)
		a.manager.Enable(cmd.ID, sshconn.Settings{
			SshHost:     cmd.Enable.SshHost,
			SshPort:     uint16(cmd.Enable.SshPort),
			SshUser:     cmd.Enable.SshUsername,
			SshKey:      cmd.Enable.SshKey,
			ForwardHost: cmd.Enable.ForwardHost,
			ForwardPort: uint16(cmd.Enable.ForwardPort),
			RemotePort:  uint16(cmd.Enable.RemotePort),
			GatewayPort: cmd.Enable.GatewayPort,
		})
		return nil

	case cmd.Disable != nil:
		if !a.manager.Disable(cmd.ID) {
			// Unknown forward: report it gone so the server converges.
			logging.WithForward(cmd.ID).Warn("agent: disable for unknown forward")
			return a.sendStatus(enc, cmd.ID, sshconn.StateDisconnected)
		}
		return nil
	}
	return nil
}

func (a *Agent) sendStatus(enc *wire.Encoder, id string, state sshconn.State) error {
	return enc.Encode(&wire.ClientMessage{SshStatus: &wire.SshConnectionStatus{
		ID:    id,
		State: wireState(state),
	}})
}

// wireState maps supervisor states onto the protocol enum. Checking is an
// internal refinement of Connected.
func wireState(s sshconn.State) wire.SshState {
	switch s {
	case sshconn.StateRequested:
		return wire.StateRequested
	case sshconn.StateConnecting:
		return wire.StateConnecting
	case sshconn.StateConnected, sshconn.StateChecking:
		return wire.StateConnected
	case sshconn.StateDisconnecting:
		return wire.StateDisconnecting
	case sshconn.StateDisconnected:
		return wire.StateDisconnected
	default:
		return wire.StateFailed
	}
}
