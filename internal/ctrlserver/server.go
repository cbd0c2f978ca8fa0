// Package ctrlserver serves the operator control channel: plaintext TCP,
// one goroutine per connection, requests answered in order. The control
// port is a privileged local surface; there is no authentication here.
package ctrlserver

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/bryanburgers/connectbot/internal/logging"
	"github.com/bryanburgers/connectbot/internal/wire"
	"github.com/bryanburgers/connectbot/internal/world"
)

// Server handles control connections against one world.
type Server struct {
	world *world.World
}

func New(w *world.World) *Server {
	return &Server{world: w}
}

// Listen opens the control listener on addr.
func (s *Server) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// Serve accepts control connections until ctx is done or the listener
// fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logging.Log.Infof("ctrlserver: listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Log.Warnf("ctrlserver: accept failed: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	enc := wire.NewEncoder(conn)

	for {
		payload, err := dec.Decode()
		if err != nil {
			if err != io.EOF {
				logging.Log.Debugf("ctrlserver: connection ended: %v", err)
			}
			return
		}
		req, err := wire.UnmarshalControlRequest(payload)
		if err != nil {
			logging.Log.Warnf("ctrlserver: bad request: %v", err)
			return
		}
		if err := enc.Encode(s.handle(req)); err != nil {
			logging.Log.Warnf("ctrlserver: write response: %v", err)
			return
		}
	}
}

func (s *Server) handle(req *wire.ControlRequest) *wire.ControlResponse {
	resp := &wire.ControlResponse{InResponseTo: req.MessageID}

	switch {
	case req.Clients != nil:
		resp.Clients = s.clients()
	case req.SshConnection != nil:
		resp.SshConnection = s.sshConnection(req.SshConnection)
	case req.CreateDevice != nil:
		result := wire.CreateCreated
		if err := s.world.CreateDevice(req.CreateDevice.DeviceID); err != nil {
			result = wire.CreateExists
		}
		resp.CreateDevice = &wire.CreateDeviceResponse{Result: result}
	case req.RemoveDevice != nil:
		result := wire.RemoveRemoved
		switch err := s.world.RemoveDevice(req.RemoveDevice.DeviceID); {
		case errors.Is(err, world.ErrDeviceNotFound):
			result = wire.RemoveNotFound
		case errors.Is(err, world.ErrDeviceActive):
			result = wire.RemoveActive
		}
		resp.RemoveDevice = &wire.RemoveDeviceResponse{Result: result}
	case req.SetName != nil:
		result := wire.SetNameSuccess
		if err := s.world.SetName(req.SetName.DeviceID, req.SetName.Name); err != nil {
			result = wire.SetNameNotFound
		}
		resp.SetName = &wire.SetNameResponse{Result: result}
	default:
		logging.Log.Warnf("ctrlserver: empty request %d", req.MessageID)
	}
	return resp
}

func (s *Server) sshConnection(req *wire.ControlSshConnection) *wire.SshConnectionResponse {
	now := time.Now()

	switch {
	case req.Enable != nil:
		res, err := s.world.EnableForward(req.DeviceID, req.Enable.ForwardHost, uint16(req.Enable.ForwardPort), req.Enable.GatewayPort, now)
		switch {
		case errors.Is(err, world.ErrDeviceNotFound):
			return &wire.SshConnectionResponse{Status: wire.StatusNotFound}
		case err != nil:
			// Port exhaustion and anything else: the world is unchanged.
			logging.WithDevice(req.DeviceID).Warnf("ctrlserver: enable failed: %v", err)
			return &wire.SshConnectionResponse{Status: wire.StatusError}
		}
		if res.Handle != nil {
			if err := res.Handle.ConnectSSH(res.ForwardID); err != nil {
				// The forward exists either way; the reconcile tick or the
				// device's next initialize replays it.
				logging.WithDevice(req.DeviceID).Warnf("ctrlserver: enable notify failed: %v", err)
			}
		}
		return &wire.SshConnectionResponse{
			Status:       wire.StatusSuccess,
			ConnectionID: res.ForwardID,
			RemotePort:   uint32(res.RemotePort),
		}

	case req.Disable != nil:
		handle, err := s.world.DisableForward(req.DeviceID, req.Disable.ConnectionID, now)
		if err != nil {
			return &wire.SshConnectionResponse{Status: wire.StatusNotFound}
		}
		if handle != nil {
			if err := handle.DisconnectSSH(req.Disable.ConnectionID); err != nil {
				logging.WithDevice(req.DeviceID).Warnf("ctrlserver: disable notify failed: %v", err)
			}
		}
		return &wire.SshConnectionResponse{Status: wire.StatusSuccess}

	case req.ExtendTimeout != nil:
		// The lease is server-side only; the device is not told.
		if err := s.world.ExtendForward(req.DeviceID, req.ExtendTimeout.ConnectionID, now); err != nil {
			return &wire.SshConnectionResponse{Status: wire.StatusNotFound}
		}
		return &wire.SshConnectionResponse{Status: wire.StatusSuccess}
	}
	return &wire.SshConnectionResponse{Status: wire.StatusError}
}

func (s *Server) clients() *wire.ClientsResponse {
	snap := s.world.Snapshot()
	resp := &wire.ClientsResponse{}
	for _, d := range snap {
		info := &wire.DeviceInfo{
			ID:      d.ID,
			Name:    d.Name,
			Address: d.Address,
		}
		for _, f := range d.Forwards {
			fi := &wire.ForwardInfo{
				ID:          f.ID,
				ClientState: wireState(f.ClientState),
				Active:      f.Active,
				ForwardHost: f.ForwardHost,
				ForwardPort: uint32(f.ForwardPort),
				GatewayPort: f.GatewayPort,
			}
			if f.HasRemotePort {
				fi.RemotePort = uint32(f.RemotePort)
			}
			if f.Active {
				fi.StateChange = f.ActiveUntil.Unix()
			} else if !f.InactiveSince.IsZero() {
				fi.StateChange = f.InactiveSince.Unix()
			}
			info.Connections = append(info.Connections, fi)
		}
		for _, h := range d.History {
			hi := &wire.HistoryItem{
				Type:        wire.HistoryOpen,
				ConnectedAt: h.ConnectedAt.Unix(),
				Address:     h.Address,
			}
			if h.Closed {
				hi.Type = wire.HistoryClosed
				hi.LastMessage = h.LastMessage.Unix()
			}
			info.History = append(info.History, hi)
		}
		resp.Devices = append(resp.Devices, info)
	}
	return resp
}

func wireState(s world.ClientState) wire.SshState {
	switch s {
	case world.ClientRequested:
		return wire.StateRequested
	case world.ClientConnecting:
		return wire.StateConnecting
	case world.ClientConnected:
		return wire.StateConnected
	case world.ClientDisconnecting:
		return wire.StateDisconnecting
	case world.ClientDisconnected:
		return wire.StateDisconnected
	default:
		return wire.StateFailed
	}
}
