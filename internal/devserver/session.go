package devserver

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bryanburgers/connectbot/internal/idle"
	"github.com/bryanburgers/connectbot/internal/logging"
	"github.com/bryanburgers/connectbot/internal/wire"
	"github.com/bryanburgers/connectbot/internal/world"
)

// Idle levels for device sessions. Tests shorten these.
var (
	idleWarning    = 10 * time.Second
	idleDisconnect = 30 * time.Second
)

const channelDepth = 5

// session owns one device connection from accept to teardown. A writer
// goroutine drains the outbound channel, a reader goroutine feeds the idle
// watcher, and the main loop selects over watcher events, the back channel,
// and cancellation. The watcher is primary: when it ends, the session ends
// even with back-channel commands still queued.
type session struct {
	connID uint64
	conn   net.Conn
	world  *world.World
	ssh    SSHInfo

	deviceID    string
	lastMessage time.Time

	out        chan *wire.ServerMessage
	back       chan command
	cancel     chan struct{}
	cancelOnce sync.Once

	log *logrus.Entry
}

func newSession(connID uint64, conn net.Conn, w *world.World, ssh SSHInfo) *session {
	return &session{
		connID: connID,
		conn:   conn,
		world:  w,
		ssh:    ssh,
		out:    make(chan *wire.ServerMessage, channelDepth),
		back:   make(chan command, channelDepth),
		cancel: make(chan struct{}),
		log:    logging.WithConnection(connID),
	}
}

func (s *session) cancelNow() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *session) run() {
	defer s.shutdown()

	go s.writer()

	inbound := make(chan *wire.ClientMessage)
	go s.reader(inbound)

	events := idle.Watch(inbound, idle.Options{
		WarningLevel:    idleWarning,
		DisconnectLevel: idleDisconnect,
	})
	// After teardown the watcher may still hold undelivered events; drain
	// so it can observe the reader closing.
	defer func() {
		go func() {
			for range events {
			}
		}()
	}()

	s.lastMessage = time.Now()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.log.Info("session: stream ended")
				return
			}
			if ev.Timeout {
				s.send(&wire.ServerMessage{Ping: &wire.Ping{}})
				continue
			}
			s.lastMessage = time.Now()
			s.handleMessage(ev.Item)
		case cmd := <-s.back:
			if s.handleCommand(cmd) {
				return
			}
		case <-s.cancel:
			s.log.Info("session: cancelled")
			return
		}
	}
}

// writer drains the outbound channel onto the socket. On a write failure
// it cancels the session and keeps draining so producers never block on a
// dead connection.
func (s *session) writer() {
	enc := wire.NewEncoder(s.conn)
	broken := false
	for msg := range s.out {
		if broken {
			continue
		}
		if err := enc.Encode(msg); err != nil {
			s.log.Warnf("session: write failed: %v", err)
			broken = true
			s.cancelNow()
		}
	}
}

// reader decodes inbound frames and feeds them to the idle watcher. An
// unparseable frame is a protocol violation from this peer and ends the
// stream; the device reconnects with a clean slate.
func (s *session) reader(inbound chan<- *wire.ClientMessage) {
	defer close(inbound)
	dec := wire.NewDecoder(s.conn)
	for {
		payload, err := dec.Decode()
		if err != nil {
			if err != io.EOF {
				s.log.Debugf("session: read ended: %v", err)
			}
			return
		}
		msg, err := wire.UnmarshalClientMessage(payload)
		if err != nil {
			s.log.Warnf("session: bad frame: %v", err)
			return
		}
		inbound <- msg
	}
}

// send queues an outbound message, blocking if the channel is full. The
// writer cancels the session on failure, so a blocked send always resolves.
func (s *session) send(msg *wire.ServerMessage) {
	select {
	case s.out <- msg:
	case <-s.cancel:
	}
}

func (s *session) handleMessage(msg *wire.ClientMessage) {
	switch {
	case msg.Ping != nil:
		s.send(&wire.ServerMessage{Pong: &wire.Pong{}})
	case msg.Pong != nil:
		// Liveness only; the watcher already reset.
	case msg.Initialize != nil:
		s.handleInitialize(msg.Initialize)
	case msg.SshStatus != nil:
		s.handleSshStatus(msg.SshStatus)
	default:
		s.log.Warn("session: empty client message")
	}
}

func (s *session) handleInitialize(init *wire.Initialize) {
	s.deviceID = init.ID
	s.log = s.log.WithField("device", init.ID)
	s.log.Infof("session: device initialized, comms %s", init.CommsVersion)

	handle := &Handle{connID: s.connID, back: s.back}
	displaced := s.world.ConnectDevice(init.ID, handle, remoteIP(s.conn), time.Now())
	if displaced != nil {
		if err := displaced.Disconnect(); err != nil {
			s.log.Warnf("session: could not displace previous session: %v", err)
		}
	}

	for _, f := range s.world.ActiveForwards(init.ID) {
		s.send(s.enableMessage(f))
	}
}

func (s *session) handleSshStatus(status *wire.SshConnectionStatus) {
	if s.deviceID == "" {
		s.log.Warnf("session: status for %s before initialize, dropping", status.ID)
		return
	}
	err := s.world.UpdateForwardState(s.deviceID, status.ID, clientState(status.State))
	if err == world.ErrForwardNotFound {
		// The device knows a forward we do not; tell it to tear down.
		s.log.Warnf("session: unknown forward %s, sending disable", status.ID)
		s.send(&wire.ServerMessage{SshConnection: &wire.SshConnection{
			ID:      status.ID,
			Disable: &wire.SshDisable{},
		}})
		return
	}
	if err != nil {
		s.log.Warnf("session: status update failed: %v", err)
	}
}

// handleCommand reports whether the session should stop.
func (s *session) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdDisconnect:
		s.log.Info("session: displaced by newer session")
		return true
	case cmdConnectSSH:
		f, ok := s.world.ForwardDetails(s.deviceID, cmd.forwardID)
		if !ok || !f.HasRemotePort {
			return false
		}
		s.send(s.enableMessage(f))
	case cmdDisconnectSSH:
		s.send(&wire.ServerMessage{SshConnection: &wire.SshConnection{
			ID:      cmd.forwardID,
			Disable: &wire.SshDisable{},
		}})
	}
	return false
}

func (s *session) enableMessage(f world.ForwardSnapshot) *wire.ServerMessage {
	return &wire.ServerMessage{SshConnection: &wire.SshConnection{
		ID: f.ID,
		Enable: &wire.SshEnable{
			SshHost:     s.ssh.Host,
			SshPort:     uint32(s.ssh.Port),
			SshUsername: s.ssh.User,
			SshKey:      s.ssh.PrivateKey,
			ForwardHost: f.ForwardHost,
			ForwardPort: uint32(f.ForwardPort),
			RemotePort:  uint32(f.RemotePort),
			GatewayPort: f.GatewayPort,
		},
	}}
}

func (s *session) shutdown() {
	if s.deviceID != "" {
		last := s.lastMessage
		if last.IsZero() {
			last = time.Now()
		}
		s.world.DisconnectDevice(s.deviceID, s.connID, last)
	}
	close(s.out)
	s.conn.Close()
	s.log.Info("session: closed")
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func clientState(s wire.SshState) world.ClientState {
	switch s {
	case wire.StateRequested:
		return world.ClientRequested
	case wire.StateConnecting:
		return world.ClientConnecting
	case wire.StateConnected:
		return world.ClientConnected
	case wire.StateDisconnecting:
		return world.ClientDisconnecting
	case wire.StateDisconnected:
		return world.ClientDisconnected
	default:
		return world.ClientFailed
	}
}
