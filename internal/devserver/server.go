// Package devserver accepts device connections over TLS and runs one
// session per connection. Sessions install themselves into the world on
// Initialize and take operator commands through a bounded back channel.
package devserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"

	"github.com/bryanburgers/connectbot/internal/logging"
	"github.com/bryanburgers/connectbot/internal/world"
)

// SSHInfo is the material a device needs to reach the server's SSH
// endpoint. It is stamped into every enable command.
type SSHInfo struct {
	Host       string
	Port       uint16
	User       string
	PrivateKey string
}

// Server is the device-facing front door.
type Server struct {
	world     *world.World
	ssh       SSHInfo
	tlsConfig *tls.Config

	// nextConn is a wrapping counter; connection ids only need to be
	// unique among sessions alive at the same time.
	nextConn uint64
}

func New(w *world.World, ssh SSHInfo, tlsConfig *tls.Config) *Server {
	return &Server{world: w, ssh: ssh, tlsConfig: tlsConfig}
}

// Listen opens the device listener on addr.
func (s *Server) Listen(addr string) (net.Listener, error) {
	return tls.Listen("tcp", addr, s.tlsConfig)
}

// Serve accepts device connections until ctx is done or the listener
// fails. Accept errors from individual handshakes are logged and do not
// stop the loop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logging.Log.Infof("devserver: listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Log.Warnf("devserver: accept failed: %v", err)
			continue
		}
		connID := atomic.AddUint64(&s.nextConn, 1)
		logging.WithConnection(connID).Infof("devserver: connection from %s", conn.RemoteAddr())
		go newSession(connID, conn, s.world, s.ssh).run()
	}
}
