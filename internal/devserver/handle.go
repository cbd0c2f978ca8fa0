package devserver

import "errors"

// ErrBackChannelFull is returned when a session's back channel cannot take
// another command right now. The world mutation the command reflects has
// already happened; the reconciliation tick covers delivery.
var ErrBackChannelFull = errors.New("session back channel full")

type commandKind int

const (
	cmdDisconnect commandKind = iota
	cmdConnectSSH
	cmdDisconnectSSH
)

type command struct {
	kind      commandKind
	forwardID string
}

// Handle is the capability a session registers with the world. It carries
// only the session's connection id and the bounded back channel, so holders
// can command the session without reaching into it.
type Handle struct {
	connID uint64
	back   chan<- command
}

func (h *Handle) ConnectionID() uint64 {
	return h.connID
}

// ConnectSSH asks the session to send an enable for the forward.
func (h *Handle) ConnectSSH(forwardID string) error {
	return h.send(command{kind: cmdConnectSSH, forwardID: forwardID})
}

// DisconnectSSH asks the session to send a disable for the forward.
func (h *Handle) DisconnectSSH(forwardID string) error {
	return h.send(command{kind: cmdDisconnectSSH, forwardID: forwardID})
}

// Disconnect asks the session to tear itself down. Used when a newer
// session displaces this one.
func (h *Handle) Disconnect() error {
	return h.send(command{kind: cmdDisconnect})
}

func (h *Handle) send(cmd command) error {
	select {
	case h.back <- cmd:
		return nil
	default:
		return ErrBackChannelFull
	}
}
