// Package wire defines the message catalogue for the device and control
// channels and the length-prefixed framing used to carry them. The protobuf
// encoding is maintained by hand against the committed .proto schemas; field
// numbers in this package are the wire contract and must never be reused.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SshState is the client-side lifecycle state of an SSH forward as reported
// by the device.
type SshState int32

const (
	StateRequested SshState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (s SshState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Ping is an empty liveness probe. Either side may send one; the peer
// answers with a Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Initialize is the first message a device sends on a new session. Nothing
// except Ping and Pong is meaningful before it.
type Initialize struct {
	ID           string
	CommsVersion string
}

// SshConnectionStatus reports a forward's client-side state change.
type SshConnectionStatus struct {
	ID    string
	State SshState
}

// SshEnable instructs the device to establish a reverse forward. The
// server fills the SSH endpoint and key from its own configuration.
type SshEnable struct {
	SshHost     string
	SshPort     uint32
	SshUsername string
	SshKey      string
	ForwardHost string
	ForwardPort uint32
	RemotePort  uint32
	GatewayPort bool
}

// SshDisable instructs the device to tear a forward down.
type SshDisable struct{}

// SshConnection is the server's per-forward command envelope. Exactly one
// of Enable or Disable is set.
type SshConnection struct {
	ID      string
	Enable  *SshEnable
	Disable *SshDisable
}

// ClientMessage is the device-to-server envelope. Exactly one field is set.
type ClientMessage struct {
	Ping       *Ping
	Pong       *Pong
	Initialize *Initialize
	SshStatus  *SshConnectionStatus
}

// ServerMessage is the server-to-device envelope. Exactly one field is set.
type ServerMessage struct {
	Ping          *Ping
	Pong          *Pong
	SshConnection *SshConnection
}

// Field numbers, device channel. See device.proto.
const (
	clientMsgPing       = 1
	clientMsgPong       = 2
	clientMsgInitialize = 3
	clientMsgSshStatus  = 4

	serverMsgPing    = 1
	serverMsgPong    = 2
	serverMsgSshConn = 3

	initializeID           = 1
	initializeCommsVersion = 2

	sshStatusID    = 1
	sshStatusState = 2

	sshConnID      = 1
	sshConnEnable  = 2
	sshConnDisable = 3

	sshEnableHost        = 1
	sshEnablePort        = 2
	sshEnableUsername    = 3
	sshEnableKey         = 4
	sshEnableForwardHost = 5
	sshEnableForwardPort = 6
	sshEnableRemotePort  = 7
	sshEnableGatewayPort = 8
)

func (m *ClientMessage) Marshal() []byte {
	var b []byte
	if m.Ping != nil {
		b = appendEmptyMessage(b, clientMsgPing)
	}
	if m.Pong != nil {
		b = appendEmptyMessage(b, clientMsgPong)
	}
	if m.Initialize != nil {
		b = appendMessage(b, clientMsgInitialize, m.Initialize.marshal())
	}
	if m.SshStatus != nil {
		b = appendMessage(b, clientMsgSshStatus, m.SshStatus.marshal())
	}
	return b
}

func (m *Initialize) marshal() []byte {
	var b []byte
	b = appendStringField(b, initializeID, m.ID)
	b = appendStringField(b, initializeCommsVersion, m.CommsVersion)
	return b
}

func (m *SshConnectionStatus) marshal() []byte {
	var b []byte
	b = appendStringField(b, sshStatusID, m.ID)
	b = appendVarintField(b, sshStatusState, uint64(m.State))
	return b
}

func (m *ServerMessage) Marshal() []byte {
	var b []byte
	if m.Ping != nil {
		b = appendEmptyMessage(b, serverMsgPing)
	}
	if m.Pong != nil {
		b = appendEmptyMessage(b, serverMsgPong)
	}
	if m.SshConnection != nil {
		b = appendMessage(b, serverMsgSshConn, m.SshConnection.marshal())
	}
	return b
}

func (m *SshConnection) marshal() []byte {
	var b []byte
	b = appendStringField(b, sshConnID, m.ID)
	if m.Enable != nil {
		b = appendMessage(b, sshConnEnable, m.Enable.marshal())
	}
	if m.Disable != nil {
		b = appendEmptyMessage(b, sshConnDisable)
	}
	return b
}

func (m *SshEnable) marshal() []byte {
	var b []byte
	b = appendStringField(b, sshEnableHost, m.SshHost)
	b = appendVarintField(b, sshEnablePort, uint64(m.SshPort))
	b = appendStringField(b, sshEnableUsername, m.SshUsername)
	b = appendStringField(b, sshEnableKey, m.SshKey)
	b = appendStringField(b, sshEnableForwardHost, m.ForwardHost)
	b = appendVarintField(b, sshEnableForwardPort, uint64(m.ForwardPort))
	b = appendVarintField(b, sshEnableRemotePort, uint64(m.RemotePort))
	b = appendBoolField(b, sshEnableGatewayPort, m.GatewayPort)
	return b
}

func UnmarshalClientMessage(data []byte) (*ClientMessage, error) {
	m := &ClientMessage{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case clientMsgPing:
			m.Ping = &Ping{}
		case clientMsgPong:
			m.Pong = &Pong{}
		case clientMsgInitialize:
			init, err := unmarshalInitialize(payload)
			if err != nil {
				return err
			}
			m.Initialize = init
		case clientMsgSshStatus:
			st, err := unmarshalSshStatus(payload)
			if err != nil {
				return err
			}
			m.SshStatus = st
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("client message: %w", err)
	}
	return m, nil
}

func unmarshalInitialize(data []byte) (*Initialize, error) {
	m := &Initialize{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case initializeID:
			m.ID = string(payload)
		case initializeCommsVersion:
			m.CommsVersion = string(payload)
		}
		return nil
	})
	return m, err
}

func unmarshalSshStatus(data []byte) (*SshConnectionStatus, error) {
	m := &SshConnectionStatus{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case sshStatusID:
			m.ID = string(payload)
		case sshStatusState:
			m.State = SshState(scalar)
		}
		return nil
	})
	return m, err
}

func UnmarshalServerMessage(data []byte) (*ServerMessage, error) {
	m := &ServerMessage{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case serverMsgPing:
			m.Ping = &Ping{}
		case serverMsgPong:
			m.Pong = &Pong{}
		case serverMsgSshConn:
			sc, err := unmarshalSshConnection(payload)
			if err != nil {
				return err
			}
			m.SshConnection = sc
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("server message: %w", err)
	}
	return m, nil
}

func unmarshalSshConnection(data []byte) (*SshConnection, error) {
	m := &SshConnection{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case sshConnID:
			m.ID = string(payload)
		case sshConnEnable:
			en, err := unmarshalSshEnable(payload)
			if err != nil {
				return err
			}
			m.Enable = en
		case sshConnDisable:
			m.Disable = &SshDisable{}
		}
		return nil
	})
	return m, err
}

func unmarshalSshEnable(data []byte) (*SshEnable, error) {
	m := &SshEnable{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case sshEnableHost:
			m.SshHost = string(payload)
		case sshEnablePort:
			m.SshPort = uint32(scalar)
		case sshEnableUsername:
			m.SshUsername = string(payload)
		case sshEnableKey:
			m.SshKey = string(payload)
		case sshEnableForwardHost:
			m.ForwardHost = string(payload)
		case sshEnableForwardPort:
			m.ForwardPort = uint32(scalar)
		case sshEnableRemotePort:
			m.RemotePort = uint32(scalar)
		case sshEnableGatewayPort:
			m.GatewayPort = scalar != 0
		}
		return nil
	})
	return m, err
}
