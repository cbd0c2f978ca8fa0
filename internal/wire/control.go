package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Control channel catalogue. Requests carry a client-chosen message id;
// every response names the request it answers in InResponseTo. See
// control.proto.

// ResponseStatus is the outcome of an SSH connection operation.
type ResponseStatus int32

const (
	StatusSuccess ResponseStatus = iota
	StatusError
	StatusNotFound
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusNotFound:
		return "not found"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// CreateDeviceResult reports whether a device was created or already known.
type CreateDeviceResult int32

const (
	CreateCreated CreateDeviceResult = iota
	CreateExists
)

// RemoveDeviceResult reports the outcome of removing a device.
type RemoveDeviceResult int32

const (
	RemoveRemoved RemoveDeviceResult = iota
	RemoveNotFound
	RemoveActive
)

// SetNameResult reports the outcome of renaming a device.
type SetNameResult int32

const (
	SetNameSuccess SetNameResult = iota
	SetNameNotFound
)

// HistoryType distinguishes open and closed connection history items.
type HistoryType int32

const (
	HistoryOpen HistoryType = iota
	HistoryClosed
)

// ClientsRequest asks for a snapshot of every device.
type ClientsRequest struct{}

// ControlEnable requests a new forward on a device.
type ControlEnable struct {
	ForwardHost string
	ForwardPort uint32
	GatewayPort bool
}

// ControlDisable requests teardown of an existing forward.
type ControlDisable struct {
	ConnectionID string
}

// ControlExtend renews an existing forward's lease.
type ControlExtend struct {
	ConnectionID string
}

// ControlSshConnection is the per-device forward operation envelope.
// Exactly one of Enable, Disable or ExtendTimeout is set.
type ControlSshConnection struct {
	DeviceID      string
	Enable        *ControlEnable
	Disable       *ControlDisable
	ExtendTimeout *ControlExtend
}

// CreateDevice registers a device id ahead of its first connection.
type CreateDevice struct {
	DeviceID string
}

// RemoveDevice forgets a disconnected device.
type RemoveDevice struct {
	DeviceID string
}

// SetName assigns a display name to a device.
type SetName struct {
	DeviceID string
	Name     string
}

// ControlRequest is the operator-to-server envelope.
type ControlRequest struct {
	MessageID     uint64
	Clients       *ClientsRequest
	SshConnection *ControlSshConnection
	CreateDevice  *CreateDevice
	RemoveDevice  *RemoveDevice
	SetName       *SetName
}

// ForwardInfo describes one SSH forward in a clients snapshot.
type ForwardInfo struct {
	ID          string
	ClientState SshState
	Active      bool
	// StateChange is ActiveUntil when Active, InactiveSince otherwise,
	// as unix seconds.
	StateChange int64
	ForwardHost string
	ForwardPort uint32
	RemotePort  uint32
	GatewayPort bool
}

// HistoryItem describes one connection history entry.
type HistoryItem struct {
	Type        HistoryType
	ConnectedAt int64
	LastMessage int64
	Address     string
}

// DeviceInfo describes one device in a clients snapshot.
type DeviceInfo struct {
	ID          string
	Name        string
	Address     string
	Connections []*ForwardInfo
	History     []*HistoryItem
}

// ClientsResponse is the full device snapshot.
type ClientsResponse struct {
	Devices []*DeviceInfo
}

// SshConnectionResponse answers any ControlSshConnection operation.
// ConnectionID and RemotePort are set only on a successful Enable.
type SshConnectionResponse struct {
	Status       ResponseStatus
	ConnectionID string
	RemotePort   uint32
}

// CreateDeviceResponse answers CreateDevice.
type CreateDeviceResponse struct {
	Result CreateDeviceResult
}

// RemoveDeviceResponse answers RemoveDevice.
type RemoveDeviceResponse struct {
	Result RemoveDeviceResult
}

// SetNameResponse answers SetName.
type SetNameResponse struct {
	Result SetNameResult
}

// ControlResponse is the server-to-operator envelope.
type ControlResponse struct {
	InResponseTo  uint64
	Clients       *ClientsResponse
	SshConnection *SshConnectionResponse
	CreateDevice  *CreateDeviceResponse
	RemoveDevice  *RemoveDeviceResponse
	SetName       *SetNameResponse
}

// Field numbers, control channel. See control.proto.
const (
	ctrlReqMessageID = 1
	ctrlReqClients   = 2
	ctrlReqSshConn   = 3
	ctrlReqCreate    = 4
	ctrlReqRemove    = 5
	ctrlReqSetName   = 6

	ctrlRespInResponseTo = 1
	ctrlRespClients      = 2
	ctrlRespSshConn      = 3
	ctrlRespCreate       = 4
	ctrlRespRemove       = 5
	ctrlRespSetName      = 6

	ctrlSshDeviceID = 1
	ctrlSshEnable   = 2
	ctrlSshDisable  = 3
	ctrlSshExtend   = 4

	ctrlEnableForwardHost = 1
	ctrlEnableForwardPort = 2
	ctrlEnableGatewayPort = 3

	ctrlConnectionID = 1

	deviceIDField = 1
	setNameName   = 2

	sshRespStatus       = 1
	sshRespConnectionID = 2
	sshRespRemotePort   = 3

	resultField = 1

	clientsDevices = 1

	deviceInfoID          = 1
	deviceInfoName        = 2
	deviceInfoAddress     = 3
	deviceInfoConnections = 4
	deviceInfoHistory     = 5

	fwdInfoID          = 1
	fwdInfoClientState = 2
	fwdInfoActive      = 3
	fwdInfoStateChange = 4
	fwdInfoForwardHost = 5
	fwdInfoForwardPort = 6
	fwdInfoRemotePort  = 7
	fwdInfoGatewayPort = 8

	histType        = 1
	histConnectedAt = 2
	histLastMessage = 3
	histAddress     = 4
)

func (m *ControlRequest) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, ctrlReqMessageID, m.MessageID)
	if m.Clients != nil {
		b = appendEmptyMessage(b, ctrlReqClients)
	}
	if m.SshConnection != nil {
		b = appendMessage(b, ctrlReqSshConn, m.SshConnection.marshal())
	}
	if m.CreateDevice != nil {
		b = appendMessage(b, ctrlReqCreate, appendStringField(nil, deviceIDField, m.CreateDevice.DeviceID))
	}
	if m.RemoveDevice != nil {
		b = appendMessage(b, ctrlReqRemove, appendStringField(nil, deviceIDField, m.RemoveDevice.DeviceID))
	}
	if m.SetName != nil {
		payload := appendStringField(nil, deviceIDField, m.SetName.DeviceID)
		payload = appendStringField(payload, setNameName, m.SetName.Name)
		b = appendMessage(b, ctrlReqSetName, payload)
	}
	return b
}

func (m *ControlSshConnection) marshal() []byte {
	var b []byte
	b = appendStringField(b, ctrlSshDeviceID, m.DeviceID)
	if m.Enable != nil {
		payload := appendStringField(nil, ctrlEnableForwardHost, m.Enable.ForwardHost)
		payload = appendVarintField(payload, ctrlEnableForwardPort, uint64(m.Enable.ForwardPort))
		payload = appendBoolField(payload, ctrlEnableGatewayPort, m.Enable.GatewayPort)
		b = appendMessage(b, ctrlSshEnable, payload)
	}
	if m.Disable != nil {
		b = appendMessage(b, ctrlSshDisable, appendStringField(nil, ctrlConnectionID, m.Disable.ConnectionID))
	}
	if m.ExtendTimeout != nil {
		b = appendMessage(b, ctrlSshExtend, appendStringField(nil, ctrlConnectionID, m.ExtendTimeout.ConnectionID))
	}
	return b
}

func (m *ControlResponse) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, ctrlRespInResponseTo, m.InResponseTo)
	if m.Clients != nil {
		b = appendMessage(b, ctrlRespClients, m.Clients.marshal())
	}
	if m.SshConnection != nil {
		payload := appendVarintField(nil, sshRespStatus, uint64(m.SshConnection.Status))
		payload = appendStringField(payload, sshRespConnectionID, m.SshConnection.ConnectionID)
		payload = appendVarintField(payload, sshRespRemotePort, uint64(m.SshConnection.RemotePort))
		b = appendMessage(b, ctrlRespSshConn, payload)
	}
	if m.CreateDevice != nil {
		b = appendMessage(b, ctrlRespCreate, appendVarintField(nil, resultField, uint64(m.CreateDevice.Result)))
	}
	if m.RemoveDevice != nil {
		b = appendMessage(b, ctrlRespRemove, appendVarintField(nil, resultField, uint64(m.RemoveDevice.Result)))
	}
	if m.SetName != nil {
		b = appendMessage(b, ctrlRespSetName, appendVarintField(nil, resultField, uint64(m.SetName.Result)))
	}
	return b
}

func (m *ClientsResponse) marshal() []byte {
	var b []byte
	for _, d := range m.Devices {
		b = appendMessage(b, clientsDevices, d.marshal())
	}
	return b
}

func (m *DeviceInfo) marshal() []byte {
	var b []byte
	b = appendStringField(b, deviceInfoID, m.ID)
	b = appendStringField(b, deviceInfoName, m.Name)
	b = appendStringField(b, deviceInfoAddress, m.Address)
	for _, c := range m.Connections {
		b = appendMessage(b, deviceInfoConnections, c.marshal())
	}
	for _, h := range m.History {
		b = appendMessage(b, deviceInfoHistory, h.marshal())
	}
	return b
}

func (m *ForwardInfo) marshal() []byte {
	var b []byte
	b = appendStringField(b, fwdInfoID, m.ID)
	b = appendVarintField(b, fwdInfoClientState, uint64(m.ClientState))
	b = appendBoolField(b, fwdInfoActive, m.Active)
	b = appendVarintField(b, fwdInfoStateChange, uint64(m.StateChange))
	b = appendStringField(b, fwdInfoForwardHost, m.ForwardHost)
	b = appendVarintField(b, fwdInfoForwardPort, uint64(m.ForwardPort))
	b = appendVarintField(b, fwdInfoRemotePort, uint64(m.RemotePort))
	b = appendBoolField(b, fwdInfoGatewayPort, m.GatewayPort)
	return b
}

func (m *HistoryItem) marshal() []byte {
	var b []byte
	b = appendVarintField(b, histType, uint64(m.Type))
	b = appendVarintField(b, histConnectedAt, uint64(m.ConnectedAt))
	b = appendVarintField(b, histLastMessage, uint64(m.LastMessage))
	b = appendStringField(b, histAddress, m.Address)
	return b
}

func UnmarshalControlRequest(data []byte) (*ControlRequest, error) {
	m := &ControlRequest{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case ctrlReqMessageID:
			m.MessageID = scalar
		case ctrlReqClients:
			m.Clients = &ClientsRequest{}
		case ctrlReqSshConn:
			sc, err := unmarshalControlSshConnection(payload)
			if err != nil {
				return err
			}
			m.SshConnection = sc
		case ctrlReqCreate:
			id, err := unmarshalDeviceIDMessage(payload)
			if err != nil {
				return err
			}
			m.CreateDevice = &CreateDevice{DeviceID: id}
		case ctrlReqRemove:
			id, err := unmarshalDeviceIDMessage(payload)
			if err != nil {
				return err
			}
			m.RemoveDevice = &RemoveDevice{DeviceID: id}
		case ctrlReqSetName:
			sn, err := unmarshalSetName(payload)
			if err != nil {
				return err
			}
			m.SetName = sn
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("control request: %w", err)
	}
	return m, nil
}

func unmarshalControlSshConnection(data []byte) (*ControlSshConnection, error) {
	m := &ControlSshConnection{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case ctrlSshDeviceID:
			m.DeviceID = string(payload)
		case ctrlSshEnable:
			en := &ControlEnable{}
			err := eachField(payload, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
				switch num {
				case ctrlEnableForwardHost:
					en.ForwardHost = string(payload)
				case ctrlEnableForwardPort:
					en.ForwardPort = uint32(scalar)
				case ctrlEnableGatewayPort:
					en.GatewayPort = scalar != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Enable = en
		case ctrlSshDisable:
			id, err := unmarshalConnectionIDMessage(payload)
			if err != nil {
				return err
			}
			m.Disable = &ControlDisable{ConnectionID: id}
		case ctrlSshExtend:
			id, err := unmarshalConnectionIDMessage(payload)
			if err != nil {
				return err
			}
			m.ExtendTimeout = &ControlExtend{ConnectionID: id}
		}
		return nil
	})
	return m, err
}

func unmarshalDeviceIDMessage(data []byte) (string, error) {
	var id string
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		if num == deviceIDField {
			id = string(payload)
		}
		return nil
	})
	return id, err
}

func unmarshalConnectionIDMessage(data []byte) (string, error) {
	var id string
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		if num == ctrlConnectionID {
			id = string(payload)
		}
		return nil
	})
	return id, err
}

func unmarshalSetName(data []byte) (*SetName, error) {
	m := &SetName{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case deviceIDField:
			m.DeviceID = string(payload)
		case setNameName:
			m.Name = string(payload)
		}
		return nil
	})
	return m, err
}

func UnmarshalControlResponse(data []byte) (*ControlResponse, error) {
	m := &ControlResponse{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case ctrlRespInResponseTo:
			m.InResponseTo = scalar
		case ctrlRespClients:
			cr, err := unmarshalClientsResponse(payload)
			if err != nil {
				return err
			}
			m.Clients = cr
		case ctrlRespSshConn:
			sc := &SshConnectionResponse{}
			err := eachField(payload, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
				switch num {
				case sshRespStatus:
					sc.Status = ResponseStatus(scalar)
				case sshRespConnectionID:
					sc.ConnectionID = string(payload)
				case sshRespRemotePort:
					sc.RemotePort = uint32(scalar)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.SshConnection = sc
		case ctrlRespCreate:
			r, err := unmarshalResult(payload)
			if err != nil {
				return err
			}
			m.CreateDevice = &CreateDeviceResponse{Result: CreateDeviceResult(r)}
		case ctrlRespRemove:
			r, err := unmarshalResult(payload)
			if err != nil {
				return err
			}
			m.RemoveDevice = &RemoveDeviceResponse{Result: RemoveDeviceResult(r)}
		case ctrlRespSetName:
			r, err := unmarshalResult(payload)
			if err != nil {
				return err
			}
			m.SetName = &SetNameResponse{Result: SetNameResult(r)}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("control response: %w", err)
	}
	return m, nil
}

func unmarshalResult(data []byte) (uint64, error) {
	var r uint64
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		if num == resultField {
			r = scalar
		}
		return nil
	})
	return r, err
}

func unmarshalClientsResponse(data []byte) (*ClientsResponse, error) {
	m := &ClientsResponse{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		if num == clientsDevices {
			d, err := unmarshalDeviceInfo(payload)
			if err != nil {
				return err
			}
			m.Devices = append(m.Devices, d)
		}
		return nil
	})
	return m, err
}

func unmarshalDeviceInfo(data []byte) (*DeviceInfo, error) {
	m := &DeviceInfo{}
	err := eachField(data, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
		switch num {
		case deviceInfoID:
			m.ID = string(payload)
		case deviceInfoName:
			m.Name = string(payload)
		case deviceInfoAddress:
			m.Address = string(payload)
		case deviceInfoConnections:
			f := &ForwardInfo{}
			err := eachField(payload, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
				switch num {
				case fwdInfoID:
					f.ID = string(payload)
				case fwdInfoClientState:
					f.ClientState = SshState(scalar)
				case fwdInfoActive:
					f.Active = scalar != 0
				case fwdInfoStateChange:
					f.StateChange = int64(scalar)
				case fwdInfoForwardHost:
					f.ForwardHost = string(payload)
				case fwdInfoForwardPort:
					f.ForwardPort = uint32(scalar)
				case fwdInfoRemotePort:
					f.RemotePort = uint32(scalar)
				case fwdInfoGatewayPort:
					f.GatewayPort = scalar != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.Connections = append(m.Connections, f)
		case deviceInfoHistory:
			h := &HistoryItem{}
			err := eachField(payload, func(num protowire.Number, payload []byte, scalar uint64, isMsg bool) error {
				switch num {
				case histType:
					h.Type = HistoryType(scalar)
				case histConnectedAt:
					h.ConnectedAt = int64(scalar)
				case histLastMessage:
					h.LastMessage = int64(scalar)
				case histAddress:
					h.Address = string(payload)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.History = append(m.History, h)
		}
		return nil
	})
	return m, err
}
