package wire

import (
	"reflect"
	"testing"
)

func roundTripRequest(t *testing.T, msg *ControlRequest) *ControlRequest {
	t.Helper()
	got, err := UnmarshalControlRequest(msg.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return got
}

func TestControlRequestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *ControlRequest
	}{
		{"clients", &ControlRequest{MessageID: 1, Clients: &ClientsRequest{}}},
		{"enable", &ControlRequest{MessageID: 2, SshConnection: &ControlSshConnection{
			DeviceID: "dev-1",
			Enable:   &ControlEnable{ForwardHost: "localhost", ForwardPort: 80, GatewayPort: true},
		}}},
		{"disable", &ControlRequest{MessageID: 3, SshConnection: &ControlSshConnection{
			DeviceID: "dev-1",
			Disable:  &ControlDisable{ConnectionID: "c-9"},
		}}},
		{"extend", &ControlRequest{MessageID: 4, SshConnection: &ControlSshConnection{
			DeviceID:      "dev-1",
			ExtendTimeout: &ControlExtend{ConnectionID: "c-9"},
		}}},
		{"create", &ControlRequest{MessageID: 5, CreateDevice: &CreateDevice{DeviceID: "dev-2"}}},
		{"remove", &ControlRequest{MessageID: 6, RemoveDevice: &RemoveDevice{DeviceID: "dev-2"}}},
		{"set-name", &ControlRequest{MessageID: 7, SetName: &SetName{DeviceID: "dev-2", Name: "kitchen pi"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundTripRequest(t, tc.msg)
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("got %+v, want %+v", got, tc.msg)
			}
		})
	}
}

func TestControlResponseClientsRoundTrip(t *testing.T) {
	msg := &ControlResponse{
		InResponseTo: 12,
		Clients: &ClientsResponse{
			Devices: []*DeviceInfo{
				{
					ID:      "dev-1",
					Name:    "kitchen pi",
					Address: "203.0.113.9",
					Connections: []*ForwardInfo{
						{
							ID:          "c-1",
							ClientState: StateConnected,
							Active:      true,
							StateChange: 1700000000,
							ForwardHost: "localhost",
							ForwardPort: 80,
							RemotePort:  8100,
							GatewayPort: true,
						},
						{
							ID:          "c-2",
							ClientState: StateDisconnected,
							StateChange: 1699990000,
							ForwardHost: "localhost",
							ForwardPort: 22,
						},
					},
					History: []*HistoryItem{
						{Type: HistoryOpen, ConnectedAt: 1700000000, Address: "203.0.113.9"},
						{Type: HistoryClosed, ConnectedAt: 1699900000, LastMessage: 1699950000, Address: "203.0.113.8"},
					},
				},
				{ID: "dev-2", Name: "dev-2"},
			},
		},
	}
	got, err := UnmarshalControlResponse(msg.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("got %+v, want %+v", got, msg)
	}
}

func TestControlResponseStatuses(t *testing.T) {
	msg := &ControlResponse{
		InResponseTo:  3,
		SshConnection: &SshConnectionResponse{Status: StatusNotFound},
	}
	got, err := UnmarshalControlResponse(msg.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.SshConnection == nil || got.SshConnection.Status != StatusNotFound {
		t.Errorf("got %+v", got.SshConnection)
	}
	if got.InResponseTo != 3 {
		t.Errorf("in_response_to = %d, want 3", got.InResponseTo)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// A frame from a newer peer may carry fields this build does not know.
	payload := (&ControlRequest{MessageID: 9, Clients: &ClientsRequest{}}).Marshal()
	payload = appendStringField(payload, 99, "future data")
	got, err := UnmarshalControlRequest(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.MessageID != 9 || got.Clients == nil {
		t.Errorf("known fields lost: %+v", got)
	}
}
