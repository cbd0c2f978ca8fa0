// Package ctrlclient is the typed client for the control channel. Each
// call dials the control address, sends one request, and waits for the
// matching response.
package ctrlclient

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/bryanburgers/connectbot/internal/wire"
)

// Client issues control requests against one server address.
type Client struct {
	address string
	nextID  uint64
}

func New(address string) *Client {
	return &Client{address: address}
}

func (c *Client) roundTrip(ctx context.Context, req *wire.ControlRequest) (*wire.ControlResponse, error) {
	req.MessageID = atomic.AddUint64(&c.nextID, 1)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", c.address, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := wire.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("control: send: %w", err)
	}
	payload, err := wire.NewDecoder(conn).Decode()
	if err != nil {
		return nil, fmt.Errorf("control: receive: %w", err)
	}
	resp, err := wire.UnmarshalControlResponse(payload)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	if resp.InResponseTo != req.MessageID {
		return nil, fmt.Errorf("control: response for %d, expected %d", resp.InResponseTo, req.MessageID)
	}
	return resp, nil
}

// Clients fetches the device snapshot.
func (c *Client) Clients(ctx context.Context) (*wire.ClientsResponse, error) {
	resp, err := c.roundTrip(ctx, &wire.ControlRequest{Clients: &wire.ClientsRequest{}})
	if err != nil {
		return nil, err
	}
	if resp.Clients == nil {
		return nil, fmt.Errorf("control: missing clients response")
	}
	return resp.Clients, nil
}

// EnableForward requests a new forward on a device.
func (c *Client) EnableForward(ctx context.Context, deviceID, forwardHost string, forwardPort uint16, gatewayPort bool) (*wire.SshConnectionResponse, error) {
	return c.sshConnection(ctx, &wire.ControlSshConnection{
		DeviceID: deviceID,
		Enable: &wire.ControlEnable{
			ForwardHost: forwardHost,
			ForwardPort: uint32(forwardPort),
			GatewayPort: gatewayPort,
		},
	})
}

// DisableForward requests teardown of a forward.
func (c *Client) DisableForward(ctx context.Context, deviceID, connectionID string) (*wire.SshConnectionResponse, error) {
	return c.sshConnection(ctx, &wire.ControlSshConnection{
		DeviceID: deviceID,
		Disable:  &wire.ControlDisable{ConnectionID: connectionID},
	})
}

// ExtendForward renews a forward's lease.
func (c *Client) ExtendForward(ctx context.Context, deviceID, connectionID string) (*wire.SshConnectionResponse, error) {
	return c.sshConnection(ctx, &wire.ControlSshConnection{
		DeviceID:      deviceID,
		ExtendTimeout: &wire.ControlExtend{ConnectionID: connectionID},
	})
}

func (c *Client) sshConnection(ctx context.Context, req *wire.ControlSshConnection) (*wire.SshConnectionResponse, error) {
	resp, err := c.roundTrip(ctx, &wire.ControlRequest{SshConnection: req})
	if err != nil {
		return nil, err
	}
	if resp.SshConnection == nil {
		return nil, fmt.Errorf("control: missing ssh connection response")
	}
	return resp.SshConnection, nil
}

// CreateDevice registers a device id.
func (c *Client) CreateDevice(ctx context.Context, deviceID string) (wire.CreateDeviceResult, error) {
	resp, err := c.roundTrip(ctx, &wire.ControlRequest{CreateDevice: &wire.CreateDevice{DeviceID: deviceID}})
	if err != nil {
		return 0, err
	}
	if resp.CreateDevice == nil {
		return 0, fmt.Errorf("control: missing create device response")
	}
	return resp.CreateDevice.Result, nil
}

// RemoveDevice forgets a device.
func (c *Client) RemoveDevice(ctx context.Context, deviceID string) (wire.RemoveDeviceResult, error) {
	resp, err := c.roundTrip(ctx, &wire.ControlRequest{RemoveDevice: &wire.RemoveDevice{DeviceID: deviceID}})
	if err != nil {
		return 0, err
	}
	if resp.RemoveDevice == nil {
		return 0, fmt.Errorf("control: missing remove device response")
	}
	return resp.RemoveDevice.Result, nil
}

// SetName assigns a display name to a device.
func (c *Client) SetName(ctx context.Context, deviceID, name string) (wire.SetNameResult, error) {
	resp, err := c.roundTrip(ctx, &wire.ControlRequest{SetName: &wire.SetName{DeviceID: deviceID, Name: name}})
	if err != nil {
		return 0, err
	}
	if resp.SetName == nil {
		return 0, fmt.Errorf("control: missing set name response")
	}
	return resp.SetName.Result, nil
}
