package ipc

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Client queries a running pipeline over its diagnostics socket
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client. An empty path uses the per-user default.
func NewClient(socketPath string) (*Client, error) {
	if socketPath == "" {
		var err error
		socketPath, err = GetSocketPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get socket path: %w", err)
		}
	}

	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}, nil
}

// SetTimeout changes the dial and I/O timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// Status fetches per-display statuses
func (c *Client) Status() ([]SurfaceStatus, error) {
	msg, err := NewStatusMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to create status message: %w", err)
	}

	response, err := c.sendMessage(msg)
	if err != nil {
		return nil, err
	}
	return GetStatuses(response)
}

// Dump fetches the diagnostic dump text
func (c *Client) Dump() (string, error) {
	msg, err := NewDumpMessage()
	if err != nil {
		return "", fmt.Errorf("failed to create dump message: %w", err)
	}

	response, err := c.sendMessage(msg)
	if err != nil {
		return "", err
	}
	return GetDumpText(response)
}

// sendMessage sends a message and returns the response
func (c *Client) sendMessage(msg *structpb.Struct) (*structpb.Struct, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to vdsurface at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	if err := writeMessage(conn, msg); err != nil {
		return nil, err
	}
	return readMessage(conn)
}
