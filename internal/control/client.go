package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends single commands to a running watcher over its control socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    10 * time.Second,
	}
}

// Send issues one command and decodes the data payload into out when the
// watcher reports success. A nil out discards the payload.
func (c *Client) Send(command string, params any, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}

	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to watcher at %s: %w", c.socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return err
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return err
	}

	if !resp.Success {
		if resp.Error != nil {
			return fmt.Errorf("watcher refused %s: %s (%s)", command, resp.Error.Message, resp.Error.Code)
		}
		return fmt.Errorf("watcher refused %s", command)
	}

	if out != nil && resp.Data != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}
