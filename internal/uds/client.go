package uds

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client sends one request per connection.
type Client struct {
	path    string
	timeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{path: path, timeout: 10 * time.Second}
}

// SetTimeout bounds calls whose context carries no deadline.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Call runs command on the daemon and decodes the reply into out, which may
// be nil. Daemon-side failures come back as *Error.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	req, err := newRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Send performs one raw round trip.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("no daemon listening on %s (start one with `conductor run`): %w", c.path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w", req.Command, err)
	}
	return &resp, nil
}
