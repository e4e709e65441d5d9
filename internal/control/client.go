package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client sends requests over one connection, one at a time.
type Client struct {
	mx   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func Dial(ctx context.Context, address string) (*Client, error) {
	network, addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to taskmasterd: %w", err)
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, MaxRequestSize),
	}, nil
}

// Do sends req and waits for its response. A failed response is not an
// error, see Response.Err.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return Response{}, err
	}
	// unblocks pending IO once ctx is done, ctx.Err is set by then
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	b, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return Response{}, wrapIO(ctx, "sending request", err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Response{}, wrapIO(ctx, "reading response", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return Response{}, fmt.Errorf("decoding response: %w", err)
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func wrapIO(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}
