// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package client implements a client for the geohash lookup service.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/wneessen/geohashd/internal/protocol"
)

const (
	// PingGeohash is a geohash in central London used to check a service end to end.
	PingGeohash = "gcpuvr71"

	defaultTimeout = 5 * time.Second
)

var ErrServer = errors.New("server replied with error")

// Reply is a single server reply: either a lookup result or an error line.
type Reply struct {
	Result *protocol.Response
	Error  string
}

// Err returns the error reply as an error wrapping ErrServer, or nil for a lookup result.
func (r Reply) Err() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrServer, r.Error)
}

// ParseReply decodes a raw reply line.
func ParseReply(line []byte) (Reply, error) {
	line = bytes.TrimSpace(line)
	if protocol.IsError(line) {
		return Reply{Error: string(line)}, nil
	}
	resp := new(protocol.Response)
	if err := json.Unmarshal(line, resp); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply %q: %w", line, err)
	}
	return Reply{Result: resp}, nil
}

// Client holds a single session with the lookup service. Requests on one Client are
// serialized.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial opens a session with the service at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// QueryGeohash resolves a geohash of at least 8 characters.
func (c *Client) QueryGeohash(ctx context.Context, hash string) (Reply, error) {
	return c.Send(ctx, protocol.NewRequest(protocol.CmdGeohash, hash))
}

// QueryLatLon resolves a coordinate pair.
func (c *Client) QueryLatLon(ctx context.Context, lat, lon float64) (Reply, error) {
	data := strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
	return c.Send(ctx, protocol.NewRequest(protocol.CmdLatLon, data))
}

// Ping resolves PingGeohash and fails unless the service answers with a city.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.QueryGeohash(ctx, PingGeohash)
	if err != nil {
		return err
	}
	if err = reply.Err(); err != nil {
		return err
	}
	if !reply.Result.Found() {
		return fmt.Errorf("no city found for %s", PingGeohash)
	}
	return nil
}

// Send writes a request and waits for its reply.
func (c *Client) Send(ctx context.Context, req protocol.Request) (Reply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setDeadline(ctx)

	if _, err = c.conn.Write(append(payload, '\n')); err != nil {
		return Reply{}, fmt.Errorf("failed to send request: %w", err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return Reply{}, fmt.Errorf("failed to read reply: %w", err)
	}
	return ParseReply(line)
}

// Disconnect ends the session gracefully and closes the connection.
func (c *Client) Disconnect() error {
	payload, err := json.Marshal(protocol.Request{Cmd: ptr(protocol.CmdDisconnect)})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultTimeout))
	_, err = c.conn.Write(append(payload, '\n'))
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// Close closes the connection without notifying the server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// setDeadline applies the context deadline to the connection, or a default timeout if the
// context has none.
func (c *Client) setDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		return
	}
	_ = c.conn.SetDeadline(time.Now().Add(defaultTimeout))
}

func ptr[T any](v T) *T {
	return &v
}
