// Package qmp is a minimal QEMU Machine Protocol client: enough to
// negotiate capabilities and ask the guest to power down.
package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/transport"
)

// Error is a QMP error reply.
type Error struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("qmp: %s: %s", e.Class, e.Desc)
}

type command struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type response struct {
	Greeting json.RawMessage `json:"QMP,omitempty"`
	Return   json.RawMessage `json:"return,omitempty"`
	Error    *Error          `json:"error,omitempty"`
	Event    string          `json:"event,omitempty"`
}

// Client is a connected, capability-negotiated QMP session.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	dec  *json.Decoder
	enc  *json.Encoder
	log  *logging.Logger
}

// Dial connects to the monitor at address using d (nil means a default
// dialer) and completes the greeting and qmp_capabilities exchange.
func Dial(ctx context.Context, address string, d *transport.Dialer) (*Client, error) {
	if d == nil {
		d = &transport.Dialer{}
	}
	conn, err := d.Dial(ctx, address)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn: conn,
		dec:  json.NewDecoder(conn),
		enc:  json.NewEncoder(conn),
		log:  logging.WithComponent("qmp"),
	}
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setDeadline(ctx)()

	var greeting response
	if err := c.dec.Decode(&greeting); err != nil {
		return fmt.Errorf("qmp greeting: %w", err)
	}
	if len(greeting.Greeting) == 0 {
		return errors.New("qmp greeting: not a QMP server")
	}

	if _, err := c.executeLocked("qmp_capabilities", nil); err != nil {
		return fmt.Errorf("qmp capabilities: %w", err)
	}
	c.log.Debug("qmp session ready")
	return nil
}

// Execute runs command and returns its raw "return" value. Asynchronous
// events received while waiting are logged and skipped.
func (c *Client) Execute(ctx context.Context, command string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.setDeadline(ctx)()
	return c.executeLocked(command, args)
}

func (c *Client) executeLocked(name string, args any) (json.RawMessage, error) {
	if err := c.enc.Encode(command{Execute: name, Arguments: args}); err != nil {
		return nil, fmt.Errorf("send %s: %w", name, err)
	}
	for {
		var r response
		if err := c.dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("read %s reply: %w", name, err)
		}
		switch {
		case r.Event != "":
			c.log.Debug("qmp event", "event", r.Event)
		case r.Error != nil:
			return nil, r.Error
		case r.Return != nil:
			return r.Return, nil
		}
	}
}

// Powerdown asks the guest OS to shut down cleanly (ACPI power button).
func (c *Client) Powerdown(ctx context.Context) error {
	_, err := c.Execute(ctx, "system_powerdown", nil)
	if err == nil {
		c.log.Info("powerdown requested")
	}
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// setDeadline applies ctx's deadline to the connection and returns a
// function clearing it.
func (c *Client) setDeadline(ctx context.Context) func() {
	dl, ok := ctx.Deadline()
	if !ok {
		return func() {}
	}
	_ = c.conn.SetDeadline(dl)
	return func() { _ = c.conn.SetDeadline(time.Time{}) }
}
