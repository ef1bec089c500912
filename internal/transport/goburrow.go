package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"

	"modbus-manager/internal/registry"
)

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used
// for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// client is the goburrow-backed Conn. One mutex serializes every
// operation: the underlying goburrow client is not thread-safe and the
// wire carries one transaction at a time anyway.
type client struct {
	mu       sync.Mutex
	handler  handlerWithConn
	setSlave func(byte)
	mb       mb.Client
	addr     string

	// dirty marks the link for a reconnect before the next operation.
	dirty bool
}

// newHandler creates and configures a handler for TCP or serial RTU
// based on the endpoint. It also returns the slave selector: goburrow
// pins the slave id on the concrete handler, and one shared connection
// serves many slaves.
func newHandler(ep Endpoint) (handlerWithConn, func(byte), string, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(ep.Protocol)) {
	case "", "modbus-tcp", "tcp":
		address := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
		h := mb.NewTCPClientHandler(address)
		h.Timeout = timeout
		return h, func(b byte) { h.SlaveId = b }, address, nil
	case "modbus-rtu", "rtu":
		port := strings.TrimSpace(ep.SerialPort)
		if port == "" {
			return nil, nil, "", errors.New("serial_port is required for RTU")
		}
		h := mb.NewRTUClientHandler(port)
		if ep.BaudRate > 0 {
			h.BaudRate = ep.BaudRate
		}
		if ep.DataBits > 0 {
			h.DataBits = ep.DataBits
		}
		if ep.StopBits > 0 {
			h.StopBits = ep.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(ep.Parity)); p != "" {
			h.Parity = p
		}
		h.Timeout = timeout
		return h, func(b byte) { h.SlaveId = b }, port, nil
	default:
		return nil, nil, "", fmt.Errorf("protocol %s not implemented", ep.Protocol)
	}
}

// Dial connects to the endpoint with simple retries and returns a Conn.
func Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	h, setSlave, addr, err := newHandler(ep)
	if err != nil {
		return nil, err
	}

	retry := ep.RetryCount
	if retry < 0 {
		retry = 0
	}
	for attempts := 0; attempts <= retry; attempts++ {
		if err := h.Connect(); err != nil {
			if attempts == retry {
				return nil, &ConnectionError{Op: "connect", Endpoint: addr, Err: err}
			}
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, &ConnectionError{Op: "connect", Endpoint: addr, Err: ctx.Err()}
			}
			continue
		}
		break
	}

	return &client{
		handler:  h,
		setSlave: setSlave,
		mb:       mb.NewClient(h),
		addr:     addr,
	}, nil
}

func (c *client) Read(ctx context.Context, slave uint8, space registry.Space, start, words uint16) ([]uint16, error) {
	if words == 0 {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.prepare(ctx, slave); err != nil {
		return nil, &ConnectionError{Op: "read", Endpoint: c.addr, Err: err}
	}

	var data []byte
	var err error
	switch space {
	case registry.SpaceHolding:
		data, err = c.mb.ReadHoldingRegisters(start, words)
	case registry.SpaceInput:
		data, err = c.mb.ReadInputRegisters(start, words)
	default:
		return nil, &ConnectionError{Op: "read", Endpoint: c.addr, Err: fmt.Errorf("unknown register space %q", space)}
	}
	if err != nil {
		c.markFailure(err)
		return nil, &ConnectionError{Op: "read", Endpoint: c.addr, Err: err}
	}
	if len(data) < int(words)*2 {
		c.dirty = true
		return nil, &ConnectionError{Op: "read", Endpoint: c.addr, Err: fmt.Errorf("short response: %d bytes for %d words", len(data), words)}
	}

	out := make([]uint16, words)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return out, nil
}

func (c *client) Write(ctx context.Context, slave uint8, address uint16, words []uint16) error {
	if len(words) == 1 {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.prepare(ctx, slave); err != nil {
			return &ConnectionError{Op: "write", Endpoint: c.addr, Err: err}
		}
		if _, err := c.mb.WriteSingleRegister(address, words[0]); err != nil {
			c.markFailure(err)
			return &ConnectionError{Op: "write", Endpoint: c.addr, Err: err}
		}
		return nil
	}
	return c.WriteMultiple(ctx, slave, address, words)
}

func (c *client) WriteMultiple(ctx context.Context, slave uint8, address uint16, words []uint16) error {
	if len(words) == 0 {
		return &ConnectionError{Op: "write", Endpoint: c.addr, Err: errors.New("empty write")}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.prepare(ctx, slave); err != nil {
		return &ConnectionError{Op: "write", Endpoint: c.addr, Err: err}
	}

	payload := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(payload[i*2:], w)
	}
	if _, err := c.mb.WriteMultipleRegisters(address, uint16(len(words)), payload); err != nil {
		c.markFailure(err)
		return &ConnectionError{Op: "write", Endpoint: c.addr, Err: err}
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// prepare is called with the mutex held: honor cancellation, heal a
// link marked dirty by the previous failure, and retarget the slave.
func (c *client) prepare(ctx context.Context, slave uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.dirty {
		c.handler.Close()
		if err := c.handler.Connect(); err != nil {
			return err
		}
		c.dirty = false
	}
	c.setSlave(slave)
	return nil
}

// markFailure flags the link for reconnection unless the device itself
// answered with a Modbus exception, which leaves the link healthy.
func (c *client) markFailure(err error) {
	var me *mb.ModbusError
	if errors.As(err, &me) {
		return
	}
	c.dirty = true
}
