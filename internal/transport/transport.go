// Package transport provides the device connection the poll coordinator
// reads through: a narrow word-level interface over goburrow/modbus plus
// a pool that shares one physical connection between hubs via
// reference-counted leases.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"modbus-manager/internal/registry"
)

// Conn reads and writes 16-bit register words on one physical
// connection. Implementations serialize all calls internally: a Modbus
// link carries one transaction at a time.
type Conn interface {
	// Read fetches words registers of the given space starting at start.
	Read(ctx context.Context, slave uint8, space registry.Space, start, words uint16) ([]uint16, error)
	// Write stores words at address, using a single-register write for
	// one word and a multiple-register write otherwise.
	Write(ctx context.Context, slave uint8, address uint16, words []uint16) error
	// WriteMultiple always uses the multiple-register function, for
	// devices that reject single-register writes.
	WriteMultiple(ctx context.Context, slave uint8, address uint16, words []uint16) error
	Close() error
}

// ConnectionError wraps a failed device call. Callers treat it as
// transient: the poll loop retries on its next tick.
type ConnectionError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is (or wraps) a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Endpoint describes one physical connection target.
type Endpoint struct {
	Protocol string // "tcp" or "rtu"

	// TCP fields.
	Host string
	Port int

	// Serial fields.
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string

	Timeout    time.Duration
	RetryCount int
}

// Key identifies the shared connection an endpoint maps to. Endpoints
// with equal keys lease the same Conn from a Pool.
func (e Endpoint) Key() string {
	if e.Protocol == "rtu" {
		return "rtu://" + e.SerialPort
	}
	return fmt.Sprintf("tcp://%s:%d", e.Host, e.Port)
}

// Address returns the dialable form of the endpoint for logs.
func (e Endpoint) Address() string {
	if e.Protocol == "rtu" {
		return e.SerialPort
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
