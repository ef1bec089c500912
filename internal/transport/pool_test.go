package transport

import (
	"context"
	"errors"
	"testing"

	"modbus-manager/internal/registry"
)

type fakeConn struct {
	closed int
}

func (f *fakeConn) Read(ctx context.Context, slave uint8, space registry.Space, start, words uint16) ([]uint16, error) {
	return make([]uint16, words), nil
}

func (f *fakeConn) Write(ctx context.Context, slave uint8, address uint16, words []uint16) error {
	return nil
}

func (f *fakeConn) WriteMultiple(ctx context.Context, slave uint8, address uint16, words []uint16) error {
	return nil
}

func (f *fakeConn) Close() error {
	f.closed++
	return nil
}

func TestPoolSharesConnectionPerEndpoint(t *testing.T) {
	dials := 0
	conn := &fakeConn{}
	pool := NewPool(func(ctx context.Context, ep Endpoint) (Conn, error) {
		dials++
		return conn, nil
	}, nil)

	ep := Endpoint{Protocol: "tcp", Host: "127.0.0.1", Port: 1502}

	a, err := pool.Acquire(context.Background(), ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := pool.Acquire(context.Background(), ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if dials != 1 {
		t.Fatalf("expected one dial for a shared endpoint, got %d", dials)
	}
	if a.Conn() != b.Conn() {
		t.Fatal("leases on the same endpoint should share one connection")
	}

	a.Release()
	if conn.closed != 0 {
		t.Fatal("connection closed while still leased")
	}
	b.Release()
	if conn.closed != 1 {
		t.Fatalf("expected close after last release, got %d closes", conn.closed)
	}

	// A fresh acquire after close dials again.
	c, err := pool.Acquire(context.Background(), ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer c.Release()
	if dials != 2 {
		t.Fatalf("expected redial after pool entry dropped, got %d dials", dials)
	}
}

func TestPoolReleaseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	pool := NewPool(func(ctx context.Context, ep Endpoint) (Conn, error) {
		return conn, nil
	}, nil)

	ep := Endpoint{Protocol: "rtu", SerialPort: "/dev/ttyUSB0"}

	a, err := pool.Acquire(context.Background(), ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := pool.Acquire(context.Background(), ep)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	a.Release()
	a.Release()
	a.Release()
	if conn.closed != 0 {
		t.Fatal("double release must not steal the remaining lease")
	}

	b.Release()
	if conn.closed != 1 {
		t.Fatalf("expected exactly one close, got %d", conn.closed)
	}
}

func TestPoolDistinctEndpoints(t *testing.T) {
	dials := 0
	pool := NewPool(func(ctx context.Context, ep Endpoint) (Conn, error) {
		dials++
		return &fakeConn{}, nil
	}, nil)

	a, err := pool.Acquire(context.Background(), Endpoint{Protocol: "tcp", Host: "10.0.0.1", Port: 502})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer a.Release()
	b, err := pool.Acquire(context.Background(), Endpoint{Protocol: "tcp", Host: "10.0.0.2", Port: 502})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer b.Release()

	if dials != 2 {
		t.Fatalf("expected a dial per endpoint, got %d", dials)
	}
	if a.Conn() == b.Conn() {
		t.Fatal("different endpoints must not share a connection")
	}
}

func TestPoolDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	pool := NewPool(func(ctx context.Context, ep Endpoint) (Conn, error) {
		return nil, dialErr
	}, nil)

	_, err := pool.Acquire(context.Background(), Endpoint{Protocol: "tcp", Host: "10.0.0.1", Port: 502})
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error to surface, got %v", err)
	}
}
