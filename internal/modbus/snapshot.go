package modbus

// Thread-safe read helpers for inspecting server state from tests and
// the simulator.

import "fmt"

// GetHoldingRegister returns the current holding register value at address.
func GetHoldingRegister(s *Server, address uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.HoldingRegisters) {
		return 0, ErrAddrOutOfRange(address)
	}
	return s.HoldingRegisters[address], nil
}

// GetInputRegister returns the current input register value at address.
func GetInputRegister(s *Server, address uint16) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.InputRegisters) {
		return 0, ErrAddrOutOfRange(address)
	}
	return s.InputRegisters[address], nil
}

// GetHoldingRegisters copies a block of holding register values.
func GetHoldingRegisters(s *Server, address, count uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address)+int(count) > len(s.HoldingRegisters) {
		return nil, ErrAddrOutOfRange(address)
	}
	out := make([]uint16, count)
	copy(out, s.HoldingRegisters[address:])
	return out, nil
}

// GetInputRegisters copies a block of input register values.
func GetInputRegisters(s *Server, address, count uint16) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address)+int(count) > len(s.InputRegisters) {
		return nil, ErrAddrOutOfRange(address)
	}
	out := make([]uint16, count)
	copy(out, s.InputRegisters[address:])
	return out, nil
}

// ErrAddrOutOfRange returns a formatted error compatible with server.go style.
func ErrAddrOutOfRange(addr uint16) error {
	return fmt.Errorf("address %d out of range", addr)
}
