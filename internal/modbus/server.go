// Package modbus implements a minimal Modbus TCP server holding the two
// register banks this project polls: holding and input. It backs the
// device simulator and the transport/coordinator tests.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const (
	functionReadHoldingRegs   = 0x03
	functionReadInputRegs     = 0x04
	functionWriteSingleReg    = 0x06
	functionWriteMultipleRegs = 0x10

	exceptionIllegalFunction = 0x01
	exceptionIllegalDataAddr = 0x02
	exceptionIllegalDataVal  = 0x03
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
)

// Server is a Modbus TCP server with holding and input register banks.
// Reads (FC 3/4) and holding writes (FC 6/16) are supported; everything
// else answers with an illegal-function exception.
type Server struct {
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once

	mu               sync.RWMutex
	HoldingRegisters []uint16
	InputRegisters   []uint16
}

// NewServer constructs a server with full-range register banks.
func NewServer() *Server {
	return &Server{
		HoldingRegisters: make([]uint16, 65536),
		InputRegisters:   make([]uint16, 65536),
		quit:             make(chan struct{}),
	}
}

// Listen starts accepting Modbus TCP connections on the provided address.
// Use an address with port 0 and Addr() to let tests pick a free port.
func (s *Server) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listener address, empty before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		if length == 0 {
			continue
		}

		pduLength := int(length - 1)
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := s.handlePDU(pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(header); err != nil {
			return
		}
		if _, err := conn.Write(response); err != nil {
			return
		}
	}
}

func (s *Server) handlePDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	switch function {
	case functionReadHoldingRegs:
		data, err := s.readRegisters(s.HoldingRegisters, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionReadInputRegs:
		data, err := s.readRegisters(s.InputRegisters, pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		return append([]byte{function, byte(len(data))}, data...)
	case functionWriteSingleReg:
		if err := s.writeSingle(pdu); err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		// Response echoes address and value.
		return append([]byte{function}, pdu[1:5]...)
	case functionWriteMultipleRegs:
		addr, qty, err := s.writeMultiple(pdu)
		if err != nil {
			return exceptionResponse(function, errToCode(err))
		}
		resp := make([]byte, 5)
		resp[0] = function
		binary.BigEndian.PutUint16(resp[1:3], addr)
		binary.BigEndian.PutUint16(resp[3:5], qty)
		return resp
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
}

func (s *Server) readRegisters(source []uint16, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > 125 {
		return nil, errInvalidQty
	}
	end := int(start) + int(quantity)
	if end > len(source) {
		return nil, errOutOfRange
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]byte, quantity*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], source[int(start)+i])
	}
	return result, nil
}

func (s *Server) writeSingle(pdu []byte) error {
	if len(pdu) < 5 {
		return errInvalidPDULen
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	if int(addr) >= len(s.HoldingRegisters) {
		return errOutOfRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HoldingRegisters[addr] = value
	return nil
}

func (s *Server) writeMultiple(pdu []byte) (uint16, uint16, error) {
	if len(pdu) < 6 {
		return 0, 0, errInvalidPDULen
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if quantity == 0 || quantity > 123 || byteCount != int(quantity)*2 {
		return 0, 0, errInvalidQty
	}
	if len(pdu) < 6+byteCount {
		return 0, 0, errInvalidPDULen
	}
	if int(addr)+int(quantity) > len(s.HoldingRegisters) {
		return 0, 0, errOutOfRange
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < int(quantity); i++ {
		s.HoldingRegisters[int(addr)+i] = binary.BigEndian.Uint16(pdu[6+i*2 : 8+i*2])
	}
	return addr, quantity, nil
}

func exceptionResponse(function byte, code byte) []byte {
	if function == 0 {
		function = 0x80
	} else {
		function = function | 0x80
	}
	return []byte{function, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty):
		return exceptionIllegalDataVal
	case errors.Is(err, errInvalidPDULen):
		return exceptionIllegalDataVal
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the server and waits for all goroutines to exit.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
}

// SetHoldingRegister updates a holding register value.
func (s *Server) SetHoldingRegister(address uint16, value uint16) error {
	if int(address) >= len(s.HoldingRegisters) {
		return fmt.Errorf("address %d out of range", address)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HoldingRegisters[address] = value
	return nil
}

// SetInputRegister updates an input register value.
func (s *Server) SetInputRegister(address uint16, value uint16) error {
	if int(address) >= len(s.InputRegisters) {
		return fmt.Errorf("address %d out of range", address)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InputRegisters[address] = value
	return nil
}

// SetHoldingRegisters writes a block of values starting at address.
func (s *Server) SetHoldingRegisters(address uint16, values []uint16) error {
	if int(address)+len(values) > len(s.HoldingRegisters) {
		return fmt.Errorf("block at %d length %d out of range", address, len(values))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.HoldingRegisters[address:], values)
	return nil
}

// SetInputRegisters writes a block of values starting at address.
func (s *Server) SetInputRegisters(address uint16, values []uint16) error {
	if int(address)+len(values) > len(s.InputRegisters) {
		return fmt.Errorf("block at %d length %d out of range", address, len(values))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.InputRegisters[address:], values)
	return nil
}
