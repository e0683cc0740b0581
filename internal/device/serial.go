package device

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	serial "go.bug.st/serial"
)

const pollInterval = 10 * time.Millisecond

// SerialDevice implements Device using go.bug.st/serial.
type SerialDevice struct {
	mu      sync.Mutex
	port    serial.Port
	pending []byte
	dev     string
	baud    int
}

// NewSerialDevice creates and opens a serial device with the given path and baudrate.
func NewSerialDevice(dev string, baud int) (*SerialDevice, error) {
	s := &SerialDevice{dev: dev, baud: baud}
	if err := s.Open(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open ensures that the serial port is ready for use.
func (s *SerialDevice) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	p, err := openPort(s.dev, s.baud)
	if err != nil {
		return err
	}
	s.port = p
	s.pending = s.pending[:0]
	return nil
}

// Close closes the underlying serial connection.
func (s *SerialDevice) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// ReadLine reads a single line from the serial port, blocking until newline
// or timeout. The returned line keeps its trailing newline.
func (s *SerialDevice) ReadLine(timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return "", ErrNotOpen
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	buf := make([]byte, 128)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := string(s.pending[:i+1])
			s.pending = append(s.pending[:0], s.pending[i+1:]...)
			return line, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return "", ErrTimeout
		}
		n, err := s.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("serial %s read: %w", s.dev, err)
		}
		s.pending = append(s.pending, buf[:n]...)
	}
}

// WriteLine writes a single line followed by '\n' to the serial port.
func (s *SerialDevice) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotOpen
	}
	_, err := s.port.Write(append([]byte(line), '\n'))
	return err
}

// SerialTransactor exchanges fixed-size chunks over a serial port. Each
// transaction writes the whole tx chunk and then reads exactly len(rx) bytes.
// A positive timeout bounds the read so a silent peer is reported as
// ErrTimeout instead of blocking forever. Bytes of a chunk cut short by the
// timeout are kept, and the next Transact finishes that chunk without
// writing again, so chunk boundaries stay aligned with the peer.
//
// Transact is meant for a single caller; Close may be called from any
// goroutine and unblocks a pending read.
type SerialTransactor struct {
	mu      sync.Mutex
	port    serial.Port
	dev     string
	timeout time.Duration
	partial []byte
}

// NewSerialTransactor opens dev for chunk transactions.
func NewSerialTransactor(dev string, baud int, timeout time.Duration) (*SerialTransactor, error) {
	p, err := openPort(dev, baud)
	if err != nil {
		return nil, err
	}
	return newSerialTransactor(p, dev, timeout), nil
}

func newSerialTransactor(p serial.Port, dev string, timeout time.Duration) *SerialTransactor {
	return &SerialTransactor{port: p, dev: dev, timeout: timeout}
}

func (t *SerialTransactor) current() serial.Port {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// Transact implements Transactor.
func (t *SerialTransactor) Transact(tx, rx []byte) error {
	p := t.current()
	if p == nil {
		return ErrNotOpen
	}
	if len(t.partial) == 0 {
		if _, err := p.Write(tx); err != nil {
			if t.current() == nil {
				return ErrNotOpen
			}
			return fmt.Errorf("serial %s write: %w", t.dev, err)
		}
	}

	buf := make([]byte, len(rx))
	got := copy(buf, t.partial)
	t.partial = t.partial[:0]
	n, err := ReadChunk(p, buf[got:], t.timeout)
	got += n
	if err != nil {
		if t.current() == nil {
			return ErrNotOpen
		}
		if got > 0 && got < len(buf) {
			t.partial = append(t.partial, buf[:got]...)
		}
		return err
	}
	copy(rx, buf)
	return nil
}

// Close closes the port.
func (t *SerialTransactor) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// ReadChunk fills rx from p and reports how many bytes it read. With
// timeout > 0 it gives up with ErrTimeout once that much time has passed
// without the chunk completing.
func ReadChunk(p serial.Port, rx []byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	got := 0
	for got < len(rx) {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return got, ErrTimeout
		}
		n, err := p.Read(rx[got:])
		if err != nil {
			return got, fmt.Errorf("serial read: %w", err)
		}
		got += n
	}
	return got, nil
}

// openPort opens a serial port with a short read timeout so reads poll and
// callers can enforce their own deadlines.
func openPort(dev string, baud int) (serial.Port, error) {
	if dev == "" {
		return nil, errors.New("serial device path is empty")
	}
	p, err := serial.Open(dev, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial %s: %w", dev, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", dev, err)
	}
	return p, nil
}
