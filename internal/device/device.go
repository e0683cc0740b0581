// Package device defines the hardware-facing interfaces of the rover: a
// line-oriented Device for the motor board and a fixed-size chunk Transactor
// for the co-processor link.
package device

import (
	"errors"
	"time"
)

var (
	// ErrNotOpen is returned when an operation is attempted on a closed device.
	ErrNotOpen = errors.New("device not open")
	// ErrTimeout is returned when a read does not complete within its deadline.
	ErrTimeout = errors.New("device timeout")
)

// Device defines an abstract interface for line-based devices (motor board, simulators).
type Device interface {
	// ReadLine reads a single line terminated by '\n'.
	// If timeout > 0, it must return after timeout even if no data available.
	ReadLine(timeout time.Duration) (string, error)

	// WriteLine writes s followed by '\n' to the device.
	WriteLine(s string) error

	// Close closes the device and releases underlying resources.
	Close() error
}

// Transactor performs one full-duplex fixed-size exchange: tx is sent while rx
// is filled with the peer's chunk. len(tx) == len(rx) == chunk size.
type Transactor interface {
	Transact(tx, rx []byte) error
	Close() error
}
