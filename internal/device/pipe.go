package device

import (
	"strings"
	"sync"
	"time"
)

// PipeTransactor is an in-memory Transactor. The peer side feeds inbound
// chunks with Send and observes the rover's outbound chunks on Received.
type PipeTransactor struct {
	chunkSize int
	timeout   time.Duration
	in        chan []byte
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewPipeTransactor creates a pipe for chunks of chunkSize bytes. A positive
// timeout makes Transact return ErrTimeout when the peer has nothing to send.
func NewPipeTransactor(chunkSize int, timeout time.Duration) *PipeTransactor {
	return &PipeTransactor{
		chunkSize: chunkSize,
		timeout:   timeout,
		in:        make(chan []byte),
		out:       make(chan []byte, 256),
		done:      make(chan struct{}),
	}
}

// Transact blocks until the peer sends a chunk, then copies it into rx
// (zero padded) and hands a copy of tx to the peer.
func (p *PipeTransactor) Transact(tx, rx []byte) error {
	var timeout <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-p.done:
		return ErrNotOpen
	case <-timeout:
		return ErrTimeout
	case chunk := <-p.in:
		clear(rx)
		copy(rx, chunk)
		sent := append([]byte(nil), tx...)
		select {
		case p.out <- sent:
		default:
			// peer is not reading; drop the oldest
			select {
			case <-p.out:
			default:
			}
			p.out <- sent
		}
		return nil
	}
}

// Send delivers one chunk to the rover side, blocking until a transaction
// consumes it or the pipe is closed.
func (p *PipeTransactor) Send(chunk []byte) error {
	if len(chunk) > p.chunkSize {
		chunk = chunk[:p.chunkSize]
	}
	select {
	case <-p.done:
		return ErrNotOpen
	case p.in <- chunk:
		return nil
	}
}

// Received yields the rover's outbound chunk for each completed transaction.
func (p *PipeTransactor) Received() <-chan []byte { return p.out }

// Done is closed when the pipe is closed.
func (p *PipeTransactor) Done() <-chan struct{} { return p.done }

// Close unblocks both sides.
func (p *PipeTransactor) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// LinePipe is one end of an in-memory line device pair.
type LinePipe struct {
	in   <-chan string
	out  chan<- string
	done chan struct{}
	once *sync.Once
}

// NewLinePipe returns two connected Device ends.
func NewLinePipe() (*LinePipe, *LinePipe) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)
	done := make(chan struct{})
	once := &sync.Once{}
	return &LinePipe{in: ba, out: ab, done: done, once: once},
		&LinePipe{in: ab, out: ba, done: done, once: once}
}

// ReadLine implements Device.
func (l *LinePipe) ReadLine(timeout time.Duration) (string, error) {
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case s := <-l.in:
		return s, nil
	case <-l.done:
		return "", ErrNotOpen
	case <-tc:
		return "", ErrTimeout
	}
}

// WriteLine implements Device.
func (l *LinePipe) WriteLine(s string) error {
	select {
	case <-l.done:
		return ErrNotOpen
	case l.out <- strings.TrimRight(s, "\n") + "\n":
		return nil
	}
}

// Close closes both ends.
func (l *LinePipe) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// PeerSide returns a Transactor for the other end of the pipe: each
// transaction sends tx to the rover and returns the rover's chunk in rx.
func (p *PipeTransactor) PeerSide() Transactor { return pipePeer{p} }

type pipePeer struct{ p *PipeTransactor }

func (pp pipePeer) Transact(tx, rx []byte) error {
	if err := pp.p.Send(tx); err != nil {
		return err
	}
	select {
	case <-pp.p.done:
		return ErrNotOpen
	case got := <-pp.p.out:
		clear(rx)
		copy(rx, got)
		return nil
	}
}

func (pp pipePeer) Close() error { return pp.p.Close() }
