package device

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"OmniRover/internal/drive"
	"OmniRover/internal/model"
	"OmniRover/internal/parser"
	"OmniRover/internal/util"
)

const (
	replyTimeout = 200 * time.Millisecond
	encoderTTL   = 10 * time.Millisecond
)

// MotorBoard is the serial-connected motor controller. It implements
// drive.Actuator and drive.Encoders over the line protocol in parser/csv.go.
type MotorBoard struct {
	mu  sync.Mutex
	dev Device
	log zerolog.Logger

	seq      uint32
	cached   model.EncoderReport
	cachedAt time.Time
}

// NewMotorBoard wraps an open line device.
func NewMotorBoard(dev Device) *MotorBoard {
	return &MotorBoard{dev: dev, log: util.Component("motorboard")}
}

// OpenMotorBoard opens the serial port at path and wraps it.
func OpenMotorBoard(path string, baud int) (*MotorBoard, error) {
	sd, err := NewSerialDevice(path, baud)
	if err != nil {
		return nil, fmt.Errorf("open motor board: %w", err)
	}
	return NewMotorBoard(sd), nil
}

// request sends a tagged line and waits for the reply carrying the same tag.
// Late replies to earlier requests are discarded.
func (b *MotorBoard) request(line string) (string, error) {
	b.seq++
	if err := b.dev.WriteLine(parser.TagLine(line, b.seq)); err != nil {
		return "", fmt.Errorf("motor board write %q: %w", line, err)
	}
	deadline := time.Now().Add(replyTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return "", fmt.Errorf("motor board reply to %q: %w", line, ErrTimeout)
		}
		reply, err := b.dev.ReadLine(left)
		if err != nil {
			return "", fmt.Errorf("motor board reply to %q: %w", line, err)
		}
		body, seq, ok := parser.SplitTag(reply)
		if ok && seq == b.seq {
			return body, nil
		}
		b.log.Debug().Str("reply", strings.TrimSpace(reply)).Uint32("want", b.seq).Msg("discarding stale reply")
	}
}

// SetWheelSpeed implements drive.Actuator.
func (b *MotorBoard) SetWheelSpeed(w drive.WheelID, percent float64) error {
	if !w.Valid() {
		return fmt.Errorf("invalid wheel %d", int(w))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	reply, err := b.request(parser.EncodeSpeed(model.MotorCommand{Wheel: int(w), Percent: drive.Clamp(percent)}))
	if err != nil {
		return err
	}
	return parser.DecodeAck(reply)
}

// SetServoAngle implements drive.Actuator.
func (b *MotorBoard) SetServoAngle(deg float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply, err := b.request(parser.EncodeServo(math.Max(0, math.Min(300, deg))))
	if err != nil {
		return err
	}
	return parser.DecodeAck(reply)
}

// ReadEncoder implements drive.Encoders. One board query serves all four
// wheels for a short while.
func (b *MotorBoard) ReadEncoder(w drive.WheelID) (int, error) {
	if !w.Valid() {
		return 0, fmt.Errorf("invalid wheel %d", int(w))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Since(b.cachedAt) > encoderTTL {
		reply, err := b.request(parser.RequestEncoders)
		if err != nil {
			return 0, err
		}
		rep, err := parser.DecodeEncoders(reply)
		if err != nil {
			return 0, err
		}
		b.cached, b.cachedAt = rep, time.Now()
	}
	return b.cached.Ticks[w], nil
}

// ReadLimitSwitch implements drive.Encoders.
func (b *MotorBoard) ReadLimitSwitch() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reply, err := b.request(parser.RequestLimit)
	if err != nil {
		return false, err
	}
	return parser.DecodeLimit(reply)
}

// Close closes the underlying device after stopping all wheels.
func (b *MotorBoard) Close() error {
	for _, w := range drive.Wheels {
		if err := b.SetWheelSpeed(w, 0); err != nil {
			b.log.Warn().Err(err).Stringer("wheel", w).Msg("stop on close failed")
			break
		}
	}
	return b.dev.Close()
}

// BoardBackend is what a BoardEmulator drives.
type BoardBackend interface {
	drive.Actuator
	drive.Encoders
}

// BoardEmulator answers the motor-board protocol on a Device using a
// backend, typically drive.SimChassis. linksim and tests use it in place of
// real firmware.
type BoardEmulator struct {
	dev     Device
	backend BoardBackend
	log     zerolog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewBoardEmulator creates an emulator serving dev.
func NewBoardEmulator(dev Device, backend BoardBackend) *BoardEmulator {
	return &BoardEmulator{dev: dev, backend: backend, log: util.Component("board-emulator")}
}

// Start launches the serving goroutine.
func (e *BoardEmulator) Start() {
	if e.stop != nil {
		return
	}
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.loop()
	e.log.Info().Msg("started")
}

// Stop halts the emulator and waits for it to exit.
func (e *BoardEmulator) Stop() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.wg.Wait()
	e.stop = nil
	e.log.Info().Msg("stopped")
}

func (e *BoardEmulator) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		default:
		}
		line, err := e.dev.ReadLine(100 * time.Millisecond)
		if err != nil {
			if err == ErrNotOpen {
				return
			}
			continue
		}
		body, seq, tagged := parser.SplitTag(line)
		reply := e.handle(body)
		if reply == "" {
			continue
		}
		if tagged {
			reply = parser.TagLine(reply, seq)
		}
		if err := e.dev.WriteLine(reply); err != nil {
			e.log.Warn().Err(err).Msg("reply failed")
		}
	}
}

func (e *BoardEmulator) handle(line string) string {
	switch {
	case line == "":
		return ""
	case line == parser.RequestEncoders:
		var rep model.EncoderReport
		for _, w := range drive.Wheels {
			n, err := e.backend.ReadEncoder(w)
			if err != nil {
				return "ERR," + err.Error()
			}
			rep.Ticks[w] = n
		}
		return parser.EncodeEncoders(rep)
	case line == parser.RequestLimit:
		on, err := e.backend.ReadLimitSwitch()
		if err != nil {
			return "ERR," + err.Error()
		}
		if on {
			return "L,1"
		}
		return "L,0"
	case strings.HasPrefix(line, "S,"):
		cmd, err := parser.DecodeSpeed(line)
		if err != nil {
			return "ERR," + err.Error()
		}
		if err := e.backend.SetWheelSpeed(drive.WheelID(cmd.Wheel), cmd.Percent); err != nil {
			return "ERR," + err.Error()
		}
		return "OK"
	case strings.HasPrefix(line, "A,"):
		var deg float64
		if _, err := fmt.Sscanf(line, "A,%g", &deg); err != nil {
			return "ERR,invalid servo angle"
		}
		if err := e.backend.SetServoAngle(deg); err != nil {
			return "ERR," + err.Error()
		}
		return "OK"
	default:
		e.log.Debug().Str("line", line).Msg("unknown command")
		return "ERR,unknown command"
	}
}
