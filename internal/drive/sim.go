package drive

import (
	"math"
	"sync"
	"time"

	"OmniRover/internal/clock"
)

// SimChassis is an in-memory actuator and encoder set. Wheel positions are
// integrated lazily from the commanded speeds whenever it is touched, so it
// follows whichever clock it is given. Positive commands move the encoder
// negative, matching the real motor polarity.
type SimChassis struct {
	mu        sync.Mutex
	clk       clock.Clock
	last      time.Time
	speed     [4]float64
	pos       [4]float64
	limit     float64
	maxTicks  float64
	servo     float64
	limitSw   bool
	history   [][4]float64
	recording bool
}

// NewSimChassis returns a simulator whose wheels turn at maxTicks per second
// at 100 percent and whose counters saturate at ±limit.
func NewSimChassis(clk clock.Clock, maxTicks float64, limit int) *SimChassis {
	return &SimChassis{clk: clk, last: clk.Now(), maxTicks: maxTicks, limit: float64(limit)}
}

func (s *SimChassis) advance() {
	now := s.clk.Now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 {
		return
	}
	for i := range s.pos {
		p := s.pos[i] - s.speed[i]/100*s.maxTicks*dt
		s.pos[i] = math.Max(-s.limit, math.Min(s.limit, p))
	}
}

// SetWheelSpeed implements Actuator.
func (s *SimChassis) SetWheelSpeed(w WheelID, percent float64) error {
	if !w.Valid() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	s.speed[w] = Clamp(percent)
	if s.recording {
		s.history = append(s.history, s.speed)
	}
	return nil
}

// SetServoAngle implements Actuator.
func (s *SimChassis) SetServoAngle(deg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servo = math.Max(0, math.Min(300, deg))
	return nil
}

// ReadEncoder implements Encoders.
func (s *SimChassis) ReadEncoder(w WheelID) (int, error) {
	if !w.Valid() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return int(s.pos[w]), nil
}

// ReadLimitSwitch implements Encoders.
func (s *SimChassis) ReadLimitSwitch() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limitSw, nil
}

// SetLimitSwitch sets the simulated switch state.
func (s *SimChassis) SetLimitSwitch(on bool) {
	s.mu.Lock()
	s.limitSw = on
	s.mu.Unlock()
}

// Speeds returns the last commanded wheel speeds.
func (s *SimChassis) Speeds() [4]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Servo returns the last servo angle.
func (s *SimChassis) Servo() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.servo
}

// Record starts keeping every speed vector after each wheel write.
func (s *SimChassis) Record() {
	s.mu.Lock()
	s.recording = true
	s.history = nil
	s.mu.Unlock()
}

// History returns the recorded speed vectors.
func (s *SimChassis) History() [][4]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][4]float64(nil), s.history...)
}
