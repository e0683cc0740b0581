// Package model defines shared message structures for the rover.
package model

import "time"

// Event kinds published to the telemetry hub and recorder.
const (
	EventDetection = "detection"
	EventText      = "text"
	EventDrive     = "drive"
	EventAlign     = "align"
	EventMission   = "mission"
	EventLink      = "link"
)

// Event is a single telemetry record. Data is kind-specific and JSON encodable.
type Event struct {
	RunID string    `json:"run_id"`
	Seq   uint64    `json:"seq"`
	Kind  string    `json:"kind"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// DriveStatus is published at the start and end of each drive primitive.
type DriveStatus struct {
	Maneuver string     `json:"maneuver"`
	Speed    float64    `json:"speed"`
	Duration float64    `json:"duration_s,omitempty"`
	Phase    string     `json:"phase"` // start, stop, reject, cancel
	Ticks    [4]int     `json:"ticks"`
	Output   [4]float64 `json:"output,omitempty"`
}

// AlignStatus is published on each alignment phase transition.
type AlignStatus struct {
	Phase string  `json:"phase"`
	Tx    float64 `json:"tx"`
	Dy    float64 `json:"dy"`
	Ta    float64 `json:"ta"`
	Pass  int     `json:"pass"`
}

// DetectionSummary is the flattened detection published on every 'J' message.
type DetectionSummary struct {
	PipelineID int     `json:"pid"`
	Type       string  `json:"ptype"`
	Valid      bool    `json:"valid"`
	Kind       string  `json:"kind,omitempty"`
	Tx         float64 `json:"tx"`
	Ty         float64 `json:"ty"`
	Ta         float64 `json:"ta"`
}

// MissionStatus is published when a mission step starts, finishes or fails.
type MissionStatus struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Phase  string `json:"phase"` // start, done, error
	Error  string `json:"error,omitempty"`
}

// LinkEvent is published when the co-processor link changes state.
type LinkEvent struct {
	State    string `json:"state"` // established, pipeline, down
	Pipeline int    `json:"pipeline"`
	Error    string `json:"error,omitempty"`
}

// MotorCommand is the open-loop wheel command sent to the motor board.
type MotorCommand struct {
	Wheel   int     `json:"wheel"`
	Percent float64 `json:"percent"`
}

// EncoderReport is the per-wheel tick snapshot reported by the motor board.
type EncoderReport struct {
	Ticks [4]int `json:"ticks"`
}
