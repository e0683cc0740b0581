package parser

import (
	"fmt"
	"strconv"
	"strings"

	"OmniRover/internal/model"
)

// Motor-board line protocol (rover -> board):
//
//	S,WHEEL,PERCENT   set wheel speed, WHEEL 0..3 in FR,FL,BR,BL order
//	A,DEGREES         set servo angle
//	E                 request encoder counts
//	L                 request limit switch state
//
// Replies (board -> rover):
//
//	E,FR,FL,BR,BL
//	L,0|1
//	OK
//	ERR,<reason>
//
// Every request may carry a "*SEQ" suffix which the board copies onto its
// reply, so a reply that arrives after the rover gave up on it can be told
// apart from the answer to the next request.

// TagLine appends the sequence tag to a request or reply.
func TagLine(line string, seq uint32) string {
	return line + "*" + strconv.FormatUint(uint64(seq), 10)
}

// SplitTag separates a line from its sequence tag. ok is false for untagged
// or badly tagged lines, in which case body is the whole trimmed line.
func SplitTag(line string) (body string, seq uint32, ok bool) {
	line = strings.TrimSpace(line)
	i := strings.LastIndexByte(line, '*')
	if i < 0 {
		return line, 0, false
	}
	n, err := strconv.ParseUint(line[i+1:], 10, 32)
	if err != nil {
		return line, 0, false
	}
	return line[:i], uint32(n), true
}

// EncodeSpeed formats a wheel speed command.
func EncodeSpeed(c model.MotorCommand) string {
	return fmt.Sprintf("S,%d,%.1f", c.Wheel, c.Percent)
}

// EncodeServo formats a servo angle command.
func EncodeServo(deg float64) string {
	return fmt.Sprintf("A,%.1f", deg)
}

const (
	RequestEncoders = "E"
	RequestLimit    = "L"
)

// DecodeSpeed parses a wheel speed command; the board simulator uses it.
func DecodeSpeed(line string) (model.MotorCommand, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 3 || fields[0] != "S" {
		return model.MotorCommand{}, fmt.Errorf("invalid speed command %q", line)
	}
	wheel, err := strconv.Atoi(fields[1])
	if err != nil || wheel < 0 || wheel > 3 {
		return model.MotorCommand{}, fmt.Errorf("invalid wheel %q", fields[1])
	}
	pct, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return model.MotorCommand{}, fmt.Errorf("invalid percent %q", fields[2])
	}
	return model.MotorCommand{Wheel: wheel, Percent: pct}, nil
}

// EncodeEncoders formats an encoder reply.
func EncodeEncoders(r model.EncoderReport) string {
	return fmt.Sprintf("E,%d,%d,%d,%d", r.Ticks[0], r.Ticks[1], r.Ticks[2], r.Ticks[3])
}

// DecodeEncoders parses an encoder reply.
func DecodeEncoders(line string) (model.EncoderReport, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 5 || fields[0] != "E" {
		return model.EncoderReport{}, fmt.Errorf("expected E plus 4 fields, got %q", line)
	}
	var r model.EncoderReport
	for i := 0; i < 4; i++ {
		n, err := strconv.Atoi(fields[i+1])
		if err != nil {
			return model.EncoderReport{}, fmt.Errorf("invalid ticks for wheel %d: %w", i, err)
		}
		r.Ticks[i] = n
	}
	return r, nil
}

// DecodeLimit parses a limit switch reply.
func DecodeLimit(line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "L,1":
		return true, nil
	case "L,0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid limit reply %q", line)
	}
}

// DecodeAck checks a command acknowledgement.
func DecodeAck(line string) error {
	line = strings.TrimSpace(line)
	if line == "OK" {
		return nil
	}
	if reason, ok := strings.CutPrefix(line, "ERR,"); ok {
		return fmt.Errorf("motor board: %s", reason)
	}
	return fmt.Errorf("unexpected reply %q", line)
}
