// Package parser converts link and motor-board wire formats to structured
// types and vice-versa.
//
// Link message format (co-processor -> rover):
//
//	TYPE PAYLOAD
//
// where TYPE is one byte: 'J' for a JSON detection payload, 'M' for plain text.
package parser

import (
	"errors"
	"fmt"
)

// MessageType is the leading tag byte of a reconstructed link message.
type MessageType byte

const (
	TypeDetection MessageType = 'J'
	TypeText      MessageType = 'M'
)

func (t MessageType) String() string {
	switch t {
	case TypeDetection:
		return "detection"
	case TypeText:
		return "text"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

var (
	// ErrUnknownType is returned for messages whose tag byte is neither 'J' nor 'M'.
	ErrUnknownType = errors.New("unknown message type")
	// ErrEmptyMessage is returned for a message with no tag byte at all.
	ErrEmptyMessage = errors.New("empty message")
)

// SplitMessage returns the type tag and payload of a reconstructed message.
// The payload aliases msg.
func SplitMessage(msg []byte) (MessageType, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, ErrEmptyMessage
	}
	t := MessageType(msg[0])
	switch t {
	case TypeDetection, TypeText:
		return t, msg[1:], nil
	default:
		return t, nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
}

// BuildMessage prefixes payload with its type tag.
func BuildMessage(t MessageType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(t))
	return append(out, payload...)
}
