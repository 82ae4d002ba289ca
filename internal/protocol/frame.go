// Package protocol defines the binary frames exchanged over a relay
// connection. Document payloads stay opaque to this layer; only the one-byte
// kind tag and the presence side channel are interpreted here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameKind discriminates the payloads multiplexed on a relay connection.
type FrameKind byte

const (
	// FrameFullState carries a complete replica serialization. Always the
	// first frame an attaching connection receives.
	FrameFullState FrameKind = 0x01
	// FrameDelta carries incremental replica changes.
	FrameDelta FrameKind = 0x02
	// FramePresence carries an ephemeral awareness payload.
	FramePresence FrameKind = 0x03
)

var (
	// ErrEmptyFrame indicates a frame without a kind tag.
	ErrEmptyFrame = errors.New("protocol: empty frame")
	// ErrUnknownFrameKind indicates an unrecognized kind tag.
	ErrUnknownFrameKind = errors.New("protocol: unknown frame kind")
	// ErrInvalidPresence indicates an undecodable presence payload.
	ErrInvalidPresence = errors.New("protocol: invalid presence payload")
)

// Frame pairs a kind tag with its opaque payload bytes.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Encode prefixes the payload with its kind tag.
func Encode(kind FrameKind, payload []byte) []byte {
	encoded := make([]byte, 1+len(payload))
	encoded[0] = byte(kind)
	copy(encoded[1:], payload)
	return encoded
}

// Decode splits raw bytes into a validated frame.
func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	kind := FrameKind(raw[0])
	switch kind {
	case FrameFullState, FrameDelta, FramePresence:
	default:
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrameKind, raw[0])
	}
	return Frame{Kind: kind, Payload: raw[1:]}, nil
}

// Cursor is a presence cursor position.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Presence is the ephemeral per-client state carried on the side channel.
// A frame with Left set announces that the client's entry must be removed.
type Presence struct {
	ClientID  string  `json:"clientId"`
	UserID    string  `json:"userId,omitempty"`
	UserName  string  `json:"userName,omitempty"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	Selection string  `json:"selection,omitempty"`
	Left      bool    `json:"left,omitempty"`
}

// EncodePresence serializes a presence frame.
func EncodePresence(presence Presence) ([]byte, error) {
	if presence.ClientID == "" {
		return nil, fmt.Errorf("%w: missing client id", ErrInvalidPresence)
	}
	payload, err := json.Marshal(presence)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	return Encode(FramePresence, payload), nil
}

// DecodePresence parses a presence payload.
func DecodePresence(payload []byte) (Presence, error) {
	var presence Presence
	if err := json.Unmarshal(payload, &presence); err != nil {
		return Presence{}, fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	if presence.ClientID == "" {
		return Presence{}, fmt.Errorf("%w: missing client id", ErrInvalidPresence)
	}
	return presence, nil
}
