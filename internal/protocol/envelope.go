// Package protocol defines the messages voxlink exchanges with the assistant
// service over its single WebSocket connection.
//
// Outbound binary data is always sent as a [Unit]: a JSON [Envelope] text
// message immediately followed by the raw payload as a binary message, with
// Envelope.ByteLength equal to the payload length. Outbound control messages
// ([Control]) are single text messages.
//
// Inbound binary messages carry no envelope. They are chunks of a speech asset
// and are only meaningful to the speech assembler's receive state.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Outbound message types.
const (
	TypeHello      = "hello"
	TypePCMAudio   = "pcm_audio"
	TypeVideoFrame = "video_frame"
	TypeStop       = "stop"
)

// Payload formats announced in an [Envelope].
const (
	FormatPCM  = "audio/pcm"
	FormatJPEG = "image/jpeg"
)

// ErrLengthMismatch is returned when an envelope's byte_length does not match
// the payload it describes.
var ErrLengthMismatch = errors.New("protocol: byte_length does not match payload")

// Envelope is the header that precedes every outbound binary payload.
type Envelope struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Format     string `json:"format"`
	Rate       int    `json:"rate,omitempty"`
	ByteLength int    `json:"byte_length"`
}

// Unit is one outbound envelope together with its payload.
type Unit struct {
	Header  Envelope
	Payload []byte
}

// NewPCMUnit wraps 24 kHz little-endian PCM16 audio for sessionID.
func NewPCMUnit(sessionID string, pcm []byte) Unit {
	return Unit{
		Header: Envelope{
			Type:       TypePCMAudio,
			SessionID:  sessionID,
			Format:     FormatPCM,
			Rate:       audio.TargetSampleRate,
			ByteLength: len(pcm),
		},
		Payload: pcm,
	}
}

// NewVideoUnit wraps one JPEG-encoded frame for sessionID.
func NewVideoUnit(sessionID string, jpeg []byte) Unit {
	return Unit{
		Header: Envelope{
			Type:       TypeVideoFrame,
			SessionID:  sessionID,
			Format:     FormatJPEG,
			ByteLength: len(jpeg),
		},
		Payload: jpeg,
	}
}

// MarshalHeader validates the unit and returns the JSON encoding of its
// header. Empty payloads are rejected; nothing is ever sent for them.
func (u Unit) MarshalHeader() ([]byte, error) {
	if len(u.Payload) == 0 {
		return nil, fmt.Errorf("protocol: %s: empty payload", u.Header.Type)
	}
	if u.Header.ByteLength != len(u.Payload) {
		return nil, fmt.Errorf("protocol: %s: header says %d bytes, payload has %d: %w",
			u.Header.Type, u.Header.ByteLength, len(u.Payload), ErrLengthMismatch)
	}
	data, err := json.Marshal(u.Header)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return data, nil
}

// Control is an outbound control message without payload.
type Control struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// Client identifies the client build. Only set on hello.
	Client string `json:"client,omitempty"`
}

// Hello announces a new session to the service.
func Hello(sessionID, client string) Control {
	return Control{Type: TypeHello, SessionID: sessionID, Client: client}
}

// Stop asks the service to end the session.
func Stop(sessionID string) Control {
	return Control{Type: TypeStop, SessionID: sessionID}
}

// Marshal returns the JSON encoding of c.
func (c Control) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", c.Type, err)
	}
	return data, nil
}
