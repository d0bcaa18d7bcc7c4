package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	TypePartialTranscript  = "partial_transcript"
	TypeFinalTranscript    = "final_transcript"
	TypeAssistantTextDelta = "assistant_text_delta"
	TypeAssistantText      = "assistant_text"
	TypeLaptopStatus       = "laptop_status"
	TypeTTSStart           = "tts_start"
	TypeTTSEnd             = "tts_end"
)

var (
	// ErrMalformed is returned by [DecodeInbound] for text that is not a JSON
	// object with a string "type" field, or whose fields have the wrong shape.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned by [DecodeInbound] for well-formed messages
	// with a type this client does not understand.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Inbound is a decoded control message from the service. The set of
// implementations is closed; switch on the concrete type.
type Inbound interface {
	// Type returns the wire type tag.
	Type() string

	inbound()
}

// PartialTranscript is the running transcript of the current utterance. Each
// message carries the full text so far, replacing the previous one.
type PartialTranscript struct {
	Text string `json:"text"`
}

// FinalTranscript is the committed transcript of a finished utterance.
type FinalTranscript struct {
	Text string `json:"text"`
}

// AssistantTextDelta is an incremental piece of the assistant's reply.
type AssistantTextDelta struct {
	Delta string `json:"delta"`
}

// AssistantText is the assistant's complete reply.
type AssistantText struct {
	Text string `json:"text"`
}

// StatusState classifies a [Status] message.
type StatusState string

// Known status states.
const (
	StateInfo      StatusState = "info"
	StateDebug     StatusState = "debug"
	StateError     StatusState = "error"
	StateQueued    StatusState = "queued"
	StateStreaming StatusState = "streaming"
	StateIdle      StatusState = "idle"
)

// Known reports whether s is one of the defined states.
func (s StatusState) Known() bool {
	switch s {
	case StateInfo, StateDebug, StateError, StateQueued, StateStreaming, StateIdle:
		return true
	}
	return false
}

// Status is a human-readable status line from the service (laptop_status).
type Status struct {
	State   StatusState `json:"state"`
	Message string      `json:"message"`
}

// TTSStart marks the beginning of a speech asset; the binary messages that
// follow are its chunks.
type TTSStart struct{}

// TTSEnd marks the end of the current speech asset.
type TTSEnd struct{}

func (PartialTranscript) Type() string  { return TypePartialTranscript }
func (FinalTranscript) Type() string    { return TypeFinalTranscript }
func (AssistantTextDelta) Type() string { return TypeAssistantTextDelta }
func (AssistantText) Type() string      { return TypeAssistantText }
func (Status) Type() string             { return TypeLaptopStatus }
func (TTSStart) Type() string           { return TypeTTSStart }
func (TTSEnd) Type() string             { return TypeTTSEnd }

func (PartialTranscript) inbound()  {}
func (FinalTranscript) inbound()    {}
func (AssistantTextDelta) inbound() {}
func (AssistantText) inbound()      {}
func (Status) inbound()             {}
func (TTSStart) inbound()           {}
func (TTSEnd) inbound()             {}

// DecodeInbound parses one inbound text message. Errors wrap [ErrMalformed] or
// [ErrUnknownType].
func DecodeInbound(data []byte) (Inbound, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if head.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch *head.Type {
	case TypePartialTranscript:
		return decode[PartialTranscript](data)
	case TypeFinalTranscript:
		return decode[FinalTranscript](data)
	case TypeAssistantTextDelta:
		return decode[AssistantTextDelta](data)
	case TypeAssistantText:
		return decode[AssistantText](data)
	case TypeLaptopStatus:
		var st Status
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, TypeLaptopStatus, err)
		}
		if st.State == "" {
			st.State = StateInfo
		}
		return st, nil
	case TypeTTSStart:
		return TTSStart{}, nil
	case TypeTTSEnd:
		return TTSEnd{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *head.Type)
	}
}

func decode[T Inbound](data []byte) (Inbound, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, v.Type(), err)
	}
	return v, nil
}
