// Package twilio implements the provider-facing edges of the relay: the
// Media Streams WebSocket framing, the TwiML voice webhook that routes a
// call into the stream, and the REST call-control actions.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Frame is one decoded Media Streams message. Exactly one of the optional
// sub-structs is populated, matching Event.
type Frame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartFrame   `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopFrame    `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartFrame carries the stream metadata sent once at call start.
type StartFrame struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio encoding of the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one audio chunk. Payload is base64-encoded μ-law.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopFrame carries the stream teardown notice.
type StopFrame struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkPayload acknowledges a previously sent mark.
type MarkPayload struct {
	Name string `json:"name"`
}

// DecodeFrame parses and validates one inbound Media Streams message.
// Validation happens once, here at the boundary: downstream code can trust
// that a start frame has a stream SID and a media frame has a decodable
// payload.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("twilio: decode frame: %w", err)
	}

	switch f.Event {
	case EventStart:
		if f.Start == nil {
			return nil, fmt.Errorf("twilio: start frame missing start payload")
		}
		if f.Start.StreamSID == "" {
			return nil, fmt.Errorf("twilio: start frame missing streamSid")
		}
	case EventMedia:
		if f.Media == nil {
			return nil, fmt.Errorf("twilio: media frame missing media payload")
		}
		if _, err := base64.StdEncoding.DecodeString(f.Media.Payload); err != nil {
			return nil, fmt.Errorf("twilio: media payload: %w", err)
		}
	case EventStop, EventMark, EventConnected, EventClear:
		// No required payload.
	case "":
		return nil, fmt.Errorf("twilio: frame missing event")
	default:
		return nil, fmt.Errorf("twilio: unknown event %q", f.Event)
	}
	return &f, nil
}

// AudioPayload returns the decoded μ-law bytes of a media frame.
func (f *Frame) AudioPayload() ([]byte, error) {
	if f.Event != EventMedia || f.Media == nil {
		return nil, fmt.Errorf("twilio: frame %q carries no audio", f.Event)
	}
	data, err := base64.StdEncoding.DecodeString(f.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("twilio: media payload: %w", err)
	}
	return data, nil
}

// EncodeMediaFrame builds an outbound media message carrying μ-law audio
// for the given stream.
func EncodeMediaFrame(streamSID string, mulaw []byte) ([]byte, error) {
	f := Frame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("twilio: encode media frame: %w", err)
	}
	return data, nil
}

// EncodeClearFrame builds the clear message that tells the provider to
// discard audio it has buffered for playback. Used on barge-in.
func EncodeClearFrame(streamSID string) ([]byte, error) {
	f := Frame{Event: EventClear, StreamSID: streamSID}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("twilio: encode clear frame: %w", err)
	}
	return data, nil
}

// EncodeMarkFrame builds a mark message used to track playback progress.
func EncodeMarkFrame(streamSID, name string) ([]byte, error) {
	f := Frame{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("twilio: encode mark frame: %w", err)
	}
	return data, nil
}
