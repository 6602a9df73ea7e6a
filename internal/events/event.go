// Package events implements the push-event channel to the backend: a single
// WebSocket connection whose JSON messages are decoded into typed domain
// events and delivered over a bounded Go channel, together with synthesized
// connectivity events.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Type discriminates push events.
type Type string

// Backend-originated event types.
const (
	TypeProgress    Type = "job_progress"
	TypeError       Type = "job_error"
	TypeWaitConfirm Type = "job_wait_confirm"
	TypeDone        Type = "job_done"
)

// Synthesized connectivity event types.
const (
	TypeChannelError  Type = "channel_error"
	TypeChannelClosed Type = "channel_closed"
)

// Known reports whether t is one the state machine understands.
func (t Type) Known() bool {
	switch t {
	case TypeProgress, TypeError, TypeWaitConfirm, TypeDone, TypeChannelError, TypeChannelClosed:
		return true
	default:
		return false
	}
}

// Connectivity reports whether t was synthesized by the channel itself.
func (t Type) Connectivity() bool {
	return t == TypeChannelError || t == TypeChannelClosed
}

// Candidate is one disambiguation option offered in job_wait_confirm.
type Candidate struct {
	Label string  `json:"label"`
	Score float64 `json:"score,omitempty"`
}

// UnmarshalJSON accepts either a bare string or an object carrying a label.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Label)
	}
	var obj struct {
		Label      string   `json:"label"`
		Name       string   `json:"name"`
		Text       string   `json:"text"`
		Score      *float64 `json:"score"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	c.Label = firstNonEmpty(obj.Label, obj.Name, obj.Text)
	switch {
	case obj.Score != nil:
		c.Score = *obj.Score
	case obj.Confidence != nil:
		c.Score = *obj.Confidence
	}
	return nil
}

// Event is a decoded push event.
type Event struct {
	Type       Type
	JobID      string
	Progress   float64
	Stage      string
	Code       string
	Hint       string
	Candidates []Candidate
	// Err is set on synthesized connectivity events.
	Err error
	// Raw keeps the original payload for logging.
	Raw json.RawMessage
}

type wireEvent struct {
	Type       string          `json:"type"`
	Event      string          `json:"event"`
	Name       string          `json:"name"`
	JobID      json.RawMessage `json:"jobId"`
	JobIDSnake json.RawMessage `json:"job_id"`
	Progress   *float64        `json:"progress"`
	Stage      string          `json:"stage"`
	Code       json.RawMessage `json:"code"`
	Hint       string          `json:"hint"`
	Candidates []Candidate     `json:"candidates"`
}

// ErrNotObject is returned by Decode for payloads that are not JSON objects.
var ErrNotObject = errors.New("event payload is not a JSON object")

// Decode parses a raw message. The discriminator is read from "type", then
// "event", then "name".
func Decode(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, ErrNotObject
	}
	var w wireEvent
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	evt := Event{
		Type:       Type(firstNonEmpty(w.Type, w.Event, w.Name)),
		JobID:      scalarString(w.JobID),
		Stage:      w.Stage,
		Code:       scalarString(w.Code),
		Hint:       w.Hint,
		Candidates: w.Candidates,
		Raw:        append(json.RawMessage(nil), trimmed...),
	}
	if evt.JobID == "" {
		evt.JobID = scalarString(w.JobIDSnake)
	}
	if w.Progress != nil {
		evt.Progress = clampUnit(*w.Progress)
	}
	return evt, nil
}

// scalarString renders a JSON string or number as text; anything else is "".
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
