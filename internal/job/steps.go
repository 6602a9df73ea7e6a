package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// TutorialSteps is the playback metadata of a generated tutorial video.
// Timestamps and Prompts are either empty or exactly StepCount long.
type TutorialSteps struct {
	StepCount  int       `json:"stepCount"`
	Timestamps []float64 `json:"timestamps"`
	Prompts    []string  `json:"prompts"`
	Current    int       `json:"currentStep"`
}

type wireSteps struct {
	StepCount  json.RawMessage `json:"stepCount"`
	Timestamps json.RawMessage `json:"timestamps"`
	Prompts    json.RawMessage `json:"prompts"`
}

// NormalizeSteps converts the wire form into dense sequences. Both sequences
// may arrive as arrays or as maps keyed by numeric index; map entries are
// ordered by ascending key. A missing or null payload yields nil.
func NormalizeSteps(raw json.RawMessage) (*TutorialSteps, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var w wireSteps
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}

	timestamps, err := indexedValues(w.Timestamps, offsetValue)
	if err != nil {
		return nil, fmt.Errorf("decode steps timestamps: %w", err)
	}
	prompts, err := indexedValues(w.Prompts, promptValue)
	if err != nil {
		return nil, fmt.Errorf("decode steps prompts: %w", err)
	}

	count, err := declaredCount(w.StepCount)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		count = len(timestamps)
	}
	if count == 0 {
		count = len(prompts)
	}

	return &TutorialSteps{
		StepCount:  count,
		Timestamps: fit(timestamps, count),
		Prompts:    fit(prompts, count),
	}, nil
}

// indexedValues decodes an array or a numeric-keyed object into an ordered
// slice. Object keys that are not numbers are skipped.
func indexedValues[T any](raw json.RawMessage, conv func(json.RawMessage) T) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			out = append(out, conv(item))
		}
		return out, nil
	case '{':
		var byKey map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byKey); err != nil {
			return nil, err
		}
		type entry struct {
			index float64
			value json.RawMessage
		}
		entries := make([]entry, 0, len(byKey))
		for k, v := range byKey {
			idx, err := strconv.ParseFloat(k, 64)
			if err != nil || math.IsNaN(idx) {
				continue
			}
			entries = append(entries, entry{index: idx, value: v})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
		out := make([]T, 0, len(entries))
		for _, e := range entries {
			out = append(out, conv(e.value))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected array or object, got %s", raw)
	}
}

// offsetValue reads a non-negative seek offset; anything else is 0.
func offsetValue(raw json.RawMessage) float64 {
	v, ok := number(raw)
	if !ok || v < 0 || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func promptValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if v, ok := number(raw); ok {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// number accepts JSON numbers and numeric strings.
func number(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		return v, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// MaxSteps bounds the declared step count of a tutorial.
const MaxSteps = 1000

func declaredCount(raw json.RawMessage) (int, error) {
	v, ok := number(raw)
	if !ok || v < 1 {
		return 0, nil
	}
	if v > MaxSteps {
		return 0, fmt.Errorf("step count %g exceeds %d", v, MaxSteps)
	}
	return int(v), nil
}

// fit truncates or zero-pads values to count; empty input stays empty.
func fit[T any](values []T, count int) []T {
	if len(values) == 0 || count == 0 {
		return nil
	}
	out := make([]T, count)
	copy(out, values)
	return out
}

// Goto moves to step i, clamped to the valid range, and returns the new index.
func (s *TutorialSteps) Goto(i int) int {
	if s == nil || s.StepCount <= 0 {
		return 0
	}
	s.Current = max(0, min(s.StepCount-1, i))
	return s.Current
}

// Next advances one step.
func (s *TutorialSteps) Next() int {
	if s == nil {
		return 0
	}
	return s.Goto(s.Current + 1)
}

// Prev goes back one step.
func (s *TutorialSteps) Prev() int {
	if s == nil {
		return 0
	}
	return s.Goto(s.Current - 1)
}

// SeekTime is the video offset of the current step, or 0 when unknown.
func (s *TutorialSteps) SeekTime() float64 {
	if s == nil || s.Current >= len(s.Timestamps) {
		return 0
	}
	return s.Timestamps[s.Current]
}

// Caption is the subtitle for the current step. Without a prompt it falls back
// to the step position.
func (s *TutorialSteps) Caption() string {
	if s == nil || s.StepCount <= 0 {
		return ""
	}
	n := s.Current + 1
	if s.Current < len(s.Prompts) && s.Prompts[s.Current] != "" {
		return fmt.Sprintf("Step %d: %s", n, s.Prompts[s.Current])
	}
	return fmt.Sprintf("Step %d/%d", n, s.StepCount)
}

// HasPrev reports whether Prev would move.
func (s *TutorialSteps) HasPrev() bool {
	return s != nil && s.StepCount > 0 && s.Current > 0
}

// HasNext reports whether Next would move.
func (s *TutorialSteps) HasNext() bool {
	return s != nil && s.Current < s.StepCount-1
}

// Clone returns a deep copy.
func (s *TutorialSteps) Clone() *TutorialSteps {
	if s == nil {
		return nil
	}
	out := *s
	out.Timestamps = append([]float64(nil), s.Timestamps...)
	out.Prompts = append([]string(nil), s.Prompts...)
	return &out
}
