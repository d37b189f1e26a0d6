package transcribe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Shape tells which variant a Result holds.
type Shape int

const (
	ShapePlainText Shape = iota
	ShapeStructured
)

func (s Shape) String() string {
	switch s {
	case ShapeStructured:
		return "structured"
	default:
		return "plain"
	}
}

// segmentShape is the minimum a segment must look like. Timings and any
// other fields are not inspected.
type segmentShape struct {
	Text  *string `json:"text"`
	Words []struct {
		Word *string `json:"word"`
	} `json:"words"`
}

// Result is either plain text or structured segments. Segments hold the
// engine's JSON for each segment byte for byte.
type Result struct {
	Shape    Shape
	Text     string
	Segments []json.RawMessage
}

// Empty reports whether the engine produced no transcript at all.
func (r Result) Empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Segments) == 0
}

type enginePayload struct {
	Text     *string         `json:"text"`
	Segments json.RawMessage `json:"segments"`
	Error    string          `json:"error"`
}

// Decode interprets engine stdout. Output that opens with '{' must be a valid
// JSON document; anything else is taken as a plain transcript.
func Decode(stdout []byte) (Result, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Result{Shape: ShapePlainText, Text: string(trimmed)}, nil
	}

	var payload enginePayload
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return Result{}, newError(KindInvalidEngineOutput, "transcription engine returned malformed JSON", err)
	}

	hasSegments := len(payload.Segments) > 0 && !bytes.Equal(payload.Segments, []byte("null"))
	if !hasSegments && payload.Text == nil {
		if payload.Error != "" {
			return Result{}, &Error{
				Kind:    KindInvalidEngineOutput,
				Message: "transcription engine reported an error",
				Detail:  payload.Error,
			}
		}
		return Result{}, newError(KindInvalidEngineOutput, "transcription engine JSON has neither segments nor text", nil)
	}

	var text string
	if payload.Text != nil {
		text = strings.TrimSpace(*payload.Text)
	}
	if !hasSegments {
		return Result{Shape: ShapePlainText, Text: text}, nil
	}

	var segments []json.RawMessage
	if err := json.Unmarshal(payload.Segments, &segments); err != nil {
		return Result{}, newError(KindInvalidEngineOutput, "transcription engine segments are malformed", err)
	}
	for i, raw := range segments {
		if err := checkSegment(raw); err != nil {
			return Result{}, newError(KindInvalidEngineOutput, fmt.Sprintf("transcription engine segment %d is malformed", i), err)
		}
	}
	return Result{Shape: ShapeStructured, Text: text, Segments: segments}, nil
}

func checkSegment(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("segment is not an object")
	}
	var shape segmentShape
	if err := json.Unmarshal(trimmed, &shape); err != nil {
		return err
	}
	for j, w := range shape.Words {
		if w.Word == nil {
			return fmt.Errorf("word %d has no text", j)
		}
	}
	return nil
}
