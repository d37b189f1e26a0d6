// Package audioinfo reads container headers of uploaded audio for diagnostics.
// It never decodes samples.
package audioinfo

import (
	"errors"
	"io"
	"time"

	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when the stream does not carry a RIFF/WAVE header.
var ErrNotWAV = errors.New("not a wav file")

// Info summarizes a WAV header. Duration is zero when it cannot be derived.
type Info struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Duration   time.Duration
}

// WAV inspects r as a RIFF/WAVE stream.
func WAV(r io.ReadSeeker) (Info, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Info{}, ErrNotWAV
	}
	info := Info{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	// Duration is best effort; some encoders write bogus chunk sizes.
	if duration, err := dec.Duration(); err == nil {
		info.Duration = duration
	}
	return info, nil
}
