// Package rtc holds the media types exchanged between the transport and the
// speech providers.
package rtc

import (
	"errors"
	"fmt"
	"time"
)

// DefaultMaxFrameBytes bounds a single frame so queued audio stays bounded.
const DefaultMaxFrameBytes = 32 * 1024

// ErrFrameTooLarge is returned when a frame exceeds the configured byte bound.
var ErrFrameTooLarge = errors.New("audio frame exceeds maximum size")

// AudioFrame is an opaque chunk of 16-bit little-endian PCM audio.
// Seq is monotonic per direction; it is stamped by whoever admits the frame
// into a session (ingress for inbound audio, egress for synthesized audio).
//
// A zero Timestamp means "live"; otherwise it is the offset into the stream.
type AudioFrame struct {
	Seq         uint64
	Data        []byte
	SampleRate  int
	NumChannels int
	Timestamp   time.Duration
}

// NewAudioFrame creates a frame and checks that the data is whole samples.
func NewAudioFrame(data []byte, sampleRate, numChannels int, timestamp time.Duration) (*AudioFrame, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels != 1 && numChannels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", numChannels)
	}
	if len(data)%(numChannels*2) != 0 {
		return nil, fmt.Errorf("AudioFrame data length %d is not a whole number of %d-channel 16-bit samples",
			len(data), numChannels)
	}

	return &AudioFrame{
		Data:        data,
		SampleRate:  sampleRate,
		NumChannels: numChannels,
		Timestamp:   timestamp,
	}, nil
}

// CheckSize returns ErrFrameTooLarge when the payload is larger than max.
// A non-positive max disables the check.
func (f *AudioFrame) CheckSize(max int) error {
	if max > 0 && len(f.Data) > max {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(f.Data), max)
	}
	return nil
}

// SamplesPerChannel is the number of samples each channel carries.
func (f *AudioFrame) SamplesPerChannel() int {
	ch := f.NumChannels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (ch * 2)
}

// Clone creates a deep copy of the AudioFrame.
func (f *AudioFrame) Clone() *AudioFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	c := *f
	c.Data = data
	return &c
}

// Duration returns the playback duration of the frame.
// Frames with an unknown sample rate report zero.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel()) * time.Second / time.Duration(f.SampleRate)
}
