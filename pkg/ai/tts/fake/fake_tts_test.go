package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai/tts"
)

func TestFakeTTSCapabilities(t *testing.T) {
	caps := NewFakeTTS().Capabilities()

	if !caps.Streaming {
		t.Error("Expected Streaming to be true")
	}
	if len(caps.SampleRates) != 1 || caps.SampleRates[0] != DefaultSampleRate {
		t.Errorf("SampleRates = %v", caps.SampleRates)
	}
}

func TestFakeTTSSynthesize(t *testing.T) {
	provider := NewFakeTTS(WithChunks(3))

	stream, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "Hi, how can I help?"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	var last time.Duration = -1
	count := 0
	for frame := range stream.Frames() {
		if frame.Timestamp <= last {
			t.Errorf("chunk %d out of order: %v after %v", count, frame.Timestamp, last)
		}
		last = frame.Timestamp
		if got := frame.Duration(); got != 100*time.Millisecond {
			t.Errorf("chunk duration = %v, want 100ms", got)
		}
		count++
	}

	if count != 3 {
		t.Errorf("got %d chunks, want 3", count)
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
	if texts := provider.Texts(); len(texts) != 1 || texts[0] != "Hi, how can I help?" {
		t.Errorf("Texts() = %v", texts)
	}
}

func TestFakeTTSClose(t *testing.T) {
	provider := NewFakeTTS(WithChunks(100), WithChunkDelay(5*time.Millisecond))

	stream, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "long"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	<-stream.Frames()
	stream.Close()

	for range stream.Frames() {
	}
	if !errors.Is(stream.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", stream.Err())
	}
	if provider.Produced() >= 100 {
		t.Error("production continued after Close")
	}
}

func TestFakeTTSFailAfter(t *testing.T) {
	boom := errors.New("synth down")
	provider := NewFakeTTS(WithChunks(5), WithFailAfter(2, boom))

	stream, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "x"})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	count := 0
	for range stream.Frames() {
		count++
	}
	if count != 2 {
		t.Errorf("got %d chunks before failure, want 2", count)
	}
	if !errors.Is(stream.Err(), boom) {
		t.Errorf("Err() = %v, want %v", stream.Err(), boom)
	}
}
