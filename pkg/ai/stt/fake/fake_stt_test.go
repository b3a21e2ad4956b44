package fake

import (
	"context"
	"errors"
	"testing"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/rtc"
	"github.com/matryer/is"
)

func frame() rtc.AudioFrame {
	return rtc.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, NumChannels: 1}
}

func drain(s stt.STTStream) []stt.SpeechEvent {
	var events []stt.SpeechEvent
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestFakeSTTCapabilities(t *testing.T) {
	caps := NewFakeSTT(nil).Capabilities()

	if !caps.Streaming {
		t.Error("Expected Streaming to be true")
	}
	if !caps.InterimResults {
		t.Error("Expected InterimResults to be true")
	}
	if len(caps.SampleRates) == 0 {
		t.Error("Expected SampleRates to be non-empty")
	}
}

func TestFakeSTT_InterimsThenFinal(t *testing.T) {
	is := is.New(t)

	provider := NewFakeSTT([]string{"hello there friend"}, WithFramesPerWord(2))
	stream, err := provider.NewStream(context.Background(), stt.StreamConfig{SampleRate: 16000, NumChannels: 1})
	is.NoErr(err)

	f := frame()
	for i := 0; i < 6; i++ {
		is.NoErr(stream.Push(f))
	}

	events := drain(stream)
	is.Equal(len(events), 3)
	is.Equal(events[0].Text, "hello")
	is.Equal(events[1].Text, "hello there")
	is.Equal(events[2].Type, stt.SpeechEventFinal)
	is.Equal(events[2].Text, "hello there friend")
	is.True(events[2].IsFinal)
	is.Equal(events[2].AudioEnd, 6*f.Duration()) // covers everything heard
}

func TestFakeSTT_ScriptAdvances(t *testing.T) {
	is := is.New(t)

	provider := NewFakeSTT([]string{"one", "two"}, WithFramesPerWord(1))
	stream, err := provider.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)

	for i := 0; i < 5; i++ {
		is.NoErr(stream.Push(frame()))
	}

	events := drain(stream)
	is.Equal(len(events), 2) // nothing after the script ends
	is.Equal(events[0].Text, "one")
	is.Equal(events[1].Text, "two")
}

func TestFakeSTT_StreamExpires(t *testing.T) {
	is := is.New(t)

	provider := NewFakeSTT([]string{"a long utterance here"}, WithFramesPerWord(1), WithMaxFramesPerStream(2))
	stream, err := provider.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)

	is.NoErr(stream.Push(frame()))
	is.NoErr(stream.Push(frame()))
	is.True(errors.Is(stream.Push(frame()), stt.ErrStreamClosed))

	var last stt.SpeechEvent
	for ev := range stream.Events() {
		last = ev
	}
	is.Equal(last.Type, stt.SpeechEventError)
	is.True(errors.Is(last.Error, stt.ErrStreamExpired))
	is.True(ai.IsRecoverable(last.Error)) // expiry is recoverable
}

func TestFakeSTT_ReplayContinuesUtterance(t *testing.T) {
	is := is.New(t)

	provider := NewFakeSTT([]string{"how are you"}, WithFramesPerWord(2))

	first, err := provider.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)
	for i := 0; i < 4; i++ {
		is.NoErr(first.Push(frame()))
	}
	is.NoErr(first.CloseSend())

	second, err := provider.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)
	for i := 0; i < 6; i++ {
		is.NoErr(second.Push(frame()))
	}

	events := drain(second)
	is.Equal(events[len(events)-1].Text, "how are you")
	is.Equal(provider.Streams(), 2)
}

func TestFakeSTT_OpenErrors(t *testing.T) {
	is := is.New(t)

	boom := ai.NewRecoverableError(errors.New("unavailable"), "open")
	provider := NewFakeSTT(nil, WithOpenErrors(boom))

	_, err := provider.NewStream(context.Background(), stt.StreamConfig{})
	is.True(errors.Is(err, boom))

	_, err = provider.NewStream(context.Background(), stt.StreamConfig{})
	is.NoErr(err)
}
