package openai

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-session-go/pkg/ai/tts"
	"github.com/chriscow/voice-session-go/pkg/plugin"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	defaultSpeechModel = "tts-1"
	defaultVoice       = "alloy"

	// The pcm response format is 24 kHz mono signed 16-bit little-endian.
	pcmSampleRate = 24000
	chunkBytes    = pcmSampleRate * 2 / 10 // 100 ms
)

// OpenAITTS implements tts.TTS with the speech endpoint, relaying the
// response body as it arrives.
type OpenAITTS struct {
	client *openai.Client
	model  string
	voice  string
}

func newOpenAITTS(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAITTS{
		client: client,
		model:  plugin.String(cfg, "model", defaultSpeechModel),
		voice:  plugin.String(cfg, "voice", defaultVoice),
	}, nil
}

// Synthesize starts a speech request and returns its audio as 100 ms chunks.
func (o *OpenAITTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	speech := openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(o.getVoice(req.Voice)),
		ResponseFormat: openai.SpeechResponseFormatPcm,
	}
	if req.Speed > 0 {
		speech.Speed = float64(req.Speed)
	}

	stream, sctx := tts.NewChunkStream(ctx, 4)
	body, err := o.client.CreateSpeech(sctx, speech)
	if err != nil {
		stream.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err, "speech request failed")
	}

	go func() {
		defer body.Close()
		stream.Finish(relayPCM(body, stream))
	}()
	return stream, nil
}

// relayPCM cuts r into whole-sample chunks and sends them in order.
func relayPCM(r io.Reader, stream *tts.ChunkStream) error {
	var offset time.Duration
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(r, buf)
		n -= n % 2
		if n > 0 {
			frame, ferr := rtc.NewAudioFrame(append([]byte(nil), buf[:n]...), pcmSampleRate, 1, offset)
			if ferr != nil {
				return ferr
			}
			offset += frame.Duration()
			if !stream.Send(*frame) {
				return context.Canceled
			}
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case err != nil:
			return classify(err, "reading speech audio")
		}
	}
}

func (o *OpenAITTS) getVoice(requestVoice string) string {
	if requestVoice != "" {
		return requestVoice
	}
	return o.voice
}

// Capabilities returns the OpenAI TTS provider's capabilities.
func (o *OpenAITTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming:            true,
		SupportedLanguages:   []string{"en", "es", "fr", "de", "it", "pt", "ru", "ja", "ko", "zh"},
		SupportedVoices:      []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"},
		SampleRates:          []int{pcmSampleRate},
		SupportsSpeedControl: true,
	}
}
