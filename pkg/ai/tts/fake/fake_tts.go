package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai/tts"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	DefaultSampleRate = 24000
	chunkDuration     = 100 * time.Millisecond
	charsPerChunk     = 8
)

// Option configures a FakeTTS.
type Option func(*FakeTTS)

// WithChunks fixes the number of chunks produced per synthesis. Without it the
// count follows the text length.
func WithChunks(n int) Option { return func(f *FakeTTS) { f.chunks = n } }

// WithChunkDelay paces production, simulating a real-time synthesizer.
func WithChunkDelay(d time.Duration) Option { return func(f *FakeTTS) { f.delay = d } }

// WithSampleRate sets the output sample rate.
func WithSampleRate(rate int) Option { return func(f *FakeTTS) { f.sampleRate = rate } }

// WithOpenError makes every Synthesize call fail with err.
func WithOpenError(err error) Option { return func(f *FakeTTS) { f.openErr = err } }

// WithFailAfter makes each synthesis end with err after n chunks.
func WithFailAfter(n int, err error) Option {
	return func(f *FakeTTS) {
		f.failAfter = n
		f.failErr = err
	}
}

// FakeTTS produces a 440 Hz tone, one 100 ms chunk at a time.
type FakeTTS struct {
	chunks     int
	delay      time.Duration
	sampleRate int
	openErr    error
	failAfter  int
	failErr    error

	mu       sync.Mutex
	texts    []string
	produced int
}

// NewFakeTTS creates a new fake TTS provider.
func NewFakeTTS(opts ...Option) *FakeTTS {
	f := &FakeTTS{sampleRate: DefaultSampleRate}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Synthesize generates tone chunks for the given text.
func (f *FakeTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}

	f.mu.Lock()
	f.texts = append(f.texts, req.Text)
	f.mu.Unlock()

	count := f.chunks
	if count <= 0 {
		count = len(req.Text)/charsPerChunk + 1
	}

	stream, sctx := tts.NewChunkStream(ctx, 0)
	go func() {
		samples := int(time.Duration(f.sampleRate) * chunkDuration / time.Second)
		for i := 0; i < count; i++ {
			if f.failErr != nil && i == f.failAfter {
				stream.Finish(f.failErr)
				return
			}
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-sctx.Done():
					stream.Finish(sctx.Err())
					return
				}
			}

			frame := rtc.AudioFrame{
				Data:        tone(i, samples, f.sampleRate),
				SampleRate:  f.sampleRate,
				NumChannels: 1,
				Timestamp:   time.Duration(i) * chunkDuration,
			}
			if !stream.Send(frame) {
				stream.Finish(sctx.Err())
				return
			}

			f.mu.Lock()
			f.produced++
			f.mu.Unlock()
		}
		stream.Finish(nil)
	}()

	return stream, nil
}

// tone renders chunk i of a continuous sine wave as 16-bit little-endian PCM.
func tone(i, samples, sampleRate int) []byte {
	const frequency = 440.0
	data := make([]byte, samples*2)
	for j := 0; j < samples; j++ {
		idx := i*samples + j
		sample := 0.3 * math.Sin(2*math.Pi*frequency*float64(idx)/float64(sampleRate))
		v := int16(sample * 32767)
		data[j*2] = byte(v)
		data[j*2+1] = byte(v >> 8)
	}
	return data
}

// Texts returns every text passed to Synthesize.
func (f *FakeTTS) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// Produced reports how many chunks were delivered to consumers.
func (f *FakeTTS) Produced() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.produced
}

// Capabilities returns the fake TTS capabilities.
func (f *FakeTTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming:          true,
		SupportedLanguages: []string{"en-US"},
		SupportedVoices:    []string{"fake-voice-1"},
		SampleRates:        []int{f.sampleRate},
	}
}
