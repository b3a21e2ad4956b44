// Package elevenlabs registers a speech synthesizer backed by the ElevenLabs
// stream-input websocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/tts"
	"github.com/chriscow/voice-session-go/pkg/plugin"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	apiKeyEnv     = "ELEVENLABS_API_KEY"
	defaultWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/stream-input"
	defaultModel  = "eleven_flash_v2_5"
	defaultVoice  = "21m00Tcm4TlvDq8ikWAM"
	sampleRate    = 24000
	chunkBytes    = sampleRate * 2 / 10 // 100 ms of 16-bit mono
	writeTimeout  = 5 * time.Second
	dialTimeout   = 10 * time.Second
)

// ElevenLabsTTS implements tts.TTS. Each synthesis is one websocket.
type ElevenLabsTTS struct {
	apiKey string
	wsBase string
	model  string
	voice  string
}

func newElevenLabsTTS(cfg map[string]any) (any, error) {
	apiKey, err := plugin.APIKey(cfg, apiKeyEnv)
	if err != nil {
		return nil, err
	}
	return &ElevenLabsTTS{
		apiKey: apiKey,
		wsBase: plugin.String(cfg, "ws_url", defaultWSBase),
		model:  plugin.String(cfg, "model", defaultModel),
		voice:  plugin.String(cfg, "voice", defaultVoice),
	}, nil
}

// Synthesize sends text as a single flushed generation and streams back
// 24 kHz PCM in 100 ms chunks.
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	wsURL, err := e.streamURL(voice, req.Language)
	if err != nil {
		return nil, ai.NewFatalError(err, "elevenlabs stream url")
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, dialError(resp, err)
	}

	opening := map[string]any{"text": " "}
	if req.Speed > 0 {
		opening["voice_settings"] = map[string]any{"speed": req.Speed}
	}
	messages := []any{
		opening,
		map[string]any{"text": strings.TrimSpace(req.Text) + " ", "flush": true},
		map[string]any{"text": ""}, // end of input
	}
	for _, msg := range messages {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, ai.NewRecoverableError(err, "elevenlabs send text")
		}
	}

	stream, sctx := tts.NewChunkStream(ctx, 4)
	go func() {
		<-sctx.Done()
		conn.Close()
	}()
	go func() {
		stream.Finish(relay(sctx, conn, stream))
	}()
	return stream, nil
}

func (e *ElevenLabsTTS) streamURL(voice, language string) (string, error) {
	base := strings.ReplaceAll(e.wsBase, "{voice_id}", url.PathEscape(voice))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws url: %w", err)
	}
	q := u.Query()
	q.Set("model_id", e.model)
	q.Set("output_format", fmt.Sprintf("pcm_%d", sampleRate))
	if i := strings.IndexByte(language, '-'); i > 0 {
		language = language[:i]
	}
	if language != "" {
		q.Set("language_code", language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type message struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// relay reads audio messages until the final one, re-chunking the PCM so
// every frame holds whole samples.
func relay(ctx context.Context, conn *websocket.Conn, stream *tts.ChunkStream) error {
	var (
		pending []byte
		offset  time.Duration
	)
	flush := func(all bool) bool {
		for len(pending) >= chunkBytes || (all && len(pending) >= 2) {
			n := min(chunkBytes, len(pending)-len(pending)%2)
			frame, err := rtc.NewAudioFrame(pending[:n:n], sampleRate, 1, offset)
			if err != nil {
				return false
			}
			pending = pending[n:]
			offset += frame.Duration()
			if !stream.Send(*frame) {
				return false
			}
		}
		return true
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				flush(true)
				return nil
			}
			return ai.NewRecoverableError(err, "elevenlabs read")
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return ai.NewFatalError(fmt.Errorf("%s: %s", msg.Error, msg.Message), "elevenlabs")
		}
		if msg.Audio != "" {
			audio, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return ai.NewRecoverableError(err, "elevenlabs audio")
			}
			pending = append(pending, audio...)
			if !flush(false) {
				return ctx.Err()
			}
		}
		if msg.IsFinal {
			if !flush(true) {
				return ctx.Err()
			}
			return nil
		}
	}
}

func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return ai.NewRecoverableError(err, "elevenlabs connect")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), err)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return ai.NewFatalError(detail, "elevenlabs connect")
	}
	return ai.NewRecoverableError(detail, "elevenlabs connect")
}

// Capabilities returns the ElevenLabs provider's capabilities.
func (e *ElevenLabsTTS) Capabilities() tts.TTSCapabilities {
	return tts.TTSCapabilities{
		Streaming:            true,
		SupportedLanguages:   []string{"en", "es", "fr", "de", "it", "pt", "pl", "hi", "ja", "zh"},
		SampleRates:          []int{sampleRate},
		SupportsSpeedControl: true,
	}
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "elevenlabs",
		Factory:     newElevenLabsTTS,
		Description: "ElevenLabs streaming text-to-speech over websocket",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key": "ElevenLabs API key (or set ELEVENLABS_API_KEY)",
			"ws_url":  defaultWSBase,
			"model":   defaultModel,
			"voice":   defaultVoice,
		},
	})
}
