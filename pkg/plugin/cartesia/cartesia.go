// Package cartesia registers a streaming speech recognizer backed by the
// Cartesia websocket STT API.
package cartesia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/plugin"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	apiKeyEnv      = "CARTESIA_API_KEY"
	defaultWSURL   = "wss://api.cartesia.ai/stt/websocket"
	apiVersion     = "2025-04-16"
	defaultModel   = "ink-whisper"
	eventBuffer    = 100
	writeTimeout   = 5 * time.Second
	dialTimeout    = 10 * time.Second
	defaultSilence = 0.6
)

// CartesiaSTT implements stt.STT. Each stream is one websocket.
type CartesiaSTT struct {
	apiKey    string
	wsURL     string
	model     string
	minVolume float64
	silence   float64
}

func newCartesiaSTT(cfg map[string]any) (any, error) {
	apiKey, err := plugin.APIKey(cfg, apiKeyEnv)
	if err != nil {
		return nil, err
	}
	return &CartesiaSTT{
		apiKey:    apiKey,
		wsURL:     plugin.String(cfg, "ws_url", defaultWSURL),
		model:     plugin.String(cfg, "model", defaultModel),
		minVolume: plugin.Float(cfg, "min_volume", 0.01),
		silence:   plugin.Float(cfg, "max_silence_duration_secs", defaultSilence),
	}, nil
}

// NewStream dials a recognition session for audio described by cfg.
func (c *CartesiaSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	u, err := c.streamURL(cfg)
	if err != nil {
		return nil, ai.NewFatalError(err, "cartesia stream url")
	}

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", apiVersion)

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		return nil, dialError(resp, err)
	}

	s := &stream{
		conn:    conn,
		events:  make(chan stt.SpeechEvent, eventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (c *CartesiaSTT) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return "", err
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	lang := cfg.Lang
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		lang = "en"
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = 16000
	}

	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", lang)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("min_volume", strconv.FormatFloat(c.minVolume, 'f', -1, 64))
	q.Set("max_silence_duration_secs", strconv.FormatFloat(c.silence, 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialError marks rejected credentials and bad requests as fatal.
func dialError(resp *http.Response, err error) error {
	if resp == nil {
		return ai.NewRecoverableError(err, "cartesia connect")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), err)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return ai.NewRecoverableError(detail, "cartesia connect")
	case resp.StatusCode >= 400:
		return ai.NewFatalError(detail, "cartesia connect")
	}
	return ai.NewRecoverableError(detail, "cartesia connect")
}

// Capabilities returns the Cartesia provider's capabilities.
func (c *CartesiaSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en", "es", "fr", "de", "it", "pt", "ja", "zh", "hi"},
		SampleRates:        []int{8000, 16000, 24000, 44100, 48000},
	}
}

type stream struct {
	conn    *websocket.Conn
	events  chan stt.SpeechEvent
	writeMu sync.Mutex

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
}

type message struct {
	Type     string  `json:"type"` // transcript, flush_done, done, error
	Text     string  `json:"text"`
	IsFinal  bool    `json:"is_final"`
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Error    string  `json:"error"`
}

// Push sends one frame of PCM audio.
func (s *stream) Push(frame rtc.AudioFrame) error {
	select {
	case <-s.closing:
		return stt.ErrStreamClosed
	case <-s.done:
		return stt.ErrStreamClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
		return ai.NewRecoverableError(err, "cartesia send audio")
	}
	return nil
}

func (s *stream) Events() <-chan stt.SpeechEvent { return s.events }

// CloseSend ends the session without waiting for outstanding transcripts.
func (s *stream) CloseSend() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *stream) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			s.emit(stt.SpeechEvent{Type: stt.SpeechEventError, Error: readError(err)})
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			typ := stt.SpeechEventInterim
			if msg.IsFinal {
				typ = stt.SpeechEventFinal
			}
			if !s.emit(stt.SpeechEvent{
				Type:      typ,
				Text:      strings.TrimSpace(msg.Text),
				IsFinal:   msg.IsFinal,
				Language:  msg.Language,
				Timestamp: time.Now().UnixMilli(),
				AudioEnd:  time.Duration(msg.Duration * float64(time.Second)),
			}) {
				return
			}
		case "done":
			s.emit(stt.SpeechEvent{Type: stt.SpeechEventError, Error: stt.ErrStreamExpired})
			return
		case "error":
			s.emit(stt.SpeechEvent{
				Type:  stt.SpeechEventError,
				Error: ai.NewRecoverableError(errors.New(msg.Error), "cartesia"),
			})
			return
		}
	}
}

// readError maps a server-side close to expiry so the caller reconnects
// without spending its retry budget.
func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %w", stt.ErrStreamExpired, err)
	}
	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		return ai.NewFatalError(err, "cartesia closed the stream")
	}
	return ai.NewRecoverableError(err, "cartesia read")
}

func (s *stream) emit(ev stt.SpeechEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "cartesia",
		Factory:     newCartesiaSTT,
		Description: "Cartesia streaming speech recognition over websocket",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":                   "Cartesia API key (or set CARTESIA_API_KEY)",
			"ws_url":                    defaultWSURL,
			"model":                     defaultModel,
			"min_volume":                0.01,
			"max_silence_duration_secs": defaultSilence,
		},
	})
}
