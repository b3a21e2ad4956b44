package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/tts"
)

var upgrader = websocket.Upgrader{}

type request struct {
	path  string
	model string
	texts []string
}

// fakeServer reads the three text messages of one synthesis, then writes
// replies verbatim.
func fakeServer(t *testing.T, replies ...string) (*ElevenLabsTTS, chan request) {
	t.Helper()
	requests := make(chan request, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		req := request{path: r.URL.Path, model: r.URL.Query().Get("model_id")}
		for i := 0; i < 3; i++ {
			var msg struct {
				Text string `json:"text"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			req.texts = append(req.texts, msg.Text)
		}
		requests <- req

		for _, reply := range replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	provider, err := newElevenLabsTTS(map[string]any{
		"api_key": "test-key",
		"ws_url":  "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/text-to-speech/{voice_id}/stream-input",
	})
	if err != nil {
		t.Fatalf("newElevenLabsTTS() error = %v", err)
	}
	return provider.(*ElevenLabsTTS), requests
}

func audioMessage(n int, final bool) string {
	b, _ := json.Marshal(map[string]any{
		"audio":   base64.StdEncoding.EncodeToString(make([]byte, n)),
		"isFinal": final,
	})
	return string(b)
}

func TestElevenLabsTTS_Synthesize(t *testing.T) {
	is := is.New(t)

	// 150 ms then 100 ms: re-chunked into 100, 100 and 50 ms frames.
	provider, requests := fakeServer(t,
		audioMessage(chunkBytes*3/2, false),
		audioMessage(chunkBytes, false),
		`{"isFinal": true}`,
	)

	stream, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "Hi, how can I help?"})
	is.NoErr(err)
	defer stream.Close()

	var sizes []int
	var timestamps []time.Duration
	for frame := range stream.Frames() {
		sizes = append(sizes, len(frame.Data))
		timestamps = append(timestamps, frame.Timestamp)
	}
	is.NoErr(stream.Err())
	is.Equal(sizes, []int{chunkBytes, chunkBytes, chunkBytes / 2})
	is.Equal(timestamps, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond})

	req := <-requests
	is.Equal(req.path, "/v1/text-to-speech/"+defaultVoice+"/stream-input")
	is.Equal(req.model, defaultModel)
	is.Equal(req.texts, []string{" ", "Hi, how can I help? ", ""})
}

func TestElevenLabsTTS_ServerError(t *testing.T) {
	provider, _ := fakeServer(t, `{"error": "quota_exceeded", "message": "out of characters"}`)

	stream, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	for range stream.Frames() {
	}
	if !ai.IsFatal(stream.Err()) {
		t.Errorf("Err() = %v, want fatal", stream.Err())
	}
}

func TestElevenLabsTTS_CloseStopsStream(t *testing.T) {
	provider, _ := fakeServer(t, audioMessage(chunkBytes*20, false))

	stream, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "a long answer"})
	if err != nil {
		t.Fatal(err)
	}
	<-stream.Frames()
	stream.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-stream.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames not closed after Close")
		}
	}
}

func TestElevenLabsTTS_RejectedKeyIsFatal(t *testing.T) {
	provider, _ := fakeServer(t)
	provider.apiKey = "wrong"

	_, err := provider.Synthesize(context.Background(), tts.SynthesizeRequest{Text: "hello"})
	if !ai.IsFatal(err) {
		t.Errorf("Synthesize() error = %v, want fatal", err)
	}
}

func TestElevenLabsTTS_StreamURL(t *testing.T) {
	e := &ElevenLabsTTS{wsBase: defaultWSBase, model: "m"}
	got, err := e.streamURL("voice 1", "en-US")
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf("wss://api.elevenlabs.io/v1/text-to-speech/voice%%201/stream-input?language_code=en&model_id=m&output_format=pcm_%d", sampleRate)
	if got != want {
		t.Errorf("streamURL() = %q, want %q", got, want)
	}
}
