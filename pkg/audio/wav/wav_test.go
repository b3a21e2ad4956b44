package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

func pcm(samples int, start int16) []byte {
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(start+int16(i)))
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	is := is.New(t)
	path := filepath.Join(t.TempDir(), "reply.wav")

	w, err := Create(path, 16000, 1)
	is.NoErr(err)
	// 250 ms in two frames.
	is.NoErr(w.WriteFrame(rtc.AudioFrame{Data: pcm(1600, 0), SampleRate: 16000, NumChannels: 1}))
	is.NoErr(w.WriteFrame(rtc.AudioFrame{Data: pcm(2400, 1600), SampleRate: 16000, NumChannels: 1}))
	is.NoErr(w.Close())
	is.NoErr(w.Close()) // idempotent

	r, err := Open(path)
	is.NoErr(err)
	defer r.Close()

	hdr := r.Header()
	is.Equal(hdr.SampleRate, uint32(16000))
	is.Equal(hdr.NumChannels, uint16(1))
	is.Equal(hdr.BitsPerSample, uint16(16))
	is.Equal(hdr.DataSize, uint32(8000))
	is.Equal(hdr.Duration(), 250*time.Millisecond)

	frames, err := r.ReadChunks(100 * time.Millisecond)
	is.NoErr(err)
	is.Equal(len(frames), 3)
	is.Equal(len(frames[0].Data), 3200)
	is.Equal(len(frames[2].Data), 1600) // short tail
	is.Equal(frames[1].Timestamp, 100*time.Millisecond)
	is.Equal(frames[2].Timestamp, 200*time.Millisecond)

	var all []byte
	for _, f := range frames {
		all = append(all, f.Data...)
	}
	is.Equal(all, pcm(4000, 0))
}

// seekBuffer is an in-memory io.WriteSeeker.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	n := copy(s.buf[s.pos:], p)
	s.pos += n
	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.pos = int(offset)
	case io.SeekCurrent:
		s.pos += int(offset)
	case io.SeekEnd:
		s.pos = len(s.buf) + int(offset)
	}
	return int64(s.pos), nil
}

func TestReaderSkipsUnknownChunks(t *testing.T) {
	is := is.New(t)

	var out seekBuffer
	w, err := NewWriter(&out, 24000, 1)
	is.NoErr(err)
	is.NoErr(w.WriteFrame(rtc.AudioFrame{Data: pcm(240, 7), SampleRate: 24000, NumChannels: 1}))
	is.NoErr(w.Close())

	// Splice an odd-sized LIST chunk between fmt and data.
	file := out.buf
	list := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	spliced := append(append(append([]byte{}, file[:36]...), list...), file[36:]...)

	r, err := NewReader(bytes.NewReader(spliced))
	is.NoErr(err)
	frame, err := r.ReadChunk(10 * time.Millisecond)
	is.NoErr(err)
	is.Equal(frame.Data, pcm(240, 7))
	is.Equal(frame.SampleRate, 24000)

	_, err = r.ReadChunk(10 * time.Millisecond)
	is.True(errors.Is(err, io.EOF))
}

func TestReaderTruncatedData(t *testing.T) {
	is := is.New(t)

	var out seekBuffer
	w, err := NewWriter(&out, 16000, 1)
	is.NoErr(err)
	is.NoErr(w.WriteFrame(rtc.AudioFrame{Data: pcm(100, 0), SampleRate: 16000, NumChannels: 1}))
	is.NoErr(w.Close())

	// Drop the last 51 bytes; the header still claims 200.
	r, err := NewReader(bytes.NewReader(out.buf[:len(out.buf)-51]))
	is.NoErr(err)
	frames, err := r.ReadChunks(time.Second)
	is.NoErr(err)
	is.Equal(len(frames), 1)
	is.Equal(len(frames[0].Data), 148)
}

func TestNewReaderErrors(t *testing.T) {
	valid := func() []byte {
		var out seekBuffer
		w, _ := NewWriter(&out, 16000, 1)
		w.Close()
		return out.buf
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func([]byte) []byte { return nil }},
		{"not riff", func(b []byte) []byte { copy(b, "RIFX"); return b }},
		{"not wave", func(b []byte) []byte { copy(b[8:], "AVI "); return b }},
		{"not pcm", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[20:], 3); return b }},
		{"8-bit", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[34:], 8); return b }},
		{"no data chunk", func(b []byte) []byte { return b[:36] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewReader(bytes.NewReader(tt.mutate(valid()))); err == nil {
				t.Error("NewReader() succeeded, want error")
			}
		})
	}
}

func TestWriteFrameFormatMismatch(t *testing.T) {
	var out seekBuffer
	w, err := NewWriter(&out, 16000, 1)
	if err != nil {
		t.Fatal(err)
	}
	err = w.WriteFrame(rtc.AudioFrame{Data: pcm(10, 0), SampleRate: 24000, NumChannels: 1})
	if err == nil {
		t.Error("WriteFrame() accepted a 24 kHz frame for a 16 kHz file")
	}
}
