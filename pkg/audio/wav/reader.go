// Package wav reads and writes 16-bit PCM WAV files as audio frames.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Header represents a WAV file header
type Header struct {
	ChunkSize     uint32
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	DataSize      uint32
}

// Duration is the length of the audio in the data chunk.
func (h Header) Duration() time.Duration {
	bytesPerSecond := int64(h.SampleRate) * int64(h.NumChannels) * int64(h.BitsPerSample/8)
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(int64(h.DataSize) * int64(time.Second) / bytesPerSecond)
}

// Reader reads WAV audio as a sequence of frames.
type Reader struct {
	src    io.ReadSeeker
	closer io.Closer
	header Header
	read   uint32 // data bytes consumed
}

// Open opens a WAV file for reading.
func Open(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	reader, err := NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	reader.closer = file
	return reader, nil
}

// NewReader parses the header from src and leaves it positioned at the
// first audio sample.
func NewReader(src io.ReadSeeker) (*Reader, error) {
	reader := &Reader{src: src}
	if err := reader.readHeader(); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return reader, nil
}

// Header returns the WAV file header information
func (r *Reader) Header() Header {
	return r.header
}

// ReadChunk returns the next frame of up to d of audio, or io.EOF once the
// data chunk is exhausted. The last frame may be shorter than d.
func (r *Reader) ReadChunk(d time.Duration) (*rtc.AudioFrame, error) {
	if d <= 0 {
		return nil, fmt.Errorf("chunk duration must be positive, got %s", d)
	}
	blockAlign := int(r.header.NumChannels) * int(r.header.BitsPerSample/8)
	samples := int(time.Duration(r.header.SampleRate) * d / time.Second)
	if samples == 0 {
		samples = 1
	}
	size := samples * blockAlign

	remaining := int(r.header.DataSize - r.read)
	if remaining <= 0 {
		return nil, io.EOF
	}
	if size > remaining {
		size = remaining - remaining%blockAlign
		if size == 0 {
			return nil, io.EOF
		}
	}

	offset := r.offset()
	data := make([]byte, size)
	n, err := io.ReadFull(r.src, data)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Truncated file; keep the whole samples that were there.
		data = data[:n-n%blockAlign]
		r.header.DataSize = r.read + uint32(len(data))
		if len(data) == 0 {
			return nil, io.EOF
		}
	} else if err != nil {
		if errors.Is(err, io.EOF) {
			r.header.DataSize = r.read
		}
		return nil, err
	}
	r.read += uint32(len(data))

	return rtc.NewAudioFrame(data, int(r.header.SampleRate), int(r.header.NumChannels), offset)
}

// ReadChunks reads the remaining audio as frames of d each.
func (r *Reader) ReadChunks(d time.Duration) ([]rtc.AudioFrame, error) {
	var frames []rtc.AudioFrame
	for {
		frame, err := r.ReadChunk(d)
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read audio data: %w", err)
		}
		frames = append(frames, *frame)
	}
}

func (r *Reader) offset() time.Duration {
	bytesPerSecond := int64(r.header.SampleRate) * int64(r.header.NumChannels) * int64(r.header.BitsPerSample/8)
	return time.Duration(int64(r.read) * int64(time.Second) / bytesPerSecond)
}

// Close closes the underlying file when the reader was opened with Open.
func (r *Reader) Close() error {
	if r.closer != nil {
		err := r.closer.Close()
		r.closer = nil
		return err
	}
	return nil
}

// readHeader reads and validates the WAV file header
func (r *Reader) readHeader() error {
	var riffHeader [12]byte
	if _, err := io.ReadFull(r.src, riffHeader[:]); err != nil {
		return fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" {
		return fmt.Errorf("not a valid RIFF file")
	}
	if string(riffHeader[8:12]) != "WAVE" {
		return fmt.Errorf("not a valid WAVE file")
	}
	r.header.ChunkSize = binary.LittleEndian.Uint32(riffHeader[4:8])

	if err := r.readFmtChunk(); err != nil {
		return err
	}
	if err := r.readDataChunk(); err != nil {
		return err
	}

	if r.header.BitsPerSample != 16 {
		return fmt.Errorf("only 16-bit samples are supported, got %d-bit", r.header.BitsPerSample)
	}
	if r.header.NumChannels != 1 && r.header.NumChannels != 2 {
		return fmt.Errorf("only mono and stereo are supported, got %d channels", r.header.NumChannels)
	}
	if r.header.SampleRate == 0 {
		return fmt.Errorf("invalid sample rate 0")
	}
	return nil
}

// readFmtChunk skips ahead to the fmt chunk and decodes it.
func (r *Reader) readFmtChunk() error {
	for {
		id, size, err := r.chunkHeader()
		if err != nil {
			return err
		}
		if id != "fmt " {
			if err := r.skip(size); err != nil {
				return err
			}
			continue
		}

		if size < 16 {
			return fmt.Errorf("fmt chunk too small: %d bytes", size)
		}
		var fmtData [16]byte
		if _, err := io.ReadFull(r.src, fmtData[:]); err != nil {
			return fmt.Errorf("failed to read fmt data: %w", err)
		}
		if format := binary.LittleEndian.Uint16(fmtData[0:2]); format != 1 {
			return fmt.Errorf("only PCM format is supported, got format %d", format)
		}
		r.header.NumChannels = binary.LittleEndian.Uint16(fmtData[2:4])
		r.header.SampleRate = binary.LittleEndian.Uint32(fmtData[4:8])
		r.header.BitsPerSample = binary.LittleEndian.Uint16(fmtData[14:16])
		return r.skip(size - 16)
	}
}

// readDataChunk finds the data chunk and positions the reader at the start
// of audio data.
func (r *Reader) readDataChunk() error {
	for {
		id, size, err := r.chunkHeader()
		if err != nil {
			return err
		}
		if id == "data" {
			r.header.DataSize = size
			return nil
		}
		if err := r.skip(size); err != nil {
			return err
		}
	}
}

func (r *Reader) chunkHeader() (string, uint32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return "", 0, fmt.Errorf("failed to read chunk header: %w", err)
	}
	return string(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8]), nil
}

// skip moves past size bytes plus the pad byte of odd-sized chunks.
func (r *Reader) skip(size uint32) error {
	n := int64(size)
	if size%2 == 1 {
		n++
	}
	if n == 0 {
		return nil
	}
	if _, err := r.src.Seek(n, io.SeekCurrent); err != nil {
		return fmt.Errorf("failed to skip chunk: %w", err)
	}
	return nil
}
