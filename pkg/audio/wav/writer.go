package wav

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const bitsPerSample = 16

// Writer writes 16-bit PCM WAV files. Sizes in the header are fixed up on
// Close, so the destination must be seekable.
type Writer struct {
	dst         io.WriteSeeker
	closer      io.Closer
	sampleRate  uint32
	numChannels uint16
	dataSize    uint32
}

// Create creates a WAV file at filename.
func Create(filename string, sampleRate, numChannels int) (*Writer, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}

	writer, err := NewWriter(file, sampleRate, numChannels)
	if err != nil {
		file.Close()
		return nil, err
	}
	writer.closer = file
	return writer, nil
}

// NewWriter writes a provisional header to dst.
func NewWriter(dst io.WriteSeeker, sampleRate, numChannels int) (*Writer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	if numChannels != 1 && numChannels != 2 {
		return nil, fmt.Errorf("unsupported channel count %d", numChannels)
	}

	writer := &Writer{
		dst:         dst,
		sampleRate:  uint32(sampleRate),
		numChannels: uint16(numChannels),
	}
	if err := writer.writeHeader(); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return writer, nil
}

// WriteFrame appends the frame's samples. The frame format must match the
// writer's.
func (w *Writer) WriteFrame(frame rtc.AudioFrame) error {
	if frame.SampleRate != int(w.sampleRate) || frame.NumChannels != int(w.numChannels) {
		return fmt.Errorf("frame format %d Hz/%d ch does not match file format %d Hz/%d ch",
			frame.SampleRate, frame.NumChannels, w.sampleRate, w.numChannels)
	}
	n, err := w.dst.Write(frame.Data)
	w.dataSize += uint32(n)
	if err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	return nil
}

// Close finalizes the header sizes and closes the file when the writer was
// made by Create.
func (w *Writer) Close() error {
	if w.dst == nil {
		return nil
	}
	err := w.finalize()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	w.dst = nil
	return err
}

func (w *Writer) finalize() error {
	if _, err := w.dst.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to chunk size: %w", err)
	}
	if err := binary.Write(w.dst, binary.LittleEndian, w.dataSize+36); err != nil {
		return fmt.Errorf("failed to write chunk size: %w", err)
	}
	if _, err := w.dst.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data size: %w", err)
	}
	if err := binary.Write(w.dst, binary.LittleEndian, w.dataSize); err != nil {
		return fmt.Errorf("failed to write data size: %w", err)
	}
	_, err := w.dst.Seek(0, io.SeekEnd)
	return err
}

// writeHeader writes the 44-byte canonical header with zero sizes.
func (w *Writer) writeHeader() error {
	blockAlign := w.numChannels * bitsPerSample / 8
	hdr := struct {
		Riff          [4]byte
		ChunkSize     uint32
		Wave          [4]byte
		Fmt           [4]byte
		FmtSize       uint32
		AudioFormat   uint16
		NumChannels   uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
		Data          [4]byte
		DataSize      uint32
	}{
		Riff:          [4]byte{'R', 'I', 'F', 'F'},
		Wave:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   w.numChannels,
		SampleRate:    w.sampleRate,
		ByteRate:      w.sampleRate * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
	}
	return binary.Write(w.dst, binary.LittleEndian, hdr)
}
