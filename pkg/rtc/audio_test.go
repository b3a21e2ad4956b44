package rtc

import (
	"errors"
	"testing"
	"time"
)

func TestNewAudioFrame(t *testing.T) {
	tests := []struct {
		name        string
		sampleRate  int
		numChannels int
		dataLen     int
		wantErr     bool
	}{
		{
			name:        "10ms 16kHz mono",
			sampleRate:  16000,
			numChannels: 1,
			dataLen:     320,
		},
		{
			name:        "arbitrary length 16kHz mono",
			sampleRate:  16000,
			numChannels: 1,
			dataLen:     4096,
		},
		{
			name:        "48kHz stereo",
			sampleRate:  48000,
			numChannels: 2,
			dataLen:     1920,
		},
		{
			name:        "odd byte count",
			sampleRate:  16000,
			numChannels: 1,
			dataLen:     321,
			wantErr:     true,
		},
		{
			name:        "zero sample rate",
			sampleRate:  0,
			numChannels: 1,
			dataLen:     320,
			wantErr:     true,
		},
		{
			name:        "six channels",
			sampleRate:  16000,
			numChannels: 6,
			dataLen:     1920,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := NewAudioFrame(make([]byte, tt.dataLen), tt.sampleRate, tt.numChannels, 100*time.Millisecond)

			if tt.wantErr {
				if err == nil {
					t.Errorf("NewAudioFrame() should have returned an error but didn't")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAudioFrame() unexpected error: %v", err)
			}
			if frame.SampleRate != tt.sampleRate {
				t.Errorf("SampleRate = %d, want %d", frame.SampleRate, tt.sampleRate)
			}
			if got, want := frame.SamplesPerChannel(), tt.dataLen/(tt.numChannels*2); got != want {
				t.Errorf("SamplesPerChannel() = %d, want %d", got, want)
			}
		})
	}
}

func TestAudioFrameCheckSize(t *testing.T) {
	frame := &AudioFrame{Data: make([]byte, 100)}

	if err := frame.CheckSize(100); err != nil {
		t.Errorf("CheckSize(100) = %v, want nil", err)
	}
	if err := frame.CheckSize(0); err != nil {
		t.Errorf("CheckSize(0) = %v, want nil (disabled)", err)
	}
	if err := frame.CheckSize(99); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("CheckSize(99) = %v, want ErrFrameTooLarge", err)
	}
}

func TestAudioFrameClone(t *testing.T) {
	data := make([]byte, 320)
	for i := range data {
		data[i] = byte(i % 256)
	}

	original := &AudioFrame{Seq: 7, Data: data, SampleRate: 16000, NumChannels: 1, Timestamp: 50 * time.Millisecond}
	clone := original.Clone()

	if clone.Seq != original.Seq || clone.SampleRate != original.SampleRate || clone.Timestamp != original.Timestamp {
		t.Errorf("Clone() = %+v, want fields of %+v", clone, original)
	}

	clone.Data[0] = 255
	if original.Data[0] == 255 {
		t.Error("Modifying clone data affected original")
	}
}

func TestAudioFrameDuration(t *testing.T) {
	tests := []struct {
		frame AudioFrame
		want  time.Duration
	}{
		{AudioFrame{Data: make([]byte, 320), SampleRate: 16000, NumChannels: 1}, 10 * time.Millisecond},
		{AudioFrame{Data: make([]byte, 48000), SampleRate: 24000, NumChannels: 1}, time.Second},
		{AudioFrame{Data: make([]byte, 1920), SampleRate: 48000, NumChannels: 2}, 10 * time.Millisecond},
		{AudioFrame{Data: make([]byte, 320)}, 0},
	}

	for _, tt := range tests {
		if got := tt.frame.Duration(); got != tt.want {
			t.Errorf("Duration() = %v, want %v", got, tt.want)
		}
	}
}
