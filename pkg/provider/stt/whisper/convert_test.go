package whisper

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestPcmToFloat32Mono(t *testing.T) {
	tests := []struct {
		name     string
		pcm      []byte
		channels int
		want     []float32
	}{
		{"empty", nil, 1, []float32{}},
		{"mono", pcm16(0, 16384, -32768), 1, []float32{0, 0.5, -1}},
		{"zero channels treated as mono", pcm16(16384), 0, []float32{0.5}},
		{"stereo averaged", pcm16(16384, 0, -16384, -16384), 2, []float32{0.25, -0.5}},
		{"odd byte ignored", append(pcm16(16384), 0x01), 1, []float32{0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pcmToFloat32Mono(tt.pcm, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("want %d samples, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-4 {
					t.Errorf("sample %d: want %f, got %f", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	pcm := pcm16(1, 2, 3, 4)
	wav := encodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("want %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Error("missing RIFF/WAVE/data markers")
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("want sample rate 16000, got %d", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("want data size %d, got %d", len(pcm), got)
	}
}

func TestComputeRMS(t *testing.T) {
	if got := computeRMS(nil); got != 0 {
		t.Errorf("empty: want 0, got %f", got)
	}
	if got := computeRMS(pcm16(1000, -1000, 1000, -1000)); math.Abs(got-1000) > 1e-9 {
		t.Errorf("square wave: want 1000, got %f", got)
	}
}

func TestChunkDurationMs(t *testing.T) {
	// 320 samples of mono 16 kHz = 20 ms
	if got := chunkDurationMs(make([]byte, 640), 16000, 1); got != 20 {
		t.Errorf("want 20, got %d", got)
	}
	if got := chunkDurationMs(make([]byte, 640), 0, 1); got != 0 {
		t.Errorf("invalid rate: want 0, got %d", got)
	}
}
