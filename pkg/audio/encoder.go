package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"gopkg.in/hraban/opus.v2"
)

// Opus parameters used for the microphone track.
const (
	SampleRate = 48000
	Channels   = 2
	FrameSize  = 960 // 20ms at 48kHz, samples per channel
)

// OpusEncoder encodes PCM audio to Opus
type OpusEncoder struct {
	encoder    *opus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
}

// NewOpusEncoder creates a new Opus encoder tuned for voice
func NewOpusEncoder(sampleRate, channels, frameSize int) (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}

	if err := enc.SetBitrate(64000); err != nil {
		return nil, fmt.Errorf("set bitrate: %w", err)
	}

	return &OpusEncoder{
		encoder:    enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
	}, nil
}

// Encode encodes one frame of interleaved PCM int16 samples to Opus
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize*e.channels {
		return nil, fmt.Errorf("pcm frame has %d samples, want %d", len(pcm), e.frameSize*e.channels)
	}
	data := make([]byte, 1024)
	n, err := e.encoder.Encode(pcm, data)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

// EncodeBytes encodes PCM bytes (little-endian int16) to Opus
func (e *OpusEncoder) EncodeBytes(pcmBytes []byte) ([]byte, error) {
	numSamples := len(pcmBytes) / 2
	pcm := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		pcm[i] = int16(binary.LittleEndian.Uint16(pcmBytes[i*2:]))
	}
	return e.Encode(pcm)
}

// FrameSize returns the frame size in samples per channel
func (e *OpusEncoder) FrameSize() int {
	return e.frameSize
}

// SampleRate returns the sample rate
func (e *OpusEncoder) SampleRate() int {
	return e.sampleRate
}

// Channels returns the number of channels
func (e *OpusEncoder) Channels() int {
	return e.channels
}

// ToneGenerator produces interleaved PCM frames of a sine tone.
type ToneGenerator struct {
	frequency  float64
	amplitude  float64
	sampleRate int
	channels   int
	frameSize  int
	phase      float64
}

// NewToneGenerator returns a generator for the given frequency in Hz.
// Amplitude is a fraction of full scale in [0, 1].
func NewToneGenerator(frequency, amplitude float64, sampleRate, channels, frameSize int) *ToneGenerator {
	return &ToneGenerator{
		frequency:  frequency,
		amplitude:  math.Max(0, math.Min(1, amplitude)),
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
	}
}

// Next returns the next frame. Consecutive frames are phase continuous.
func (g *ToneGenerator) Next() []int16 {
	mono := make([]int16, g.frameSize)
	step := 2 * math.Pi * g.frequency / float64(g.sampleRate)
	for i := range mono {
		mono[i] = int16(g.amplitude * math.MaxInt16 * math.Sin(g.phase))
		g.phase += step
		if g.phase >= 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
	}
	if g.channels == 1 {
		return mono
	}
	return Interleave(mono, g.channels)
}

// Silence returns one frame of zero samples.
func (g *ToneGenerator) Silence() []int16 {
	return make([]int16, g.frameSize*g.channels)
}

// Interleave duplicates each mono sample across channels.
func Interleave(mono []int16, channels int) []int16 {
	out := make([]int16, len(mono)*channels)
	for i, s := range mono {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}
