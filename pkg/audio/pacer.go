// Package audio provides the PCM staging primitives between the media SDK
// and the local sound device: a playback pacer that turns bursty decoded
// agent audio into a steady 20ms frame stream, and a capture ring that
// keeps a short pre-roll so the first syllable after unmute is not clipped.
package audio

import (
	"log"
	"sync"
)

const (
	// BytesPerSample is fixed: all internal PCM is 16-bit little-endian.
	BytesPerSample = 2

	// FrameDurationMs is the playback frame cadence.
	FrameDurationMs = 20
)

// PacerConfig sizes the playback pacer.
type PacerConfig struct {
	SampleRate int
	Channels   int

	// PrimeMs is how much audio must accumulate before playback starts
	// after a Clear. Absorbs network jitter at utterance boundaries.
	PrimeMs int
}

// Pacer buffers decoded agent PCM and hands it out in fixed 20ms frames.
// It only buffers and slices; it never resamples. When the buffer runs
// dry or output is muted it returns silence, so the device callback can
// always be fed.
type Pacer struct {
	mu      sync.Mutex
	buffer  []byte
	priming bool
	muted   bool

	sampleRate    int
	channels      int
	bytesPerFrame int
	primeBytes    int
}

// NewPacer creates a Pacer. Zero config fields fall back to 48kHz mono
// with a 200ms prime threshold.
func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.PrimeMs <= 0 {
		cfg.PrimeMs = 200
	}

	samplesPerFrame := cfg.SampleRate * FrameDurationMs / 1000
	bytesPerFrame := samplesPerFrame * BytesPerSample * cfg.Channels

	return &Pacer{
		buffer:        make([]byte, 0, bytesPerFrame*100),
		sampleRate:    cfg.SampleRate,
		channels:      cfg.Channels,
		bytesPerFrame: bytesPerFrame,
		primeBytes:    cfg.SampleRate * cfg.PrimeMs / 1000 * BytesPerSample * cfg.Channels,
	}
}

// Write appends decoded PCM.
func (p *Pacer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	p.mu.Lock()
	p.buffer = append(p.buffer, data...)
	p.mu.Unlock()
}

// ReadFrame returns the next 20ms frame. Silence while muted, priming, or
// the buffer is dry; a partial tail is zero-padded.
func (p *Pacer) ReadFrame() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame := make([]byte, p.bytesPerFrame)

	if p.muted {
		return frame
	}

	if p.priming {
		if len(p.buffer) < p.primeBytes {
			return frame
		}
		p.priming = false
		log.Printf("[Pacer] primed with %d bytes, starting playback", len(p.buffer))
	}

	switch {
	case len(p.buffer) >= p.bytesPerFrame:
		copy(frame, p.buffer[:p.bytesPerFrame])
		p.buffer = p.buffer[p.bytesPerFrame:]
	case len(p.buffer) > 0:
		copy(frame, p.buffer)
		p.buffer = p.buffer[:0]
	}
	return frame
}

// Clear drops everything buffered and re-enters priming. Called when the
// agent track detaches or a replay restarts the utterance.
func (p *Pacer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = p.buffer[:0]
	p.priming = true
}

// ClearWithFadeOut keeps fadeOutMs of audio with a linear fade applied and
// drops the rest, so an interruption does not end on a click.
func (p *Pacer) ClearWithFadeOut(fadeOutMs int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fadeOutMs <= 0 || len(p.buffer) == 0 {
		p.buffer = p.buffer[:0]
		p.priming = true
		return
	}

	fadeBytes := p.sampleRate * fadeOutMs / 1000 * BytesPerSample * p.channels
	if fadeBytes > len(p.buffer) {
		fadeBytes = len(p.buffer)
	}

	samples := fadeBytes / BytesPerSample
	for i := 0; i < samples; i++ {
		factor := float32(samples-i) / float32(samples)
		idx := i * BytesPerSample
		sample := int16(p.buffer[idx]) | int16(p.buffer[idx+1])<<8
		sample = int16(float32(sample) * factor)
		p.buffer[idx] = byte(sample)
		p.buffer[idx+1] = byte(sample >> 8)
	}

	p.buffer = p.buffer[:fadeBytes]
	p.priming = true
}

// SetMuted switches output to silence without dropping buffered audio.
func (p *Pacer) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

// Muted reports the mute flag.
func (p *Pacer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Buffered returns the number of buffered bytes.
func (p *Pacer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

// BytesPerFrame returns the size of one output frame.
func (p *Pacer) BytesPerFrame() int {
	return p.bytesPerFrame
}
