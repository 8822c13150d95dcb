package livekit

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/hraban/opus"

	"github.com/voicelink-ai/voicelink/pkg/audio"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
)

var _ media.AudioSink = (*Sink)(nil)

// Sink plays agent audio on the local output device. Attached tracks are
// read off RTP, opus-decoded and staged in a pacer; the device callback
// drains the pacer in fixed 20ms frames so bursty network delivery never
// reaches the sound card.
type Sink struct {
	cfg   config.Config
	pacer *audio.Pacer

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu      sync.Mutex
	started bool
	cancels map[string]context.CancelFunc
}

// NewSink creates a Sink sized from cfg.Playback. The output device is
// opened lazily on the first Attach.
func NewSink(cfg config.Config) *Sink {
	return &Sink{
		cfg: cfg,
		pacer: audio.NewPacer(audio.PacerConfig{
			SampleRate: cfg.Playback.SampleRate,
			Channels:   cfg.Playback.Channels,
			PrimeMs:    cfg.Playback.BufferMs,
		}),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Attach starts decoding t into the playback device. Attaching a track that
// is already playing restarts its read loop.
func (s *Sink) Attach(t media.RemoteTrack) error {
	rt, ok := t.(*remoteTrack)
	if !ok {
		return fmt.Errorf("livekit: sink needs a livekit track, got %T", t)
	}

	if err := s.ensureDevice(); err != nil {
		return err
	}

	decoder, err := opus.NewDecoder(s.cfg.Playback.SampleRate, s.cfg.Playback.Channels)
	if err != nil {
		return fmt.Errorf("livekit: opus decoder: %w", err)
	}

	s.mu.Lock()
	if cancel, ok := s.cancels[t.ID()]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[t.ID()] = cancel
	s.mu.Unlock()

	s.pacer.Clear()
	go s.readLoop(ctx, rt, decoder)
	return nil
}

// Detach stops the read loop for t and fades out whatever is still queued.
func (s *Sink) Detach(t media.RemoteTrack) {
	s.mu.Lock()
	cancel, ok := s.cancels[t.ID()]
	delete(s.cancels, t.ID())
	s.mu.Unlock()

	if ok {
		cancel()
		s.pacer.ClearWithFadeOut(50)
	}
}

// SetMuted silences playback without detaching tracks.
func (s *Sink) SetMuted(muted bool) {
	s.pacer.SetMuted(muted)
}

// Close stops all read loops and releases the output device.
func (s *Sink) Close() {
	s.mu.Lock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	device := s.device
	mctx := s.mctx
	s.device = nil
	s.mctx = nil
	s.started = false
	s.mu.Unlock()

	if device != nil {
		device.Stop()
		device.Uninit()
	}
	if mctx != nil {
		mctx.Uninit()
	}
}

func (s *Sink) readLoop(ctx context.Context, rt *remoteTrack, decoder *opus.Decoder) {
	// Large enough for 120ms at 48kHz stereo, the opus maximum.
	pcmBuf := make([]int16, 5760*2)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, _, err := rt.track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				return
			}
			log.Printf("[LiveKit] rtp read: %v", err)
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		n, err := decoder.Decode(pkt.Payload, pcmBuf)
		if err != nil {
			log.Printf("[LiveKit] opus decode: %v", err)
			continue
		}

		s.pacer.Write(int16ToBytes(pcmBuf[:n*s.cfg.Playback.Channels]))
	}
}

func (s *Sink) ensureDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", media.ErrAudioDevice, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.PeriodSizeInMilliseconds = audio.FrameDurationMs
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(s.cfg.Playback.Channels)
	deviceConfig.SampleRate = uint32(s.cfg.Playback.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(outputSamples, inputSamples []byte, framecount uint32) {
			frame := s.pacer.ReadFrame()
			copy(outputSamples, frame)
			for i := len(frame); i < len(outputSamples); i++ {
				outputSamples[i] = 0
			}
		},
	})
	if err != nil {
		mctx.Uninit()
		return fmt.Errorf("%w: init playback device: %v", media.ErrAudioDevice, err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		return fmt.Errorf("%w: start playback device: %v", media.ErrAudioDevice, err)
	}

	s.mctx = mctx
	s.device = device
	s.started = true
	return nil
}

func int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
