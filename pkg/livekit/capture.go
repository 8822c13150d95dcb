package livekit

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/hraban/opus"

	"github.com/voicelink-ai/voicelink/pkg/audio"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
)

// microphone owns the capture pipeline: malgo device frames are encoded to
// opus and written to a published sample track. While the track is muted the
// device keeps running and frames are staged in the pre-roll ring instead of
// encoded; on unmute the staged tail goes to the encoder ahead of live
// frames, so speech that started just before the toggle is not lost. Closing
// stops the device first so the OS indicator clears before the track is
// unpublished.
type microphone struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	track   *lksdk.LocalSampleTrack
	pub     *lksdk.LocalTrackPublication
	room    *lksdk.Room
	encoder *opus.Encoder

	preRoll    *audio.Ring
	frames     chan []byte
	frameBytes int

	mu    sync.Mutex
	muted bool

	closeOnce sync.Once
	done      chan struct{}
}

func newMicrophone(cfg config.Config, lkRoom *lksdk.Room) (*microphone, error) {
	encoder, err := opus.NewEncoder(cfg.Capture.SampleRate, cfg.Capture.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("livekit: opus encoder: %w", err)
	}
	if cfg.Publish.AudioBitrate > 0 {
		encoder.SetBitrate(cfg.Publish.AudioBitrate)
	}
	encoder.SetDTX(cfg.Publish.DTX)
	encoder.SetInBandFEC(cfg.Publish.FEC)

	track, err := lksdk.NewLocalSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: uint32(cfg.Capture.SampleRate),
		Channels:  uint16(cfg.Capture.Channels),
	})
	if err != nil {
		return nil, fmt.Errorf("livekit: local sample track: %w", err)
	}

	m := &microphone{
		track:      track,
		room:       lkRoom,
		encoder:    encoder,
		preRoll:    audio.NewRing(cfg.Capture.SampleRate, 300),
		frames:     make(chan []byte, 16),
		frameBytes: cfg.Capture.SampleRate * cfg.Capture.Channels * audio.BytesPerSample * cfg.Capture.FrameSizeMs / 1000,
		done:       make(chan struct{}),
	}

	if err := m.startDevice(cfg); err != nil {
		return nil, err
	}

	pub, err := lkRoom.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   "microphone",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		m.stopDevice()
		return nil, fmt.Errorf("livekit: publish microphone: %w", err)
	}
	m.pub = pub

	go m.encodeLoop(cfg)

	log.Printf("[LiveKit] microphone published: %s", pub.SID())
	return m, nil
}

func (m *microphone) startDevice(cfg config.Config) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", media.ErrAudioDevice, err)
	}
	m.ctx = mctx

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.Capture.FrameSizeMs)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Capture.Channels)
	deviceConfig.SampleRate = uint32(cfg.Capture.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(outputSamples, inputSamples []byte, framecount uint32) {
			m.onCaptureFrame(inputSamples)
		},
	})
	if err != nil {
		mctx.Uninit()
		m.ctx = nil
		if isPermissionError(err) {
			return fmt.Errorf("%w: %v", media.ErrMicrophonePermission, err)
		}
		return fmt.Errorf("%w: init capture device: %v", media.ErrAudioDevice, err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		mctx.Uninit()
		m.ctx = nil
		m.device = nil
		return fmt.Errorf("%w: start capture device: %v", media.ErrAudioDevice, err)
	}
	return nil
}

// onCaptureFrame runs in the device callback. Muted frames are staged in the
// pre-roll ring only; live frames go straight to the encoder.
func (m *microphone) onCaptureFrame(input []byte) {
	frame := make([]byte, len(input))
	copy(frame, input)

	m.mu.Lock()
	muted := m.muted
	m.mu.Unlock()

	m.preRoll.Write(frame)
	if muted {
		return
	}
	select {
	case m.frames <- frame:
	default:
		// Encoder is behind; dropping one frame beats blocking the device
		// callback.
	}
}

// setMuted tracks the publication mute state. Muting discards the live tail
// so the ring stages only audio captured during the mute; unmuting flushes
// the staged tail into the encode queue ahead of new live frames.
func (m *microphone) setMuted(muted bool) {
	m.mu.Lock()
	if m.muted == muted {
		m.mu.Unlock()
		return
	}
	m.muted = muted
	m.mu.Unlock()

	if muted {
		m.preRoll.Drain()
		return
	}
	m.flushPreRoll()
}

// flushPreRoll chunks the staged pre-roll into encoder-sized frames, zero
// padding the tail so the opus encoder always sees a full frame.
func (m *microphone) flushPreRoll() {
	staged := m.preRoll.Drain()
	if len(staged) == 0 || m.frameBytes == 0 {
		return
	}
	if rem := len(staged) % m.frameBytes; rem != 0 {
		staged = append(staged, make([]byte, m.frameBytes-rem)...)
	}
	for off := 0; off < len(staged); off += m.frameBytes {
		select {
		case m.frames <- staged[off : off+m.frameBytes]:
		default:
			return
		}
	}
}

func (m *microphone) encodeLoop(cfg config.Config) {
	opusBuf := make([]byte, 1275)
	frameDuration := time.Duration(cfg.Capture.FrameSizeMs) * time.Millisecond

	for {
		select {
		case <-m.done:
			return
		case frame := <-m.frames:
			pcm := bytesToInt16(frame)
			n, err := m.encoder.Encode(pcm, opusBuf)
			if err != nil {
				log.Printf("[LiveKit] opus encode: %v", err)
				continue
			}

			sample := pionmedia.Sample{
				Data:     append([]byte(nil), opusBuf[:n]...),
				Duration: frameDuration,
			}
			if err := m.track.WriteSample(sample, nil); err != nil {
				log.Printf("[LiveKit] write microphone sample: %v", err)
			}
		}
	}
}

func (m *microphone) publication() media.LocalPublication {
	return &localPublication{
		pub:      m.pub,
		room:     m.room,
		stop:     m.stopDevice,
		muteHook: m.setMuted,
	}
}

// Close stops the capture device and unpublishes the track.
func (m *microphone) Close() error {
	m.stopDevice()

	if m.pub != nil {
		if err := m.room.LocalParticipant.UnpublishTrack(m.pub.SID()); err != nil {
			return fmt.Errorf("livekit: unpublish microphone: %w", err)
		}
	}
	return nil
}

func (m *microphone) stopDevice() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.device != nil {
			m.device.Stop()
			m.device.Uninit()
			m.device = nil
		}
		if m.ctx != nil {
			m.ctx.Uninit()
			m.ctx = nil
		}
		m.preRoll.Drain()
	})
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") || strings.Contains(msg, "access denied")
}

func bytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}
