// Package config holds the immutable session configuration consumed by every
// other component. A Config is validated once at startup and passed by value
// through constructors; nothing reads it through globals.
package config

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// IOMode selects how the user interacts with the agent.
type IOMode string

const (
	IOModeText   IOMode = "text"
	IOModeVoice  IOMode = "voice"
	IOModeHybrid IOMode = "hybrid"
)

// ValidIOMode reports whether m is one of the supported interaction modes.
func ValidIOMode(m IOMode) bool {
	switch m {
	case IOModeText, IOModeVoice, IOModeHybrid:
		return true
	}
	return false
}

// CaptureConfig describes local microphone capture parameters.
type CaptureConfig struct {
	// SampleRate in Hz (default: 48000)
	SampleRate int

	// Channels is the channel count (1 for mono)
	Channels int

	// EchoCancellation enables acoustic echo cancellation
	EchoCancellation bool

	// NoiseSuppression enables noise suppression
	NoiseSuppression bool

	// AutoGainControl enables automatic gain control
	AutoGainControl bool

	// LatencyTargetMs is the capture latency target in milliseconds
	LatencyTargetMs int

	// FrameSizeMs is the capture frame duration handed to the encoder
	FrameSizeMs int
}

// PlaybackConfig describes the playback sink for remote agent audio.
type PlaybackConfig struct {
	// SampleRate in Hz (default: 48000)
	SampleRate int

	// Channels is the channel count
	Channels int

	// BufferMs is the jitter buffer depth in milliseconds. This value is a
	// redundant copy of Capture.LatencyTargetMs in older deployments; Sync
	// reconciles the two.
	BufferMs int
}

// PublishConfig holds defaults applied when publishing the microphone track.
type PublishConfig struct {
	// AudioBitrate in bits per second
	AudioBitrate int

	// DTX enables discontinuous transmission
	DTX bool

	// FEC enables in-band forward error correction
	FEC bool

	// RED requests redundant audio encoding. Browser SDKs negotiate RED
	// in SDP; the server SDK's sample-track publish path has no hook for
	// it, so the flag is carried for config parity and not applied
	// locally.
	RED bool
}

// FeatureFlags gate optional connection behaviors.
type FeatureFlags struct {
	// PrepareConnection pre-warms the signalling endpoint before connect
	PrepareConnection bool

	// AdaptiveStream lets the server adjust subscribed video quality.
	// Browser-SDK behavior; the server SDK's connect path has no
	// corresponding option, so the flag is carried for config parity
	// only.
	AdaptiveStream bool

	// Dynacast pauses unsubscribed simulcast layers. Same caveat as
	// AdaptiveStream: recorded for parity, not applied by this client.
	Dynacast bool
}

// Timeouts bound every suspension point in the session lifecycle.
type Timeouts struct {
	Connect time.Duration

	// Reconnect is the base backoff delay; attempt n waits Reconnect * n
	Reconnect time.Duration

	Prepare time.Duration

	RPC time.Duration
}

// Topics names the text-stream topics the session listens on.
type Topics struct {
	// Chat carries plain text-channel messages
	Chat string

	// Transcription carries audio-correlated transcription segments
	Transcription string
}

// Config is the validated session configuration snapshot. Treat it as frozen
// after Validate; the only sanctioned mutation is the logged Sync step.
type Config struct {
	// TokenEndpoint is the URL of the token server (POST, JSON)
	TokenEndpoint string

	// ServerURL overrides the media-server URL returned by the token
	// endpoint when non-empty
	ServerURL string

	// PersonaID selects the agent persona announced at handshake
	PersonaID string

	// Mode is the initial interaction mode
	Mode IOMode

	Capture  CaptureConfig
	Playback PlaybackConfig
	Publish  PublishConfig
	Features FeatureFlags
	Timeouts Timeouts
	Topics   Topics

	// RPCMethods lists the inbound RPC method names registered at
	// connection-ready time
	RPCMethods []string

	// MaxRetries bounds initialize attempts before the session fails
	MaxRetries int
}

// Errors returned by Validate.
var (
	ErrMissingTokenEndpoint = errors.New("config: token endpoint is required")
	ErrInvalidMode          = errors.New("config: invalid io mode")
)

// DefaultRPCMethods is the inbound method surface the agent backend calls.
var DefaultRPCMethods = []string{
	"getUserLocation",
	"getBrowserInfo",
	"requestPermission",
	"update_ui_state",
	"showNotification",
	"toggleFullscreen",
	"getServerTime",
}

// DefaultConfig returns a Config with production defaults. The token
// endpoint must still be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		PersonaID: "rosalia",
		Mode:      IOModeHybrid,
		Capture: CaptureConfig{
			SampleRate:       48000,
			Channels:         1,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			LatencyTargetMs:  100,
			FrameSizeMs:      20,
		},
		Playback: PlaybackConfig{
			SampleRate: 48000,
			Channels:   1,
			BufferMs:   100,
		},
		Publish: PublishConfig{
			AudioBitrate: 32000,
			DTX:          true,
			FEC:          true,
		},
		Features: FeatureFlags{
			PrepareConnection: true,
			AdaptiveStream:    true,
			Dynacast:          true,
		},
		Timeouts: Timeouts{
			Connect:   15 * time.Second,
			Reconnect: 2 * time.Second,
			Prepare:   3 * time.Second,
			RPC:       10 * time.Second,
		},
		Topics: Topics{
			Chat:          "lk.chat",
			Transcription: "lk.transcription",
		},
		RPCMethods: append([]string(nil), DefaultRPCMethods...),
		MaxRetries: 5,
	}
}

// Validate checks the configuration and normalizes optional fields. It must
// be called once before the Config is handed to any component.
func (c *Config) Validate() error {
	if c.TokenEndpoint == "" {
		return ErrMissingTokenEndpoint
	}
	if c.Mode == "" {
		c.Mode = IOModeHybrid
	}
	if !ValidIOMode(c.Mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}
	if c.PersonaID == "" {
		c.PersonaID = "rosalia"
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("config: capture sample rate must be positive, got %d", c.Capture.SampleRate)
	}
	if c.Capture.Channels <= 0 {
		return fmt.Errorf("config: capture channels must be positive, got %d", c.Capture.Channels)
	}
	if c.Playback.SampleRate <= 0 {
		return fmt.Errorf("config: playback sample rate must be positive, got %d", c.Playback.SampleRate)
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Reconnect <= 0 || c.Timeouts.RPC <= 0 {
		return errors.New("config: connect, reconnect and rpc timeouts must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must not be negative, got %d", c.MaxRetries)
	}
	if len(c.RPCMethods) == 0 {
		c.RPCMethods = append([]string(nil), DefaultRPCMethods...)
	}
	if c.Topics.Chat == "" {
		c.Topics.Chat = "lk.chat"
	}
	if c.Topics.Transcription == "" {
		c.Topics.Transcription = "lk.transcription"
	}
	return nil
}

// Sync reconciles the latency target that exists in two places: the capture
// latency target and the playback jitter buffer depth. The capture value is
// the source of truth; a disagreement is logged before it is overwritten.
func (c *Config) Sync() {
	if c.Playback.BufferMs == c.Capture.LatencyTargetMs {
		return
	}
	log.Printf("[Config] playback buffer %dms out of sync with latency target %dms, syncing",
		c.Playback.BufferMs, c.Capture.LatencyTargetMs)
	c.Playback.BufferMs = c.Capture.LatencyTargetMs
}

// Clone returns a deep copy, so tests can derive variants without sharing
// the RPC method slice.
func (c Config) Clone() Config {
	out := c
	out.RPCMethods = append([]string(nil), c.RPCMethods...)
	return out
}
