// Package media defines the narrow interfaces the session core uses to talk
// to the underlying media-server SDK. The SDK owns transport, negotiation
// and track lifetime; the core only connects, publishes, subscribes and
// listens. An in-process fake of these interfaces is enough to test every
// component above this package.
package media

import (
	"context"
	"errors"
	"time"
)

// Device-layer failures surfaced to the user rather than retried.
var (
	// ErrMicrophonePermission means the OS denied microphone access.
	ErrMicrophonePermission = errors.New("media: microphone permission denied")

	// ErrAudioDevice covers capture/playback device initialization
	// failures.
	ErrAudioDevice = errors.New("media: audio device error")
)

// TrackKind distinguishes audio from video tracks.
type TrackKind int

const (
	TrackKindAudio TrackKind = iota
	TrackKindVideo
	TrackKindUnknown
)

// String returns the string representation of TrackKind.
func (k TrackKind) String() string {
	switch k {
	case TrackKindAudio:
		return "audio"
	case TrackKindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// DisconnectReason categorizes why the transport dropped.
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota

	// DisconnectUser means the local user asked to leave. Never triggers a
	// reconnect.
	DisconnectUser

	// DisconnectServer covers server-initiated removal and shutdown.
	DisconnectServer

	// DisconnectDuplicate means another client joined with the same
	// identity.
	DisconnectDuplicate
)

// String returns the string representation of DisconnectReason.
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectUser:
		return "user"
	case DisconnectServer:
		return "server"
	case DisconnectDuplicate:
		return "duplicate_identity"
	default:
		return "unknown"
	}
}

// Participant is a read-only view of a remote participant.
type Participant interface {
	Identity() string

	// IsAgent reports whether the server flagged this participant as an
	// agent rather than a standard peer.
	IsAgent() bool

	// Attributes returns the participant's out-of-band metadata.
	Attributes() map[string]string
}

// RemoteTrack is a subscribed remote media track. The SDK owns its
// lifecycle; holders must treat it as a lookup reference only.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind

	// Subscribed reports whether the track is still live. A replay of an
	// unsubscribed track is impossible.
	Subscribed() bool
}

// AudioSink plays remote audio tracks. The LiveKit adapter backs this with a
// playback device; tests use a recording fake.
type AudioSink interface {
	// Attach starts playing the track. Attaching an already attached track
	// restarts playback from live.
	Attach(t RemoteTrack) error

	// Detach stops playback of the track. Detaching an unattached track is
	// a no-op.
	Detach(t RemoteTrack)
}

// TextSegment is one fragment of a streamed text or transcription message.
type TextSegment struct {
	// ID groups fragments belonging to the same utterance.
	ID string

	Text  string
	Final bool

	// Topic is the text-stream topic the fragment arrived on.
	Topic string
}

// RoomEvents receives SDK callbacks. All fields are optional; nil callbacks
// are skipped. Events for a given track or participant are delivered in SDK
// order, without batching.
type RoomEvents struct {
	OnParticipantConnected    func(p Participant)
	OnParticipantDisconnected func(p Participant)

	OnTrackSubscribed   func(t RemoteTrack, p Participant)
	OnTrackUnsubscribed func(t RemoteTrack, p Participant)

	OnActiveSpeakersChanged    func(identities []string)
	OnConnectionQualityChanged func(quality string, rttMs int64)

	OnDisconnected func(reason DisconnectReason)
	OnReconnecting func()
	OnReconnected  func()

	// OnTextSegment delivers chat and transcription fragments.
	OnTextSegment func(seg TextSegment, p Participant)
}

// LocalPublication is a published local track.
type LocalPublication interface {
	SID() string

	// Stop halts the underlying media line so OS-level capture indicators
	// clear. Used as the forced-release fallback when a graceful unpublish
	// fails.
	Stop()

	Mute(muted bool)
}

// RPCHandler serves one inbound RPC invocation. The returned string is the
// raw JSON response payload.
type RPCHandler func(callerIdentity, payload string) (string, error)

// Room is a live connection to the media server. Exactly one component (the
// connection orchestrator) may call Disconnect; everyone else holds a
// read/subscribe-only reference.
type Room interface {
	LocalIdentity() string

	// SetAttributes announces local attribute changes to the room.
	SetAttributes(ctx context.Context, attrs map[string]string) error

	// PublishMicrophone captures and publishes the local microphone.
	PublishMicrophone(ctx context.Context) (LocalPublication, error)

	// UnpublishMicrophone unpublishes and stops the microphone track.
	// Returns nil when no microphone is published.
	UnpublishMicrophone(ctx context.Context) error

	// LocalPublications lists all currently published local tracks.
	LocalPublications() []LocalPublication

	// SendText publishes a text message on the given topic.
	SendText(ctx context.Context, text, topic string) error

	// PerformRPC calls a method on a remote participant and returns the
	// raw JSON response payload.
	PerformRPC(ctx context.Context, destIdentity, method, payload string, timeout time.Duration) (string, error)

	// RegisterRPCMethod installs a handler for inbound calls to method.
	RegisterRPCMethod(method string, h RPCHandler) error

	Disconnect()
}

// Provider creates room connections. Implemented by the LiveKit adapter and
// by test fakes.
type Provider interface {
	// Prepare pre-warms the transport path to the server (DNS, TLS,
	// signalling endpoint). Failure is never fatal.
	Prepare(ctx context.Context, url, token string) error

	// Connect joins the room and starts delivering events. The returned
	// Room is live once Connect returns.
	Connect(ctx context.Context, url, token string, events *RoomEvents) (Room, error)
}
