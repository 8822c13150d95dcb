package session

import (
	"time"

	"github.com/voicelink-ai/voicelink/pkg/classify"
)

// Phase is the connection lifecycle state. Ready is the terminal success
// state; Failed is terminal failure after the retry budget is exhausted.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhasePreWarming
	PhaseHandshaking
	PhaseReady
	PhaseReconnecting
	PhaseFailed
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhasePreWarming:
		return "pre_warming"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseReady:
		return "ready"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParticipantRecord tracks one remote participant for the lifetime of their
// presence in the room. Classification is computed once at join time and
// never changes afterwards.
type ParticipantRecord struct {
	Identity       string
	Classification classify.Result
	ConnectedAt    time.Time
}

// StatusChange is the payload of bus.EventStatusChange.
type StatusChange struct {
	Phase    Phase
	Message  string
	Category string
}

// Status categories used in StatusChange events.
const (
	CategoryInfo    = "info"
	CategorySuccess = "success"
	CategoryWarning = "warning"
	CategoryError   = "error"
)

// ErrorEvent is the payload of bus.EventError.
type ErrorEvent struct {
	Message string
}

// ParticipantEvent is the payload of bus.EventParticipantConnected and
// bus.EventParticipantDisconnected.
type ParticipantEvent struct {
	Identity string
	Kind     classify.Kind
	Provider string
}

// TrackEvent is the payload of bus.EventTrackSubscribed and
// bus.EventTrackUnsubscribed.
type TrackEvent struct {
	TrackID     string
	Kind        string
	Participant string
}

// QualityEvent is the payload of bus.EventConnectionQualityChanged.
type QualityEvent struct {
	Quality string
	RTTMs   int64
}

// ToggleEvent is the payload of bus.EventMicrophoneChanged and
// bus.EventAudioChanged.
type ToggleEvent struct {
	Enabled bool
}
