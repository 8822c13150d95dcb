package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Session attributes
	AttrSessionRoom     = "session.room"
	AttrSessionIdentity = "session.identity"
	AttrSessionPhase    = "session.phase"
	AttrSessionAttempt  = "session.attempt"

	// RPC attributes
	AttrRPCMethod = "rpc.method"
	AttrRPCCaller = "rpc.caller"
	AttrRPCDest   = "rpc.destination"

	// Track attributes
	AttrTrackID          = "track.id"
	AttrTrackKind        = "track.kind"
	AttrTrackParticipant = "track.participant"

	// Transcript attributes
	AttrTranscriptSpeaker = "transcript.speaker"
	AttrTranscriptFinal   = "transcript.final"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// SessionAttrs creates attributes for session lifecycle operations
func SessionAttrs(room, identity, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrSessionRoom, room),
		attribute.String(AttrSessionIdentity, identity),
		attribute.String(AttrSessionPhase, phase),
	}
}

// RPCAttrs creates attributes for RPC operations
func RPCAttrs(method, caller, dest string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRPCMethod, method),
		attribute.String(AttrRPCCaller, caller),
		attribute.String(AttrRPCDest, dest),
	}
}

// TrackAttrs creates attributes for track routing operations
func TrackAttrs(trackID, kind, participant string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTrackID, trackID),
		attribute.String(AttrTrackKind, kind),
		attribute.String(AttrTrackParticipant, participant),
	}
}

// ErrorAttrs creates attributes for errors
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
