package livekit

import (
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/voicelink-ai/voicelink/pkg/media"
)

type participant struct {
	rp *lksdk.RemoteParticipant
}

func wrapParticipant(rp *lksdk.RemoteParticipant) media.Participant {
	return &participant{rp: rp}
}

func (p *participant) Identity() string {
	return string(p.rp.Identity())
}

func (p *participant) IsAgent() bool {
	return p.rp.Kind() == lksdk.ParticipantAgent
}

func (p *participant) Attributes() map[string]string {
	return p.rp.Attributes()
}

// bareParticipant stands in when only the identity is known, e.g. text
// segments attributed to the local participant.
type bareParticipant string

func (b bareParticipant) Identity() string              { return string(b) }
func (b bareParticipant) IsAgent() bool                 { return false }
func (b bareParticipant) Attributes() map[string]string { return nil }

// remoteTrack pairs the publication (identity, subscription state) with the
// raw RTP track the sink reads from.
type remoteTrack struct {
	track *webrtc.TrackRemote
	pub   *lksdk.RemoteTrackPublication
}

func wrapRemoteTrack(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication) media.RemoteTrack {
	return &remoteTrack{track: track, pub: pub}
}

func (t *remoteTrack) ID() string {
	return t.pub.SID()
}

func (t *remoteTrack) Kind() media.TrackKind {
	switch t.pub.Kind() {
	case lksdk.TrackKindAudio:
		return media.TrackKindAudio
	case lksdk.TrackKindVideo:
		return media.TrackKindVideo
	default:
		return media.TrackKindUnknown
	}
}

func (t *remoteTrack) Subscribed() bool {
	return t.pub.IsSubscribed()
}

type localPublication struct {
	pub  *lksdk.LocalTrackPublication
	room *lksdk.Room

	// stop tears down the capture pipeline feeding this publication.
	// Nil for publications the adapter did not create.
	stop func()

	// muteHook mirrors the mute state into the capture pipeline so the
	// pre-roll staging follows the publication. Nil when there is none.
	muteHook func(muted bool)
}

func (p *localPublication) SID() string {
	return p.pub.SID()
}

func (p *localPublication) Stop() {
	if p.stop != nil {
		p.stop()
	}
	if err := p.room.LocalParticipant.UnpublishTrack(p.pub.SID()); err != nil {
		// Already unpublished is fine here.
		return
	}
}

func (p *localPublication) Mute(muted bool) {
	p.pub.SetMuted(muted)
	if p.muteHook != nil {
		p.muteHook(muted)
	}
}
