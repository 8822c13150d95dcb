// Package trackrouter routes subscribed remote tracks to their destinations
// based on the owning participant's classification: main-agent audio goes to
// the playback sink, avatar video is announced to the embedding application,
// everything else is left to the SDK's own mixing.
package trackrouter

import (
	"errors"
	"log"
	"sync"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/classify"
	"github.com/voicelink-ai/voicelink/pkg/media"
)

// ErrNoAudioAvailable is returned by ReplayLastBotAudio when no agent audio
// track is held or the held track is no longer subscribed.
var ErrNoAudioAvailable = errors.New("trackrouter: no agent audio available to replay")

// BotAudioReady is the payload of bus.EventBotAudioReady.
type BotAudioReady struct {
	TrackID     string
	Participant string
}

// AvatarVideoReady is the payload of bus.EventAvatarVideoReady. The core
// never renders video itself; the embedding application attaches the track.
type AvatarVideoReady struct {
	TrackID     string
	Participant string
	Provider    string
	Track       media.RemoteTrack
}

// Router dispatches track subscribe/unsubscribe events. It keeps a weak
// reference to the most recent agent audio track so the user can replay it;
// the SDK remains the owner of the track's lifetime.
type Router struct {
	mu   sync.Mutex
	sink media.AudioSink
	bus  *bus.Bus

	lastBotAudio      media.RemoteTrack
	lastBotAudioOwner string
}

// New creates a Router publishing onto b and playing agent audio through
// sink.
func New(b *bus.Bus, sink media.AudioSink) *Router {
	return &Router{
		sink: sink,
		bus:  b,
	}
}

// HandleTrackSubscribed routes a newly subscribed track according to the
// owner's classification.
func (r *Router) HandleTrackSubscribed(t media.RemoteTrack, p media.Participant, c classify.Result) {
	switch {
	case t.Kind() == media.TrackKindAudio && c.Kind == classify.KindMainAgent:
		r.attachBotAudio(t, p)

	case t.Kind() == media.TrackKindVideo && c.Kind == classify.KindAvatarWorker:
		log.Printf("[TrackRouter] avatar video %s from %s (%s)", t.ID(), p.Identity(), c.Provider)
		r.bus.Emit(bus.EventAvatarVideoReady, AvatarVideoReady{
			TrackID:     t.ID(),
			Participant: p.Identity(),
			Provider:    c.Provider,
			Track:       t,
		})

	default:
		// Regular participants keep the SDK's default mixing.
	}
}

func (r *Router) attachBotAudio(t media.RemoteTrack, p media.Participant) {
	if err := r.sink.Attach(t); err != nil {
		log.Printf("[TrackRouter] attaching agent audio %s: %v", t.ID(), err)
		return
	}

	r.mu.Lock()
	r.lastBotAudio = t
	r.lastBotAudioOwner = p.Identity()
	r.mu.Unlock()

	r.bus.Emit(bus.EventBotAudioReady, BotAudioReady{
		TrackID:     t.ID(),
		Participant: p.Identity(),
	})
}

// HandleTrackUnsubscribed detaches the track and drops the replay reference
// if it pointed at the removed track.
func (r *Router) HandleTrackUnsubscribed(t media.RemoteTrack, p media.Participant) {
	r.mu.Lock()
	wasLast := r.lastBotAudio != nil && r.lastBotAudio.ID() == t.ID()
	if wasLast {
		r.lastBotAudio = nil
		r.lastBotAudioOwner = ""
	}
	r.mu.Unlock()

	if wasLast {
		r.sink.Detach(t)
	}
}

// ReplayLastBotAudio re-attaches the most recent agent audio track to the
// playback sink. The replay aliases the live track object; there is no
// recording or buffering, so it only works while the agent's track is still
// subscribed.
func (r *Router) ReplayLastBotAudio() error {
	r.mu.Lock()
	t := r.lastBotAudio
	r.mu.Unlock()

	if t == nil || !t.Subscribed() {
		return ErrNoAudioAvailable
	}
	return r.sink.Attach(t)
}

// LastBotAudioOwner returns the identity that published the held replay
// track, or "" when none is held.
func (r *Router) LastBotAudioOwner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastBotAudioOwner
}

// Reset drops all held references. Called on disconnect.
func (r *Router) Reset() {
	r.mu.Lock()
	t := r.lastBotAudio
	r.lastBotAudio = nil
	r.lastBotAudioOwner = ""
	r.mu.Unlock()

	if t != nil {
		r.sink.Detach(t)
	}
}
