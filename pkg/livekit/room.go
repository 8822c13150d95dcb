// Package livekit adapts the LiveKit server SDK to the narrow media
// interfaces the session core is written against. Everything SDK-specific
// stays in here: callback plumbing, track IO, device capture and playback.
package livekit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/webrtc/v4"

	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
)

var _ media.Provider = (*Provider)(nil)

// Provider connects to LiveKit rooms and hands back rooms wrapped in the
// media.Room interface.
type Provider struct {
	cfg config.Config
}

// NewProvider creates a Provider. cfg supplies capture/publish parameters
// for the microphone pipeline.
func NewProvider(cfg config.Config) *Provider {
	return &Provider{cfg: cfg}
}

// Connect joins the room and installs events as the callback set. The
// returned room is live once this returns.
func (p *Provider) Connect(ctx context.Context, url, token string, events *media.RoomEvents) (media.Room, error) {
	r := &room{cfg: p.cfg, events: events}

	lkRoom, err := lksdk.ConnectToRoomWithToken(url, token, r.callbacks(),
		lksdk.WithAutoSubscribe(true),
	)
	if err != nil {
		return nil, fmt.Errorf("livekit: connect: %w", err)
	}
	r.room = lkRoom

	if err := r.registerTextStreams(); err != nil {
		lkRoom.Disconnect()
		return nil, err
	}
	return r, nil
}

var _ media.Room = (*room)(nil)

type room struct {
	cfg    config.Config
	room   *lksdk.Room
	events *media.RoomEvents

	mu      sync.Mutex
	capture *microphone
}

func (r *room) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			if r.events.OnParticipantConnected != nil {
				r.events.OnParticipantConnected(wrapParticipant(rp))
			}
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			if r.events.OnParticipantDisconnected != nil {
				r.events.OnParticipantDisconnected(wrapParticipant(rp))
			}
		},
		OnActiveSpeakersChanged: func(speakers []lksdk.Participant) {
			if r.events.OnActiveSpeakersChanged == nil {
				return
			}
			identities := make([]string, 0, len(speakers))
			for _, s := range speakers {
				identities = append(identities, string(s.Identity()))
			}
			r.events.OnActiveSpeakersChanged(identities)
		},
		OnDisconnectedWithReason: func(reason lksdk.DisconnectionReason) {
			if r.events.OnDisconnected != nil {
				r.events.OnDisconnected(mapDisconnectReason(reason))
			}
		},
		OnReconnecting: func() {
			if r.events.OnReconnecting != nil {
				r.events.OnReconnecting()
			}
		},
		OnReconnected: func() {
			if r.events.OnReconnected != nil {
				r.events.OnReconnected()
			}
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if r.events.OnTrackSubscribed != nil {
					r.events.OnTrackSubscribed(wrapRemoteTrack(track, pub), wrapParticipant(rp))
				}
			},
			OnTrackUnsubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if r.events.OnTrackUnsubscribed != nil {
					r.events.OnTrackUnsubscribed(wrapRemoteTrack(track, pub), wrapParticipant(rp))
				}
			},
			OnConnectionQualityChanged: func(update *livekit.ConnectionQualityInfo, p lksdk.Participant) {
				if r.events.OnConnectionQualityChanged == nil {
					return
				}
				if string(p.Identity()) != r.LocalIdentity() {
					return
				}
				r.events.OnConnectionQualityChanged(update.Quality.String(), 0)
			},
		},
	}
}

// registerTextStreams wires the chat and transcription topics into the
// text-segment callback. Chat messages are complete by construction and
// arrive as one final segment; transcription streams are forwarded
// incrementally so in-flight turns update while the agent or user is still
// speaking.
func (r *room) registerTextStreams() error {
	chat := func(reader *lksdk.TextStreamReader, identity string) {
		info := reader.Info()
		r.emitSegment(media.TextSegment{
			ID:    segmentID(info.Id, info.Attributes),
			Text:  reader.ReadAll(),
			Final: true,
			Topic: r.cfg.Topics.Chat,
		}, identity)
	}
	if err := r.room.RegisterTextStreamHandler(r.cfg.Topics.Chat, chat); err != nil {
		return fmt.Errorf("livekit: register text stream %q: %w", r.cfg.Topics.Chat, err)
	}

	transcription := func(reader *lksdk.TextStreamReader, identity string) {
		info := reader.Info()
		id := segmentID(info.Id, info.Attributes)
		final := info.Attributes["lk.transcription_final"] == "true"

		streamSegments(reader, id, final, r.cfg.Topics.Transcription, func(seg media.TextSegment) {
			r.emitSegment(seg, identity)
		})
	}
	if err := r.room.RegisterTextStreamHandler(r.cfg.Topics.Transcription, transcription); err != nil {
		return fmt.Errorf("livekit: register text stream %q: %w", r.cfg.Topics.Transcription, err)
	}
	return nil
}

func (r *room) emitSegment(seg media.TextSegment, identity string) {
	if r.events.OnTextSegment != nil {
		r.events.OnTextSegment(seg, remoteByIdentity(r.room, identity))
	}
}

// segmentID prefers the transcription segment attribute over the stream id
// so streamed revisions of the same utterance share one id.
func segmentID(streamID string, attrs map[string]string) string {
	if id := attrs["lk.segment_id"]; id != "" {
		return id
	}
	return streamID
}

func (r *room) LocalIdentity() string {
	return string(r.room.LocalParticipant.Identity())
}

func (r *room) SetAttributes(ctx context.Context, attrs map[string]string) error {
	return r.room.LocalParticipant.SetAttributes(attrs)
}

func (r *room) PublishMicrophone(ctx context.Context) (media.LocalPublication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capture != nil {
		return r.capture.publication(), nil
	}

	mic, err := newMicrophone(r.cfg, r.room)
	if err != nil {
		return nil, err
	}
	r.capture = mic
	return mic.publication(), nil
}

func (r *room) UnpublishMicrophone(ctx context.Context) error {
	r.mu.Lock()
	mic := r.capture
	r.capture = nil
	r.mu.Unlock()

	if mic == nil {
		return nil
	}
	return mic.Close()
}

func (r *room) LocalPublications() []media.LocalPublication {
	pubs := r.room.LocalParticipant.Tracks()
	out := make([]media.LocalPublication, 0, len(pubs))
	for _, pub := range pubs {
		if local, ok := pub.(*lksdk.LocalTrackPublication); ok {
			out = append(out, &localPublication{pub: local, room: r.room})
		}
	}
	return out
}

func (r *room) SendText(ctx context.Context, text, topic string) error {
	_, err := r.room.LocalParticipant.SendText(text, lksdk.StreamTextOptions{
		Topic: topic,
	})
	return err
}

func (r *room) PerformRPC(ctx context.Context, dest, method, payload string, timeout time.Duration) (string, error) {
	params := lksdk.PerformRpcParams{
		DestinationIdentity: dest,
		Method:              method,
		Payload:             payload,
	}
	if timeout > 0 {
		params.ResponseTimeout = &timeout
	}
	return r.room.LocalParticipant.PerformRpc(params)
}

func (r *room) RegisterRPCMethod(method string, handler media.RPCHandler) error {
	return r.room.LocalParticipant.RegisterRpcMethod(method, func(data lksdk.RpcInvocationData) (string, error) {
		return handler(data.CallerIdentity, data.Payload)
	})
}

func (r *room) Disconnect() {
	r.mu.Lock()
	mic := r.capture
	r.capture = nil
	r.mu.Unlock()

	if mic != nil {
		if err := mic.Close(); err != nil {
			log.Printf("[LiveKit] microphone close on disconnect: %v", err)
		}
	}
	r.room.Disconnect()
}

func mapDisconnectReason(reason lksdk.DisconnectionReason) media.DisconnectReason {
	switch livekit.DisconnectReason(reason) {
	case livekit.DisconnectReason_CLIENT_INITIATED:
		return media.DisconnectUser
	case livekit.DisconnectReason_DUPLICATE_IDENTITY:
		return media.DisconnectDuplicate
	case livekit.DisconnectReason_SERVER_SHUTDOWN,
		livekit.DisconnectReason_ROOM_DELETED,
		livekit.DisconnectReason_PARTICIPANT_REMOVED:
		return media.DisconnectServer
	default:
		return media.DisconnectUnknown
	}
}

func remoteByIdentity(lkRoom *lksdk.Room, identity string) media.Participant {
	for _, rp := range lkRoom.GetRemoteParticipants() {
		if string(rp.Identity()) == identity {
			return wrapParticipant(rp)
		}
	}
	// Local participant or already gone: a bare identity is enough for
	// speaker routing.
	return bareParticipant(identity)
}
