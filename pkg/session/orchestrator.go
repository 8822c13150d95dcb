// Package session owns the connection lifecycle of one voice-agent session:
// token fetch, optional pre-warm, connect, attribute handshake, reconnection
// with a bounded retry budget, and teardown. The orchestrator is the only
// component allowed to connect or disconnect the media room; everything else
// holds a read/subscribe-only reference.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/classify"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
	"github.com/voicelink-ai/voicelink/pkg/rpcgw"
	"github.com/voicelink-ai/voicelink/pkg/token"
	"github.com/voicelink-ai/voicelink/pkg/trace"
	"github.com/voicelink-ai/voicelink/pkg/trackrouter"
	"github.com/voicelink-ai/voicelink/pkg/transcript"
)

// ErrConnect wraps transport connect failures retried by the orchestrator.
var ErrConnect = errors.New("session: connect failed")

// ErrNotReady is returned by operations that require a live connection.
var ErrNotReady = errors.New("session: not connected")

// TokenFetcher is the credential source. Implemented by token.Client.
type TokenFetcher interface {
	FetchToken(ctx context.Context, req token.Request) (*token.Credential, error)
}

// Orchestrator drives the session state machine and wires the track router,
// transcription aggregator and RPC gateway against the live room.
type Orchestrator struct {
	cfg      config.Config
	bus      *bus.Bus
	tokens   TokenFetcher
	provider media.Provider
	sink     media.AudioSink

	router      *trackrouter.Router
	transcripts *transcript.Aggregator
	rpc         *rpcgw.Gateway
	timers      *timerRegistry

	mu           sync.Mutex
	phase        Phase
	generation   uint64
	retries      int
	lastErr      error
	room         media.Room
	cred         *token.Credential
	participants map[string]*ParticipantRecord
	mainAgent    string

	voiceActive  bool
	micMuted     bool
	audioEnabled bool
	micPub       media.LocalPublication

	// RoomHint pins the session to a specific room name when non-empty.
	RoomHint string

	// Identity pins the local identity; generated server-side when empty.
	Identity string

	now func() time.Time
}

// New creates an Orchestrator. cfg must already be validated; sink receives
// the main agent's audio.
func New(cfg config.Config, b *bus.Bus, tokens TokenFetcher, provider media.Provider, sink media.AudioSink) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		bus:          b,
		tokens:       tokens,
		provider:     provider,
		sink:         sink,
		router:       trackrouter.New(b, sink),
		transcripts:  transcript.New(b, cfg.Mode),
		rpc:          rpcgw.New(b, cfg.RPCMethods, cfg.Timeouts.RPC),
		timers:       newTimerRegistry(),
		phase:        PhaseIdle,
		participants: make(map[string]*ParticipantRecord),
		audioEnabled: true,
		now:          time.Now,
	}
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// LastError returns the most recent session-level error.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// RPC exposes the gateway for installing inbound method handlers.
func (o *Orchestrator) RPC() *rpcgw.Gateway {
	return o.rpc
}

// Transcripts exposes the aggregator for latency statistics.
func (o *Orchestrator) Transcripts() *transcript.Aggregator {
	return o.transcripts
}

// Initialize starts the connection sequence asynchronously. Progress and
// outcome are reported through the event bus. Calling Initialize while the
// session is already connecting or connected is a warned no-op; calling it
// after a disconnect or failure starts a fresh generation.
func (o *Orchestrator) Initialize() {
	o.mu.Lock()
	switch o.phase {
	case PhaseConnecting, PhasePreWarming, PhaseHandshaking, PhaseReady, PhaseReconnecting:
		o.mu.Unlock()
		log.Printf("[Session] initialize ignored: already %s", o.phase)
		return
	}

	// A fresh generation supersedes anything still in flight and claims a
	// clean timer set.
	o.generation++
	gen := o.generation
	o.retries = 0
	o.lastErr = nil
	o.timers.Clear()
	o.mu.Unlock()

	go o.attempt(gen, 1)
}

// attempt runs one full connect sequence. Any step failure goes through
// retryOrFail; a stale generation abandons silently.
func (o *Orchestrator) attempt(gen uint64, attemptNo int) {
	spanCtx, span := trace.InstrumentConnectAttempt(context.Background(), o.RoomHint, o.Identity, attemptNo)
	defer span.End()

	if !o.enterPhase(gen, PhaseConnecting, "fetching token", CategoryInfo) {
		return
	}

	ctx, cancel := context.WithTimeout(spanCtx, o.cfg.Timeouts.Connect)
	cred, err := o.tokens.FetchToken(ctx, token.Request{
		Identity:  o.Identity,
		Room:      o.RoomHint,
		PersonaID: o.cfg.PersonaID,
		IOMode:    o.cfg.Mode,
	})
	cancel()
	if err != nil {
		trace.RecordError(span, err)
		o.retryOrFail(gen, attemptNo, err)
		return
	}

	url := cred.URL
	if o.cfg.ServerURL != "" {
		url = o.cfg.ServerURL
	}

	if o.cfg.Features.PrepareConnection {
		if !o.enterPhase(gen, PhasePreWarming, "pre-warming connection", CategoryInfo) {
			return
		}
		prepCtx, prepCancel := context.WithTimeout(spanCtx, o.cfg.Timeouts.Prepare)
		if err := o.provider.Prepare(prepCtx, url, cred.Token); err != nil {
			// Pre-warm is an optimization, never a failure.
			log.Printf("[Session] pre-warm skipped: %v", err)
		}
		prepCancel()
	}

	if !o.enterPhase(gen, PhaseConnecting, "connecting to media server", CategoryInfo) {
		return
	}

	events := o.roomEvents(gen)
	connCtx, connCancel := context.WithTimeout(spanCtx, o.cfg.Timeouts.Connect)
	room, err := o.provider.Connect(connCtx, url, cred.Token, events)
	connCancel()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnect, err)
		trace.RecordError(span, err)
		o.retryOrFail(gen, attemptNo, err)
		return
	}

	o.mu.Lock()
	if gen != o.generation {
		// A newer initialize or a disconnect superseded us while the
		// connect was in flight; this room must not leak.
		o.mu.Unlock()
		room.Disconnect()
		return
	}
	o.room = room
	o.cred = cred
	o.mu.Unlock()

	if !o.enterPhase(gen, PhaseHandshaking, "announcing client attributes", CategoryInfo) {
		return
	}

	hsCtx, hsCancel := context.WithTimeout(spanCtx, o.cfg.Timeouts.Connect)
	err = room.SetAttributes(hsCtx, map[string]string{
		"io_mode":    string(o.cfg.Mode),
		"persona_id": o.cfg.PersonaID,
	})
	hsCancel()
	if err != nil {
		err = fmt.Errorf("session: attribute handshake: %w", err)
		trace.RecordError(span, err)
		o.teardownRoom()
		o.retryOrFail(gen, attemptNo, err)
		return
	}

	if err := o.rpc.RegisterInbound(room); err != nil {
		trace.RecordError(span, err)
		o.teardownRoom()
		o.retryOrFail(gen, attemptNo, err)
		return
	}

	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseReady
	o.retries = 0
	o.mu.Unlock()

	o.bus.Emit(bus.EventStatusChange, StatusChange{
		Phase:    PhaseReady,
		Message:  "connected",
		Category: CategorySuccess,
	})
	o.bus.Emit(bus.EventReady, nil)
	log.Printf("[Session] ready as %s in room %s", cred.Identity, cred.Room)
}

// enterPhase transitions to phase and emits a status change, unless gen is
// stale.
func (o *Orchestrator) enterPhase(gen uint64, phase Phase, message, category string) bool {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return false
	}
	prev := o.phase
	o.phase = phase
	o.mu.Unlock()

	if prev != phase {
		_, span := trace.InstrumentPhaseChange(context.Background(), o.RoomHint, o.Identity, prev.String(), phase.String())
		span.End()
	}

	o.bus.Emit(bus.EventStatusChange, StatusChange{
		Phase:    phase,
		Message:  message,
		Category: category,
	})
	return true
}

// retryOrFail schedules the next attempt with linear backoff, or transitions
// to Failed once the retry budget is spent.
func (o *Orchestrator) retryOrFail(gen uint64, attemptNo int, cause error) {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return
	}
	o.lastErr = cause

	if o.retries >= o.cfg.MaxRetries {
		o.phase = PhaseFailed
		o.mu.Unlock()

		log.Printf("[Session] giving up after %d retries: %v", o.cfg.MaxRetries, cause)
		o.bus.Emit(bus.EventStatusChange, StatusChange{
			Phase:    PhaseFailed,
			Message:  "connection failed",
			Category: CategoryError,
		})
		o.bus.Emit(bus.EventError, ErrorEvent{Message: cause.Error()})
		return
	}

	o.retries++
	attempt := o.retries
	delay := o.cfg.Timeouts.Reconnect * time.Duration(attempt)
	o.mu.Unlock()

	log.Printf("[Session] attempt %d failed (%v), retrying in %v", attemptNo, cause, delay)
	o.bus.Emit(bus.EventStatusChange, StatusChange{
		Phase:    PhaseConnecting,
		Message:  fmt.Sprintf("retrying in %v", delay),
		Category: CategoryWarning,
	})

	o.timers.After(delay, func() {
		o.mu.Lock()
		stale := gen != o.generation
		o.mu.Unlock()
		if stale {
			return
		}
		o.attempt(gen, attemptNo+1)
	})
}

// roomEvents builds the SDK callback set for one generation. Every callback
// checks the generation first so a torn-down room cannot mutate newer state.
func (o *Orchestrator) roomEvents(gen uint64) *media.RoomEvents {
	current := func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return gen == o.generation
	}

	return &media.RoomEvents{
		OnParticipantConnected: func(p media.Participant) {
			if !current() {
				return
			}
			o.handleParticipantConnected(p)
		},
		OnParticipantDisconnected: func(p media.Participant) {
			if !current() {
				return
			}
			o.handleParticipantDisconnected(p)
		},
		OnTrackSubscribed: func(t media.RemoteTrack, p media.Participant) {
			if !current() {
				return
			}
			o.handleTrackSubscribed(t, p)
		},
		OnTrackUnsubscribed: func(t media.RemoteTrack, p media.Participant) {
			if !current() {
				return
			}
			o.router.HandleTrackUnsubscribed(t, p)
			o.bus.Emit(bus.EventTrackUnsubscribed, TrackEvent{
				TrackID:     t.ID(),
				Kind:        t.Kind().String(),
				Participant: p.Identity(),
			})
		},
		OnActiveSpeakersChanged: func(identities []string) {
			if !current() {
				return
			}
			o.handleActiveSpeakers(identities)
		},
		OnConnectionQualityChanged: func(quality string, rttMs int64) {
			if !current() {
				return
			}
			o.bus.Emit(bus.EventConnectionQualityChanged, QualityEvent{
				Quality: quality,
				RTTMs:   rttMs,
			})
		},
		OnDisconnected: func(reason media.DisconnectReason) {
			if !current() {
				return
			}
			o.handleDisconnected(reason)
		},
		OnReconnecting: func() {
			if !current() {
				return
			}
			o.handleReconnecting()
		},
		OnReconnected: func() {
			if !current() {
				return
			}
			o.handleReconnected()
		},
		OnTextSegment: func(seg media.TextSegment, p media.Participant) {
			if !current() {
				return
			}
			o.handleTextSegment(seg, p)
		},
	}
}

func (o *Orchestrator) handleParticipantConnected(p media.Participant) {
	result := classify.Classify(classify.Input{
		Identity:   p.Identity(),
		IsAgent:    p.IsAgent(),
		Attributes: p.Attributes(),
	})

	o.mu.Lock()
	o.participants[p.Identity()] = &ParticipantRecord{
		Identity:       p.Identity(),
		Classification: result,
		ConnectedAt:    o.now(),
	}
	if result.Kind == classify.KindMainAgent {
		o.mainAgent = p.Identity()
	}
	o.mu.Unlock()

	log.Printf("[Session] participant %s joined as %s", p.Identity(), result.Kind)
	o.bus.Emit(bus.EventParticipantConnected, ParticipantEvent{
		Identity: p.Identity(),
		Kind:     result.Kind,
		Provider: result.Provider,
	})
}

func (o *Orchestrator) handleParticipantDisconnected(p media.Participant) {
	o.mu.Lock()
	rec := o.participants[p.Identity()]
	delete(o.participants, p.Identity())
	if o.mainAgent == p.Identity() {
		o.mainAgent = ""
	}
	o.mu.Unlock()

	event := ParticipantEvent{Identity: p.Identity()}
	if rec != nil {
		event.Kind = rec.Classification.Kind
		event.Provider = rec.Classification.Provider
	}
	o.bus.Emit(bus.EventParticipantDisconnected, event)
}

func (o *Orchestrator) handleTrackSubscribed(t media.RemoteTrack, p media.Participant) {
	o.mu.Lock()
	rec := o.participants[p.Identity()]
	o.mu.Unlock()

	var result classify.Result
	if rec != nil {
		result = rec.Classification
	} else {
		// Track event arrived before the participant event; classify on
		// the spot but do not persist (the join handler owns the record).
		result = classify.Classify(classify.Input{
			Identity:   p.Identity(),
			IsAgent:    p.IsAgent(),
			Attributes: p.Attributes(),
		})
	}

	o.router.HandleTrackSubscribed(t, p, result)
	o.bus.Emit(bus.EventTrackSubscribed, TrackEvent{
		TrackID:     t.ID(),
		Kind:        t.Kind().String(),
		Participant: p.Identity(),
	})
}

func (o *Orchestrator) handleActiveSpeakers(identities []string) {
	o.mu.Lock()
	agent := o.mainAgent
	o.mu.Unlock()
	if agent == "" {
		return
	}

	for _, id := range identities {
		if id == agent {
			o.transcripts.NoteAgentSpeaking()
			return
		}
	}
}

func (o *Orchestrator) handleTextSegment(seg media.TextSegment, p media.Participant) {
	o.mu.Lock()
	local := ""
	if o.room != nil {
		local = o.room.LocalIdentity()
	}
	rec := o.participants[p.Identity()]
	o.mu.Unlock()

	audioCorrelated := seg.Topic == o.cfg.Topics.Transcription

	switch {
	case p.Identity() == local:
		o.transcripts.HandleSegment(transcript.SpeakerUser, seg, audioCorrelated)
	case rec != nil && rec.Classification.Kind == classify.KindMainAgent:
		o.transcripts.HandleSegment(transcript.SpeakerAgent, seg, audioCorrelated)
	default:
		// Text from avatar workers and other peers is not part of the
		// conversation transcript.
	}
}

// handleDisconnected reacts to a transport-level disconnect that the SDK
// reports as final. A user-initiated reason is the tail end of Disconnect
// and needs no reaction; anything else triggers a fresh connect sequence
// under the existing retry budget.
func (o *Orchestrator) handleDisconnected(reason media.DisconnectReason) {
	if reason == media.DisconnectUser {
		return
	}

	log.Printf("[Session] disconnected (%s)", reason)
	o.bus.Emit(bus.EventStatusChange, StatusChange{
		Phase:    PhaseReconnecting,
		Message:  fmt.Sprintf("connection lost (%s)", reason),
		Category: CategoryWarning,
	})

	o.mu.Lock()
	gen := o.generation
	var credRoom, credIdentity string
	if o.cred != nil {
		credRoom, credIdentity = o.cred.Room, o.cred.Identity
	}
	o.room = nil
	o.micPub = nil
	o.voiceActive = false
	o.phase = PhaseReconnecting
	o.mu.Unlock()

	o.router.Reset()
	o.rpc.Reset()
	o.transcripts.Reset()

	cause := fmt.Errorf("%w: transport disconnected (%s)", ErrConnect, reason)
	_, span := trace.InstrumentDisconnect(context.Background(), credRoom, credIdentity, cause)
	span.End()

	o.retryOrFail(gen, 1, cause)
}

func (o *Orchestrator) handleReconnecting() {
	o.mu.Lock()
	if o.phase != PhaseReady {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseReconnecting
	o.mu.Unlock()

	o.bus.Emit(bus.EventStatusChange, StatusChange{
		Phase:    PhaseReconnecting,
		Message:  "reconnecting",
		Category: CategoryWarning,
	})
}

func (o *Orchestrator) handleReconnected() {
	o.mu.Lock()
	if o.phase != PhaseReconnecting {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseReady
	o.retries = 0
	o.mu.Unlock()

	o.bus.Emit(bus.EventStatusChange, StatusChange{
		Phase:    PhaseReady,
		Message:  "reconnected",
		Category: CategorySuccess,
	})
}

// Disconnect tears the session down: all timers cleared, pending RPC calls
// cancelled, in-flight turns and the replay reference dropped, microphone
// released, room closed. Idempotent.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	// Bumping the generation invalidates every in-flight completion and
	// scheduled retry belonging to this session.
	o.generation++
	room := o.room
	micPub := o.micPub
	var credRoom, credIdentity string
	if o.cred != nil {
		credRoom, credIdentity = o.cred.Room, o.cred.Identity
	}
	o.room = nil
	o.cred = nil
	o.micPub = nil
	o.voiceActive = false
	o.micMuted = false
	o.retries = 0
	o.participants = make(map[string]*ParticipantRecord)
	o.mainAgent = ""
	alreadyIdle := o.phase == PhaseIdle
	o.phase = PhaseIdle
	o.mu.Unlock()

	o.timers.Clear()
	o.rpc.Reset()
	o.router.Reset()
	o.transcripts.Reset()

	if room != nil {
		if micPub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := room.UnpublishMicrophone(ctx); err != nil {
				o.forceReleaseMicrophone(room)
			}
			cancel()
		}
		room.Disconnect()
	}

	if !alreadyIdle {
		_, span := trace.InstrumentDisconnect(context.Background(), credRoom, credIdentity, nil)
		span.End()

		o.bus.Emit(bus.EventStatusChange, StatusChange{
			Phase:    PhaseIdle,
			Message:  "disconnected",
			Category: CategoryInfo,
		})
	}
}

// teardownRoom closes the room after a mid-handshake failure.
func (o *Orchestrator) teardownRoom() {
	o.mu.Lock()
	room := o.room
	o.room = nil
	o.mu.Unlock()

	if room != nil {
		room.Disconnect()
	}
}

// SendText publishes a chat message on the configured chat topic.
func (o *Orchestrator) SendText(ctx context.Context, text string) error {
	o.mu.Lock()
	room := o.room
	ready := o.phase == PhaseReady
	o.mu.Unlock()

	if !ready || room == nil {
		return ErrNotReady
	}
	return room.SendText(ctx, text, o.cfg.Topics.Chat)
}

// ReplayLastBotAudio replays the most recent agent utterance. The local live
// track is preferred; when it is gone, the agent is asked over RPC to speak
// the last message again.
func (o *Orchestrator) ReplayLastBotAudio(ctx context.Context) error {
	err := o.router.ReplayLastBotAudio()
	if err == nil {
		return nil
	}
	if !errors.Is(err, trackrouter.ErrNoAudioAvailable) {
		return err
	}

	o.mu.Lock()
	room := o.room
	agent := o.mainAgent
	o.mu.Unlock()

	if room == nil || agent == "" {
		return err
	}

	_, rpcErr := o.rpc.CallRemote(ctx, room, agent, "replay_last_audio", json.RawMessage(`{}`), 0)
	if rpcErr != nil {
		log.Printf("[Session] remote replay failed: %v", rpcErr)
		return err
	}
	return nil
}

// CallAgent performs an outbound RPC against the main agent.
func (o *Orchestrator) CallAgent(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	o.mu.Lock()
	room := o.room
	agent := o.mainAgent
	o.mu.Unlock()

	if room == nil {
		return nil, ErrNotReady
	}
	if agent == "" {
		return nil, errors.New("session: no agent connected")
	}
	return o.rpc.CallRemote(ctx, room, agent, method, payload, 0)
}
