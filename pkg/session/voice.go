package session

import (
	"context"
	"errors"
	"log"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
)

// SetVoiceMode publishes or unpublishes the local microphone and announces
// the interaction-mode change to the room. Enabling requires a Ready
// session; disabling is always safe and tolerates a missing track.
func (o *Orchestrator) SetVoiceMode(ctx context.Context, enabled bool) error {
	if enabled {
		return o.enableVoiceMode(ctx)
	}
	return o.disableVoiceMode(ctx)
}

// VoiceModeActive reports whether the microphone is currently published.
func (o *Orchestrator) VoiceModeActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voiceActive
}

func (o *Orchestrator) enableVoiceMode(ctx context.Context) error {
	o.mu.Lock()
	if o.phase != PhaseReady || o.room == nil {
		o.mu.Unlock()
		return ErrNotReady
	}
	if o.voiceActive {
		o.mu.Unlock()
		return nil
	}
	room := o.room
	o.mu.Unlock()

	pub, err := room.PublishMicrophone(ctx)
	if err != nil {
		if errors.Is(err, media.ErrMicrophonePermission) || errors.Is(err, media.ErrAudioDevice) {
			// User-actionable, not retried automatically.
			o.bus.Emit(bus.EventError, ErrorEvent{Message: err.Error()})
		}
		return err
	}

	o.mu.Lock()
	o.micPub = pub
	o.voiceActive = true
	o.micMuted = false
	o.mu.Unlock()

	if err := room.SetAttributes(ctx, map[string]string{"io_mode": string(config.IOModeVoice)}); err != nil {
		log.Printf("[Session] voice mode attribute announce failed: %v", err)
	}

	o.bus.Emit(bus.EventMicrophoneChanged, ToggleEvent{Enabled: true})
	return nil
}

func (o *Orchestrator) disableVoiceMode(ctx context.Context) error {
	o.mu.Lock()
	room := o.room
	wasActive := o.voiceActive
	o.micPub = nil
	o.voiceActive = false
	o.micMuted = false
	o.mu.Unlock()

	if room == nil || !wasActive {
		// Nothing published: disabling is a no-op, not an error.
		return nil
	}

	// Unpublish with stop semantics so the OS microphone indicator clears.
	if err := room.UnpublishMicrophone(ctx); err != nil {
		log.Printf("[Session] graceful microphone unpublish failed: %v", err)
		o.forceReleaseMicrophone(room)
	}

	if err := room.SetAttributes(ctx, map[string]string{"io_mode": string(o.cfg.Mode)}); err != nil {
		log.Printf("[Session] voice mode attribute announce failed: %v", err)
	}

	o.bus.Emit(bus.EventMicrophoneChanged, ToggleEvent{Enabled: false})
	return nil
}

// forceReleaseMicrophone is the last-resort release path: stop the media
// line of every local publication so no capture device stays open.
func (o *Orchestrator) forceReleaseMicrophone(room media.Room) {
	pubs := room.LocalPublications()
	log.Printf("[Session] force-releasing %d local publications", len(pubs))
	for _, pub := range pubs {
		pub.Stop()
	}
}

// SetMicrophoneMuted mutes or unmutes the published microphone track
// without unpublishing it. Requires active voice mode.
func (o *Orchestrator) SetMicrophoneMuted(muted bool) error {
	o.mu.Lock()
	pub := o.micPub
	if pub == nil {
		o.mu.Unlock()
		return ErrNotReady
	}
	o.micMuted = muted
	o.mu.Unlock()

	pub.Mute(muted)
	o.bus.Emit(bus.EventMicrophoneChanged, ToggleEvent{Enabled: !muted})
	return nil
}

// MicrophoneMuted reports the mute flag. Orthogonal to connection phase by
// construction.
func (o *Orchestrator) MicrophoneMuted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.micMuted
}

// SetAudioEnabled toggles agent audio playback on the local side. Sinks
// that support muting are silenced in place; attached tracks stay routed.
func (o *Orchestrator) SetAudioEnabled(enabled bool) {
	o.mu.Lock()
	changed := o.audioEnabled != enabled
	o.audioEnabled = enabled
	o.mu.Unlock()

	if !changed {
		return
	}
	if m, ok := o.sink.(interface{ SetMuted(bool) }); ok {
		m.SetMuted(!enabled)
	}
	o.bus.Emit(bus.EventAudioChanged, ToggleEvent{Enabled: enabled})
}

// AudioEnabled reports whether agent audio playback is enabled.
func (o *Orchestrator) AudioEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.audioEnabled
}

// SetPersona announces a persona switch to the room without reconnecting.
func (o *Orchestrator) SetPersona(ctx context.Context, personaID string) error {
	o.mu.Lock()
	room := o.room
	ready := o.phase == PhaseReady
	o.mu.Unlock()

	if !ready || room == nil {
		return ErrNotReady
	}

	log.Printf("[Session] switching persona to %s", personaID)
	return room.SetAttributes(ctx, map[string]string{"persona_id": personaID})
}

// SetMode switches the interaction mode used for transcript filtering and
// announced at the next handshake.
func (o *Orchestrator) SetMode(mode config.IOMode) {
	if !config.ValidIOMode(mode) {
		return
	}
	o.transcripts.SetMode(mode)
}
