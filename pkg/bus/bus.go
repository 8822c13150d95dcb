// Package bus provides the synchronous publish/subscribe surface shared by
// every session component. Unlike a queue, Emit invokes all currently
// registered handlers inline and in registration order; a panicking handler
// is isolated so the remaining handlers still run and the emitting component
// never sees the failure.
package bus

import (
	"log"
	"sync"
)

// Event names the typed events flowing between the session core and the
// embedding application.
type Event string

const (
	EventStatusChange             Event = "status_change"
	EventReady                    Event = "ready"
	EventError                    Event = "error"
	EventParticipantConnected     Event = "participant_connected"
	EventParticipantDisconnected  Event = "participant_disconnected"
	EventTrackSubscribed          Event = "track_subscribed"
	EventTrackUnsubscribed        Event = "track_unsubscribed"
	EventBotAudioReady            Event = "bot_audio_ready"
	EventAvatarVideoReady         Event = "avatar_video_ready"
	EventSpeechStart              Event = "speech_start"
	EventSpeechEnd                Event = "speech_end"
	EventTranscriptionReceived    Event = "transcription_received"
	EventMicrophoneChanged        Event = "microphone_changed"
	EventAudioChanged             Event = "audio_changed"
	EventConnectionQualityChanged Event = "connection_quality_changed"
	EventRPCInvoked               Event = "rpc_invoked"
)

// Handler receives the payload passed to Emit.
type Handler func(payload interface{})

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous event dispatcher. The zero value is not usable; call
// New.
type Bus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[Event][]subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[Event][]subscription),
	}
}

// On registers a handler for the given event and returns a subscription ID
// usable with Off. Handlers are invoked in registration order.
func (b *Bus) On(event Event, h Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, handler: h})
	return id
}

// Off removes the subscription with the given ID. Safe to call from inside
// the handler itself.
func (b *Bus) Off(event Event, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[event]
	for i, s := range subs {
		if s.id == id {
			b.handlers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit synchronously invokes every handler registered for event at the time
// of the call. Handlers added or removed during emission take effect on the
// next Emit. A panic inside one handler is logged and does not stop the
// remaining handlers.
func (b *Bus) Emit(event Event, payload interface{}) {
	b.mu.Lock()
	subs := b.handlers[event]
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		invoke(event, s.handler, payload)
	}
}

func invoke(event Event, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bus] handler for %q panicked: %v", event, r)
		}
	}()
	h(payload)
}
