// Package transcript merges streaming transcription and text-channel
// fragments into discrete user and agent turns. At most one turn per speaker
// is in flight; a final fragment always closes it. The package keeps no
// history: closed turns are emitted on the bus and forgotten.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
)

// Speaker identifies the side of the conversation a turn belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// SpeechStart is the payload of bus.EventSpeechStart.
type SpeechStart struct {
	Speaker Speaker
}

// SpeechEnd is the payload of bus.EventSpeechEnd.
type SpeechEnd struct {
	Speaker Speaker
	Text    string
}

// Transcription is the payload of bus.EventTranscriptionReceived. Non-final
// payloads are streaming updates of the in-flight turn.
type Transcription struct {
	Speaker Speaker
	Text    string
	Final   bool
}

type turn struct {
	text      string
	segmentID string
	startedAt time.Time
}

// Aggregator accumulates fragments into turns and publishes turn boundaries
// on the bus.
type Aggregator struct {
	mu   sync.Mutex
	bus  *bus.Bus
	mode config.IOMode

	inflight map[Speaker]*turn

	latency        latencyTracker
	pendingLatency bool
	lastUserEnd    time.Time

	now func() time.Time
}

// New creates an Aggregator in the given interaction mode.
func New(b *bus.Bus, mode config.IOMode) *Aggregator {
	return &Aggregator{
		bus:      b,
		mode:     mode,
		inflight: make(map[Speaker]*turn),
		now:      time.Now,
	}
}

// SetMode switches the interaction mode. Affects only future fragments.
func (a *Aggregator) SetMode(mode config.IOMode) {
	a.mu.Lock()
	a.mode = mode
	a.mu.Unlock()
}

// Mode returns the active interaction mode.
func (a *Aggregator) Mode() config.IOMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// HandleSegment folds one fragment into the speaker's in-flight turn.
// audioCorrelated marks fragments produced from the audio path (live
// transcription) as opposed to the plain text channel. In voice mode the
// agent's non-audio-correlated finals are suppressed entirely.
func (a *Aggregator) HandleSegment(speaker Speaker, seg media.TextSegment, audioCorrelated bool) {
	a.mu.Lock()

	if speaker == SpeakerAgent && a.mode == config.IOModeVoice && !audioCorrelated {
		a.mu.Unlock()
		return
	}

	t, ok := a.inflight[speaker]
	started := false
	if !ok {
		t = &turn{startedAt: a.now()}
		a.inflight[speaker] = t
		started = true
	}

	if t.segmentID == seg.ID && seg.ID != "" {
		// Streaming revision of the same utterance fragment.
		t.text = seg.Text
	} else {
		if t.text == "" {
			t.text = seg.Text
		} else {
			t.text = strings.TrimSpace(t.text) + " " + seg.Text
		}
		t.segmentID = seg.ID
	}

	if started && speaker == SpeakerAgent && a.pendingLatency {
		a.latency.record(a.now().Sub(a.lastUserEnd))
		a.pendingLatency = false
	}

	if !seg.Final {
		text := t.text
		a.mu.Unlock()

		if started {
			a.bus.Emit(bus.EventSpeechStart, SpeechStart{Speaker: speaker})
		}
		a.bus.Emit(bus.EventTranscriptionReceived, Transcription{Speaker: speaker, Text: text})
		return
	}

	// Final fragment: the turn becomes immutable and is discarded.
	delete(a.inflight, speaker)
	text := t.text
	if speaker == SpeakerUser {
		a.lastUserEnd = a.now()
		a.pendingLatency = true
	}
	a.mu.Unlock()

	if started {
		a.bus.Emit(bus.EventSpeechStart, SpeechStart{Speaker: speaker})
	}
	a.bus.Emit(bus.EventSpeechEnd, SpeechEnd{Speaker: speaker, Text: text})
	if speaker == SpeakerAgent {
		a.bus.Emit(bus.EventTranscriptionReceived, Transcription{Speaker: speaker, Text: text, Final: true})
	}
}

// NoteAgentSpeaking records the active-speaker signal for the agent. Closes
// the open response-latency window if the agent had not produced text yet.
func (a *Aggregator) NoteAgentSpeaking() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pendingLatency {
		a.latency.record(a.now().Sub(a.lastUserEnd))
		a.pendingLatency = false
	}
}

// Latency returns a snapshot of the response-latency statistics.
func (a *Aggregator) Latency() LatencyStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latency.snapshot()
}

// Reset discards all in-flight turns and the open latency window. Latency
// statistics survive; they are observational only.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.inflight = make(map[Speaker]*turn)
	a.pendingLatency = false
	a.mu.Unlock()
}
