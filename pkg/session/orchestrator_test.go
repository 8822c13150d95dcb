package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/classify"
	"github.com/voicelink-ai/voicelink/pkg/config"
	"github.com/voicelink-ai/voicelink/pkg/media"
	"github.com/voicelink-ai/voicelink/pkg/token"
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.TokenEndpoint = "http://token.test/getToken"
	cfg.Timeouts.Connect = time.Second
	cfg.Timeouts.Reconnect = 10 * time.Millisecond
	cfg.Timeouts.Prepare = 50 * time.Millisecond
	cfg.Timeouts.RPC = 200 * time.Millisecond
	cfg.MaxRetries = 5
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

type harness struct {
	bus      *bus.Bus
	fetcher  *fakeFetcher
	provider *fakeProvider
	sink     *fakeSink
	orc      *Orchestrator

	ready  chan struct{}
	failed chan ErrorEvent
}

func newHarness(cfg config.Config, fetcher *fakeFetcher) *harness {
	h := &harness{
		bus:      bus.New(),
		fetcher:  fetcher,
		provider: &fakeProvider{},
		sink:     &fakeSink{},
		ready:    make(chan struct{}, 4),
		failed:   make(chan ErrorEvent, 4),
	}
	h.orc = New(cfg, h.bus, fetcher, h.provider, h.sink)
	h.bus.On(bus.EventReady, func(payload interface{}) {
		h.ready <- struct{}{}
	})
	h.bus.On(bus.EventError, func(payload interface{}) {
		h.failed <- payload.(ErrorEvent)
	})
	return h
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	select {
	case <-h.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
}

func (h *harness) waitFailed(t *testing.T) ErrorEvent {
	t.Helper()
	select {
	case e := <-h.failed:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for error event")
		return ErrorEvent{}
	}
}

func TestInitializeReachesReady(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	assert.Equal(t, PhaseReady, h.orc.Phase())
	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, 1, h.provider.connectCount())

	// Exactly one ready event.
	select {
	case <-h.ready:
		t.Fatal("ready emitted more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInitializePerformsHandshake(t *testing.T) {
	cfg := testConfig()
	cfg.PersonaID = "rosalia"
	cfg.Mode = config.IOModeHybrid

	h := newHarness(cfg, newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	room := h.provider.lastRoom()
	assert.Equal(t, "hybrid", room.attr("io_mode"))
	assert.Equal(t, "rosalia", room.attr("persona_id"))

	// Inbound RPC methods registered at ready time.
	room.mu.Lock()
	registered := len(room.rpcMethods)
	room.mu.Unlock()
	assert.Equal(t, len(cfg.RPCMethods), registered)
}

func TestInitializePreWarms(t *testing.T) {
	cfg := testConfig()
	cfg.Features.PrepareConnection = true

	h := newHarness(cfg, newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	assert.Equal(t, 1, h.provider.prepareCalls)
}

func TestPreWarmFailureIsNonFatal(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.provider.prepareErr = errors.New("endpoint unreachable")

	h.orc.Initialize()
	h.waitReady(t)

	assert.Equal(t, PhaseReady, h.orc.Phase())
}

func TestInitializeWhileConnectingIsNoOp(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.provider.connectGate = make(chan struct{})

	h.orc.Initialize()
	time.Sleep(20 * time.Millisecond)
	h.orc.Initialize() // must warn and do nothing

	close(h.provider.connectGate)
	h.waitReady(t)

	assert.Equal(t, 1, h.fetcher.callCount())
}

func TestTokenFailureRetriesThenSucceeds(t *testing.T) {
	// Token endpoint fails three times then succeeds; maxRetries=5.
	tokenErr := &token.Error{StatusCode: 500, Message: "boom"}
	h := newHarness(testConfig(), newFakeFetcher(tokenErr, tokenErr, tokenErr, nil))

	h.orc.Initialize()
	h.waitReady(t)

	assert.Equal(t, 4, h.fetcher.callCount())
	assert.Equal(t, PhaseReady, h.orc.Phase())
}

func TestRetryBudgetExhaustionFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3

	tokenErr := &token.Error{StatusCode: 500, Message: "boom"}
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = tokenErr
	}
	h := newHarness(cfg, newFakeFetcher(failures...))

	h.orc.Initialize()
	e := h.waitFailed(t)

	assert.Equal(t, PhaseFailed, h.orc.Phase())
	assert.Contains(t, e.Message, "boom")

	// maxRetries retries after the first attempt, then terminal failure
	// with no further attempt scheduled.
	assert.Equal(t, cfg.MaxRetries+1, h.fetcher.callCount())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, cfg.MaxRetries+1, h.fetcher.callCount())

	var terr *token.Error
	require.ErrorAs(t, h.orc.LastError(), &terr)
}

func TestBackoffDelayIncreasesLinearly(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.Timeouts.Reconnect = 40 * time.Millisecond

	tokenErr := &token.Error{StatusCode: 503, Message: "unavailable"}
	h := newHarness(cfg, newFakeFetcher(tokenErr, tokenErr, tokenErr, tokenErr))

	h.orc.Initialize()
	h.waitFailed(t)

	h.fetcher.mu.Lock()
	times := append([]time.Time(nil), h.fetcher.callAt...)
	h.fetcher.mu.Unlock()
	require.Len(t, times, 4)

	var gaps []time.Duration
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]))
	}
	// Linear backoff: 1x, 2x, 3x the base delay.
	for i := 1; i < len(gaps); i++ {
		assert.Greater(t, gaps[i], gaps[i-1], "backoff delay must strictly increase")
	}
	assert.GreaterOrEqual(t, gaps[0], 40*time.Millisecond)
}

func TestMalformedTokenNeverReady(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0

	h := newHarness(cfg, newFakeFetcher(&token.Error{Message: "response missing token or url"}))
	h.orc.Initialize()
	h.waitFailed(t)

	assert.Equal(t, PhaseFailed, h.orc.Phase())
	select {
	case <-h.ready:
		t.Fatal("ready must not be emitted for a malformed token")
	default:
	}
}

func TestConnectFailureRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 0

	h := newHarness(cfg, newFakeFetcher())
	h.provider.connectErr = errors.New("dial refused")

	h.orc.Initialize()
	h.waitFailed(t)

	require.ErrorIs(t, h.orc.LastError(), ErrConnect)
}

func TestUserDisconnectSchedulesNoReconnect(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	h.orc.Disconnect()

	assert.Equal(t, PhaseIdle, h.orc.Phase())
	assert.True(t, h.provider.lastRoom().isDisconnected())
	assert.Zero(t, h.orc.timers.Len())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.fetcher.callCount(), "no reconnect after user disconnect")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Disconnect()
	h.orc.Disconnect()
	assert.Equal(t, PhaseIdle, h.orc.Phase())
}

func TestTransportDropTriggersReconnect(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	h.provider.lastEvents().OnDisconnected(media.DisconnectServer)
	h.waitReady(t)

	assert.Equal(t, PhaseReady, h.orc.Phase())
	assert.Equal(t, 2, h.provider.connectCount(), "expected a fresh session object")
	assert.Equal(t, 2, h.fetcher.callCount(), "expected a fresh token")
}

func TestSDKReconnectCycle(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	events := h.provider.lastEvents()
	events.OnReconnecting()
	assert.Equal(t, PhaseReconnecting, h.orc.Phase())

	events.OnReconnected()
	assert.Equal(t, PhaseReady, h.orc.Phase())

	// The SDK handled it; no fresh connect sequence.
	assert.Equal(t, 1, h.provider.connectCount())
}

func TestStaleConnectCompletionDoesNotLeakRoom(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.provider.connectGate = make(chan struct{})

	h.orc.Initialize()
	time.Sleep(20 * time.Millisecond)

	// Supersede the in-flight connect.
	h.orc.Disconnect()
	close(h.provider.connectGate)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, PhaseIdle, h.orc.Phase())
	if room := h.provider.lastRoom(); room != nil {
		assert.True(t, room.isDisconnected(), "stale room must be closed, not adopted")
	}
}

func TestDisconnectClearsScheduledRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Reconnect = 5 * time.Second // retry far in the future

	tokenErr := &token.Error{StatusCode: 500, Message: "boom"}
	h := newHarness(cfg, newFakeFetcher(tokenErr, tokenErr))

	h.orc.Initialize()
	// Wait for the first failure to schedule its retry timer.
	require.Eventually(t, func() bool { return h.orc.timers.Len() > 0 },
		time.Second, 10*time.Millisecond)

	h.orc.Disconnect()
	assert.Zero(t, h.orc.timers.Len(), "disconnect must clear pending retry timers")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.fetcher.callCount())
}

func TestParticipantClassifiedOnJoin(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())

	var joined []ParticipantEvent
	h.bus.On(bus.EventParticipantConnected, func(payload interface{}) {
		joined = append(joined, payload.(ParticipantEvent))
	})

	h.orc.Initialize()
	h.waitReady(t)

	events := h.provider.lastEvents()
	events.OnParticipantConnected(&fakeParticipant{identity: "monaquehabla", agent: true})
	events.OnParticipantConnected(&fakeParticipant{identity: "tavus-avatar-agent", agent: true})

	require.Len(t, joined, 2)
	assert.Equal(t, classify.KindMainAgent, joined[0].Kind)
	assert.Equal(t, classify.KindAvatarWorker, joined[1].Kind)
	assert.Equal(t, "tavus", joined[1].Provider)
}

func TestAgentAudioRoutedToSink(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	events := h.provider.lastEvents()
	agent := &fakeParticipant{identity: "monaquehabla", agent: true}
	events.OnParticipantConnected(agent)
	events.OnTrackSubscribed(&fakeTrack{id: "TR_a1", kind: media.TrackKindAudio, subscribed: true}, agent)

	h.sink.mu.Lock()
	attached := append([]string(nil), h.sink.attached...)
	h.sink.mu.Unlock()
	assert.Equal(t, []string{"TR_a1"}, attached)
}

func TestTextSegmentsRoutedBySpeaker(t *testing.T) {
	cfg := testConfig()
	h := newHarness(cfg, newFakeFetcher())

	var ends []interface{}
	h.bus.On(bus.EventSpeechEnd, func(payload interface{}) {
		ends = append(ends, payload)
	})

	h.orc.Initialize()
	h.waitReady(t)

	events := h.provider.lastEvents()
	agent := &fakeParticipant{identity: "monaquehabla", agent: true}
	local := &fakeParticipant{identity: "user_test"}
	avatar := &fakeParticipant{identity: "tavus-avatar-agent", agent: true}
	events.OnParticipantConnected(agent)
	events.OnParticipantConnected(avatar)

	seg := media.TextSegment{ID: "s1", Text: "hola", Final: true, Topic: cfg.Topics.Transcription}
	events.OnTextSegment(seg, local)
	events.OnTextSegment(seg, agent)
	events.OnTextSegment(seg, avatar) // ignored

	assert.Len(t, ends, 2)
}

func TestSendTextRequiresReady(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	err := h.orc.SendText(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNotReady)

	h.orc.Initialize()
	h.waitReady(t)

	require.NoError(t, h.orc.SendText(context.Background(), "hello"))
	room := h.provider.lastRoom()
	room.mu.Lock()
	defer room.mu.Unlock()
	require.Len(t, room.texts, 1)
	assert.Equal(t, "lk.chat", room.texts[0].topic)
}

func TestReplayFallsBackToAgentRPC(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	events := h.provider.lastEvents()
	events.OnParticipantConnected(&fakeParticipant{identity: "monaquehabla", agent: true})

	// No local track held: the orchestrator asks the agent to replay.
	require.NoError(t, h.orc.ReplayLastBotAudio(context.Background()))

	room := h.provider.lastRoom()
	room.mu.Lock()
	defer room.mu.Unlock()
	assert.Equal(t, []string{"replay_last_audio"}, room.performed)
}

func TestConnectionQualityForwarded(t *testing.T) {
	h := newHarness(testConfig(), newFakeFetcher())

	var got QualityEvent
	h.bus.On(bus.EventConnectionQualityChanged, func(payload interface{}) {
		got = payload.(QualityEvent)
	})

	h.orc.Initialize()
	h.waitReady(t)

	h.provider.lastEvents().OnConnectionQualityChanged("poor", 240)
	assert.Equal(t, "poor", got.Quality)
	assert.Equal(t, int64(240), got.RTTMs)
}

func TestAgentSpeakingClosesLatencyWindow(t *testing.T) {
	cfg := testConfig()
	h := newHarness(cfg, newFakeFetcher())
	h.orc.Initialize()
	h.waitReady(t)

	events := h.provider.lastEvents()
	agent := &fakeParticipant{identity: "monaquehabla", agent: true}
	local := &fakeParticipant{identity: "user_test"}
	events.OnParticipantConnected(agent)

	events.OnTextSegment(media.TextSegment{ID: "u1", Text: "question", Final: true, Topic: cfg.Topics.Transcription}, local)
	events.OnActiveSpeakersChanged([]string{"monaquehabla"})

	stats := h.orc.Transcripts().Latency()
	assert.Equal(t, 1, stats.Count)
}
