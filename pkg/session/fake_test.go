package session

import (
	"context"
	"sync"
	"time"

	"github.com/voicelink-ai/voicelink/pkg/media"
	"github.com/voicelink-ai/voicelink/pkg/token"
)

// fakeFetcher returns queued errors before succeeding. A nil entry means
// success.
type fakeFetcher struct {
	mu       sync.Mutex
	failures []error
	calls    int
	callAt   []time.Time
	cred     token.Credential
}

func newFakeFetcher(failures ...error) *fakeFetcher {
	return &fakeFetcher{
		failures: failures,
		cred: token.Credential{
			Token:    "t1",
			URL:      "wss://media.test",
			Room:     "room-1",
			Identity: "user_test",
		},
	}
}

func (f *fakeFetcher) FetchToken(ctx context.Context, req token.Request) (*token.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.callAt = append(f.callAt, time.Now())
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	cred := f.cred
	return &cred, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePublication struct {
	mu      sync.Mutex
	sid     string
	stopped bool
	muted   bool
}

func (p *fakePublication) SID() string { return p.sid }
func (p *fakePublication) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
func (p *fakePublication) Mute(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

type sentText struct {
	text  string
	topic string
}

type fakeRoom struct {
	mu            sync.Mutex
	identity      string
	attrs         map[string]string
	attrErr       error
	disconnected  bool
	micPub        *fakePublication
	publishErr    error
	unpublishErr  error
	unpublished   bool
	texts         []sentText
	rpcMethods    map[string]media.RPCHandler
	performed     []string
	performResult string
	performErr    error
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{
		identity:   "user_test",
		attrs:      make(map[string]string),
		rpcMethods: make(map[string]media.RPCHandler),
	}
}

func (r *fakeRoom) LocalIdentity() string { return r.identity }

func (r *fakeRoom) SetAttributes(ctx context.Context, attrs map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attrErr != nil {
		return r.attrErr
	}
	for k, v := range attrs {
		r.attrs[k] = v
	}
	return nil
}

func (r *fakeRoom) attr(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attrs[key]
}

func (r *fakeRoom) PublishMicrophone(ctx context.Context) (media.LocalPublication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return nil, r.publishErr
	}
	r.micPub = &fakePublication{sid: "PA_mic"}
	return r.micPub, nil
}

func (r *fakeRoom) UnpublishMicrophone(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unpublishErr != nil {
		return r.unpublishErr
	}
	r.unpublished = true
	r.micPub = nil
	return nil
}

func (r *fakeRoom) LocalPublications() []media.LocalPublication {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.micPub == nil {
		return nil
	}
	return []media.LocalPublication{r.micPub}
}

func (r *fakeRoom) SendText(ctx context.Context, text, topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, sentText{text: text, topic: topic})
	return nil
}

func (r *fakeRoom) PerformRPC(ctx context.Context, dest, method, payload string, timeout time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.performed = append(r.performed, method)
	if r.performErr != nil {
		return "", r.performErr
	}
	if r.performResult == "" {
		return `{"success":true}`, nil
	}
	return r.performResult, nil
}

func (r *fakeRoom) RegisterRPCMethod(method string, h media.RPCHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rpcMethods[method] = h
	return nil
}

func (r *fakeRoom) Disconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = true
}

func (r *fakeRoom) isDisconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

// fakeProvider hands out fresh fakeRooms and captures the event callbacks
// each connect installed.
type fakeProvider struct {
	mu           sync.Mutex
	prepareErr   error
	prepareCalls int
	connectErr   error
	connectGate  chan struct{} // when non-nil, Connect blocks until closed
	rooms        []*fakeRoom
	events       []*media.RoomEvents
}

func (f *fakeProvider) Prepare(ctx context.Context, url, tok string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCalls++
	return f.prepareErr
}

func (f *fakeProvider) Connect(ctx context.Context, url, tok string, events *media.RoomEvents) (media.Room, error) {
	f.mu.Lock()
	gate := f.connectGate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	room := newFakeRoom()
	f.rooms = append(f.rooms, room)
	f.events = append(f.events, events)
	return room, nil
}

func (f *fakeProvider) lastRoom() *fakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rooms) == 0 {
		return nil
	}
	return f.rooms[len(f.rooms)-1]
}

func (f *fakeProvider) lastEvents() *media.RoomEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	return f.events[len(f.events)-1]
}

func (f *fakeProvider) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rooms)
}

type fakeSink struct {
	mu       sync.Mutex
	attached []string
	detached []string
}

func (s *fakeSink) Attach(t media.RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, t.ID())
	return nil
}

func (s *fakeSink) Detach(t media.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, t.ID())
}

type fakeTrack struct {
	id         string
	kind       media.TrackKind
	subscribed bool
}

func (t *fakeTrack) ID() string            { return t.id }
func (t *fakeTrack) Kind() media.TrackKind { return t.kind }
func (t *fakeTrack) Subscribed() bool      { return t.subscribed }

type fakeParticipant struct {
	identity string
	agent    bool
	attrs    map[string]string
}

func (p *fakeParticipant) Identity() string              { return p.identity }
func (p *fakeParticipant) IsAgent() bool                 { return p.agent }
func (p *fakeParticipant) Attributes() map[string]string { return p.attrs }
