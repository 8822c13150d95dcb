// Package rpcgw carries bidirectional control messages between the local
// client and remote participants. Inbound method names come from
// configuration and are registered once the connection is ready; outbound
// calls are bounded by a per-call timeout. RPC failures are per-call only
// and never fatal to the session.
package rpcgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelink-ai/voicelink/pkg/bus"
	"github.com/voicelink-ai/voicelink/pkg/media"
	"github.com/voicelink-ai/voicelink/pkg/trace"
)

// Errors returned by gateway operations.
var (
	// ErrTimeout means no response arrived within the call's timeout. A
	// late response is discarded silently.
	ErrTimeout = errors.New("rpcgw: call timed out")

	// ErrMalformedPayload means a payload was not valid JSON.
	ErrMalformedPayload = errors.New("rpcgw: malformed payload")
)

// Handler serves an inbound call dispatched by method name.
type Handler func(callerIdentity string, payload json.RawMessage) (interface{}, error)

// Invocation is the payload of bus.EventRPCInvoked, published for inbound
// calls that have no registered handler. A subscriber may answer by calling
// Respond or Fail synchronously from its bus handler; if nobody does, the
// remote caller receives a generic forwarded envelope.
type Invocation struct {
	Method  string
	Caller  string
	Payload json.RawMessage

	Respond func(result interface{})
	Fail    func(message string)
}

// CallStats accumulates outbound call latency per method.
type CallStats struct {
	Count int
	Total time.Duration
	Max   time.Duration
}

// Gateway manages the RPC surface of one session.
type Gateway struct {
	mu             sync.Mutex
	bus            *bus.Bus
	methods        []string
	defaultTimeout time.Duration

	handlers map[string]Handler
	pending  map[string]context.CancelFunc
	stats    map[string]CallStats
}

// New creates a Gateway that will register the given inbound method names.
func New(b *bus.Bus, methods []string, defaultTimeout time.Duration) *Gateway {
	return &Gateway{
		bus:            b,
		methods:        append([]string(nil), methods...),
		defaultTimeout: defaultTimeout,
		handlers:       make(map[string]Handler),
		pending:        make(map[string]context.CancelFunc),
		stats:          make(map[string]CallStats),
	}
}

// SetHandler installs the application handler for an inbound method.
// Overwrites any previous handler for the same name.
func (g *Gateway) SetHandler(method string, h Handler) {
	g.mu.Lock()
	g.handlers[method] = h
	g.mu.Unlock()
}

// RegisterInbound registers every configured method on the live room. Called
// once when the connection reaches ready.
func (g *Gateway) RegisterInbound(room media.Room) error {
	for _, method := range g.methods {
		m := method
		if err := room.RegisterRPCMethod(m, func(caller, payload string) (string, error) {
			return g.dispatch(m, caller, payload), nil
		}); err != nil {
			return fmt.Errorf("rpcgw: registering %s: %w", m, err)
		}
	}
	return nil
}

// dispatch serves one inbound call and serializes the outcome into a JSON
// success/error envelope.
func (g *Gateway) dispatch(method, caller, payload string) string {
	_, span := trace.InstrumentRPCInbound(context.Background(), method, caller)
	defer span.End()

	raw := json.RawMessage(payload)
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		trace.RecordError(span, ErrMalformedPayload)
		log.Printf("[RPC] %s from %s: malformed payload", method, caller)
		return errorEnvelope("malformed_payload")
	}

	g.mu.Lock()
	h := g.handlers[method]
	g.mu.Unlock()

	if h != nil {
		result, err := h(caller, raw)
		if err != nil {
			trace.RecordError(span, err)
			return errorEnvelope(err.Error())
		}
		return successEnvelope(result)
	}

	// No registered handler: offer the call to bus subscribers.
	var (
		answered bool
		response string
	)
	g.bus.Emit(bus.EventRPCInvoked, Invocation{
		Method:  method,
		Caller:  caller,
		Payload: raw,
		Respond: func(result interface{}) {
			answered = true
			response = successEnvelope(result)
		},
		Fail: func(message string) {
			answered = true
			response = errorEnvelope(message)
		},
	})
	if answered {
		return response
	}

	// Listed but unimplemented: acknowledge instead of breaking the
	// remote caller.
	return `{"success":true,"forwarded":true}`
}

func successEnvelope(result interface{}) string {
	body := map[string]interface{}{"success": true}
	if result != nil {
		body["result"] = result
	}
	data, err := json.Marshal(body)
	if err != nil {
		return errorEnvelope("unserializable result")
	}
	return string(data)
}

func errorEnvelope(message string) string {
	data, _ := json.Marshal(map[string]interface{}{
		"success": false,
		"error":   message,
	})
	return string(data)
}

// CallRemote invokes method on the destination participant. payload is JSON
// marshaled; timeout zero means the configured default. Fails with
// ErrTimeout when no response arrives in time; the eventual late response is
// discarded. Every call's latency is recorded.
func (g *Gateway) CallRemote(ctx context.Context, room media.Room, destIdentity, method string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := trace.InstrumentRPCCall(ctx, method, destIdentity)
	defer span.End()

	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	body, err := json.Marshal(payload)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		trace.RecordError(span, err)
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	callID := uuid.New().String()
	g.mu.Lock()
	g.pending[callID] = cancel
	g.mu.Unlock()

	defer func() {
		cancel()
		g.mu.Lock()
		delete(g.pending, callID)
		g.mu.Unlock()
	}()

	type outcome struct {
		response string
		err      error
	}
	// Buffered: a late completion parks in the buffer and is dropped.
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		resp, err := room.PerformRPC(callCtx, destIdentity, method, string(body), timeout)
		done <- outcome{response: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		g.recordLatency(method, time.Since(start))
		if out.err != nil {
			trace.RecordError(span, out.err)
			return nil, out.err
		}
		raw := json.RawMessage(out.response)
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		if !json.Valid(raw) {
			err := fmt.Errorf("%w: response to %s", ErrMalformedPayload, method)
			trace.RecordError(span, err)
			return nil, err
		}
		return raw, nil

	case <-timer.C:
		g.recordLatency(method, time.Since(start))
		trace.RecordError(span, ErrTimeout)
		log.Printf("[RPC] %s to %s timed out after %v", method, destIdentity, timeout)
		return nil, ErrTimeout

	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}

func (g *Gateway) recordLatency(method string, d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.stats[method]
	s.Count++
	s.Total += d
	if d > s.Max {
		s.Max = d
	}
	g.stats[method] = s
}

// Stats returns a copy of the per-method outbound latency statistics.
func (g *Gateway) Stats() map[string]CallStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]CallStats, len(g.stats))
	for k, v := range g.stats {
		out[k] = v
	}
	return out
}

// Reset cancels all pending outbound calls. Called on disconnect so no call
// outlives its session.
func (g *Gateway) Reset() {
	g.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(g.pending))
	for _, c := range g.pending {
		cancels = append(cancels, c)
	}
	g.pending = make(map[string]context.CancelFunc)
	g.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}
