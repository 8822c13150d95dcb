package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentConnectAttempt creates a span covering one full connect
// sequence: token fetch, pre-warm, transport connect and handshake.
func InstrumentConnectAttempt(ctx context.Context, room, identity string, attempt int) (context.Context, trace.Span) {
	attrs := SessionAttrs(room, identity, "connecting")
	attrs = append(attrs, attribute.Int(AttrSessionAttempt, attempt))

	return StartSpan(ctx, "session.connect",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentPhaseChange creates a span for a session phase transition
func InstrumentPhaseChange(ctx context.Context, room, identity, oldPhase, newPhase string) (context.Context, trace.Span) {
	attrs := SessionAttrs(room, identity, newPhase)
	attrs = append(attrs,
		attribute.String("session.old_phase", oldPhase),
	)

	return StartSpan(ctx, "session.phase_change",
		trace.WithAttributes(attrs...),
	)
}

// InstrumentRPCCall creates a span for an outbound RPC call
func InstrumentRPCCall(ctx context.Context, method, dest string) (context.Context, trace.Span) {
	return StartSpan(ctx, "rpc.call",
		trace.WithAttributes(
			RPCAttrs(method, "", dest)...,
		),
	)
}

// InstrumentRPCInbound creates a span for handling an inbound RPC request
func InstrumentRPCInbound(ctx context.Context, method, caller string) (context.Context, trace.Span) {
	return StartSpan(ctx, "rpc.inbound",
		trace.WithAttributes(
			RPCAttrs(method, caller, "")...,
		),
	)
}

// InstrumentDisconnect creates a span for session teardown, recording the
// error that caused it when not user-initiated.
func InstrumentDisconnect(ctx context.Context, room, identity string, cause error) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "session.disconnect",
		trace.WithAttributes(
			SessionAttrs(room, identity, "idle")...,
		),
	)
	RecordError(span, cause)
	return ctx, span
}
