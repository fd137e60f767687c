package eventing

import "context"

type contextKey string

const (
	contextKeyEnvelope contextKey = "eventing.envelope"
	contextKeyCorr     contextKey = "eventing.correlation_id"
)

// WithEnvelope attaches the delivered envelope to ctx.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, contextKeyEnvelope, env)
}

// EnvelopeFromContext returns the envelope of the event being handled.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(contextKeyEnvelope).(Envelope)
	return env, ok
}

// WithCorrelationID sets the id that groups events of one unit of work,
// typically a station cycle.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// CorrelationID returns the correlation id carried by ctx.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyCorr).(string)
	return id
}

// MetaFromContext builds envelope metadata from ctx.
func MetaFromContext(ctx context.Context) Meta {
	return Meta{CorrelationID: CorrelationID(ctx)}
}
