package lambdart

import (
	"time"

	"github.com/rs/zerolog"
)

// Invocation is one unit of work delivered by the control plane. It
// is created when the client receives a `next` response and is
// retired once the run-loop reports completion or error for its
// RequestID.
type Invocation struct {
	RequestID          string
	Deadline           time.Time
	InvokedFunctionARN string
	TraceID            string
	TenantID           string
	ClientContext      string
	CognitoIdentity    string
	EventBody          []byte
}

// InvocationContext is derived from an Invocation and handed to the
// handler alongside the event body and response writer. Its lifetime
// is the single invocation it was built from.
type InvocationContext struct {
	RequestID          string
	TraceID            string
	TenantID           string
	InvokedFunctionARN string
	Deadline           time.Time

	clock  func() time.Time
	logger zerolog.Logger
}

func newInvocationContext(inv *Invocation, base *zerolog.Logger, clock func() time.Time) *InvocationContext {
	if clock == nil {
		clock = time.Now
	}
	ctxLogger := base.With().Str("aws-request-id", inv.RequestID)
	if inv.TraceID != "" {
		ctxLogger = ctxLogger.Str("trace-id", inv.TraceID)
	}
	if inv.TenantID != "" {
		ctxLogger = ctxLogger.Str("tenant-id", inv.TenantID)
	}
	return &InvocationContext{
		RequestID:          inv.RequestID,
		TraceID:            inv.TraceID,
		TenantID:           inv.TenantID,
		InvokedFunctionARN: inv.InvokedFunctionARN,
		Deadline:           inv.Deadline,
		clock:              clock,
		logger:             ctxLogger.Logger(),
	}
}

// RemainingTime is the Deadline minus now. It may be negative when
// called past the deadline; the runtime never enforces it, the
// handler is free to use it for its own timeout logic.
func (c *InvocationContext) RemainingTime() time.Duration {
	return c.Deadline.Sub(c.clock())
}

// Logger returns the logger scoped to this invocation; every event
// logged through it carries the aws-request-id (and trace/tenant id,
// when present) as structured fields.
func (c *InvocationContext) Logger() *zerolog.Logger {
	return &c.logger
}
