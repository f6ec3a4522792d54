package lambdart

import (
	"context"
	"encoding/json"
)

// StreamingHandler is the single capability the runtime consumes from
// user code. It is handed the raw event body and a sink it may write
// a buffered or streamed response into.
type StreamingHandler interface {
	Handle(ctx context.Context, invCtx *InvocationContext, event []byte, w ResponseSink) error
}

// HandlerFunc adapts a plain buffered function to a StreamingHandler:
// the event bytes are passed through undecoded, an error returned by
// the function surfaces as handler_error, and the single return value
// is sent with WriteAndFinish.
type HandlerFunc func(ctx context.Context, invCtx *InvocationContext, event []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, invCtx *InvocationContext, event []byte, w ResponseSink) error {
	out, err := f(ctx, invCtx, event)
	if err != nil {
		return err
	}
	return w.WriteAndFinish(out)
}

// JSONHandler adapts a typed request/response function to a
// StreamingHandler, JSON-decoding the event and JSON-encoding the
// single return value. A malformed event is reported as
// handler_error with errorType "Runtime.UnmarshalError" without
// invoking fn.
type JSONHandler[Event, Response any] struct {
	Fn func(ctx context.Context, invCtx *InvocationContext, event Event) (Response, error)
}

// NewJSONHandler builds a JSONHandler from fn.
func NewJSONHandler[Event, Response any](fn func(ctx context.Context, invCtx *InvocationContext, event Event) (Response, error)) *JSONHandler[Event, Response] {
	return &JSONHandler[Event, Response]{Fn: fn}
}

func (h *JSONHandler[Event, Response]) Handle(ctx context.Context, invCtx *InvocationContext, event []byte, w ResponseSink) error {
	var in Event
	if err := json.Unmarshal(event, &in); err != nil {
		return &ErrorResponse{Type: "Runtime.UnmarshalError", Message: err.Error()}
	}
	out, err := h.Fn(ctx, invCtx, in)
	if err != nil {
		return err
	}
	body, err := json.Marshal(out)
	if err != nil {
		return &ErrorResponse{Type: "Runtime.MarshalError", Message: err.Error()}
	}
	return w.WriteAndFinish(body)
}
