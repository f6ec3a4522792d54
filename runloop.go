package lambdart

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// runtimeRunning enforces the single-process invariant from §9 of the
// specification ("model as a compare-and-set on a single atomic flag,
// cleared on graceful shutdown"): at most one Runtime may be inside
// Run at a time, regardless of how many *Runtime values exist.
var runtimeRunning atomic.Bool

// HandlerConstructor builds the StreamingHandler once, before the
// run-loop starts, per §4.4's "handler construction happens once
// before the loop." A failure here is reported through Client via
// ReportInitError and Run returns an *InitError without ever fetching
// an invocation.
type HandlerConstructor func() (StreamingHandler, error)

// Runtime drives the sequential fetch -> invoke -> report loop against
// a Client. It owns nothing about transport; Client already serializes
// the single in-flight invocation, so Runtime's only job is wiring the
// handler, the logger, and the metrics around that sequence.
type Runtime struct {
	client    *Client
	handler   StreamingHandler
	construct HandlerConstructor
	cfg       *Config

	cancel context.CancelFunc
}

// NewRuntime builds a Runtime that will drive an already-constructed
// handler against the control plane reachable through client, using
// cfg for its logger, metrics and clock.
func NewRuntime(client *Client, handler StreamingHandler, cfg *Config) *Runtime {
	return &Runtime{client: client, handler: handler, cfg: cfg}
}

// NewRuntimeWithConstructor builds a Runtime that defers building its
// handler until Run is called, so a construction failure can be
// reported over the same control-plane connection Run already owns
// instead of the caller having to wire ReportInitError itself.
func NewRuntimeWithConstructor(client *Client, construct HandlerConstructor, cfg *Config) *Runtime {
	return &Runtime{client: client, construct: construct, cfg: cfg}
}

// Shutdown cancels the in-progress or next long-poll. An invocation
// already dispatched to the handler still runs to completion and is
// reported before Run returns.
func (r *Runtime) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Run blocks, processing invocations one at a time until ctx is
// cancelled, Shutdown is called, or a protocol error makes continuing
// unsafe. It returns ErrAlreadyRunning if another Runtime in this
// process is already inside Run.
func (r *Runtime) Run(ctx context.Context) error {
	if !runtimeRunning.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer runtimeRunning.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	defer cancel()

	logger := r.cfg.logger

	if r.handler == nil && r.construct != nil {
		h, err := r.construct()
		if err != nil {
			return r.reportInitError(runCtx, err)
		}
		r.handler = h
	}

	for {
		inv, writer, err := r.client.NextInvocation(runCtx)
		if err != nil {
			var cancelled *Cancelled
			if errors.As(err, &cancelled) {
				logger.Info().Msg("shutting down: invocation fetch cancelled")
				return nil
			}
			logger.Error().Err(err).Msg("fetching next invocation")
			return err
		}

		if err := r.handleOne(runCtx, inv, writer); err != nil {
			var protoErr *ProtocolError
			if errors.As(err, &protoErr) {
				logger.Error().Err(err).Str("aws-request-id", inv.RequestID).Msg("protocol error reporting invocation result")
				return err
			}
			logger.Error().Err(err).Str("aws-request-id", inv.RequestID).Msg("reporting invocation result")
		}
	}
}

// handleOne runs the handler for a single invocation and reports its
// outcome. The invocation's own context carries its deadline so a
// handler that respects ctx naturally stops working once the deadline
// passes; the run-loop itself never enforces it.
func (r *Runtime) handleOne(ctx context.Context, inv *Invocation, writer *ResponseWriter) error {
	invCtx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	// Shutdown cancels ctx, and with it invCtx, so a handler that honors
	// its context can unwind. The writer's POSTs and the error report run
	// under reportCtx instead, which shutdown does not cancel, so the
	// outcome is still delivered before Run returns.
	reportCtx := context.WithoutCancel(ctx)
	writerCtx, writerCancel := context.WithDeadline(reportCtx, inv.Deadline)
	defer writerCancel()

	ictx := newInvocationContext(inv, r.cfg.logger, r.cfg.clock)
	writer.bind(writerCtx)

	start := r.cfg.clock()
	ictx.Logger().Info().Msg("invocation received")

	err := r.handler.Handle(invCtx, ictx, inv.EventBody, writer)
	if err != nil {
		return r.reportFailure(reportCtx, inv, writer, ictx, start, err)
	}

	// The handler returned cleanly without finishing the response
	// itself (e.g. it only wrote a streaming prelude, or never wrote
	// at all). Per the run-loop's own contract, Unstarted collapses to
	// a zero-length response and an open Streaming body is closed
	// normally, rather than treating "forgot to finish" as a handler
	// error.
	if writer.Mode() != ModeFinished && writer.Mode() != ModeErrored {
		if err := writer.Finish(); err != nil {
			return r.reportFailure(reportCtx, inv, writer, ictx, start, err)
		}
	}

	switch writer.Mode() {
	case ModeFinished:
		r.cfg.metrics.observeInvocation(outcomeSuccess, r.cfg.clock().Sub(start))
		ictx.Logger().Info().Msg("invocation succeeded")
		return nil
	default:
		// Finish() already attempted delivery and it failed
		// transport-side; nothing left to report to the control plane.
		r.cfg.metrics.observeInvocation(outcomeHandlerError, r.cfg.clock().Sub(start))
		return protocolErrorf("delivering response for %s failed after handler success", inv.RequestID)
	}
}

// reportFailure routes a handler failure to whichever reporting path
// matches the writer's mode: a trailer on an already-streaming
// response, or a normal /error POST otherwise.
func (r *Runtime) reportFailure(ctx context.Context, inv *Invocation, writer *ResponseWriter, ictx *InvocationContext, start time.Time, handlerErr error) error {
	resp := classifyError(handlerErr)
	reportCtx := ctx
	if errors.Is(handlerErr, context.Canceled) {
		// The handler's own context was cancelled by Shutdown rather
		// than failing on its own terms: §4.4's last resort is to
		// report Runtime.Cancelled rather than surface whatever
		// reflection-derived type classifyError would otherwise pick
		// for a bare context.Canceled. This last-resort POST runs under
		// a fresh context bounded to 5 seconds.
		resp = &ErrorResponse{Type: "Runtime.Cancelled", Message: "invocation aborted by shutdown"}
		var reportCancel context.CancelFunc
		reportCtx, reportCancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer reportCancel()
	}
	ictx.Logger().Error().Str("errorType", resp.Type).Str("errorMessage", resp.Message).Msg("invocation failed")
	r.cfg.metrics.observeInvocation(outcomeHandlerError, r.cfg.clock().Sub(start))

	switch writer.Mode() {
	case ModeStreaming:
		return writer.reportErrorTrailer(resp)
	case ModeFinished, ModeErrored:
		// Write/WriteAndFinish already sent something; there is no
		// clean way to retract it, so just surface the handler error.
		return resp
	default:
		writer.discardBuffered()
		return r.client.ReportError(reportCtx, inv.RequestID, resp)
	}
}

// reportInitError handles a HandlerConstructor failure: unlike a
// handler_error, no invocation was ever fetched, so there is no
// request id to report against — the failure goes to /init/error
// instead, and Run exits without entering the loop.
func (r *Runtime) reportInitError(ctx context.Context, constructErr error) error {
	resp := classifyError(constructErr)
	r.cfg.logger.Error().Str("errorType", resp.Type).Str("errorMessage", resp.Message).Msg("handler construction failed")
	r.cfg.metrics.observeInitError()
	if err := r.client.ReportInitError(ctx, resp); err != nil {
		r.cfg.logger.Error().Err(err).Msg("reporting init error to control plane")
	}
	return &InitError{Err: constructErr}
}
