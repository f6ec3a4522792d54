package lambdart

import "fmt"

// UsageError reports a misuse of the runtime's API — a writer mode
// violation, a local-server pool mixed-mode wait, or a second
// concurrent runtime start. It is raised to the caller and never
// reported to the control plane.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("lambdart: usage error in %s: %s", e.Op, e.Msg)
}

func usageErrorf(op, format string, args ...any) *UsageError {
	return &UsageError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a malformed or unexpected control-plane
// response: a missing required header, an absent body, or a status
// code outside the protocol's contract. It is fatal — the connection
// is closed and the run-loop exits.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "lambdart: protocol error: " + e.Msg
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// TransportError reports a connect/read/write failure talking to the
// control plane. The connection backing the Client is discarded and
// will be re-established on the next call.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lambdart: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Cancelled is returned by NextInvocation when a long-poll is aborted
// by cooperative shutdown. It unwinds cleanly without notifying the
// control plane.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "lambdart: invocation fetch cancelled" }

// ErrWriteAfterFinish is returned by Write/WriteStatusAndHeaders once
// the response writer has already finished.
var ErrWriteAfterFinish = &UsageError{Op: "write", Msg: "write after finish"}

// ErrAlreadyFinished is returned by a second call to Finish or
// WriteAndFinish.
var ErrAlreadyFinished = &UsageError{Op: "finish", Msg: "already finished"}

// ErrAlreadyRunning is returned by Runtime.Run when a run-loop is
// already active in this process.
var ErrAlreadyRunning = &UsageError{Op: "run", Msg: "already_running"}

// InitError wraps a failure returned by a HandlerConstructor. Run
// reports it via Client.ReportInitError before returning it, and never
// fetches an invocation in that process lifetime.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("lambdart: handler construction failed: %v", e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
