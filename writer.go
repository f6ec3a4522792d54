package lambdart

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ResponseMode is the state of a ResponseWriter, §3 of the
// specification. It starts Unstarted and moves to Streaming on a
// prelude or a second Write. A buffered response (a single held Write
// followed by Finish, or WriteAndFinish) goes straight from Unstarted
// to Finished; ResponseWriter never enters ModeBuffered.
type ResponseMode int

const (
	ModeUnstarted ResponseMode = iota
	ModeBuffered
	ModeStreaming
	ModeFinished
	ModeErrored
)

func (m ResponseMode) String() string {
	switch m {
	case ModeUnstarted:
		return "unstarted"
	case ModeBuffered:
		return "buffered"
	case ModeStreaming:
		return "streaming"
	case ModeFinished:
		return "finished"
	case ModeErrored:
		return "errored"
	default:
		return "invalid"
	}
}

// ResponseSink is handed to the handler for the duration of one
// invocation. Its first action (a status-and-headers prelude, or a
// second Write before Finish) commits the response to streaming mode;
// a single Write followed by Finish collapses into one buffered POST.
type ResponseSink interface {
	io.Writer
	WriteStatusAndHeaders(statusCode int, headers map[string]string, multiValueHeaders map[string][]string) error
	Finish() error
	WriteAndFinish(p []byte) error
}

// ResponseWriter is the concrete ResponseSink the Client hands the
// run-loop for one invocation.
type ResponseWriter struct {
	client    *Client
	requestID string

	mu           sync.Mutex
	mode         ResponseMode
	pending      []byte
	pipeWriter   *io.PipeWriter
	streamResult chan error
	ctx          context.Context
}

func newResponseWriter(c *Client, requestID string) *ResponseWriter {
	return &ResponseWriter{client: c, requestID: requestID, mode: ModeUnstarted, ctx: context.Background()}
}

// bind attaches the context the writer's HTTP calls run under — the
// invocation's deadline-scoped context, set by the run-loop before
// the handler is invoked.
func (w *ResponseWriter) bind(ctx context.Context) {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()
}

// Mode reports the writer's current state.
func (w *ResponseWriter) Mode() ResponseMode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

type preludeDoc struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers,omitempty"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders,omitempty"`
}

func buildPreludeFrame(statusCode int, headers map[string]string, multiValueHeaders map[string][]string) ([]byte, error) {
	data, err := json.Marshal(preludeDoc{
		StatusCode:        statusCode,
		Headers:           headers,
		MultiValueHeaders: multiValueHeaders,
	})
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+len(nulSeparator))
	frame = append(frame, data...)
	frame = append(frame, nulSeparator...)
	return frame, nil
}

// WriteStatusAndHeaders emits the streaming prelude. It may be called
// more than once while Streaming — the platform parses the last
// frame — and never after Finish. From Unstarted it is rejected while
// a first Write is still held; once a second Write has committed
// Streaming without a prelude, a call is accepted and its frame is
// written into the body after the bytes already sent.
func (w *ResponseWriter) WriteStatusAndHeaders(statusCode int, headers map[string]string, multiValueHeaders map[string][]string) error {
	frame, err := buildPreludeFrame(statusCode, headers, multiValueHeaders)
	if err != nil {
		return err
	}

	w.mu.Lock()
	switch w.mode {
	case ModeFinished, ModeErrored:
		w.mu.Unlock()
		return ErrWriteAfterFinish
	case ModeUnstarted:
		if w.pending != nil {
			w.mu.Unlock()
			return usageErrorf("write_status_and_headers", "cannot emit prelude after unprefaced body bytes were written")
		}
		w.mode = ModeStreaming
		w.startStreamingLocked()
		pw := w.pipeWriter
		w.mu.Unlock()
		_, err := pw.Write(frame)
		return err
	case ModeStreaming:
		pw := w.pipeWriter
		w.mu.Unlock()
		_, err := pw.Write(frame)
		return err
	default:
		w.mu.Unlock()
		return usageErrorf("write_status_and_headers", "invalid in mode %s", w.mode)
	}
}

// Write implements io.Writer. The first call from Unstarted buffers
// privately pending the mode decision; a second call commits
// Streaming and flushes the held bytes first.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	switch w.mode {
	case ModeFinished, ModeErrored:
		w.mu.Unlock()
		return 0, ErrWriteAfterFinish
	case ModeUnstarted:
		if w.pending == nil {
			w.pending = append([]byte(nil), p...)
			w.mu.Unlock()
			return len(p), nil
		}
		first := w.pending
		w.pending = nil
		w.mode = ModeStreaming
		w.startStreamingLocked()
		pw := w.pipeWriter
		w.mu.Unlock()
		if _, err := pw.Write(first); err != nil {
			return 0, err
		}
		return pw.Write(p)
	case ModeStreaming:
		pw := w.pipeWriter
		w.mu.Unlock()
		return pw.Write(p)
	default:
		w.mu.Unlock()
		return 0, usageErrorf("write", "invalid in mode %s", w.mode)
	}
}

// Finish completes the response. From Unstarted it sends a single
// buffered (possibly zero-length) POST; from Streaming it closes the
// chunked body and trailer section cleanly.
func (w *ResponseWriter) Finish() error {
	w.mu.Lock()
	switch w.mode {
	case ModeFinished, ModeErrored:
		w.mu.Unlock()
		return ErrAlreadyFinished
	case ModeUnstarted:
		body := w.pending
		w.pending = nil
		ctx := w.ctx
		w.mu.Unlock()

		err := w.client.postBuffered(ctx, w.requestID, body)
		w.mu.Lock()
		if err != nil {
			w.mode = ModeErrored
		} else {
			w.mode = ModeFinished
		}
		w.mu.Unlock()
		return err
	case ModeStreaming:
		pw := w.pipeWriter
		result := w.streamResult
		w.mode = ModeFinished
		w.mu.Unlock()

		pw.Close()
		return <-result
	default:
		w.mu.Unlock()
		return usageErrorf("finish", "invalid in mode %s", w.mode)
	}
}

// WriteAndFinish commands Buffered mode directly: a single POST
// carrying any first Write still held, followed by p. Valid only from
// Unstarted.
func (w *ResponseWriter) WriteAndFinish(p []byte) error {
	w.mu.Lock()
	if w.mode == ModeFinished || w.mode == ModeErrored {
		w.mu.Unlock()
		return ErrAlreadyFinished
	}
	if w.mode != ModeUnstarted {
		w.mu.Unlock()
		return usageErrorf("write_and_finish", "invalid in mode %s", w.mode)
	}
	body := append(append([]byte(nil), w.pending...), p...)
	w.pending = nil
	ctx := w.ctx
	w.mu.Unlock()

	err := w.client.postBuffered(ctx, w.requestID, body)
	w.mu.Lock()
	if err != nil {
		w.mode = ModeErrored
	} else {
		w.mode = ModeFinished
	}
	w.mu.Unlock()
	return err
}

// discardBuffered drops any privately buffered first write. Called by
// the run-loop when the handler fails while still Unstarted; the
// run-loop reports the failure itself via Client.ReportError.
func (w *ResponseWriter) discardBuffered() {
	w.mu.Lock()
	w.pending = nil
	w.mode = ModeErrored
	w.mu.Unlock()
}

// reportErrorTrailer terminates a Streaming response with a trailer
// carrying e, per §4.1/§4.3: the chunk sequence ends normally and the
// trailer section reports the failure — no separate error POST.
func (w *ResponseWriter) reportErrorTrailer(e *ErrorResponse) error {
	w.mu.Lock()
	pw := w.pipeWriter
	result := w.streamResult
	w.mode = ModeErrored
	w.mu.Unlock()

	pw.CloseWithError(e)
	return <-result
}

// startStreamingLocked wires a fresh io.Pipe into a background POST.
// Must be called with w.mu held; it performs no blocking work itself.
func (w *ResponseWriter) startStreamingLocked() {
	pr, pw := io.Pipe()
	w.pipeWriter = pw
	ecr := newErrorCapturingReader(pr)
	result := make(chan error, 1)
	w.streamResult = result
	ctx := w.ctx
	go func() {
		result <- w.client.postStreaming(ctx, w.requestID, ecr, ecr.trailer)
	}()
}

// errorCapturingReader wraps the pipe reader feeding the streaming
// POST body. A clean Close (io.EOF) passes through untouched; a
// CloseWithError(e) is converted into a clean chunk termination plus
// a populated trailer, so the HTTP body always ends normally and the
// failure travels in the trailer section instead.
type errorCapturingReader struct {
	r       io.ReadCloser
	trailer http.Header
}

func newErrorCapturingReader(r io.ReadCloser) *errorCapturingReader {
	return &errorCapturingReader{
		r: r,
		trailer: http.Header{
			trailerErrorType: nil,
			trailerErrorBody: nil,
		},
	}
}

func (r *errorCapturingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		resp := classifyError(err)
		if body, encErr := encodeErrorEnvelope(resp); encErr == nil {
			r.trailer.Set(trailerErrorType, resp.Type)
			r.trailer.Set(trailerErrorBody, base64.StdEncoding.EncodeToString(body))
		}
		return n, io.EOF
	}
	return n, err
}

func (r *errorCapturingReader) Close() error {
	return r.r.Close()
}
