package lambdart

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// localInvocationTimeout bounds how long a locally dispatched
// invocation may run before its deadline header expires, mirroring
// the platform's own maximum.
const localInvocationTimeout = 15 * time.Minute

const localFunctionARN = "arn:aws:lambda:local:000000000000:function:local"

// LocalServer is a loopback stand-in for the control plane (§4.6). It
// speaks the exact same `/2018-06-01/runtime/...` wire protocol a
// Client already knows how to drive, so a Runtime pointed at a
// LocalServer's address needs no code path of its own; it additionally
// exposes POST /invoke for driving the function the way an external
// caller would.
type LocalServer struct {
	addr   string
	logger *zerolog.Logger

	inbound  *demuxPool
	outbound *demuxPool

	server *http.Server
}

// NewLocalServer builds a LocalServer. addr is the `host:port` to
// listen on; an empty host binds to all loopback-reachable interfaces
// the way net/http.ListenAndServe does.
func NewLocalServer(addr string, logger *zerolog.Logger) *LocalServer {
	s := &LocalServer{
		addr:     addr,
		logger:   logger,
		inbound:  newDemuxPool(),
		outbound: newDemuxPool(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/invoke", s.handleInvoke)
	mux.HandleFunc("/2018-06-01/runtime/invocation/next", s.handleNext)
	mux.HandleFunc("/2018-06-01/runtime/init/error", s.handleInitError)
	mux.HandleFunc("/2018-06-01/runtime/invocation/", s.handleInvocationResult)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Address returns the address the server is configured to listen on.
func (s *LocalServer) Address() string { return s.addr }

// ListenAndServe blocks serving both the external /invoke endpoint and
// the internal runtime API until ctx is cancelled.
func (s *LocalServer) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// handleInvoke accepts an external caller's event, assigns it a fresh
// request id and trace id, pushes it onto the inbound pool for the
// run-loop to pick up, and streams whatever the handler produces back
// as the HTTP response.
func (s *LocalServer) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	deadline := time.Now().Add(localInvocationTimeout)

	header := http.Header{}
	header.Set(headerAWSRequestID, requestID)
	header.Set(headerDeadlineMS, strconv.FormatInt(deadline.UnixMilli(), 10))
	header.Set(headerInvokedFunctionARN, localFunctionARN)
	header.Set(headerTraceID, GenerateTraceID())
	if cc := r.Header.Get(headerClientContext); cc != "" {
		header.Set(headerClientContext, cc)
	}

	s.inbound.entries(requestID, header, body)

	s.streamResponse(r.Context(), w, requestID)
}

// entries is a tiny convenience wrapper keeping handleInvoke's push of
// both the queue entry and its header sidecar atomic from the reader's
// perspective; the header travels with the body as the pushed entry's
// payload, JSON-framed, and handleNext splits them back apart.
func (p *demuxPool) entries(requestID string, header http.Header, body []byte) {
	framed, _ := json.Marshal(inboundEnvelope{RequestID: requestID, Header: header, Body: body})
	p.Push(poolEntry{requestID: requestID, body: framed}, false)
}

type inboundEnvelope struct {
	RequestID string      `json:"requestId"`
	Header    http.Header `json:"header"`
	Body      []byte      `json:"body"`
}

// handleNext serves GET /invocation/next: a long poll against the
// inbound pool.
func (s *LocalServer) handleNext(w http.ResponseWriter, r *http.Request) {
	entry, err := s.inbound.Next(r.Context())
	if err != nil {
		s.writeUsageOrCancelled(w, err)
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(entry.body, &env); err != nil {
		http.Error(w, "corrupt inbound envelope: "+err.Error(), http.StatusInternalServerError)
		return
	}
	for k, vs := range env.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(env.Body)
}

// handleInvocationResult serves both
// /invocation/{id}/response and /invocation/{id}/error: the run-loop
// reporting either a completed response or a pre-streaming failure.
func (s *LocalServer) handleInvocationResult(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/2018-06-01/runtime/invocation/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "malformed path", http.StatusBadRequest)
		return
	}
	requestID, action := parts[0], parts[1]

	switch action {
	case "response":
		s.relayResponse(w, r, requestID)
	case "error":
		s.relayTerminal(w, r, requestID)
	default:
		http.NotFound(w, r)
	}
}

func (s *LocalServer) handleInitError(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := decodeErrorEnvelope(body)
	if err != nil {
		http.Error(w, "decoding init error: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error().Str("errorType", resp.Type).Str("errorMessage", resp.Message).Msg("function failed to initialize")
	w.WriteHeader(http.StatusAccepted)
}

// relayResponse streams (or forwards, if buffered) the run-loop's
// POST body into the outbound pool keyed by requestID, where
// streamResponse is waiting to relay it to the external caller. When
// the POST announces the streaming content type, the leading prelude
// frame is decoded and pushed ahead of the raw body chunks so
// streamResponse can apply the real status code and headers to the
// waiting client instead of forwarding the JSON+NUL framing verbatim.
func (s *LocalServer) relayResponse(w http.ResponseWriter, r *http.Request, requestID string) {
	reader := bufio.NewReader(r.Body)

	if r.Header.Get(headerFunctionResponseMode) == responseModeStreaming {
		prelude, err := readPreludeFrame(reader)
		if err == nil {
			s.outbound.Push(poolEntry{requestID: requestID, prelude: prelude}, true)
		} else {
			s.outbound.Push(poolEntry{requestID: requestID, prelude: &preludeDoc{StatusCode: http.StatusAccepted}}, true)
		}
	} else {
		s.outbound.Push(poolEntry{requestID: requestID, prelude: &preludeDoc{StatusCode: http.StatusAccepted}}, true)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.outbound.Push(poolEntry{requestID: requestID, body: chunk}, true)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.outbound.Push(poolEntry{requestID: requestID, final: true, body: []byte(`{"errorType":"Runtime.ReadError"}`)}, true)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	final := finalEnvelope{}
	if t := r.Trailer.Get(trailerErrorType); t != "" {
		final.ErrorType = t
		final.ErrorBody = r.Trailer.Get(trailerErrorBody)
	}
	doc, _ := json.Marshal(final)
	s.outbound.Push(poolEntry{requestID: requestID, final: true, body: doc}, true)

	w.WriteHeader(http.StatusAccepted)
}

// maxPreludeScan bounds how much of the body readPreludeFrame will
// buffer looking for the 8-byte NUL separator, guarding against an
// unbounded read if a misbehaving handler never sends one.
const maxPreludeScan = 64 * 1024

// readPreludeFrame reads the JSON status/headers document that opens a
// Streaming response body, consuming through its trailing 8-byte NUL
// separator. When a handler calls WriteStatusAndHeaders more than
// once back to back before any real body bytes, only the first frame
// is honored here; the platform itself parses the last one, which
// this development stand-in does not attempt to emulate.
func readPreludeFrame(r *bufio.Reader) (*preludeDoc, error) {
	var buf []byte
	for len(buf) < maxPreludeScan {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b)
		if len(buf) >= len(nulSeparator) && bytes.Equal(buf[len(buf)-len(nulSeparator):], nulSeparator) {
			var doc preludeDoc
			if err := json.Unmarshal(buf[:len(buf)-len(nulSeparator)], &doc); err != nil {
				return nil, err
			}
			return &doc, nil
		}
	}
	return nil, fmt.Errorf("prelude frame not found within %d bytes", maxPreludeScan)
}

type finalEnvelope struct {
	ErrorType string `json:"errorType,omitempty"`
	ErrorBody string `json:"errorBody,omitempty"`
}

// relayTerminal handles /invocation/{id}/error: the handler failed
// before ever starting a streamed response, so the whole thing arrives
// as one JSON error envelope instead of a chunk sequence.
func (s *LocalServer) relayTerminal(w http.ResponseWriter, r *http.Request, requestID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := decodeErrorEnvelope(body)
	if err != nil {
		http.Error(w, "decoding error envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	doc, _ := json.Marshal(finalEnvelope{ErrorType: resp.Type, ErrorBody: base64.StdEncoding.EncodeToString(body)})
	s.outbound.Push(poolEntry{requestID: requestID, final: true, body: doc}, true)
	w.WriteHeader(http.StatusAccepted)
}

// streamResponse pulls chunks for requestID off the outbound pool and
// relays them to the external HTTP caller as they arrive, flushing
// after every chunk so the caller sees a true chunked transfer.
func (s *LocalServer) streamResponse(ctx context.Context, w http.ResponseWriter, requestID string) {
	flusher, _ := w.(http.Flusher)
	started := false

	for {
		entry, err := s.outbound.NextFor(ctx, requestID)
		if err != nil {
			if !started {
				s.writeUsageOrCancelled(w, err)
			}
			return
		}
		if entry.prelude != nil {
			for k, v := range entry.prelude.Headers {
				w.Header().Set(k, v)
			}
			for k, vs := range entry.prelude.MultiValueHeaders {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			statusCode := entry.prelude.StatusCode
			if statusCode == 0 {
				statusCode = http.StatusAccepted
			}
			w.WriteHeader(statusCode)
			started = true
			continue
		}
		if entry.final {
			var final finalEnvelope
			_ = json.Unmarshal(entry.body, &final)
			if final.ErrorType != "" && !started {
				w.Header().Set("Content-Type", contentTypeJSON)
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, `{"errorType":%q}`, final.ErrorType)
			}
			return
		}
		_, _ = w.Write(entry.body)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *LocalServer) writeUsageOrCancelled(w http.ResponseWriter, err error) {
	var usage *UsageError
	if errors.As(err, &usage) {
		http.Error(w, usage.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}
