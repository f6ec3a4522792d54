package lambdart

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// clientState is the state machine §4.2 of the specification
// describes: at most one invocation may be in flight on the single
// keep-alive connection at a time.
type clientState int

const (
	stateIdle clientState = iota
	stateFetchingNext
	stateDispatched
	stateReporting
)

// Client owns the single keep-alive HTTP/1.1 connection to the
// control plane. It is not safe to call NextInvocation concurrently
// with itself; the run-loop never does.
type Client struct {
	address   string
	userAgent string
	http      *http.Client
	metrics   *Metrics

	mu    sync.Mutex
	state clientState
}

// NewClient builds a Client talking to the given `host:port` control
// plane address. The underlying http.Client has no timeout: the
// control plane's `next` endpoint is a long poll by design.
func NewClient(address string, metrics *Metrics) *Client {
	return &Client{
		address:   address,
		userAgent: "lambdart-runtime/" + runtime.Version(),
		http:      &http.Client{Timeout: 0},
		metrics:   metrics,
	}
}

func (c *Client) setState(s clientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// NextInvocation performs the long-poll GET against /invocation/next.
// It blocks until an invocation arrives, the context is cancelled, or
// a protocol/transport error occurs. Calling it while the previous
// invocation hasn't been reported yet is a usage error.
func (c *Client) NextInvocation(ctx context.Context) (*Invocation, *ResponseWriter, error) {
	c.mu.Lock()
	if c.state == stateDispatched {
		c.mu.Unlock()
		return nil, nil, usageErrorf("next_invocation", "called while an invocation is still dispatched")
	}
	c.state = stateFetchingNext
	c.mu.Unlock()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nextURL(c.address), nil)
	if err != nil {
		c.setState(stateIdle)
		return nil, nil, &TransportError{Op: "next", Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.setState(stateIdle)
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, nil, &Cancelled{}
		}
		return nil, nil, &TransportError{Op: "next", Err: err}
	}
	defer resp.Body.Close()
	c.metrics.observeControlPlane("next", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		c.setState(stateIdle)
		return nil, nil, protocolErrorf("GET /invocation/next: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.setState(stateIdle)
		return nil, nil, &TransportError{Op: "next", Err: err}
	}

	inv, err := decodeInvocationHeaders(resp.Header, body)
	if err != nil {
		c.setState(stateIdle)
		return nil, nil, err
	}

	c.setState(stateDispatched)
	writer := newResponseWriter(c, inv.RequestID)
	return inv, writer, nil
}

// ReportError POSTs the JSON error envelope to
// /invocation/{request_id}/error. It is used when the handler fails
// before the writer has started streaming a response.
func (c *Client) ReportError(ctx context.Context, requestID string, e *ErrorResponse) error {
	c.setState(stateReporting)
	defer c.setState(stateIdle)

	body, err := encodeErrorEnvelope(e)
	if err != nil {
		return protocolErrorf("marshaling error envelope: %v", err)
	}
	return c.postAccepted(ctx, "error", errorURL(c.address, requestID), bytes.NewReader(body), contentTypeJSON, nil)
}

// ReportInitError POSTs the JSON error envelope to /init/error. Used
// once, before the run-loop starts, when handler construction fails.
func (c *Client) ReportInitError(ctx context.Context, e *ErrorResponse) error {
	body, err := encodeErrorEnvelope(e)
	if err != nil {
		return protocolErrorf("marshaling init error envelope: %v", err)
	}
	return c.postAccepted(ctx, "init_error", initErrorURL(c.address), bytes.NewReader(body), contentTypeJSON, nil)
}

// postBuffered sends a single non-chunked POST carrying the full
// response body, used for the Unstarted (empty) and Buffered modes.
func (c *Client) postBuffered(ctx context.Context, requestID string, body []byte) error {
	c.setState(stateReporting)
	defer c.setState(stateIdle)
	return c.postAccepted(ctx, "response", responseURL(c.address, requestID), bytes.NewReader(body), "", nil)
}

// postStreaming sends a chunked POST whose body is read from r,
// announcing the trailer keys the caller may set into trailer after
// the body is exhausted.
func (c *Client) postStreaming(ctx context.Context, requestID string, r io.Reader, trailer http.Header) error {
	c.setState(stateReporting)
	defer c.setState(stateIdle)

	headers := map[string]string{
		"Content-Type":             contentTypeHTTPIntegrationResponse,
		headerFunctionResponseMode: responseModeStreaming,
	}
	return c.postAccepted(ctx, "response", responseURL(c.address, requestID), r, "", headers, withTrailer(trailer))
}

type postOption func(*http.Request)

func withTrailer(trailer http.Header) postOption {
	return func(req *http.Request) { req.Trailer = trailer }
}

func (c *Client) postAccepted(ctx context.Context, op, url string, body io.Reader, contentType string, headers map[string]string, opts ...postOption) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.observeControlPlane(op, time.Since(start))

	if resp.StatusCode != http.StatusAccepted {
		return protocolErrorf("POST %s: unexpected status %d", url, resp.StatusCode)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	return nil
}
