package lambdart

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"time"
)

// apiVersion is the Runtime API version this client speaks.
const apiVersion = "2018-06-01"

const (
	headerAWSRequestID         = "Lambda-Runtime-Aws-Request-Id"
	headerDeadlineMS           = "Lambda-Runtime-Deadline-Ms"
	headerInvokedFunctionARN   = "Lambda-Runtime-Invoked-Function-Arn"
	headerTraceID              = "Lambda-Runtime-Trace-Id"
	headerTenantID             = "Lambda-Runtime-Aws-Tenant-Id"
	headerClientContext        = "Lambda-Runtime-Client-Context"
	headerCognitoIdentity      = "Lambda-Runtime-Cognito-Identity"
	headerFunctionResponseMode = "Lambda-Runtime-Function-Response-Mode"

	trailerErrorType = "Lambda-Runtime-Function-Error-Type"
	trailerErrorBody = "Lambda-Runtime-Function-Error-Body"

	contentTypeJSON                    = "application/json"
	contentTypeHTTPIntegrationResponse = "application/vnd.awslambda.http-integration-response"

	responseModeStreaming = "streaming"
)

// nulSeparator is the 8-byte separator between the JSON prelude and
// the streamed body.
var nulSeparator = bytes.Repeat([]byte{0x00}, 8)

func runtimePrefix(address string) string {
	return "http://" + address + "/" + apiVersion + "/runtime"
}

func nextURL(address string) string {
	return runtimePrefix(address) + "/invocation/next"
}

func responseURL(address, requestID string) string {
	return runtimePrefix(address) + "/invocation/" + requestID + "/response"
}

func errorURL(address, requestID string) string {
	return runtimePrefix(address) + "/invocation/" + requestID + "/error"
}

func initErrorURL(address string) string {
	return runtimePrefix(address) + "/init/error"
}

// ErrorResponse is the JSON error envelope exchanged with the control
// plane. Field order is significant: the wire format always emits
// errorType before errorMessage.
type ErrorResponse struct {
	Type    string `json:"errorType"`
	Message string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// encodeErrorEnvelope marshals an ErrorResponse without HTML-escaping
// so that error messages containing '<', '>' or '&' pass through
// literally, matching the wire format's "escape only quotes and
// backslashes" rule.
func encodeErrorEnvelope(e *ErrorResponse) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeErrorEnvelope(b []byte) (*ErrorResponse, error) {
	var e ErrorResponse
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// classifyError turns an arbitrary error returned by a handler into
// the wire error envelope. An *ErrorResponse is passed through
// unchanged so handlers can control errorType precisely.
func classifyError(err error) *ErrorResponse {
	if er, ok := err.(*ErrorResponse); ok {
		return er
	}
	return &ErrorResponse{
		Type:    errorTypeName(err),
		Message: err.Error(),
	}
}

func errorTypeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "error"
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// decodeInvocationHeaders builds an Invocation from a `next` response.
// Absence of the request id, the deadline, or the function arn is a
// protocol error; trace id, tenant id, client context and cognito
// identity are optional passthrough.
func decodeInvocationHeaders(h http.Header, body []byte) (*Invocation, error) {
	id := h.Get(headerAWSRequestID)
	if id == "" {
		return nil, protocolErrorf("missing required header %s", headerAWSRequestID)
	}

	deadlineRaw := h.Get(headerDeadlineMS)
	if deadlineRaw == "" {
		return nil, protocolErrorf("missing required header %s", headerDeadlineMS)
	}
	deadlineMS, err := strconv.ParseInt(deadlineRaw, 10, 64)
	if err != nil {
		return nil, protocolErrorf("malformed %s: %v", headerDeadlineMS, err)
	}

	arn := h.Get(headerInvokedFunctionARN)
	if arn == "" {
		return nil, protocolErrorf("missing required header %s", headerInvokedFunctionARN)
	}

	if body == nil {
		return nil, protocolErrorf("missing invocation event body")
	}

	return &Invocation{
		RequestID:          id,
		Deadline:           time.UnixMilli(deadlineMS),
		InvokedFunctionARN: arn,
		TraceID:            h.Get(headerTraceID),
		TenantID:           h.Get(headerTenantID),
		ClientContext:      h.Get(headerClientContext),
		CognitoIdentity:    h.Get(headerCognitoIdentity),
		EventBody:          body,
	}, nil
}

// GenerateTraceID produces a trace id in the same shape the platform
// assigns: "1-xxxxxxxx-yyyyyyyyyyyyyyyyyyyyyyyy", where the first
// segment is the current UNIX time in 8 lowercase hex digits and the
// second is 24 lowercase hex random digits. Used by the local
// development server when a client doesn't supply its own trace id.
func GenerateTraceID() string {
	return generateTraceIDAt(time.Now())
}

func generateTraceIDAt(now time.Time) string {
	epoch := make([]byte, 4)
	putUint32(epoch, uint32(now.Unix()))

	random := make([]byte, 12)
	// crypto/rand.Read never returns a short read without an error on
	// supported platforms; an error here means the platform's entropy
	// source is broken, which is unrecoverable.
	if _, err := rand.Read(random); err != nil {
		panic("lambdart: failed to read random bytes for trace id: " + err.Error())
	}

	return fmt.Sprintf("1-%s-%s", hex.EncodeToString(epoch), hex.EncodeToString(random))
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
