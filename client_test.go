package lambdart

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClient_NextInvocation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2018-06-01/runtime/invocation/next" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set(headerAWSRequestID, "request-id")
		w.Header().Set(headerDeadlineMS, encodeDeadline(time.Now().Add(time.Minute)))
		w.Header().Set(headerInvokedFunctionARN, "arn:aws:lambda:us-east-1:123456789012:function:my-fn")
		w.Header().Set(headerTraceID, "trace-id")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"key":"value"}`))
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)
	inv, writer, err := client.NextInvocation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if inv.RequestID != "request-id" {
		t.Errorf("want request-id, got %s", inv.RequestID)
	}
	if string(inv.EventBody) != `{"key":"value"}` {
		t.Errorf("unexpected event body: %s", string(inv.EventBody))
	}
	if writer.Mode() != ModeUnstarted {
		t.Errorf("want unstarted, got %s", writer.Mode())
	}
}

func TestClient_NextInvocation_rejectsWhileDispatched(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerAWSRequestID, "request-id")
		w.Header().Set(headerDeadlineMS, encodeDeadline(time.Now().Add(time.Minute)))
		w.Header().Set(headerInvokedFunctionARN, "arn:aws:lambda:us-east-1:123456789012:function:my-fn")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)
	if _, _, err := client.NextInvocation(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := client.NextInvocation(context.Background()); err == nil {
		t.Error("want usage error calling NextInvocation twice without reporting, got nil")
	}
}

func TestClient_postBuffered(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2018-06-01/runtime/invocation/request-id/response" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"key":"value"}` {
			t.Errorf("unexpected body: %s", string(body))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)
	if err := client.postBuffered(context.Background(), "request-id", []byte(`{"key":"value"}`)); err != nil {
		t.Fatal(err)
	}
}

func TestClient_postStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != contentTypeHTTPIntegrationResponse {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get(headerFunctionResponseMode) != responseModeStreaming {
			t.Errorf("unexpected response mode: %s", r.Header.Get(headerFunctionResponseMode))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "hello" {
			t.Errorf("unexpected body: %s", string(body))
		}
		if r.Trailer.Get(trailerErrorType) != "myTestError" {
			t.Errorf("unexpected trailer error type: %s", r.Trailer.Get(trailerErrorType))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)

	pr, pw := io.Pipe()
	ecr := newErrorCapturingReader(pr)
	go func() {
		_, _ = io.WriteString(pw, "hello")
		_ = pw.CloseWithError(&myTestError{"boom"})
	}()

	if err := client.postStreaming(context.Background(), "request-id", ecr, ecr.trailer); err != nil {
		t.Fatal(err)
	}
}

func TestClient_ReportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2018-06-01/runtime/invocation/request-id/error" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"errorType":"myTestError","errorMessage":"boom"}` {
			t.Errorf("unexpected body: %s", string(body))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)
	err := client.ReportError(context.Background(), "request-id", &ErrorResponse{Type: "myTestError", Message: "boom"})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClient_ReportInitError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2018-06-01/runtime/init/error" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)
	err := client.ReportInitError(context.Background(), &ErrorResponse{Type: "Runtime.InitError", Message: "boom"})
	if err != nil {
		t.Fatal(err)
	}
}
