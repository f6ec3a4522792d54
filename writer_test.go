package lambdart

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestWriter(t *testing.T, handler http.HandlerFunc) (*ResponseWriter, func()) {
	t.Helper()
	ts := httptest.NewServer(handler)
	client := NewClient(strings.TrimPrefix(ts.URL, "http://"), nil)
	w := newResponseWriter(client, "request-id")
	w.bind(context.Background())
	return w, ts.Close
}

func TestResponseWriter_bufferedWriteAndFinish(t *testing.T) {
	w, closeServer := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2018-06-01/runtime/invocation/request-id/response" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"key":"value"}` {
			t.Errorf("unexpected body: %s", string(body))
		}
		rw.WriteHeader(http.StatusAccepted)
	})
	defer closeServer()

	if err := w.WriteAndFinish([]byte(`{"key":"value"}`)); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeFinished {
		t.Errorf("want finished, got %s", w.Mode())
	}
	if err := w.WriteAndFinish([]byte(`{}`)); err != ErrAlreadyFinished {
		t.Errorf("want ErrAlreadyFinished, got %v", err)
	}
}

func TestResponseWriter_singleWriteThenFinishIsBuffered(t *testing.T) {
	w, closeServer := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "hello" {
			t.Errorf("unexpected body: %s", string(body))
		}
		rw.WriteHeader(http.StatusAccepted)
	})
	defer closeServer()

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeUnstarted {
		t.Errorf("want unstarted after a single write, got %s", w.Mode())
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeFinished {
		t.Errorf("want finished, got %s", w.Mode())
	}
}

func TestResponseWriter_secondWriteCommitsStreaming(t *testing.T) {
	w, closeServer := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerFunctionResponseMode) != responseModeStreaming {
			t.Errorf("unexpected response mode: %s", r.Header.Get(headerFunctionResponseMode))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "helloworld" {
			t.Errorf("unexpected body: %s", string(body))
		}
		if len(r.Trailer.Values(trailerErrorType)) != 0 {
			t.Errorf("unexpected error trailer: %v", r.Trailer.Values(trailerErrorType))
		}
		rw.WriteHeader(http.StatusAccepted)
	})
	defer closeServer()

	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeStreaming {
		t.Errorf("want streaming after a second write, got %s", w.Mode())
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
}

func TestResponseWriter_prelude(t *testing.T) {
	w, closeServer := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := `{"statusCode":200,"headers":{"Content-Type":"text/plain"}}` + "\x00\x00\x00\x00\x00\x00\x00\x00" + "hi"
		if string(body) != want {
			t.Errorf("unexpected body: %q", string(body))
		}
		rw.WriteHeader(http.StatusAccepted)
	})
	defer closeServer()

	if err := w.WriteStatusAndHeaders(200, map[string]string{"Content-Type": "text/plain"}, nil); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeStreaming {
		t.Errorf("want streaming, got %s", w.Mode())
	}
	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := w.Finish(); err != nil {
		t.Fatal(err)
	}
}

func TestResponseWriter_reportErrorTrailer(t *testing.T) {
	w, closeServer := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "partial" {
			t.Errorf("unexpected body: %s", string(body))
		}
		if r.Trailer.Get(trailerErrorType) != "myTestError" {
			t.Errorf("unexpected error type: %s", r.Trailer.Get(trailerErrorType))
		}
		wantBody := base64.StdEncoding.EncodeToString([]byte(`{"errorType":"myTestError","errorMessage":"boom"}`))
		if r.Trailer.Get(trailerErrorBody) != wantBody {
			t.Errorf("unexpected error body: %s", r.Trailer.Get(trailerErrorBody))
		}
		rw.WriteHeader(http.StatusAccepted)
	})
	defer closeServer()

	if _, err := w.Write([]byte("part")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("ial")); err != nil {
		t.Fatal(err)
	}
	if err := w.reportErrorTrailer(&ErrorResponse{Type: "myTestError", Message: "boom"}); err != nil {
		t.Fatal(err)
	}
	if w.Mode() != ModeErrored {
		t.Errorf("want errored, got %s", w.Mode())
	}
}

func TestResponseWriter_writeAfterFinish(t *testing.T) {
	w, closeServer := newTestWriter(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusAccepted)
	})
	defer closeServer()

	if err := w.WriteAndFinish([]byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("x")); err != ErrWriteAfterFinish {
		t.Errorf("want ErrWriteAfterFinish, got %v", err)
	}
}

func TestErrorCapturingReader_cleanCloseLeavesNoTrailer(t *testing.T) {
	pr, pw := io.Pipe()
	ecr := newErrorCapturingReader(pr)

	go func() {
		_, _ = io.WriteString(pw, "ok")
		_ = pw.Close()
	}()

	body, err := io.ReadAll(ecr)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("unexpected body: %s", string(body))
	}
	if ecr.trailer.Get(trailerErrorType) != "" {
		t.Errorf("want empty trailer on clean close, got %s", ecr.trailer.Get(trailerErrorType))
	}
}

func TestErrorCapturingReader_failureCloseSetsTrailer(t *testing.T) {
	pr, pw := io.Pipe()
	ecr := newErrorCapturingReader(pr)

	go func() {
		_ = pw.CloseWithError(&myTestError{"boom"})
	}()

	_, err := io.ReadAll(ecr)
	if err != nil {
		t.Fatal(err)
	}
	if ecr.trailer.Get(trailerErrorType) != "myTestError" {
		t.Errorf("unexpected error type: %s", ecr.trailer.Get(trailerErrorType))
	}
}
