package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kastrel/kastrel-dashboard/internal/stream"
)

// recorder counts callbacks so tests can assert the exactly-once terminal
// contract.
type recorder struct {
	mu        sync.Mutex
	tokens    []stream.TokenEvent
	completes int
	failures  int
	aborts    int
	lastError string

	tokenCh  chan stream.TokenEvent
	terminal chan struct{}
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		tokenCh:  make(chan stream.TokenEvent, 64),
		terminal: make(chan struct{}),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnToken: func(ev stream.TokenEvent) {
			r.mu.Lock()
			r.tokens = append(r.tokens, ev)
			r.mu.Unlock()
			r.tokenCh <- ev
		},
		OnComplete: func() {
			r.mu.Lock()
			r.completes++
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
		OnError: func(msg string) {
			r.mu.Lock()
			r.failures++
			r.lastError = msg
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
		OnAborted: func() {
			r.mu.Lock()
			r.aborts++
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
	}
}

func (r *recorder) counts() (completes, failures, aborts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completes, r.failures, r.aborts
}

func (r *recorder) tokenTexts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tokens))
	for i, ev := range r.tokens {
		out[i] = ev.Token
	}
	return out
}

func assertSingleTerminal(t *testing.T, r *recorder, completes, failures, aborts int) {
	t.Helper()
	c, f, a := r.counts()
	if c != completes || f != failures || a != aborts {
		t.Fatalf("terminal callbacks = complete:%d error:%d abort:%d, want %d/%d/%d", c, f, a, completes, failures, aborts)
	}
}

func sseServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunDeliversTokensThenCompletes(t *testing.T) {
	// The two frames arrive split at an arbitrary point inside the second
	// frame's payload.
	body := "data: {\"order\":0,\"token\":\"Hi\",\"hallucination_prob\":0.1}\n\n" +
		"data: {\"order\":1,\"token\":\"there\",\"hallucination_prob\":0.9}\n\n"
	split := len(body)/2 + 7

	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		stream.SetStreamHeaders(w.Header())
		flusher := w.(http.Flusher)
		w.Write([]byte(body[:split]))
		flusher.Flush()
		w.Write([]byte(body[split:]))
		flusher.Flush()
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	state := sess.Run(context.Background(), Request{URL: srv.URL, Body: []byte(`{}`)})

	if state != Completed {
		t.Fatalf("state = %v, want Completed", state)
	}
	assertSingleTerminal(t, rec, 1, 0, 0)

	texts := rec.tokenTexts()
	if len(texts) != 2 || texts[0] != "Hi" || texts[1] != "there" {
		t.Fatalf("tokens = %v", texts)
	}
	rec.mu.Lock()
	if rec.tokens[0].HallucinationProb != 0.1 || rec.tokens[1].HallucinationProb != 0.9 {
		t.Fatalf("risk scores = %+v", rec.tokens)
	}
	rec.mu.Unlock()
}

func TestRunErrorEventShortCircuits(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		w.Write([]byte("data: {\"order\":0,\"token\":\"Hi\",\"hallucination_prob\":0.1}\n\n"))
		w.Write([]byte("data: {\"type\":\"error\",\"message\":\"boom\"}\n\n"))
		// Frames after the error must never reach the token callback.
		w.Write([]byte("data: {\"order\":1,\"token\":\"late\",\"hallucination_prob\":0.2}\n\n"))
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	state := sess.Run(context.Background(), Request{URL: srv.URL})

	if state != Failed {
		t.Fatalf("state = %v, want Failed", state)
	}
	assertSingleTerminal(t, rec, 0, 1, 0)
	if rec.lastError != "boom" {
		t.Fatalf("error = %q, want boom", rec.lastError)
	}
	if texts := rec.tokenTexts(); len(texts) != 1 || texts[0] != "Hi" {
		t.Fatalf("tokens = %v", texts)
	}
	if sess.ErrorMessage() != "boom" {
		t.Fatalf("ErrorMessage = %q", sess.ErrorMessage())
	}
}

func TestAbortMidStream(t *testing.T) {
	upstreamCancelled := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		w.Write([]byte("data: {\"order\":0,\"token\":\"Hi\",\"hallucination_prob\":0.1}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamCancelled)
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())

	done := make(chan State, 1)
	go func() { done <- sess.Run(context.Background(), Request{URL: srv.URL}) }()

	<-rec.tokenCh
	sess.Abort()
	sess.Abort() // idempotent

	if got := <-done; got != Aborted {
		t.Fatalf("state = %v, want Aborted", got)
	}
	assertSingleTerminal(t, rec, 0, 0, 1)
	if texts := rec.tokenTexts(); len(texts) != 1 {
		t.Fatalf("tokens after abort = %v", texts)
	}

	select {
	case <-upstreamCancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("abort did not cancel the transport read")
	}
}

func TestAbortAfterTerminalIsNoOp(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		w.Write([]byte("data: {\"order\":0,\"token\":\"x\",\"hallucination_prob\":0}\n\n"))
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	if state := sess.Run(context.Background(), Request{URL: srv.URL}); state != Completed {
		t.Fatalf("state = %v", state)
	}

	sess.Abort()
	sess.Abort()

	if sess.State() != Completed {
		t.Fatalf("state after abort = %v, want Completed", sess.State())
	}
	assertSingleTerminal(t, rec, 1, 0, 0)
}

func TestAbortBeforeRun(t *testing.T) {
	rec := newRecorder()
	sess := New(nil, rec.callbacks())
	sess.Abort()

	state := sess.Run(context.Background(), Request{URL: "http://127.0.0.1:0"})
	if state != Aborted {
		t.Fatalf("state = %v, want Aborted", state)
	}
	assertSingleTerminal(t, rec, 0, 0, 1)
}

func TestNonSuccessStatusFails(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unavailable","detail":"model loading"}`, http.StatusServiceUnavailable)
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	state := sess.Run(context.Background(), Request{URL: srv.URL})

	if state != Failed {
		t.Fatalf("state = %v, want Failed", state)
	}
	assertSingleTerminal(t, rec, 0, 1, 0)
	if !strings.Contains(rec.lastError, "503") {
		t.Fatalf("error = %q, want status mention", rec.lastError)
	}
}

func TestConnectionErrorFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	rec := newRecorder()
	sess := New(nil, rec.callbacks())
	if state := sess.Run(context.Background(), Request{URL: url}); state != Failed {
		t.Fatalf("state = %v, want Failed", state)
	}
	assertSingleTerminal(t, rec, 0, 1, 0)
}

func TestDeadlineSettlesAsFailedTimeout(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	state := sess.Run(ctx, Request{URL: srv.URL})

	if state != Failed {
		t.Fatalf("state = %v, want Failed", state)
	}
	assertSingleTerminal(t, rec, 0, 1, 0)
	if rec.lastError != "stream timed out" {
		t.Fatalf("error = %q", rec.lastError)
	}
}

func TestParentCancellationSettlesAsAborted(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		w.Write([]byte("data: {\"order\":0,\"token\":\"x\",\"hallucination_prob\":0}\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())

	done := make(chan State, 1)
	go func() { done <- sess.Run(ctx, Request{URL: srv.URL}) }()
	<-rec.tokenCh
	cancel()

	if got := <-done; got != Aborted {
		t.Fatalf("state = %v, want Aborted", got)
	}
	assertSingleTerminal(t, rec, 0, 0, 1)
}

func TestMalformedFramesAreTolerated(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		w.Write([]byte("data: {\"order\":0,\"token\":\"a\",\"hallucination_prob\":0.1}\n\n"))
		w.Write([]byte("data: not json\n\n"))
		w.Write([]byte(": keep-alive\n\n"))
		w.Write([]byte("data: {\"order\":1,\"token\":\"b\",\"hallucination_prob\":0.2}\n\n"))
		w.Write([]byte("data: {\"order\":9,\"token\":\"bad\",\"hallucination_prob\":7}\n\n"))
		w.Write([]byte("data: {\"order\":2,\"token\":\"c\",\"hallucination_prob\":0.3}\n\n"))
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	if state := sess.Run(context.Background(), Request{URL: srv.URL}); state != Completed {
		t.Fatalf("state = %v, want Completed", state)
	}

	if texts := rec.tokenTexts(); len(texts) != 3 || texts[0] != "a" || texts[1] != "b" || texts[2] != "c" {
		t.Fatalf("tokens = %v", texts)
	}
	if sess.Discarded() != 2 {
		t.Fatalf("discarded = %d, want 2", sess.Discarded())
	}
	assertSingleTerminal(t, rec, 1, 0, 0)
}

func TestRunIsSingleUse(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
	})

	rec := newRecorder()
	sess := New(srv.Client(), rec.callbacks())
	if state := sess.Run(context.Background(), Request{URL: srv.URL}); state != Completed {
		t.Fatalf("first run = %v", state)
	}
	if state := sess.Run(context.Background(), Request{URL: srv.URL}); state != Completed {
		t.Fatalf("second run = %v, want prior terminal state", state)
	}
	assertSingleTerminal(t, rec, 1, 0, 0)
}
