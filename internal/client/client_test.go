package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kastrel/kastrel-dashboard/internal/session"
	"github.com/kastrel/kastrel-dashboard/internal/stream"
)

func relayStub(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarizeAccumulatesTokens(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/dashboard/api/customers/c-42/summarize" {
			t.Errorf("path = %q", r.URL.Path)
		}
		stream.SetStreamHeaders(w.Header())
		ew := stream.NewEventWriter(w)
		ew.WriteEvent(stream.TokenEvent{Order: 0, Token: "Stable ", HallucinationProb: 0.1})
		ew.WriteEvent(stream.TokenEvent{Order: 1, Token: "account", HallucinationProb: 0.2})
	})

	ss := New(srv.URL).Summarize(context.Background(), "c-42", session.Callbacks{})
	if state := ss.Wait(); state != session.Completed {
		t.Fatalf("state = %v, want Completed", state)
	}

	tokens := ss.Tokens()
	if len(tokens) != 2 || tokens[0].Text != "Stable " || tokens[1].RiskScore != 0.2 {
		t.Fatalf("tokens = %+v", tokens)
	}
	if ss.Text() != "Stable account" {
		t.Fatalf("text = %q", ss.Text())
	}
}

func TestSummarizeRelaysError(t *testing.T) {
	srv := relayStub(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		ew := stream.NewEventWriter(w)
		ew.WriteEvent(stream.TokenEvent{Order: 0, Token: "partial", HallucinationProb: 0.1})
		ew.WriteError("model overloaded")
	})

	errCh := make(chan string, 1)
	ss := New(srv.URL).Summarize(context.Background(), "c-1", session.Callbacks{
		OnError: func(msg string) { errCh <- msg },
	})

	if state := ss.Wait(); state != session.Failed {
		t.Fatalf("state = %v, want Failed", state)
	}
	if msg := <-errCh; msg != "model overloaded" {
		t.Fatalf("error = %q", msg)
	}
	if len(ss.Tokens()) != 1 {
		t.Fatalf("tokens = %+v", ss.Tokens())
	}
}

func TestSummarizeAbort(t *testing.T) {
	release := make(chan struct{})
	srv := relayStub(t, func(w http.ResponseWriter, r *http.Request) {
		stream.SetStreamHeaders(w.Header())
		ew := stream.NewEventWriter(w)
		ew.WriteEvent(stream.TokenEvent{Order: 0, Token: "first", HallucinationProb: 0.1})
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	tokenSeen := make(chan struct{}, 1)
	aborted := make(chan struct{})
	ss := New(srv.URL).Summarize(context.Background(), "c-1", session.Callbacks{
		OnToken:   func(stream.TokenEvent) { tokenSeen <- struct{}{} },
		OnAborted: func() { close(aborted) },
	})

	<-tokenSeen
	ss.Abort()
	ss.Abort()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("abort callback did not fire")
	}
	if state := ss.Wait(); state != session.Aborted {
		t.Fatalf("state = %v, want Aborted", state)
	}
	if len(ss.Tokens()) != 1 {
		t.Fatalf("tokens = %+v", ss.Tokens())
	}
}
