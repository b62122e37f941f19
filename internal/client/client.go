// Package client is the consumer tier: it opens stream sessions against
// the dashboard relay and accumulates tokens for rendering. Each call
// owns its own session; there is no shared in-flight state between
// requests.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/kastrel/kastrel-dashboard/internal/session"
	"github.com/kastrel/kastrel-dashboard/internal/stream"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 0},
	}
}

// SummaryStream is one in-flight summarize call. Tokens accumulate in
// arrival order, append-only; rendering reads Tokens while the stream is
// live or after it settles.
type SummaryStream struct {
	sess *session.Session

	mu     sync.Mutex
	tokens []stream.Token
	done   chan struct{}
}

// Summarize starts a streaming summary for a customer and returns
// immediately. Callbacks fire as the stream progresses; Abort stops the
// stream and no token callback fires after it returns (beyond one
// already in flight).
func (c *Client) Summarize(ctx context.Context, customerID string, cb session.Callbacks) *SummaryStream {
	ss := &SummaryStream{done: make(chan struct{})}

	settle := func(notify func()) {
		if notify != nil {
			notify()
		}
		close(ss.done)
	}

	ss.sess = session.New(c.http, session.Callbacks{
		OnToken: func(ev stream.TokenEvent) {
			ss.mu.Lock()
			ss.tokens = append(ss.tokens, ev.Normalize())
			ss.mu.Unlock()
			if cb.OnToken != nil {
				cb.OnToken(ev)
			}
		},
		OnComplete: func() { settle(cb.OnComplete) },
		OnError: func(msg string) {
			settle(func() {
				if cb.OnError != nil {
					cb.OnError(msg)
				}
			})
		},
		OnAborted: func() { settle(cb.OnAborted) },
	})

	go ss.sess.Run(ctx, session.Request{
		URL:  fmt.Sprintf("%s/dashboard/api/customers/%s/summarize", c.baseURL, url.PathEscape(customerID)),
		Body: []byte(`{}`),
	})
	return ss
}

// Abort cancels the stream. Idempotent.
func (ss *SummaryStream) Abort() {
	ss.sess.Abort()
}

// Wait blocks until the stream settles and returns the terminal state.
func (ss *SummaryStream) Wait() session.State {
	<-ss.done
	return ss.sess.State()
}

// State reports the session state without blocking.
func (ss *SummaryStream) State() session.State {
	return ss.sess.State()
}

// ErrorMessage returns the terminal error for a failed stream.
func (ss *SummaryStream) ErrorMessage() string {
	return ss.sess.ErrorMessage()
}

// Tokens returns a copy of the tokens accumulated so far.
func (ss *SummaryStream) Tokens() []stream.Token {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]stream.Token, len(ss.tokens))
	copy(out, ss.tokens)
	return out
}

// Text joins the accumulated token text.
func (ss *SummaryStream) Text() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var b strings.Builder
	for _, t := range ss.tokens {
		b.WriteString(t.Text)
	}
	return b.String()
}
