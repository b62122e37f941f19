package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/kastrel/kastrel-dashboard/internal/stream"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of a stream session. Completed, Failed
// and Aborted are terminal and entered at most once.
type State int

const (
	Idle State = iota
	Connecting
	Streaming
	Completed
	Failed
	Aborted
)

func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Aborted
}

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// Callbacks receive stream progress. OnToken fires once per decoded token
// in arrival order. Exactly one of OnComplete, OnError, OnAborted fires
// per session. Nil callbacks are skipped.
type Callbacks struct {
	OnToken    func(stream.TokenEvent)
	OnComplete func()
	OnError    func(message string)
	OnAborted  func()
}

// Request describes the outbound streaming request. The session adds the
// Content-Type and Accept headers the protocol requires.
type Request struct {
	URL    string
	Body   []byte
	Header http.Header
}

// Session drives one streaming request from connect to a terminal state.
// A session is single-use: each logical request owns a fresh one, with
// its own parse buffer and cancellation.
type Session struct {
	client  *http.Client
	cb      Callbacks
	parser  *stream.Parser
	decoder *stream.Decoder

	mu     sync.Mutex
	state  State
	errMsg string
	cancel context.CancelFunc
}

func New(client *http.Client, cb Callbacks) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{
		client:  client,
		cb:      cb,
		parser:  stream.NewParser(),
		decoder: stream.NewDecoder(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorMessage returns the terminal error for a Failed session.
func (s *Session) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// Discarded reports frames dropped by the decoder. Stable once the
// session is terminal.
func (s *Session) Discarded() int {
	return s.decoder.Discarded()
}

// Run drives the session to a terminal state and returns it. It blocks;
// callers that need a live handle run it in a goroutine and use Abort or
// context cancellation. Calling Run on a non-idle session does nothing.
func (s *Session) Run(ctx context.Context, req Request) State {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return st
	}
	s.state = Connecting
	s.cancel = cancel
	s.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return s.finish(Failed, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, vv := range req.Header {
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return s.finishReadError(ctx, err)
	}
	if resp.Body == nil {
		return s.finish(Failed, "upstream response has no body")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.finish(Failed, fmt.Sprintf("upstream returned status %d%s", resp.StatusCode, readErrorBody(resp.Body)))
	}

	if !s.transition(Connecting, Streaming) {
		// Aborted while connecting.
		return s.State()
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, f := range s.parser.Feed(buf[:n]) {
				ev := s.decoder.Decode(f)
				switch {
				case ev.Error != nil:
					return s.finish(Failed, ev.Error.Message)
				case ev.Token != nil:
					if !s.deliver(*ev.Token) {
						return s.State()
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return s.finish(Completed, "")
			}
			return s.finishReadError(ctx, err)
		}
	}
}

// Abort cancels the underlying transport and settles the session as
// Aborted. Safe from any goroutine, including concurrently with an
// in-flight read; calling it after a terminal state is a no-op.
func (s *Session) Abort() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.finish(Aborted, "")
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// deliver invokes the token callback unless the session already settled.
// A delivery past this check when Abort lands is the single in-flight
// callback the contract allows.
func (s *Session) deliver(ev stream.TokenEvent) bool {
	s.mu.Lock()
	if s.state != Streaming {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.cb.OnToken != nil {
		s.cb.OnToken(ev)
	}
	return true
}

// finish settles the session. The first terminal transition wins; every
// later call is a no-op, which is what makes the terminal callback fire
// exactly once.
func (s *Session) finish(to State, msg string) State {
	s.mu.Lock()
	if s.state.Terminal() {
		st := s.state
		s.mu.Unlock()
		return st
	}
	s.state = to
	s.errMsg = msg
	s.mu.Unlock()

	log.Debug().Str("state", to.String()).Str("error", msg).Int("discarded_frames", s.decoder.Discarded()).
		Msg("stream session settled")

	switch to {
	case Completed:
		if s.cb.OnComplete != nil {
			s.cb.OnComplete()
		}
	case Failed:
		if s.cb.OnError != nil {
			s.cb.OnError(msg)
		}
	case Aborted:
		if s.cb.OnAborted != nil {
			s.cb.OnAborted()
		}
	}
	return to
}

// finishReadError maps a transport error to a terminal state: explicit
// cancellation settles as Aborted, a deadline as a Failed timeout, and
// anything else as a Failed transport error.
func (s *Session) finishReadError(ctx context.Context, err error) State {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return s.finish(Aborted, "")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return s.finish(Failed, "stream timed out")
	default:
		return s.finish(Failed, err.Error())
	}
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	body := strings.TrimSpace(string(b))
	if body == "" {
		return ""
	}
	return ": " + body
}
