package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// SetStreamHeaders applies the SSE response headers before the first frame
// is written.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// EventWriter re-encodes decoded events as SSE frames. Each frame is
// flushed immediately; the relay never buffers beyond a single token.
type EventWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewEventWriter wraps a response writer. Flushing is best-effort: if the
// writer does not support it, frames still go out on connection close.
func NewEventWriter(w io.Writer) *EventWriter {
	ew := &EventWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		ew.flusher = f
	}
	return ew
}

// WriteEvent marshals v and writes it as a single data frame.
func (ew *EventWriter) WriteEvent(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(ew.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	if ew.flusher != nil {
		ew.flusher.Flush()
	}
	return nil
}

// WriteError emits a terminal in-stream error frame.
func (ew *EventWriter) WriteError(message string) error {
	return ew.WriteEvent(ErrorEvent{Type: "error", Message: message})
}
