package stream

import (
	"bytes"
	"strings"
)

const dataPrefix = "data: "

// FrameKind classifies a parsed frame.
type FrameKind string

const (
	// FrameData is a frame carrying at least one "data: " line.
	FrameData FrameKind = "data"
	// FrameUnknown is a frame with no data line (keep-alives, comments).
	FrameUnknown FrameKind = "unknown"
)

// Frame is one blank-line-delimited unit of an SSE byte stream.
type Frame struct {
	Kind    FrameKind
	Payload string // text after the "data: " prefix; empty for FrameUnknown
}

// Parser extracts SSE frames from a chunked byte stream. It keeps the
// incomplete tail between calls, so chunk boundaries never need to align
// with frame boundaries.
type Parser struct {
	buffer []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the buffered tail and returns every frame completed
// by it, in stream order.
func (p *Parser) Feed(chunk []byte) []Frame {
	p.buffer = append(p.buffer, chunk...)
	var frames []Frame

	for {
		idx := bytes.Index(p.buffer, []byte("\n\n"))
		if idx == -1 {
			break
		}
		block := string(p.buffer[:idx])
		p.buffer = p.buffer[idx+2:]
		frames = append(frames, parseBlock(block))
	}

	return frames
}

// Tail returns the bytes held back waiting for a frame delimiter.
func (p *Parser) Tail() []byte {
	return p.buffer
}

// parseBlock splits a delimited block into lines and collects its data
// payload. Lines without the data prefix are permitted by the protocol
// (comments, keep-alives) and skipped. Multiple data lines in one frame
// are joined with a newline, per the SSE spec.
func parseBlock(block string) Frame {
	var data []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, dataPrefix) {
			data = append(data, line[len(dataPrefix):])
		}
	}
	if data == nil {
		return Frame{Kind: FrameUnknown}
	}
	return Frame{Kind: FrameData, Payload: strings.Join(data, "\n")}
}
