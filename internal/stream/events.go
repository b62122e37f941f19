package stream

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// TokenEvent is one generated token as it appears on the wire.
//
// Order is monotonically non-decreasing as produced by the generation
// service. Tokens are delivered in arrival order and never re-sorted;
// arrival order matching Order is a protocol guarantee of the upstream
// service (single generation loop). Revisit if the service is ever
// sharded.
type TokenEvent struct {
	Order             int     `json:"order"`
	Token             string  `json:"token"`
	HallucinationProb float64 `json:"hallucination_prob"`
}

// Normalize converts the wire event into the unit consumed by rendering.
func (e TokenEvent) Normalize() Token {
	return Token{Text: e.Token, RiskScore: e.HallucinationProb}
}

// ErrorEvent is an in-stream error signaled by the generation service.
// It terminates the stream.
type ErrorEvent struct {
	Type    string `json:"type"` // always "error"
	Message string `json:"message"`
}

// Token is the normalized unit handed to rendering: the token text and
// the hallucination probability renamed for the UI layer.
type Token struct {
	Text      string
	RiskScore float64
}

// Event is the decoded form of a data frame. At most one field is set;
// both nil means the frame was discarded (malformed or unrecognized).
type Event struct {
	Token *TokenEvent
	Error *ErrorEvent
}

// Decoder validates data frame payloads. It is not safe for concurrent
// use; each stream session owns its own decoder.
type Decoder struct {
	discarded int
	done      bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Discarded reports how many frames were dropped as malformed or
// unrecognized. Discards are never fatal to the stream.
func (d *Decoder) Discarded() int {
	return d.discarded
}

// Decode classifies a frame. After an error event has been decoded the
// stream is terminal and every further frame decodes to nothing.
func (d *Decoder) Decode(f Frame) Event {
	if d.done || f.Kind != FrameData {
		return Event{}
	}

	var raw struct {
		Type              string   `json:"type"`
		Message           string   `json:"message"`
		Order             *int     `json:"order"`
		Token             *string  `json:"token"`
		HallucinationProb *float64 `json:"hallucination_prob"`
	}
	if err := json.Unmarshal([]byte(f.Payload), &raw); err != nil {
		d.discarded++
		log.Warn().Err(err).Str("payload", truncate(f.Payload, 200)).Msg("dropping malformed stream frame")
		return Event{}
	}

	if raw.Type == "error" {
		d.done = true
		return Event{Error: &ErrorEvent{Type: "error", Message: raw.Message}}
	}

	if raw.Order == nil || raw.Token == nil || raw.HallucinationProb == nil {
		d.discarded++
		return Event{}
	}
	// Out-of-contract values are dropped, not fatal.
	if *raw.Order < 0 || *raw.HallucinationProb < 0 || *raw.HallucinationProb > 1 {
		d.discarded++
		log.Warn().Int("order", *raw.Order).Float64("hallucination_prob", *raw.HallucinationProb).
			Msg("dropping token event with out-of-range fields")
		return Event{}
	}

	return Event{Token: &TokenEvent{
		Order:             *raw.Order,
		Token:             *raw.Token,
		HallucinationProb: *raw.HallucinationProb,
	}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
