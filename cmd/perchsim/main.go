// perchsim is a stand-in for the perch generation service used in local
// development: it streams lorem-ipsum tokens with synthetic hallucination
// probabilities over the same wire contract.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	lorem "github.com/bozaro/golorem"
	"github.com/kastrel/kastrel-dashboard/internal/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	port      = flag.Int("port", 9000, "listen port")
	delayMs   = flag.Int("delay-ms", 40, "delay between tokens")
	sentences = flag.Int("sentences", 8, "sentences per summary")
	failAfter = flag.Int("fail-after", 0, "emit an error frame after N tokens (0 = never)")
	spikeRate = flag.Float64("spike-rate", 0.08, "fraction of tokens given a high hallucination probability")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/summarize", handleSummarize)
	mux.HandleFunc("GET /health", handleHealth)

	addr := fmt.Sprintf(":%d", *port)
	log.Info().Str("addr", addr).Int("delay_ms", *delayMs).Int("fail_after", *failAfter).
		Msg("perchsim started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	stream.SetStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	ew := stream.NewEventWriter(w)

	gen := lorem.New()
	var words []string
	for i := 0; i < *sentences; i++ {
		words = append(words, strings.Fields(gen.Sentence(6, 14))...)
	}

	log.Info().Int("tokens", len(words)).Int("prompt_len", len(req.Prompt)).Msg("streaming summary")

	for i, word := range words {
		if *failAfter > 0 && i >= *failAfter {
			ew.WriteError("simulated generation failure")
			return
		}
		select {
		case <-r.Context().Done():
			log.Info().Int("sent", i).Msg("client went away")
			return
		case <-time.After(time.Duration(*delayMs) * time.Millisecond):
		}
		if err := ew.WriteEvent(stream.TokenEvent{
			Order:             i,
			Token:             word + " ",
			HallucinationProb: riskScore(),
		}); err != nil {
			return
		}
	}
}

// riskScore draws a low probability most of the time with occasional
// spikes, so the dashboard's highlighting has something to show.
func riskScore() float64 {
	if rand.Float64() < *spikeRate {
		return 0.5 + rand.Float64()*0.5
	}
	return rand.Float64() * 0.3
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"model":   "perchsim",
		"version": "dev",
	})
}
