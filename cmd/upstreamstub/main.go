// Command upstreamstub is a minimal stand-in for the upstream provider's
// /v1/messages endpoint, useful for exercising the gateway's streaming and
// unary relay paths without a real provider account.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	port := flag.String("port", "9000", "port to listen on")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	http.HandleFunc("/v1/messages", handleMessages)

	addr := ":" + *port
	log.Info().Str("component", "upstreamstub").Str("addr", addr).Msg("stub upstream listening")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("stub upstream exited")
	}
}

func handleMessages(w http.ResponseWriter, r *http.Request) {
	log.Info().Str("component", "upstreamstub").
		Str("x-api-key", mask(r.Header.Get("x-api-key"))).
		Str("anthropic-version", r.Header.Get("anthropic-version")).
		Str("accept", r.Header.Get("Accept")).
		Msg("received request")

	if r.Header.Get("Accept") == "text/event-stream" {
		streamResponse(w)
		return
	}
	unaryResponse(w)
}

func unaryResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":   "msg_stub_0001",
		"type": "message",
		"role": "assistant",
		"content": []map[string]string{
			{"type": "text", "text": "stub response"},
		},
		"model":       "claude-stub",
		"stop_reason": "end_turn",
	})
}

func streamResponse(w http.ResponseWriter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	events := []string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_stub_0002"}}` + "\n\n",
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"stub "}}` + "\n\n",
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"stream"}}` + "\n\n",
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}` + "\n\n",
	}
	for _, e := range events {
		fmt.Fprint(bw, e)
		bw.Flush()
		flusher.Flush()
		time.Sleep(50 * time.Millisecond)
	}
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
