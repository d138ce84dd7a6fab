// Package main provides mock-llm, a deterministic stand-in for the AI
// backends. It speaks both backend dialects the daemon uses, so a full
// pipeline can run locally with no model at all.
//
// Failure injection flags make it useful for exercising the retry and
// dead-letter paths: --fail-rate returns the configured --fail-status
// for that fraction of requests, and --latency delays every response.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type mockServer struct {
	latency    time.Duration
	failRate   float64
	failStatus int
	malformed  bool
	logger     *slog.Logger

	requests atomic.Int64
}

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:11434", "Listen address")
		latency    = flag.Duration("latency", 50*time.Millisecond, "Per-request delay")
		failRate   = flag.Float64("fail-rate", 0, "Fraction of requests that fail (0..1)")
		failStatus = flag.Int("fail-status", http.StatusInternalServerError, "Status for injected failures")
		malformed  = flag.Bool("malformed", false, "Return non-JSON content to trigger schema mismatches")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := &mockServer{
		latency:    *latency,
		failRate:   *failRate,
		failStatus: *failStatus,
		malformed:  *malformed,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", srv.handleChat)
	mux.HandleFunc("/v1beta/models/", srv.handleGemini)

	logger.Info("mock-llm listening", "addr", *addr,
		"fail_rate", *failRate, "latency", *latency)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// shouldFail decides failure injection deterministically from the
// request counter, so test runs are reproducible.
func (s *mockServer) shouldFail() bool {
	if s.failRate <= 0 {
		return false
	}
	n := s.requests.Add(1)
	period := int64(1 / s.failRate)
	if period < 1 {
		period = 1
	}
	return n%period == 0
}

// finding fabricates a plausible stage finding. Confidence derives from
// a hash of the prompt, so identical prompts get identical answers.
func finding(prompt string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	confidence := 0.55 + float64(h.Sum32()%40)/100.0

	code := "unknown"
	if i := strings.Index(prompt, "["); i >= 0 {
		if j := strings.Index(prompt[i:], "]"); j > 0 {
			code = prompt[i+1 : i+j]
		}
	}

	payload := map[string]any{
		"confidence": confidence,
		"summary": fmt.Sprintf(
			"Mock analysis of %d prompt characters. The diagnostics center on %s; "+
				"treat the first error as the root cause and re-run the build after fixing it.",
			len(prompt), code),
		"details": map[string]any{
			"actions": []string{
				"Fix the first reported diagnostic.",
				"Rebuild and compare the remaining diagnostics.",
			},
		},
	}
	out, _ := json.Marshal(payload)
	return string(out)
}

func (s *mockServer) content(prompt string) string {
	if s.malformed {
		return "I am not JSON at all."
	}
	return finding(prompt)
}

// handleChat serves the OpenAI-compatible chat completion dialect.
func (s *mockServer) handleChat(w http.ResponseWriter, r *http.Request) {
	time.Sleep(s.latency)
	if s.shouldFail() {
		http.Error(w, "injected failure", s.failStatus)
		return
	}

	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	prompt := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			prompt = m.Content
		}
	}

	resp := map[string]any{
		"model": req.Model,
		"choices": []map[string]any{{
			"message": map[string]any{
				"role":    "assistant",
				"content": s.content(prompt),
			},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     len(prompt) / 4,
			"completion_tokens": 120,
		},
	}
	writeJSON(w, resp)
}

// handleGemini serves the generateContent dialect.
func (s *mockServer) handleGemini(w http.ResponseWriter, r *http.Request) {
	time.Sleep(s.latency)
	if s.shouldFail() {
		http.Error(w, "injected failure", s.failStatus)
		return
	}

	var req struct {
		Contents []struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	prompt := ""
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			prompt += p.Text
		}
	}

	resp := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": s.content(prompt)}},
				"role":  "model",
			},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     len(prompt) / 4,
			"candidatesTokenCount": 120,
		},
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
