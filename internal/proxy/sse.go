package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nulpointcorp/relaycore/internal/providers"
)

// WriteSSE forwards a provider's stream channel to w as OpenAI-compatible
// "data: ..." frames, terminating with "data: [DONE]" — generalized from the
// teacher's writeSSE (internal/proxy/gateway.go), which hard-coded a single
// chat-completion envelope; this version is provider/envelope-agnostic and
// leaves token accounting to the caller via onComplete.
func WriteSSE(w *bufio.Writer, stream <-chan providers.StreamChunk, onComplete func(outputChars int)) {
	var written int
	for chunk := range stream {
		written += len(chunk.Content)
		delta := map[string]any{
			"id":      "chatcmpl-stream",
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"choices": []map[string]any{
				{
					"index": 0,
					"delta": map[string]string{"content": chunk.Content},
					"finish_reason": func() any {
						if chunk.FinishReason != "" {
							return chunk.FinishReason
						}
						return nil
					}(),
				},
			},
		}
		data, _ := json.Marshal(delta)
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	w.Flush()
	if onComplete != nil {
		onComplete(written)
	}
}

// SSEFrame is a single parsed "data: ..." frame from an upstream SSE body.
type SSEFrame struct {
	Data string
	Done bool // true for a "data: [DONE]" terminator
}

// SSEScanner parses an upstream SSE byte stream into frames, tolerant of
// frames split across reads and of stray non-"data:" lines (comments,
// blank keep-alives) — the teacher's writeSSE only ever produced its own
// frames and never had to parse an upstream's, so this parser is new code,
// grounded on the same "data: ...\n\n" framing it emits.
type SSEScanner struct {
	buf bytes.Buffer
}

// Feed appends newly read bytes and returns every complete frame they
// produced. Partial trailing data is retained for the next Feed call.
func (s *SSEScanner) Feed(chunk []byte) []SSEFrame {
	s.buf.Write(chunk)
	var frames []SSEFrame

	for {
		raw := s.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := raw[:idx]
		s.buf.Next(idx + 2)

		scanner := bufio.NewScanner(bytes.NewReader(block))
		var dataLines []string
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue // tolerate comments / non-data lines
			}
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if len(dataLines) == 0 {
			continue
		}
		data := strings.Join(dataLines, "\n")
		if data == "[DONE]" {
			frames = append(frames, SSEFrame{Done: true})
			continue
		}
		frames = append(frames, SSEFrame{Data: data})
	}
	return frames
}

// Flush returns a final frame built from any unterminated trailing data —
// covers upstreams that close the connection without a trailing blank line
// (raw stream-end termination, spec.md §9) instead of emitting [DONE].
func (s *SSEScanner) Flush() *SSEFrame {
	raw := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if raw == "" {
		return nil
	}
	var dataLines []string
	for _, line := range strings.Split(raw, "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	if len(dataLines) == 0 {
		return nil
	}
	data := strings.Join(dataLines, "\n")
	if data == "[DONE]" {
		return &SSEFrame{Done: true}
	}
	return &SSEFrame{Data: data}
}
