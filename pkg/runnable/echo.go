package runnable

import (
	"context"
	"encoding/json"
	"time"
)

const defaultEchoChunkSize = 16

// Echo streams the "message" input variable back in fixed-size pieces. It
// exercises the full submit/stream/aggregate/terminal path without an
// external AI backend, which makes it the development default.
type Echo struct {
	// ChunkSize is the number of runes per emitted chunk; <=0 means 16.
	ChunkSize int

	// Delay is an optional pause before each chunk, useful for watching
	// streams by hand.
	Delay time.Duration
}

func (e *Echo) Run(ctx context.Context, input map[string]any) (<-chan Chunk, error) {
	message, _ := input["message"].(string)
	size := e.ChunkSize
	if size <= 0 {
		size = defaultEchoChunkSize
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, piece := range splitRunes(message, size) {
			if e.Delay > 0 {
				select {
				case <-time.After(e.Delay):
				case <-ctx.Done():
					return
				}
			}

			payload, err := json.Marshal(piece)
			if err != nil {
				out <- Chunk{Err: err}
				return
			}
			select {
			case out <- Chunk{Payload: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// splitRunes cuts s into pieces of at most size runes, never mid-rune.
func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	var pieces []string
	runes := []rune(s)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
