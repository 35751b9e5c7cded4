package worker

import (
	"encoding/json"
	"unicode/utf8"
)

// splitPayload cuts a payload into pieces that each stay within budget
// bytes once wrapped in an envelope. Only JSON strings are splittable: the
// text is cut on rune boundaries and each piece re-quoted as its own JSON
// string, so concatenating the decoded pieces restores the original.
// Non-string payloads have no general split and pass through whole.
func splitPayload(payload json.RawMessage, budget int) []json.RawMessage {
	if len(payload) <= budget {
		return []json.RawMessage{payload}
	}
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return []json.RawMessage{payload}
	}

	limit := budget - 2 // surrounding quotes
	var pieces []json.RawMessage
	start, size := 0, 0
	for i, r := range s {
		n := encodedRuneLen(r)
		if size+n > limit && size > 0 {
			pieces = append(pieces, marshalString(s[start:i]))
			start, size = i, 0
		}
		size += n
	}
	return append(pieces, marshalString(s[start:]))
}

// encodedRuneLen is the worst-case size of r inside a json.Marshal string,
// counting the escapes Marshal applies.
func encodedRuneLen(r rune) int {
	switch {
	case r == '"' || r == '\\' || r == '\n' || r == '\r' || r == '\t':
		return 2
	case r < 0x20:
		return 6 // \u00XX
	case r == '<' || r == '>' || r == '&':
		return 6 // HTML-safe escaping
	case r == ' ' || r == ' ':
		return 6
	case r == utf8.RuneError:
		return 6 // invalid bytes re-encode as �
	default:
		return utf8.RuneLen(r)
	}
}

func marshalString(s string) json.RawMessage {
	data, _ := json.Marshal(s) // marshalling a string cannot fail
	return data
}

// aggregator reassembles string chunks into the run's final output. Only
// string payloads participate; a run emitting structured chunks gets no
// aggregate, since subscribers saw the pieces live and there is no general
// way to merge them. Past the byte cap the text is discarded and the
// output records the spill instead of the content.
type aggregator struct {
	buf       []byte
	total     int64
	sawString bool
	spilled   bool
	limit     int
}

func newAggregator(limit int) *aggregator {
	return &aggregator{limit: limit}
}

func (a *aggregator) add(piece json.RawMessage) {
	var s string
	if err := json.Unmarshal(piece, &s); err != nil {
		return
	}
	a.sawString = true
	a.total += int64(len(s))
	if a.spilled {
		return
	}
	if len(a.buf)+len(s) > a.limit {
		a.spilled = true
		a.buf = nil
		return
	}
	a.buf = append(a.buf, s...)
}

// output returns the value to persist as the run's output_data, nil when
// nothing aggregated.
func (a *aggregator) output() any {
	switch {
	case a.spilled:
		return map[string]any{
			"spilled":     true,
			"total_bytes": a.total,
			"reason":      "output exceeded in-memory aggregation cap",
		}
	case a.sawString:
		return string(a.buf)
	default:
		return nil
	}
}
