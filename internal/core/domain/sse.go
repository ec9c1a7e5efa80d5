package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type SSEEventType string

const (
	SSEEventStatus    SSEEventType = "status"
	SSEEventChunk     SSEEventType = "chunk"
	SSEEventError     SSEEventType = "error"
	SSEEventComplete  SSEEventType = "complete"
	SSEEventHeartbeat SSEEventType = "heartbeat"
)

// SSEEvent is one frame on the event stream. Data is either a raw string
// (status, heartbeat) or anything JSON-serialisable (chunk, complete, error).
type SSEEvent struct {
	Type SSEEventType
	Data any
	ID   string
}

// SSEDoneFrame is written after the last event on every stream.
const SSEDoneFrame = "data: [DONE]\n\n"

// Format renders the event in SSE wire framing:
//
//	[id: <id>\n]
//	event: <type>\n
//	data: <payload>\n
//	\n
func (e SSEEvent) Format() (string, error) {
	var buf bytes.Buffer
	if err := e.AppendTo(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// AppendTo renders the wire framing into buf, letting hot paths reuse a
// pooled buffer instead of allocating a string per frame.
func (e SSEEvent) AppendTo(buf *bytes.Buffer) error {
	if e.ID != "" {
		buf.WriteString("id: ")
		buf.WriteString(e.ID)
		buf.WriteByte('\n')
	}
	buf.WriteString("event: ")
	buf.WriteString(string(e.Type))
	buf.WriteByte('\n')

	payload, err := e.payload()
	if err != nil {
		return err
	}
	buf.WriteString("data: ")
	buf.WriteString(payload)
	buf.WriteString("\n\n")
	return nil
}

func (e SSEEvent) payload() (string, error) {
	switch d := e.Data.(type) {
	case nil:
		return "", nil
	case string:
		return d, nil
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return "", fmt.Errorf("sse: marshal %s payload: %w", e.Type, err)
		}
		return string(raw), nil
	}
}

// IsTerminal reports whether no further events may follow this one.
func (e SSEEvent) IsTerminal() bool {
	return e.Type == SSEEventComplete || e.Type == SSEEventError
}

// ParseSSEEvent parses one wire frame back into an event. JSON payloads come
// back as map[string]any; everything else stays a raw string. Used by the
// failover consumer tests and by clients of the result channel.
func ParseSSEEvent(frame string) (SSEEvent, error) {
	var ev SSEEvent
	var dataLines []string

	for _, line := range strings.Split(strings.TrimRight(frame, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "id: "):
			ev.ID = line[len("id: "):]
		case strings.HasPrefix(line, "event: "):
			ev.Type = SSEEventType(line[len("event: "):])
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, line[len("data: "):])
		case line == "":
		default:
			return ev, fmt.Errorf("sse: unrecognised line %q", line)
		}
	}

	if ev.Type == "" {
		return ev, fmt.Errorf("sse: frame missing event type")
	}

	data := strings.Join(dataLines, "\n")
	if strings.HasPrefix(data, "{") || strings.HasPrefix(data, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(data), &decoded); err == nil {
			ev.Data = decoded
			return ev, nil
		}
	}
	ev.Data = data
	return ev, nil
}

// ChunkPayload is the JSON body of a chunk event.
type ChunkPayload struct {
	Content string `json:"content"`
	Cached  bool   `json:"cached,omitempty"`
	Index   int    `json:"index,omitempty"`
}

// CompletePayload is the JSON body of a complete event.
type CompletePayload struct {
	ThreadID    string `json:"thread_id"`
	Provider    string `json:"provider,omitempty"`
	ChunkCount  int    `json:"chunk_count"`
	TotalLength int    `json:"total_length"`
	DurationMs  int64  `json:"duration_ms"`
	Cached      bool   `json:"cached"`
}

// ErrorPayload is the JSON body of an error event.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
