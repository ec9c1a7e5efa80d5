package stream

import (
	"sync"

	"github.com/kestrel-labs/sluice/internal/core/domain"
)

// EmitFunc delivers one formatted-ready event to the client. The HTTP layer
// writes SSE frames; the failover consumer publishes to a result channel.
type EmitFunc func(event domain.SSEEvent) error

// eventWriter serialises emission and enforces the terminal-event contract:
// events are delivered in send order, at most one terminal event goes out,
// and anything after it is silently discarded. Heartbeats race the pipeline
// goroutine, so the mutex is load-bearing.
type eventWriter struct {
	emit     EmitFunc
	mu       sync.Mutex
	sent     int
	terminal bool
}

func newEventWriter(emit EmitFunc) *eventWriter {
	return &eventWriter{emit: emit}
}

func (w *eventWriter) send(event domain.SSEEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminal {
		return nil
	}
	if event.IsTerminal() {
		w.terminal = true
	}
	w.sent++
	return w.emit(event)
}

func (w *eventWriter) closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminal
}
