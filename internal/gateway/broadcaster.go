package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
)

// Broadcaster fans SSEEvent values out to all active GET /events subscribers.
// Slow clients are skipped (non-blocking channel send with per-client buffer).
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan []byte]struct{}
}

func newBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// subscribe returns a channel that receives ready-to-write SSE data frames.
// The caller must call unsubscribe when the HTTP connection closes.
func (b *Broadcaster) subscribe() chan []byte {
	ch := make(chan []byte, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *Broadcaster) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// send serialises evt as JSON and fans the SSE frame to all active subscribers.
func (b *Broadcaster) send(evt SSEEvent) {
	raw, err := json.Marshal(evt)
	if err != nil {
		slog.Warn("gateway: failed to marshal SSE event", "type", evt.Type, "error", err)
		return
	}
	frame := sseFrame(raw)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- frame:
		default:
			// slow subscriber, drop the frame
		}
	}
}

// Name and Publish make the Broadcaster an activity.Sink.
func (b *Broadcaster) Name() string { return "sse" }

func (b *Broadcaster) Publish(_ context.Context, e activity.Entry) error {
	b.send(SSEEvent{Type: "activity." + string(e.Outcome), Payload: e})
	return nil
}

// sseFrame wraps raw JSON in the SSE wire format "data: <json>\n\n".
func sseFrame(raw []byte) []byte {
	frame := make([]byte, 0, len(raw)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, raw...)
	return append(frame, '\n', '\n')
}
