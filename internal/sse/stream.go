// ABOUTME: HTTP adapter that turns a request into a buffered SSE subscriber.
// ABOUTME: Sets event-stream headers, pumps queued frames and deregisters on disconnect.

package sse

import (
	"errors"
	"net/http"
	"strings"
	"sync"
)

// ErrSlowSubscriber is returned when a subscriber's queue is full.
var ErrSlowSubscriber = errors.New("subscriber queue full")

// queueStream buffers frames for one HTTP response writer.
type queueStream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newQueueStream(size int) *queueStream {
	return &queueStream{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

func (q *queueStream) Send(frame []byte) error {
	select {
	case <-q.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case q.frames <- frame:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (q *queueStream) Close() {
	q.once.Do(func() { close(q.done) })
}

// ServeHTTP streams game events to the client until it disconnects or the
// hub drops it. ?types=a,b restricts the event types delivered.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream := newQueueStream(h.bufferSize)
	sub, err := h.Connect(stream, parseTypes(r.URL.Query().Get("types"))...)
	if err != nil {
		h.logger.Error("failed to register subscriber", "error", err)
		return
	}
	defer h.Disconnect(sub.ID)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.done:
			return
		case frame := <-stream.frames:
			if _, err := w.Write(frame); err != nil {
				h.logger.Debug("subscriber write failed", "client_id", sub.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func parseTypes(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
