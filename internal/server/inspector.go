package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Inspector event types.
const (
	EventRequest  = "request"
	EventResponse = "response"
)

const (
	maxInspectorSubscribers = 100
	inspectorBuffer         = 64
)

// InspectorEvent is one observed request or response on the dispatch path.
type InspectorEvent struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Subdomain string            `json:"subdomain"`
	Timestamp int64             `json:"timestamp"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
}

// Inspector fans dispatch events out to live dashboard streams. Slow
// subscribers lose events rather than stalling dispatch.
type Inspector struct {
	mu   sync.Mutex
	subs map[chan InspectorEvent]struct{}
}

// NewInspector returns an inspector with no subscribers.
func NewInspector() *Inspector {
	return &Inspector{subs: map[chan InspectorEvent]struct{}{}}
}

// Publish delivers ev to every subscriber that has room. Nil-safe.
func (i *Inspector) Publish(ev InspectorEvent) {
	if i == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	for ch := range i.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. ok is false once the subscriber limit is
// reached. cancel must be called exactly once.
func (i *Inspector) Subscribe() (events <-chan InspectorEvent, cancel func(), ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.subs) >= maxInspectorSubscribers {
		return nil, nil, false
	}
	ch := make(chan InspectorEvent, inspectorBuffer)
	i.subs[ch] = struct{}{}
	return ch, func() {
		i.mu.Lock()
		delete(i.subs, ch)
		i.mu.Unlock()
	}, true
}

// Subscribers returns the number of live listeners.
func (i *Inspector) Subscribers() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

// ServeHTTP streams events as server-sent events until the client leaves.
func (i *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel, ok := i.Subscribe()
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "Too many inspector streams.")
		return
	}
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
