// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (connection manager, MCP
// server loop, transcript enhancement) to subscribers (UI layer, future
// metrics collector). The bus is constructed once at startup and passed
// to whichever components need to publish; there is no ambient global
// sender. It is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceManager identifies events from the connection manager
	// (client role).
	SourceManager = "manager"
	// SourceServer identifies events from the MCP server role.
	SourceServer = "server"
	// SourceTranscription identifies events from context aggregation
	// and transcript enhancement.
	SourceTranscription = "transcription"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnectionReady signals a provider connection completed its
	// handshake. Data: server, server_name, protocol_version.
	KindConnectionReady = "connection_ready"
	// KindConnectionFailed signals a provider connection failed to
	// spawn or initialize. Data: server, error.
	KindConnectionFailed = "connection_failed"
	// KindConnectionClosed signals a provider connection terminated.
	// Data: server.
	KindConnectionClosed = "connection_closed"

	// KindToolCall signals an outbound tools/call on a provider
	// connection. Data: server, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of an outbound tools/call.
	// Data: server, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindRequestHandled signals the server role answered an inbound
	// request. Data: method, ok.
	KindRequestHandled = "request_handled"

	// KindTranscriptEnhanced signals a transcript passed through
	// glossary substitution. Data: glossary_entries, changed.
	KindTranscriptEnhanced = "transcript_enhanced"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
