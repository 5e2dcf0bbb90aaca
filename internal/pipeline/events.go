package pipeline

import (
	"knowledgehub/internal/store"
)

// Stream event statuses, in the order a client normally sees them.
const (
	StatusThinking  = "thinking"
	StatusSources   = "sources"
	StatusStreaming = "streaming"
	StatusComplete  = "complete"
	StatusError     = "error"
)

// Canonical user-facing texts. The generic error is recognized by the
// caches and never stored.
const (
	NoMatchMessage      = "I couldn't find any relevant content in our knowledge base yet."
	GenericErrorMessage = "I encountered an error while processing your query. Please try again or rephrase your question."
)

// EventSource is one citation in a sources event. Identifiers ride in
// the metadata map alongside any document extras.
type EventSource struct {
	PageContent string            `json:"page_content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Event is one server-sent event of the answer stream.
type Event struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Chunk   string        `json:"chunk,omitempty"`
	Sources []EventSource `json:"sources,omitempty"`
	// Error carries the sanitized failure text on error events.
	Error string `json:"error,omitempty"`
	// FromCache is set on complete events: false for generated answers,
	// the serving tier name for cache hits.
	FromCache  any    `json:"fromCache,omitempty"`
	Type       string `json:"type,omitempty"` // budget window on spend rejections
	IsComplete bool   `json:"isComplete"`
}

// EmitFunc delivers one event to the client. Returning an error aborts the
// stream (client disconnect).
type EmitFunc func(Event) error

func eventSources(docs []store.Document) []EventSource {
	if len(docs) == 0 {
		return nil
	}
	sources := make([]EventSource, 0, len(docs))
	for _, d := range docs {
		meta := make(map[string]string, len(d.Extra)+2)
		for k, v := range d.Extra {
			meta[k] = v
		}
		meta["payload_id"] = d.PayloadID
		if d.ChunkID != "" {
			meta["chunk_id"] = d.ChunkID
		}
		sources = append(sources, EventSource{PageContent: d.Content, Metadata: meta})
	}
	return sources
}
