// Package stream produces the typed event sequence for one query.
//
// Every query run emits zero or more thinking_step events, then either a
// content + response_complete pair or an error event, and always exactly
// one terminal stream_end.
package stream

import "github.com/doclens/doclens/pkg/citations"

// EventType identifies one event of the stream.
type EventType string

const (
	// EventThinkingStep reports progress while the answer is prepared.
	EventThinkingStep EventType = "thinking_step"

	// EventThinkingComplete summarizes the finished preparation work.
	EventThinkingComplete EventType = "thinking_complete"

	// EventContent carries the display text of the answer.
	EventContent EventType = "content"

	// EventResponseComplete carries the final answer with citations.
	EventResponseComplete EventType = "response_complete"

	// EventError reports an unrecoverable failure.
	EventError EventType = "error"

	// EventStreamEnd terminates every stream, success or not.
	EventStreamEnd EventType = "stream_end"
)

// Event is one unit of the query stream.
type Event struct {
	Type    EventType `json:"type"`
	QueryID string    `json:"query_id"`

	// Message is the progress description (thinking_step) or error text.
	Message string `json:"message,omitempty"`

	// Content is the display text for content/response_complete events.
	Content string `json:"content,omitempty"`

	Citations []citations.Citation `json:"citations,omitempty"`

	// Meta summarizes the run on thinking_complete and
	// response_complete events.
	Meta *RunMeta `json:"meta,omitempty"`
}

// RunMeta summarizes how the answer was produced.
type RunMeta struct {
	Path        string  `json:"path"`
	Reason      string  `json:"reason,omitempty"`
	Score       float64 `json:"score"`
	SubQueries  int     `json:"sub_queries,omitempty"`
	StepsRun    int     `json:"steps_run,omitempty"`
	UniqueDocs  int     `json:"unique_docs"`
	Partial     bool    `json:"partial,omitempty"`
	Termination string  `json:"termination,omitempty"`
}
