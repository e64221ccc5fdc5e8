// Package transport defines the multiplexed connection the dispatcher drives.
package transport

import (
	"errors"
	"net/http"

	"github.com/tinywideclouds/go-apns-gateway/internal/framer"
)

// ErrClosed is reported for operations on a closed or draining connection.
var ErrClosed = errors.New("transport: connection closed")

// RawResponse is a complete response read off one stream.
type RawResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// EventKind distinguishes what happened on the connection.
type EventKind uint8

const (
	// EventResponse carries the response for StreamID.
	EventResponse EventKind = iota
	// EventStreamError reports that StreamID was reset or refused.
	EventStreamError
	// EventSettings reports that the peer changed its stream limit.
	EventSettings
)

// Event is delivered on Conn.Events in the order the connection observed it.
type Event struct {
	Kind     EventKind
	StreamID uint32
	Response *RawResponse
	Err      error
}

// Conn is a shared connection carrying many concurrent request streams.
type Conn interface {
	// WriteRequest allocates a new stream, calls bind with its id before any
	// frame is written, then writes the head, body and end of frames on it.
	WriteRequest(frames *framer.Frames, bind func(streamID uint32)) (uint32, error)
	// ResetStream abandons a stream. Frames already written are not recalled.
	ResetStream(streamID uint32) error
	// MaxConcurrentStreams is the peer's current limit on open streams.
	MaxConcurrentStreams() int
	// Events is closed when the connection fails. Err then reports why.
	Events() <-chan Event
	Err() error
	Close() error
}
