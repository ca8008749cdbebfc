// Package transport defines the Port the bus receives and sends
// TransportMessages through, plus the order-preserving header type the
// wire contract is built on.
package transport

import "context"

// Canonical header names. These form the stable wire contract between
// transports; every adapter maps its native envelope to this set.
const (
	HeaderMessageID           = "message-id"
	HeaderCorrelationID       = "correlation-id"
	HeaderCorrelationSequence = "correlation-sequence"
	HeaderReturnAddress       = "return-address"
	HeaderSourceQueue         = "source-queue"
	HeaderIntent              = "intent"
	HeaderSentTime            = "sent-time"
	HeaderType                = "type"
	HeaderContentType         = "content-type"
	HeaderContentEncoding     = "content-encoding"
	HeaderDeferredUntil       = "deferred-until"
	HeaderDeferredRecipient   = "deferred-recipient"
	HeaderTimeToBeReceived    = "time-to-be-received"
	HeaderExpress             = "express"
	HeaderErrorDetails        = "error-details"
	HeaderPriority            = "priority"
)

const (
	IntentPointToPoint = "p2p"
	IntentPubSub       = "pub-sub"
)

// Headers is an insertion-order-preserving, case-sensitive string
// multimap substitute: a plain Go map cannot preserve insertion order,
// and the wire contract treats header order as part of the envelope
// identity (see DESIGN.md). It is not safe for concurrent use; callers
// own a Headers value exclusively, matching how a TransportMessage is
// owned exclusively by whichever worker or pipeline stage holds it.
type Headers struct {
	keys   []string
	values map[string]string
}

// NewHeaders returns an empty, ready-to-use Headers value.
func NewHeaders() Headers {
	return Headers{values: make(map[string]string)}
}

// Clone returns a deep copy of h.
func (h Headers) Clone() Headers {
	c := Headers{
		keys:   append([]string(nil), h.keys...),
		values: make(map[string]string, len(h.values)),
	}
	for k, v := range h.values {
		c.values[k] = v
	}
	return c
}

// Get returns the value for key and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h.values[key]
	return v, ok
}

// Set inserts or updates key. New keys are appended to the end of the
// iteration order; updating an existing key preserves its position.
func (h *Headers) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	if _, exists := h.values[key]; !exists {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Delete removes key, if present.
func (h *Headers) Delete(key string) {
	if _, exists := h.values[key]; !exists {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the header keys in insertion order.
func (h Headers) Keys() []string {
	return append([]string(nil), h.keys...)
}

// Len returns the number of headers.
func (h Headers) Len() int {
	return len(h.keys)
}

// Range calls fn for each header in insertion order.
func (h Headers) Range(fn func(key, value string)) {
	for _, k := range h.keys {
		fn(k, h.values[k])
	}
}

// Message is the wire-level envelope: ordered headers plus an opaque
// body. Immutable in intent once handed to the pipeline; adapters and
// steps that need to change it clone first.
type Message struct {
	Headers Headers
	Body    []byte
}

// Port is the boundary a transport implementation must satisfy: send
// to a named destination, receive from the transport's own address,
// and ensure a destination queue exists.
type Port interface {
	// Send delivers msg to destination. Implementations should be safe
	// to call from within a transaction's OnCommit callback.
	Send(ctx context.Context, destination string, msg *Message) error

	// Receive returns the next available message for this transport's
	// own address, or (nil, nil) if none is available within the
	// adapter's own polling/timeout policy. It never blocks
	// indefinitely past ctx's cancellation.
	Receive(ctx context.Context) (*Message, error)

	// Address returns this transport's own input queue name.
	Address() string

	// CreateQueue ensures the named destination exists, creating it if
	// the underlying system requires explicit provisioning.
	CreateQueue(ctx context.Context, address string) error

	// Close releases any resources held by the transport.
	Close() error
}
