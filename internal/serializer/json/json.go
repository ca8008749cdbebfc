// Package json is the default Serializer: encoding/json over a
// registry mapping each logical type name to a concrete Go type.
package json

import (
	"encoding/json"

	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// Factory produces a fresh, zero-valued pointer to the Go type a
// logical type name deserializes into.
type Factory func() interface{}

// Serializer is a JSON-backed serializer.Serializer.
type Serializer struct {
	factories map[string]Factory
}

// New creates an empty Serializer; register each logical type with
// Register before deserializing messages of that type.
func New() *Serializer {
	return &Serializer{factories: make(map[string]Factory)}
}

// Register associates typeName with factory for deserialization.
func (s *Serializer) Register(typeName string, factory Factory) {
	s.factories[typeName] = factory
}

func (s *Serializer) Serialize(msg *dispatcher.LogicalMessage) (*transport.Message, error) {
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message body to json")
	}

	headers := msg.Headers.Clone()
	headers.Set(transport.HeaderType, msg.TypeName)
	headers.Set(transport.HeaderContentType, "application/json")
	return &transport.Message{Headers: headers, Body: body}, nil
}

func (s *Serializer) Deserialize(msg *transport.Message) (*dispatcher.LogicalMessage, error) {
	typeName, ok := msg.Headers.Get(transport.HeaderType)
	if !ok {
		return nil, errors.New("BUS_MISSING_TYPE_HEADER", "transport message is missing the type header", nil)
	}

	factory, ok := s.factories[typeName]
	if !ok {
		return nil, errors.New("BUS_UNKNOWN_MESSAGE_TYPE", "no factory registered for message type "+typeName, nil)
	}

	body := factory()
	if err := json.Unmarshal(msg.Body, body); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal message body from json")
	}

	return &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: msg.Headers.Clone()}, nil
}
