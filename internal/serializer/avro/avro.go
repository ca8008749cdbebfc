// Package avro is a schema-carrying Serializer for payloads that need
// a stable binary wire format, backed by hamba/avro/v2.
package avro

import (
	"github.com/hamba/avro/v2"

	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/transport"
	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// TypeBinding pairs a logical type name with its Avro schema and a
// factory producing the concrete Go value to decode into.
type TypeBinding struct {
	TypeName string
	Schema   avro.Schema
	Factory  func() interface{}
}

// Serializer is an Avro-backed serializer.Serializer, one schema per
// registered logical type name.
type Serializer struct {
	bindings map[string]TypeBinding
}

// New creates an empty Serializer.
func New() *Serializer {
	return &Serializer{bindings: make(map[string]TypeBinding)}
}

// Register parses schemaJSON and binds it to typeName.
func (s *Serializer) Register(typeName, schemaJSON string, factory func() interface{}) error {
	schema, err := avro.Parse(schemaJSON)
	if err != nil {
		return errors.Wrap(err, "failed to parse avro schema for "+typeName)
	}
	s.bindings[typeName] = TypeBinding{TypeName: typeName, Schema: schema, Factory: factory}
	return nil
}

func (s *Serializer) Serialize(msg *dispatcher.LogicalMessage) (*transport.Message, error) {
	binding, ok := s.bindings[msg.TypeName]
	if !ok {
		return nil, errors.New("BUS_UNKNOWN_MESSAGE_TYPE", "no avro schema registered for message type "+msg.TypeName, nil)
	}

	body, err := avro.Marshal(binding.Schema, msg.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message body to avro")
	}

	headers := msg.Headers.Clone()
	headers.Set(transport.HeaderType, msg.TypeName)
	headers.Set(transport.HeaderContentType, "application/avro")
	return &transport.Message{Headers: headers, Body: body}, nil
}

func (s *Serializer) Deserialize(msg *transport.Message) (*dispatcher.LogicalMessage, error) {
	typeName, ok := msg.Headers.Get(transport.HeaderType)
	if !ok {
		return nil, errors.New("BUS_MISSING_TYPE_HEADER", "transport message is missing the type header", nil)
	}

	binding, ok := s.bindings[typeName]
	if !ok {
		return nil, errors.New("BUS_UNKNOWN_MESSAGE_TYPE", "no avro schema registered for message type "+typeName, nil)
	}

	body := binding.Factory()
	if err := avro.Unmarshal(binding.Schema, msg.Body, body); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal message body from avro")
	}

	return &dispatcher.LogicalMessage{TypeName: typeName, Body: body, Headers: msg.Headers.Clone()}, nil
}
