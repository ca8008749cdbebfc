// Package serializer converts between the wire-level transport.Message
// and the dispatcher's typed dispatcher.LogicalMessage.
package serializer

import (
	"github.com/chris-alexander-pop/gobus/internal/dispatcher"
	"github.com/chris-alexander-pop/gobus/internal/transport"
)

// Serializer is the port the receive/send pipeline uses to cross the
// wire/logical boundary.
type Serializer interface {
	Serialize(msg *dispatcher.LogicalMessage) (*transport.Message, error)
	Deserialize(msg *transport.Message) (*dispatcher.LogicalMessage, error)
}
