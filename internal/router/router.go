// Package router maps a logical message type name to a destination
// transport address, the bus's exact-match send-time routing table.
package router

import "github.com/chris-alexander-pop/gobus/pkg/errors"

// Router is a static, exact-match type-to-address table assembled at
// configuration time; no wildcards.
type Router struct {
	destinations map[string]string
}

// New creates a Router from an initial type-name→address mapping; nil
// is treated as empty.
func New(destinations map[string]string) *Router {
	if destinations == nil {
		destinations = make(map[string]string)
	}
	r := &Router{destinations: make(map[string]string, len(destinations))}
	for k, v := range destinations {
		r.destinations[k] = v
	}
	return r
}

// Map registers typeName → address, overwriting any existing mapping.
func (r *Router) Map(typeName, address string) {
	r.destinations[typeName] = address
}

// GetDestination resolves typeName to its configured address.
func (r *Router) GetDestination(typeName string) (string, error) {
	addr, ok := r.destinations[typeName]
	if !ok {
		return "", errors.New("BUS_ROUTING_ERROR", "no destination configured for message type "+typeName, nil)
	}
	return addr, nil
}
