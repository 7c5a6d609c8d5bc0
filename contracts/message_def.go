package contracts

import (
	"fmt"
	"sync"
)

// MessageDef is the routing metadata of a message type.
type MessageDef struct {
	Name         string
	Exchange     string
	ExchangeType ExchangeType
	RoutingKey   string
}

// NewMessageDef derives the definition of msg's type.
func NewMessageDef(msg Message) (MessageDef, error) {
	def := MessageDef{
		Name:     msg.MessageName(),
		Exchange: msg.Exchange(),
	}
	if def.Name == "" {
		return MessageDef{}, fmt.Errorf("%w: contract %d has no message name", ErrInvalidMessage, msg.ContractID())
	}
	if def.Exchange == "" {
		return MessageDef{}, fmt.Errorf("%w: %s has no exchange", ErrInvalidMessage, def.Name)
	}
	if k, ok := msg.(ExchangeKinder); ok {
		def.ExchangeType = k.ExchangeKind()
	}
	def.RoutingKey = def.Name
	return def, nil
}

// DefRegistry caches MessageDefs by contract id. It is safe for concurrent use.
type DefRegistry struct {
	mu   sync.RWMutex
	defs map[int]MessageDef
}

// NewDefRegistry creates an empty registry.
func NewDefRegistry() *DefRegistry {
	return &DefRegistry{defs: make(map[int]MessageDef)}
}

// Get returns the definition for msg's type, deriving it on first use.
func (r *DefRegistry) Get(msg Message) (MessageDef, error) {
	id := msg.ContractID()

	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := NewMessageDef(msg)
	if err != nil {
		return MessageDef{}, err
	}

	r.mu.Lock()
	if existing, ok := r.defs[id]; ok {
		def = existing
	} else {
		r.defs[id] = def
	}
	r.mu.Unlock()

	return def, nil
}

// Len returns the number of cached definitions.
func (r *DefRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
