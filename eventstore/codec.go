package eventstore

import (
	"encoding/json"
	"errors"
	"sync"

	permission "github.com/goliatone/go-permission"
)

// PayloadFactory returns a zero payload for one event type.
type PayloadFactory func() permission.Payload

var (
	codecMu   sync.RWMutex
	factories = map[permission.EventType]PayloadFactory{
		permission.EventCreated:      func() permission.Payload { return &permission.CreatedPayload{} },
		permission.EventValidated:    func() permission.Payload { return &permission.ValidatedPayload{} },
		permission.EventMalformed:    func() permission.Payload { return &permission.MalformedPayload{} },
		permission.EventSentToAdministrator: func() permission.Payload {
			return &permission.SendPayload{}
		},
		permission.EventUnableToSend: func() permission.Payload { return &permission.UnableToSendPayload{} },
		permission.EventRetryRequested: func() permission.Payload {
			return &permission.RetryPayload{}
		},
	}
	reasonTypes = map[permission.EventType]struct{}{
		permission.EventRejected:          {},
		permission.EventInvalid:           {},
		permission.EventTerminated:        {},
		permission.EventUnfulfillable:     {},
		permission.EventFailedToTerminate: {},
	}
)

// RegisterPayload adds a decoder for a region specific event type.
func RegisterPayload(typ permission.EventType, factory PayloadFactory) {
	if factory == nil {
		return
	}
	codecMu.Lock()
	defer codecMu.Unlock()
	factories[typ] = factory
}

// EncodePayload serializes the event payload. Events without payload encode to nil.
func EncodePayload(p permission.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// DecodePayload restores the payload for typ. Unknown types keep their body as
// a permission.RawPayload.
func DecodePayload(typ permission.EventType, data []byte) (permission.Payload, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if _, ok := reasonTypes[typ]; ok {
		p := permission.ReasonPayload{Type: typ}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		p.Type = typ
		return p, nil
	}
	codecMu.RLock()
	factory, ok := factories[typ]
	codecMu.RUnlock()
	if !ok {
		if !json.Valid(data) {
			return nil, errors.New("stored payload for " + string(typ) + " is not valid JSON")
		}
		return permission.RawPayload{Type: typ, Data: append(json.RawMessage(nil), data...)}, nil
	}
	target := factory()
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return deref(target), nil
}

// deref stores payloads by value so type switches on decoded events match the
// values produced by transitions.
func deref(p permission.Payload) permission.Payload {
	switch v := p.(type) {
	case *permission.CreatedPayload:
		return *v
	case *permission.ValidatedPayload:
		return *v
	case *permission.MalformedPayload:
		return *v
	case *permission.SendPayload:
		return *v
	case *permission.UnableToSendPayload:
		return *v
	case *permission.RetryPayload:
		return *v
	}
	return p
}
