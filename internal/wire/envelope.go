package wire

import (
	"encoding/json"
)

// Direction tells which role an envelope on a broadcast medium is meant for.
type Direction string

const (
	ToProvider  Direction = "to_provider"
	ToRequester Direction = "to_requester"
)

// Envelope types on a broadcast medium besides the discovery pair.
const (
	TypeMessage    = "MESSAGE"
	TypeDisconnect = "DISCONNECT"
)

// Wildcard is the connection id addressing every listening requester.
const Wildcard = "*"

// Envelope is what travels on a broadcast medium. Every listener receives
// every envelope, so addressing lives here and is checked by the receiver.
type Envelope struct {
	Channel      string        `json:"channel"`
	Origin       string        `json:"origin,omitempty"`
	Dir          Direction     `json:"dir"`
	Type         string        `json:"type"`
	ConnectionID string        `json:"connectionId,omitempty"`
	HandlerID    string        `json:"handlerId,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Message      *Message      `json:"message,omitempty"`
}

// DecodeEnvelope parses and shape-checks a broadcast envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	var raw struct {
		Envelope
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return env, structural("decode broadcast envelope", err)
	}
	env = raw.Envelope
	env.Message = nil
	if env.Channel == "" {
		return env, structural("broadcast envelope without channel", nil)
	}
	if env.Dir != ToProvider && env.Dir != ToRequester {
		return env, structural("broadcast envelope with unknown direction", nil)
	}
	switch env.Type {
	case TypeMessage:
		if len(raw.Message) == 0 {
			return env, structural("message envelope without message", nil)
		}
		m, err := Parse(raw.Message)
		if err != nil {
			return env, err
		}
		env.Message = &m
		if env.ConnectionID == "" || env.HandlerID == "" {
			return env, structural("message envelope requires connectionId and handlerId", nil)
		}
	case TypeDiscoveryRequest, TypeDisconnect:
		if env.ConnectionID == "" {
			return env, structural(env.Type+" requires connectionId", nil)
		}
	case TypeDiscoveryResponse:
		if env.ConnectionID == "" || env.HandlerID == "" || env.Capabilities == nil {
			return env, structural("discovery response requires connectionId, handlerId and capabilities", nil)
		}
	default:
		return env, structural("unknown envelope type "+env.Type, nil)
	}
	return env, nil
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DiscoveryRequest returns the bare discovery request carried by e.
func (e Envelope) DiscoveryRequest() DiscoveryRequest {
	return DiscoveryRequest{Type: TypeDiscoveryRequest, ConnectionID: e.ConnectionID}
}

// DiscoveryResponse returns the bare discovery response carried by e.
func (e Envelope) DiscoveryResponse() DiscoveryResponse {
	var caps Capabilities
	if e.Capabilities != nil {
		caps = *e.Capabilities
	}
	return DiscoveryResponse{Type: TypeDiscoveryResponse, ConnectionID: e.ConnectionID, HandlerID: e.HandlerID, Capabilities: caps}
}
