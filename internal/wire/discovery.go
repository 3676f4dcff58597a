package wire

// Discovery message types.
const (
	TypeDiscoveryRequest  = "DISCOVERY_REQUEST"
	TypeDiscoveryResponse = "DISCOVERY_RESPONSE"
)

// Identity names a capability provider.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the descriptor a provider hands out during discovery. It
// is immutable for the lifetime of a handler identity.
type Capabilities struct {
	Identity        Identity `json:"identity"`
	FeatureFlags    []string `json:"featureFlags,omitempty"`
	ProtocolVersion string   `json:"protocolVersion"`
}

// HasFeature reports whether flag is advertised.
func (c Capabilities) HasFeature(flag string) bool {
	for _, f := range c.FeatureFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// DiscoveryRequest is broadcast by a requester looking for providers.
type DiscoveryRequest struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// DiscoveryResponse is a provider's answer to a DiscoveryRequest.
type DiscoveryResponse struct {
	Type         string       `json:"type"`
	ConnectionID string       `json:"connectionId"`
	HandlerID    string       `json:"handlerId"`
	Capabilities Capabilities `json:"capabilities"`
}
