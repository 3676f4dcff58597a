package wire

import (
	"encoding/json"
)

// ConnectionIDField is the member injected on the requester→handler hop.
const ConnectionIDField = "connectionId"

// Tag injects connID into a raw wire message. Members the bridge does not
// know about are carried through untouched.
func Tag(raw []byte, connID string) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, structural("tag: decode envelope", err)
	}
	if obj == nil {
		return nil, structural("tag: envelope is null", nil)
	}
	v, err := json.Marshal(connID)
	if err != nil {
		return nil, err
	}
	obj[ConnectionIDField] = v
	return json.Marshal(obj)
}

// Untag removes the connection tag from a raw wire message and returns it.
// A message without a tag fails with ProtocolError(MissingConnectionId).
func Untag(raw []byte) (string, []byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", nil, structural("untag: decode envelope", err)
	}
	tag, ok := obj[ConnectionIDField]
	if !ok {
		return "", nil, &ProtocolError{Code: MissingConnectionID}
	}
	var connID string
	if err := json.Unmarshal(tag, &connID); err != nil || connID == "" {
		return "", nil, &ProtocolError{Code: MissingConnectionID, Detail: "connectionId must be a non-empty string"}
	}
	delete(obj, ConnectionIDField)
	out, err := json.Marshal(obj)
	if err != nil {
		return "", nil, err
	}
	return connID, out, nil
}
