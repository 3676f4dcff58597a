package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is a JSON-RPC request id. It holds the canonical JSON token of a string
// or a number so it can be used as a map key; "1" and 1 are distinct ids.
type ID struct {
	raw string
}

// StringID returns an ID holding a JSON string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID{raw: string(b)}
}

// NumberID returns an ID holding a JSON integer.
func NumberID(n int64) ID {
	return ID{raw: strconv.FormatInt(n, 10)}
}

// IsZero reports whether the id is absent.
func (id ID) IsZero() bool { return id.raw == "" }

// String returns the JSON token, e.g. `"abc"` or `42`.
func (id ID) String() string { return id.raw }

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null
// are accepted.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ID{}
		return nil
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*id = ID{raw: n.String()}
		return nil
	default:
		return fmt.Errorf("id must be a string or a number, got %s", b)
	}
}
