package wire

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	cases := map[string]struct {
		raw  string
		kind Kind
	}{
		"request":             {`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{"cursor":"a"}}`, KindRequest},
		"request string id":   {`{"jsonrpc":"2.0","id":"req-7","method":"tools/call","params":{"name":"echo"}}`, KindRequest},
		"notification":        {`{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1}}`, KindNotification},
		"response":            {`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, KindResponse},
		"response scalar":     {`{"id":1,"result":"ok"}`, KindResponse},
		"response null":       {`{"id":3,"result":null}`, KindResponse},
		"error":               {`{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"nope"}}`, KindError},
		"error with data":     {`{"id":2,"error":{"code":1,"message":"m","data":{"k":"v"}}}`, KindError},
		"tagged request":      {`{"id":1,"method":"m","connectionId":"c1"}`, KindRequest},
		"params array":        {`{"id":1,"method":"m","params":[1,2]}`, KindRequest},
		"negative numeric id": {`{"id":-5,"result":{}}`, KindResponse},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if m.Kind() != tc.kind {
				t.Fatalf("kind %s, want %s", m.Kind(), tc.kind)
			}
			b, err := m.Encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var got, want map[string]any
			if err := json.Unmarshal(b, &got); err != nil {
				t.Fatalf("decode re-encoded: %v", err)
			}
			_ = json.Unmarshal([]byte(tc.raw), &want)
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip mismatch:\n got %s\nwant %s", b, tc.raw)
			}
			again, err := Parse(b)
			if err != nil {
				t.Fatalf("reparse: %v", err)
			}
			if !reflect.DeepEqual(again, m) {
				t.Fatalf("reparse mismatch: %+v vs %+v", again, m)
			}
		})
	}
}

func TestParseStructuralErrors(t *testing.T) {
	bad := []string{
		``,
		`[]`,
		`"str"`,
		`{`,
		`{}`,
		`{"id":1}`,
		`{"id":true,"method":"m"}`,
		`{"id":{"a":1},"method":"m"}`,
		`{"id":1,"method":"m","result":{}}`,
		`{"id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		`{"result":{}}`,
		`{"error":{"code":1,"message":"x"}}`,
		`{"id":1,"error":{"message":"x"}}`,
		`{"id":1,"error":{"code":1}}`,
		`{"id":1,"method":"m","params":3}`,
	}
	for _, raw := range bad {
		_, err := Parse([]byte(raw))
		var se *StructuralError
		if !errors.As(err, &se) {
			t.Fatalf("%q: expected StructuralError, got %v", raw, err)
		}
		if !Recoverable(err) {
			t.Fatalf("%q: structural errors must be recoverable", raw)
		}
	}
}

func TestIDDistinguishesStringAndNumber(t *testing.T) {
	var a, b ID
	if err := json.Unmarshal([]byte(`1`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`"1"`), &b); err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("numeric and string ids must differ")
	}
	if a != NumberID(1) || b != StringID("1") {
		t.Fatalf("constructors disagree with decoding: %s %s", a, b)
	}
}

func TestConstructors(t *testing.T) {
	req, err := NewRequest(NumberID(4), "tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if req.Kind() != KindRequest || len(req.Params) != 0 {
		t.Fatalf("unexpected request %+v", req)
	}
	n, _ := NewNotification("ping", map[string]int{"a": 1})
	if n.Kind() != KindNotification || string(n.Params) != `{"a":1}` {
		t.Fatalf("unexpected notification %+v", n)
	}
	resp, _ := NewResponse(NumberID(4), "ok")
	if resp.Kind() != KindResponse || string(resp.Result) != `"ok"` {
		t.Fatalf("unexpected response %+v", resp)
	}
	e := NewError(StringID("z"), CodeMethodNotFound, "missing")
	if e.Kind() != KindError || !e.IsReply() {
		t.Fatalf("unexpected error %+v", e)
	}
}
