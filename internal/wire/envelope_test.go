package wire

import (
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	t.Parallel()

	e, err := Decode([]byte(`{"id":7,"method":"Runtime.enable","sessionId":"s1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Kind() != KindRequest {
		t.Fatalf("kind = %s, want request", e.Kind())
	}
	if e.ID != 7 || e.Method != "Runtime.enable" || e.SessionID != "s1" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	e, err := Decode([]byte(`{"method":"Runtime.consoleAPICalled","params":{"type":"log"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Kind() != KindEvent {
		t.Fatalf("kind = %s, want event", e.Kind())
	}

	// An explicit zero id is the same as no id at all.
	e, err = Decode([]byte(`{"id":0,"method":"Runtime.consoleAPICalled"}`))
	if err != nil {
		t.Fatalf("decode zero id: %v", err)
	}
	if e.Kind() != KindEvent {
		t.Fatalf("zero-id kind = %s, want event", e.Kind())
	}
}

func TestDecodeResponseShape(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{"result only", `{"id":1,"result":{}}`, false},
		{"error only", `{"id":1,"error":{"code":-32601,"message":"nope"}}`, false},
		{"both", `{"id":1,"result":{},"error":{"code":1,"message":"x"}}`, true},
		{"neither", `{"id":1}`, true},
		{"no id", `{"result":{}}`, true},
		{"request with result", `{"id":2,"method":"m","result":{}}`, true},
		{"negative request id", `{"id":-1,"method":"m"}`, true},
		{"not json", `{`, true},
	}
	for _, tc := range cases {
		if _, err := Decode([]byte(tc.frame)); (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()

	req, err := NewRequest(3, "sess", "Debugger.pause", map[string]int{"depth": 1})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	frame, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 3 || got.Method != "Debugger.pause" || got.SessionID != "sess" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestErrorResponseCarriesCode(t *testing.T) {
	t.Parallel()

	resp := NewErrorResponse(9, "", ErrorCodeMethodNotFound, "'DbgProxy.ping' wasn't found")
	frame, err := resp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error == nil || got.Error.Code != ErrorCodeMethodNotFound {
		t.Fatalf("unexpected error object: %+v", got.Error)
	}
}
