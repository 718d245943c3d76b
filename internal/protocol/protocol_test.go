package protocol

import (
	"errors"
	"testing"
)

func TestDecodeClient(t *testing.T) {
	env, err := DecodeClient([]byte(`{"type":"submit-move","data":{"session_id":"s1","move":"e2e4","seq":3}}`))
	if err != nil {
		t.Fatalf("DecodeClient: %v", err)
	}
	if env.Type != TypeSubmitMove {
		t.Fatalf("type = %q", env.Type)
	}
	var req SubmitMove
	if err := env.Payload(&req); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if req.SessionID != "s1" || req.Move != "e2e4" || req.Seq != 3 {
		t.Fatalf("payload = %+v", req)
	}
}

func TestDecodeClientRejectsUnknownType(t *testing.T) {
	_, err := DecodeClient([]byte(`{"type":"drop-tables"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	// Server-only types must not be accepted from clients.
	_, err = DecodeClient([]byte(`{"type":"match-found"}`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeClientRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not json", `[1,2,3]`, `{"type":42}`} {
		if _, err := DecodeClient([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("DecodeClient(%q) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestPayloadEmpty(t *testing.T) {
	env := &Envelope{Type: TypeResign}
	var req Resign
	if err := env.Payload(&req); !errors.Is(err, ErrMalformed) {
		t.Fatalf("empty payload err = %v, want ErrMalformed", err)
	}
}

func TestNewRoundtrip(t *testing.T) {
	env := New(TypeError, &Error{Code: ReasonOutOfTurn, Seq: 7})
	var e Error
	if err := env.Payload(&e); err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if e.Code != ReasonOutOfTurn || e.Seq != 7 {
		t.Fatalf("roundtrip = %+v", e)
	}
}
