package rules

import "testing"

func TestValidateUCI(t *testing.T) {
	e := NewEngine()
	v, err := e.Validate(nil, "e2e4")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("e2e4 rejected: %s", v.Reason)
	}
	if v.UCI != "e2e4" || v.SAN != "e4" {
		t.Fatalf("normalized = uci %q san %q", v.UCI, v.SAN)
	}
	if v.FEN == "" {
		t.Fatalf("no resulting FEN")
	}
	if v.Outcome != OutcomeOngoing {
		t.Fatalf("outcome = %q", v.Outcome)
	}
}

func TestValidateSANFallback(t *testing.T) {
	e := NewEngine()
	v, err := e.Validate(nil, "Nf3")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("Nf3 rejected: %s", v.Reason)
	}
	if v.UCI != "g1f3" {
		t.Fatalf("uci = %q, want g1f3", v.UCI)
	}
}

func TestValidateIllegal(t *testing.T) {
	e := NewEngine()
	for _, mv := range []string{"e2e6", "d1h5", "", "zzz"} {
		v, err := e.Validate(nil, mv)
		if err != nil {
			t.Fatalf("Validate(%q): %v", mv, err)
		}
		if v.Accepted {
			t.Fatalf("Validate(%q) accepted", mv)
		}
	}
}

func TestValidateRespectsHistory(t *testing.T) {
	e := NewEngine()
	// After 1.e4 it is black to move; a white move must be rejected.
	v, err := e.Validate([]string{"e2e4"}, "d2d4")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Accepted {
		t.Fatalf("white move accepted on black's turn")
	}
	v, err = e.Validate([]string{"e2e4"}, "e7e5")
	if err != nil || !v.Accepted {
		t.Fatalf("e7e5 after e4: accepted=%v err=%v", v.Accepted, err)
	}
}

func TestValidateFoolsMate(t *testing.T) {
	e := NewEngine()
	history := []string{"f2f3", "e7e5", "g2g4"}
	v, err := e.Validate(history, "d8h4")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !v.Accepted {
		t.Fatalf("mating move rejected: %s", v.Reason)
	}
	if v.Outcome != OutcomeBlack {
		t.Fatalf("outcome = %q, want black", v.Outcome)
	}
	if v.Method != "checkmate" {
		t.Fatalf("method = %q, want checkmate", v.Method)
	}
}

func TestValidateBadHistory(t *testing.T) {
	e := NewEngine()
	v, err := e.Validate([]string{"e2e9"}, "e7e5")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if v.Accepted {
		t.Fatalf("accepted with broken history")
	}
}
