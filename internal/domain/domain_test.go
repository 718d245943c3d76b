package domain

import (
	"testing"
	"time"
)

func TestParseTimeControl(t *testing.T) {
	tc, err := ParseTimeControl("600+5")
	if err != nil {
		t.Fatalf("ParseTimeControl: %v", err)
	}
	if tc.Initial != 10*time.Minute {
		t.Fatalf("initial = %v, want 10m", tc.Initial)
	}
	if tc.Increment != 5*time.Second {
		t.Fatalf("increment = %v, want 5s", tc.Increment)
	}
	if tc.Key() != "600+5" {
		t.Fatalf("key = %q", tc.Key())
	}

	tc, err = ParseTimeControl("180")
	if err != nil {
		t.Fatalf("ParseTimeControl no increment: %v", err)
	}
	if tc.Increment != 0 {
		t.Fatalf("increment = %v, want 0", tc.Increment)
	}
	if tc.Key() != "180+0" {
		t.Fatalf("key = %q", tc.Key())
	}

	for _, bad := range []string{"", "abc", "0+5", "-60", "60+-1"} {
		if _, err := ParseTimeControl(bad); err == nil {
			t.Fatalf("ParseTimeControl(%q): expected error", bad)
		}
	}
}

func TestColorOther(t *testing.T) {
	if White.Other() != Black || Black.Other() != White {
		t.Fatalf("Other() broken")
	}
	if c, ok := ParseColor(" W "); !ok || c != White {
		t.Fatalf("ParseColor(W) = %q, %v", c, ok)
	}
	if _, ok := ParseColor("green"); ok {
		t.Fatalf("ParseColor(green) should fail")
	}
}

func TestParseGameMode(t *testing.T) {
	if m, ok := ParseGameMode("Ranked"); !ok || m != ModeRanked {
		t.Fatalf("ParseGameMode(Ranked) = %q, %v", m, ok)
	}
	if _, ok := ParseGameMode("speedrun"); ok {
		t.Fatalf("ParseGameMode(speedrun) should fail")
	}
}
