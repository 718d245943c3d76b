package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposing side.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	}
	return "", false
}

// GameMode classifies a session for matchmaking and archival.
type GameMode string

const (
	ModeCasual     GameMode = "casual"
	ModeRanked     GameMode = "ranked"
	ModeTournament GameMode = "tournament"
)

func ParseGameMode(s string) (GameMode, bool) {
	switch GameMode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCasual:
		return ModeCasual, true
	case ModeRanked:
		return ModeRanked, true
	case ModeTournament:
		return ModeTournament, true
	}
	return "", false
}

// TimeControl is the initial clock budget plus per-move increment.
type TimeControl struct {
	Initial   time.Duration `json:"initial"`
	Increment time.Duration `json:"increment"`
}

// ParseTimeControl parses "600+5" (seconds of initial time, seconds of
// increment). The increment part is optional.
func ParseTimeControl(s string) (TimeControl, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TimeControl{}, fmt.Errorf("empty time control")
	}
	base, inc := s, ""
	if i := strings.IndexByte(s, '+'); i >= 0 {
		base, inc = s[:i], s[i+1:]
	}
	initial, err := strconv.Atoi(strings.TrimSpace(base))
	if err != nil || initial <= 0 {
		return TimeControl{}, fmt.Errorf("invalid time control %q", s)
	}
	tc := TimeControl{Initial: time.Duration(initial) * time.Second}
	if inc != "" {
		n, err := strconv.Atoi(strings.TrimSpace(inc))
		if err != nil || n < 0 {
			return TimeControl{}, fmt.Errorf("invalid increment in %q", s)
		}
		tc.Increment = time.Duration(n) * time.Second
	}
	return tc, nil
}

// Key returns the canonical "initial+increment" form used for matchmaking
// buckets and archival.
func (tc TimeControl) Key() string {
	return fmt.Sprintf("%d+%d", int(tc.Initial.Seconds()), int(tc.Increment.Seconds()))
}

// Presence is a player's lobby-visible status.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceInQueue Presence = "in-queue"
	PresenceInGame  Presence = "in-game"
	PresenceAway    Presence = "away"
)

// Player is the server-side identity of a connected participant. Identity
// issuance is external; the server trusts the handshake-provided id.
type Player struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Rating   int      `json:"rating"`
	Presence Presence `json:"presence"`
}
