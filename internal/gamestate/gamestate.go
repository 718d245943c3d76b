// Package gamestate holds the server's canonical view of one game: the
// position, the append-only move log, and the checksum used to detect
// client divergence.
package gamestate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/park285/cheese-arena/internal/domain"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Canonical is the server-owned state a checksum is computed over. It
// deliberately excludes clocks and connection data: two sides that applied
// the same moves must agree on it regardless of transport timing.
type Canonical struct {
	FEN         string       `json:"fen"`
	MoveCount   int          `json:"move_count"`
	ActiveColor domain.Color `json:"active_color"`
}

// NewCanonical returns the state before any move.
func NewCanonical() Canonical {
	return Canonical{FEN: StartFEN, MoveCount: 0, ActiveColor: domain.White}
}

// Checksum is a deterministic digest over a stable serialization of the
// canonical fields. Field order is fixed by construction, so any client
// that can hash SHA-256 reproduces it.
func (c Canonical) Checksum() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\n%d\n%s", c.FEN, c.MoveCount, c.ActiveColor)))
	return hex.EncodeToString(sum[:])
}

// Entry is one accepted move as recorded in the log.
type Entry struct {
	Seq       uint64       `json:"seq"`
	PlayerID  string       `json:"player_id"`
	Color     domain.Color `json:"color"`
	UCI       string       `json:"uci"`
	SAN       string       `json:"san"`
	MoveCount int          `json:"move_count"` // count after this move
	Checksum  string       `json:"checksum"`   // canonical checksum after this move
	PlayedAt  time.Time    `json:"played_at"`

	WhiteClockMs int64 `json:"white_clock_ms"`
	BlackClockMs int64 `json:"black_clock_ms"`
}

// Log is the ordered, append-only move history. It doubles as the
// idempotence record: a (player, seq) pair that was already applied
// re-returns its original entry instead of mutating state again.
type Log struct {
	entries []Entry
	bySeq   map[string]map[uint64]int // playerID → seq → index
}

func NewLog() *Log {
	return &Log{bySeq: make(map[string]map[uint64]int)}
}

// Append records an accepted move.
func (l *Log) Append(e Entry) {
	l.entries = append(l.entries, e)
	m, ok := l.bySeq[e.PlayerID]
	if !ok {
		m = make(map[uint64]int)
		l.bySeq[e.PlayerID] = m
	}
	m[e.Seq] = len(l.entries) - 1
}

// Lookup returns the recorded entry for a (player, seq) pair, if any.
func (l *Log) Lookup(playerID string, seq uint64) (Entry, bool) {
	if m, ok := l.bySeq[playerID]; ok {
		if i, ok := m[seq]; ok {
			return l.entries[i], true
		}
	}
	return Entry{}, false
}

// Len returns the number of applied moves.
func (l *Log) Len() int { return len(l.entries) }

// UCIs returns the move list in order, for engine reconstruction.
func (l *Log) UCIs() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.UCI
	}
	return out
}

// SANs returns the algebraic move list in order, for archival.
func (l *Log) SANs() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.SAN
	}
	return out
}

// Entries returns a copy of the log for snapshots.
func (l *Log) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}
