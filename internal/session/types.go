package session

import (
	"errors"
	"time"

	"github.com/park285/cheese-arena/internal/domain"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Phase is the turn coordinator's state machine position. Validating and
// Applying are transient within one actor command; they exist so that
// snapshots and logs can tell where a session was mid-move.
type Phase string

const (
	PhaseWaitingForMove Phase = "waiting-for-move"
	PhaseValidating     Phase = "validating"
	PhaseApplying       Phase = "applying"
	PhaseFinished       Phase = "finished"
)

// Reason records why a session terminated.
type Reason string

const (
	ReasonCheckmate     Reason = "checkmate"
	ReasonStalemate     Reason = "stalemate"
	ReasonDraw          Reason = "draw"
	ReasonDrawAgreement Reason = "draw_agreement"
	ReasonResignation   Reason = "resignation"
	ReasonTimeout       Reason = "timeout"
	ReasonAbandonment   Reason = "abandonment"
	ReasonAborted       Reason = "aborted"
)

// Result is the terminal outcome of a session.
type Result struct {
	Reason   Reason `json:"reason"`
	WinnerID string `json:"winner_id,omitempty"`
	Outcome  string `json:"outcome"` // white, black, draw, aborted
}

// ResultRecord is emitted to the external rating/statistics collaborator
// when a session ends. Rating deltas are not computed here.
type ResultRecord struct {
	SessionID   string          `json:"session_id"`
	White       domain.Player   `json:"white"`
	Black       domain.Player   `json:"black"`
	Result      string          `json:"result"`
	Reason      Reason          `json:"reason"`
	Mode        domain.GameMode `json:"mode"`
	TimeControl string          `json:"time_control"`
	MoveCount   int             `json:"move_count"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
}

// Slot is one player's seat in a session.
type Slot struct {
	Player    domain.Player
	Color     domain.Color
	Connected bool
}

var (
	ErrOutOfTurn        = errors.New("not your turn")
	ErrIllegalMove      = errors.New("illegal move")
	ErrAlreadyInSession = errors.New("player already in an active session")
	ErrDesync           = errors.New("client state desynced")
	ErrClockExpired     = errors.New("clock expired")
	ErrNotParticipant   = errors.New("player not in session")
	ErrNotActive        = errors.New("session not active")
	ErrFinished         = errors.New("session finished")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room already full")
	ErrNoDrawOffer      = errors.New("no draw offer pending")
)
