// Package protocol defines the wire contract between clients and the
// arena server. Every socket event is a tagged variant of a closed Type
// enum carried in one JSON envelope, so dispatch is exhaustively
// checkable instead of a string-keyed callback table.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/park285/cheese-arena/internal/domain"
)

// Type tags a protocol message.
type Type string

// Client → server.
const (
	TypeJoinQueue   Type = "join-queue"
	TypeCancelQueue Type = "cancel-queue"
	TypeCreateRoom  Type = "create-room"
	TypeJoinRoom    Type = "join-room"
	TypeSubmitMove  Type = "submit-move"
	TypeResign      Type = "resign"
	TypeOfferDraw   Type = "offer-draw"
	TypeAcceptDraw  Type = "accept-draw"
	TypeSyncCheck   Type = "sync-check"
	TypePong        Type = "heartbeat-pong"
)

// Server → client.
const (
	TypePing             Type = "heartbeat-ping"
	TypeMatchFound       Type = "match-found"
	TypeQueueStatus      Type = "queue-status"
	TypeQueueFallback    Type = "queue-fallback"
	TypeMoveApplied      Type = "move-applied"
	TypeDesyncCorrection Type = "desync-correction"
	TypeSessionEnded     Type = "session-ended"
	TypeRoomCreated      Type = "room-created"
	TypeRoomAvailable    Type = "room-available"
	TypeRoomRemoved      Type = "room-removed"
	TypePlayersUpdated   Type = "players-updated"
	TypeError            Type = "error"
)

var clientTypes = map[Type]bool{
	TypeJoinQueue:   true,
	TypeCancelQueue: true,
	TypeCreateRoom:  true,
	TypeJoinRoom:    true,
	TypeSubmitMove:  true,
	TypeResign:      true,
	TypeOfferDraw:   true,
	TypeAcceptDraw:  true,
	TypeSyncCheck:   true,
	TypePong:        true,
}

// ErrMalformed marks payloads that failed to decode or carry an unknown
// type. Callers drop the message and count it toward the abuse threshold.
var ErrMalformed = errors.New("malformed message")

// Envelope is the single frame shape for both directions.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeClient parses an inbound frame and rejects unknown types.
func DecodeClient(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	t := Type(strings.TrimSpace(string(env.Type)))
	if !clientTypes[t] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}
	env.Type = t
	return &env, nil
}

// Payload decodes the envelope data into out.
func (e *Envelope) Payload(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// New builds an envelope from a payload struct. Marshal failures are
// programming errors on our own types.
func New(t Type, payload any) *Envelope {
	env := &Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: marshal %s payload: %v", t, err))
		}
		env.Data = raw
	}
	return env
}

// Reason codes attached to Error payloads.
type Reason string

const (
	ReasonOutOfTurn        Reason = "out_of_turn"
	ReasonIllegalMove      Reason = "illegal_move"
	ReasonAlreadyInSession Reason = "already_in_session"
	ReasonAlreadyQueued    Reason = "already_queued"
	ReasonDesync           Reason = "desync"
	ReasonMalformed        Reason = "malformed"
	ReasonRoomNotFound     Reason = "room_not_found"
	ReasonRoomFull         Reason = "room_full"
	ReasonNotInSession     Reason = "not_in_session"
	ReasonNoDrawOffer      Reason = "no_draw_offer"
	ReasonSessionFinished  Reason = "session_finished"
	ReasonInternal         Reason = "internal"
)

// Client payloads.

type JoinQueue struct {
	TimeControl string          `json:"time_control"`
	Mode        domain.GameMode `json:"mode,omitempty"`
}

type CreateRoom struct {
	Mode        domain.GameMode `json:"mode"`
	TimeControl string          `json:"time_control"`
	Private     bool            `json:"private,omitempty"`
}

type JoinRoom struct {
	Code string `json:"code"`
}

type SubmitMove struct {
	SessionID      string `json:"session_id"`
	Move           string `json:"move"`
	Seq            uint64 `json:"seq"`
	ClientChecksum string `json:"client_checksum,omitempty"`
}

type Resign struct {
	SessionID string `json:"session_id"`
}

type Draw struct {
	SessionID string `json:"session_id"`
}

type SyncCheck struct {
	SessionID string `json:"session_id"`
	MoveCount int    `json:"move_count"`
	Checksum  string `json:"checksum"`
}

// Server payloads.

type Opponent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rating int    `json:"rating"`
}

type MatchFound struct {
	SessionID   string          `json:"session_id"`
	Color       domain.Color    `json:"color"`
	Opponent    Opponent        `json:"opponent"`
	TimeControl string          `json:"time_control"`
	ClockMillis int64           `json:"clock_ms"`
	Mode        domain.GameMode `json:"mode"`
}

type QueueStatus struct {
	Position             int `json:"position"`
	EstimatedWaitSeconds int `json:"estimated_wait_seconds"`
}

type RoomCreated struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Private   bool   `json:"private"`
}

type RoomInfo struct {
	Code        string          `json:"code"`
	HostName    string          `json:"host_name"`
	HostRating  int             `json:"host_rating"`
	Mode        domain.GameMode `json:"mode"`
	TimeControl string          `json:"time_control"`
}

type MoveApplied struct {
	SessionID    string `json:"session_id"`
	Move         string `json:"move"`
	SAN          string `json:"san,omitempty"`
	Checksum     string `json:"checksum"`
	MoveCount    int    `json:"move_count"`
	WhiteClockMs int64  `json:"white_clock_ms"`
	BlackClockMs int64  `json:"black_clock_ms"`
}

// FullState is the complete canonical view pushed on resync. The client
// must discard local state and adopt it as-is.
type FullState struct {
	SessionID    string       `json:"session_id"`
	FEN          string       `json:"fen"`
	MovesUCI     []string     `json:"moves_uci"`
	MoveCount    int          `json:"move_count"`
	ActiveColor  domain.Color `json:"active_color"`
	Checksum     string       `json:"checksum"`
	WhiteClockMs int64        `json:"white_clock_ms"`
	BlackClockMs int64        `json:"black_clock_ms"`
	Status       string       `json:"status"`
}

type SessionEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Winner    string `json:"winner,omitempty"`
	Outcome   string `json:"outcome"`
	Message   string `json:"message,omitempty"`
}

type PlayersUpdated struct {
	Online int `json:"online"`
}

type Error struct {
	Code    Reason `json:"code"`
	Message string `json:"message,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
}
