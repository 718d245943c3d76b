package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-arena/internal/domain"
)

const ttlSession = 24 * time.Hour

// Snapshot is the write-through copy of a session kept in redis. Canonical
// state lives in the session goroutine; the snapshot feeds the admin lobby
// listing and survives for post-mortem inspection until its TTL.
type Snapshot struct {
	ID      string          `json:"id"`
	Code    string          `json:"code,omitempty"`
	Mode    domain.GameMode `json:"mode"`
	Control string          `json:"time_control"`
	Private bool            `json:"private,omitempty"`

	Status      Status       `json:"status"`
	FEN         string       `json:"fen"`
	MovesUCI    []string     `json:"moves_uci"`
	MovesSAN    []string     `json:"moves_san"`
	MoveCount   int          `json:"move_count"`
	ActiveColor domain.Color `json:"active_color"`
	Checksum    string       `json:"checksum"`

	White domain.Player `json:"white"`
	Black domain.Player `json:"black"`

	WhiteClockMs int64 `json:"white_clock_ms"`
	BlackClockMs int64 `json:"black_clock_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	Winner  string `json:"winner,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keySession(id string) string { return "arena:session:" + strings.TrimSpace(id) }
func (s *Store) keyPlayer(player string) string {
	return "arena:index:player:" + strings.TrimSpace(player)
}
func (s *Store) keyLobby() string { return "arena:lobby" }

// SaveSnapshot writes the session snapshot with TTL refresh.
func (s *Store) SaveSnapshot(snap *Snapshot) error {
	if s == nil || s.rdb == nil || snap == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keySession(snap.ID), raw, ttlSession).Err()
}

// LoadSnapshot returns the stored snapshot or nil when absent.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	raw, err := s.rdb.Get(ctx, s.keySession(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// IndexPlayer records the player → active session mapping.
func (s *Store) IndexPlayer(ctx context.Context, playerID, sessionID string) error {
	if strings.TrimSpace(playerID) == "" {
		return nil
	}
	return s.rdb.Set(ctx, s.keyPlayer(playerID), sessionID, ttlSession).Err()
}

// UnindexPlayer clears the mapping.
func (s *Store) UnindexPlayer(ctx context.Context, playerID string) error {
	return s.rdb.Del(ctx, s.keyPlayer(playerID)).Err()
}

// ActiveSessionID returns the indexed session for a player, empty when
// none.
func (s *Store) ActiveSessionID(ctx context.Context, playerID string) (string, error) {
	v, err := s.rdb.Get(ctx, s.keyPlayer(playerID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

// AddLobby advertises a waiting room code.
func (s *Store) AddLobby(ctx context.Context, sessionID string) error {
	if err := s.rdb.SAdd(ctx, s.keyLobby(), sessionID).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, s.keyLobby(), ttlSession).Err()
}

// RemoveLobby withdraws a room from the public listing.
func (s *Store) RemoveLobby(ctx context.Context, sessionID string) error {
	return s.rdb.SRem(ctx, s.keyLobby(), sessionID).Err()
}

// ListLobby returns snapshots of rooms still waiting for an opponent.
func (s *Store) ListLobby(ctx context.Context) ([]*Snapshot, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyLobby()).Result()
	if err != nil {
		return nil, err
	}
	var out []*Snapshot
	for _, id := range ids {
		snap, _ := s.LoadSnapshot(ctx, id)
		if snap == nil || snap.Status != StatusWaiting {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete removes the session snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.rdb.Del(ctx, s.keySession(id)).Err()
}
