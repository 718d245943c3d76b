package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/gamestate"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/protocol"
	"github.com/park285/cheese-arena/internal/rules"
)

// LobbyHooks are the registry's outbound edges to the lobby feed and the
// rating collaborator.
type LobbyHooks struct {
	OnRoomAvailable func(info protocol.RoomInfo)
	OnRoomRemoved   func(code string)
	OnResult        func(rec ResultRecord)
}

// Registry creates and destroys sessions and enforces the
// one-active-session-per-player invariant.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	byPlayer map[string]string
	byCode   map[string]string

	validator rules.Validator
	sender    Sender
	store     *Store
	repo      *Repository
	cfg       Config
	hooks     LobbyHooks
	now       func() time.Time
}

func NewRegistry(validator rules.Validator, sender Sender, store *Store, repo *Repository, cfg Config, hooks LobbyHooks) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 60 * time.Second
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		byPlayer:  make(map[string]string),
		byCode:    make(map[string]string),
		validator: validator,
		sender:    sender,
		store:     store,
		repo:      repo,
		cfg:       cfg,
		hooks:     hooks,
		now:       time.Now,
	}
}

// newSession builds an unstarted session; the caller seats players and
// then calls start.
func (r *Registry) newSession(mode domain.GameMode, tc domain.TimeControl, private bool) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Control:   tc,
		Private:   private,
		CreatedAt: r.now(),
		slots:     make(map[domain.Color]*Slot),
		status:    StatusWaiting,
		phase:     PhaseWaitingForMove,
		canonical: gamestate.NewCanonical(),
		log:       gamestate.NewLog(),
		clocks: map[domain.Color]time.Duration{
			domain.White: tc.Initial,
			domain.Black: tc.Initial,
		},
		suspended: make(map[string]bool),
		cmds:      make(chan func(), 32),
		closed:    make(chan struct{}),
		now:       r.now,
		validator: r.validator,
		sender:    r.sender,
		store:     r.store,
		cfg:       r.cfg,
		onEnd:     r.handleEnd,
	}
}

// CreateSession seats both players and starts an active session. Used by
// matchmaking.
func (r *Registry) CreateSession(host, guest domain.Player, mode domain.GameMode, tc domain.TimeControl) (*Session, error) {
	r.mu.Lock()
	if r.byPlayer[host.ID] != "" || r.byPlayer[guest.ID] != "" {
		r.mu.Unlock()
		return nil, ErrAlreadyInSession
	}
	s := r.newSession(mode, tc, false)
	hostColor := randomColor()
	s.slots[hostColor] = &Slot{Player: host, Color: hostColor, Connected: true}
	s.slots[hostColor.Other()] = &Slot{Player: guest, Color: hostColor.Other(), Connected: true}
	s.status = StatusActive
	s.turnStartedAt = r.now()
	r.sessions[s.ID] = s
	r.byPlayer[host.ID] = s.ID
	r.byPlayer[guest.ID] = s.ID
	r.mu.Unlock()

	go s.run()
	s.do(func() {
		s.scheduleClockExpiry()
		s.persistSnapshot()
	})
	r.indexPlayers(s.ID, host.ID, guest.ID)

	obslog.L().Info("session_create",
		zap.String("session_id", s.ID),
		zap.String("host_id", host.ID),
		zap.String("guest_id", guest.ID),
		zap.String("mode", string(mode)),
		zap.String("control", tc.Key()),
	)
	return s, nil
}

// CreateRoom opens a waiting session owned by host, advertised to the
// lobby unless private.
func (r *Registry) CreateRoom(host domain.Player, mode domain.GameMode, tc domain.TimeControl, private bool) (*Session, error) {
	r.mu.Lock()
	if r.byPlayer[host.ID] != "" {
		r.mu.Unlock()
		return nil, ErrAlreadyInSession
	}
	s := r.newSession(mode, tc, private)
	code, err := roomCode()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s.Code = code
	hostColor := randomColor()
	s.slots[hostColor] = &Slot{Player: host, Color: hostColor, Connected: true}
	r.sessions[s.ID] = s
	r.byCode[code] = s.ID
	r.byPlayer[host.ID] = s.ID
	r.mu.Unlock()

	go s.run()
	s.do(s.persistSnapshot)
	r.indexPlayers(s.ID, host.ID)

	if !private {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := r.store.AddLobby(ctx, s.ID); err != nil {
			obslog.L().Warn("lobby_index_error", zap.String("session_id", s.ID), zap.Error(err))
		}
		cancel()
		if r.hooks.OnRoomAvailable != nil {
			r.hooks.OnRoomAvailable(protocol.RoomInfo{
				Code:        code,
				HostName:    host.Name,
				HostRating:  host.Rating,
				Mode:        mode,
				TimeControl: tc.Key(),
			})
		}
	}

	obslog.L().Info("room_create",
		zap.String("session_id", s.ID),
		zap.String("code", code),
		zap.String("host_id", host.ID),
		zap.Bool("private", private),
	)
	return s, nil
}

// JoinRoom seats guest in a waiting room and activates the session.
func (r *Registry) JoinRoom(code string, guest domain.Player) (*Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	r.mu.Lock()
	id, ok := r.byCode[code]
	if !ok {
		r.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	s := r.sessions[id]
	if s == nil {
		r.mu.Unlock()
		return nil, ErrRoomNotFound
	}
	if r.byPlayer[guest.ID] != "" {
		r.mu.Unlock()
		return nil, ErrAlreadyInSession
	}
	// Reserve the seat before touching the session goroutine so a second
	// joiner races on the registry lock, not on the actor.
	r.byPlayer[guest.ID] = s.ID
	r.mu.Unlock()

	if _, err := s.activate(guest); err != nil {
		r.mu.Lock()
		if r.byPlayer[guest.ID] == s.ID {
			delete(r.byPlayer, guest.ID)
		}
		r.mu.Unlock()
		return nil, err
	}

	r.indexPlayers(s.ID, guest.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := r.store.RemoveLobby(ctx, s.ID); err != nil {
		obslog.L().Warn("lobby_index_error", zap.String("session_id", s.ID), zap.Error(err))
	}
	cancel()
	if !s.Private && r.hooks.OnRoomRemoved != nil {
		r.hooks.OnRoomRemoved(code)
	}

	obslog.L().Info("room_join",
		zap.String("session_id", s.ID),
		zap.String("code", code),
		zap.String("guest_id", guest.ID),
	)
	return s, nil
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionByPlayer returns the player's active session, if any.
func (r *Registry) SessionByPlayer(playerID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.byPlayer[playerID]
	if id == "" {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// EndSession force-terminates a session.
func (r *Registry) EndSession(id string, reason Reason) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrRoomNotFound
	}
	s.Terminate(reason)
	return nil
}

// HandleAbandoned reacts to a player exhausting its reconnect budget: a
// waiting room folds, an active session starts its grace period.
func (r *Registry) HandleAbandoned(playerID string) {
	s, ok := r.SessionByPlayer(playerID)
	if !ok {
		return
	}
	if s.Status() == StatusWaiting {
		s.Terminate(ReasonAborted)
		return
	}
	s.BeginGrace(playerID)
}

// HandleResumed cancels any grace countdown and forces a full resync; a
// reconnecting client's local state is never trusted.
func (r *Registry) HandleResumed(playerID string) {
	if s, ok := r.SessionByPlayer(playerID); ok {
		s.PlayerResumed(playerID)
	}
}

// HandleDropped marks a seat disconnected while the reconnect window runs.
func (r *Registry) HandleDropped(playerID string) {
	if s, ok := r.SessionByPlayer(playerID); ok {
		s.PlayerDropped(playerID)
	}
}

// handleEnd runs on the session goroutine when a session reaches a
// terminal state: it releases the players, cleans the indexes, archives,
// and emits the result record.
func (r *Registry) handleEnd(s *Session, rec ResultRecord, snap *Snapshot) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	if s.Code != "" {
		delete(r.byCode, s.Code)
	}
	for _, pid := range []string{rec.White.ID, rec.Black.ID} {
		if pid != "" && r.byPlayer[pid] == s.ID {
			delete(r.byPlayer, pid)
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pid := range []string{rec.White.ID, rec.Black.ID} {
		if pid != "" {
			if err := r.store.UnindexPlayer(ctx, pid); err != nil {
				obslog.L().Warn("player_index_error", zap.String("player_id", pid), zap.Error(err))
			}
		}
	}
	if err := r.store.RemoveLobby(ctx, s.ID); err != nil {
		obslog.L().Warn("lobby_index_error", zap.String("session_id", s.ID), zap.Error(err))
	}
	if err := r.store.SaveSnapshot(snap); err != nil {
		obslog.L().Warn("session_snapshot_error", zap.String("session_id", s.ID), zap.Error(err))
	}
	if s.Code != "" && !s.Private && r.hooks.OnRoomRemoved != nil && (snap.White.ID == "" || snap.Black.ID == "") {
		// Room folded before an opponent arrived.
		r.hooks.OnRoomRemoved(s.Code)
	}

	played := rec.White.ID != "" && rec.Black.ID != ""
	if played {
		if r.repo != nil {
			if err := r.repo.Archive(ctx, rec, snap); err != nil {
				obslog.L().Error("session_archive_error",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
			}
		}
		if r.hooks.OnResult != nil {
			r.hooks.OnResult(rec)
		}
	}

	s.close()
}

func (r *Registry) indexPlayers(sessionID string, playerIDs ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, pid := range playerIDs {
		if err := r.store.IndexPlayer(ctx, pid, sessionID); err != nil {
			obslog.L().Warn("player_index_error", zap.String("player_id", pid), zap.Error(err))
		}
	}
}

// roomCode returns "RM-" plus 6 upper alphanumerics.
func roomCode() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return fmt.Sprintf("RM-%s", string(b)), nil
}
