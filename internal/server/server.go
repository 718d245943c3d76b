// Package server binds the websocket transport to the arena core: it
// accepts client sockets, feeds frames through the connection manager,
// and dispatches protocol messages into the matchmaking queue and the
// session registry.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-arena/internal/config"
	"github.com/park285/cheese-arena/internal/connmgr"
	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/matchmaking"
	"github.com/park285/cheese-arena/internal/msgcat"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/protocol"
	"github.com/park285/cheese-arena/internal/rules"
	"github.com/park285/cheese-arena/internal/session"
)

const defaultRating = 1200

type Server struct {
	cfg *config.AppConfig
	cat *msgcat.Catalog

	conns    *connmgr.Manager
	queue    *matchmaking.Queue
	registry *session.Registry
	store    *session.Store

	mu      sync.RWMutex
	players map[string]domain.Player

	httpSrv *http.Server
}

// New wires the core components together. repo may be nil when no
// database is configured.
func New(cfg *config.AppConfig, cat *msgcat.Catalog, store *session.Store, repo *session.Repository, validator rules.Validator) *Server {
	s := &Server{
		cfg:     cfg,
		cat:     cat,
		store:   store,
		players: make(map[string]domain.Player),
	}

	s.conns = connmgr.NewManager(connmgr.Config{
		HeartbeatInterval:    cfg.HeartbeatInterval,
		HeartbeatTolerance:   cfg.HeartbeatTolerance,
		ReconnectInitial:     cfg.ReconnectInitial,
		ReconnectMultiplier:  cfg.ReconnectMultiplier,
		ReconnectCap:         cfg.ReconnectCap,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		MalformedThreshold:   cfg.MalformedThreshold,
	}, connmgr.Hooks{
		OnAbandoned: s.handleAbandoned,
		OnResumed:   s.handleResumed,
		OnPresence:  s.handlePresence,
	})

	s.registry = session.NewRegistry(validator, s, store, repo, session.Config{
		GracePeriod: cfg.GracePeriod,
		Messages:    cat,
	}, session.LobbyHooks{
		OnRoomAvailable: func(info protocol.RoomInfo) {
			s.broadcast(protocol.New(protocol.TypeRoomAvailable, info))
		},
		OnRoomRemoved: func(code string) {
			s.broadcast(protocol.New(protocol.TypeRoomRemoved, map[string]string{"code": code}))
		},
		OnResult: func(rec session.ResultRecord) {
			// The external rating collaborator consumes this record; the
			// server itself only reports it.
			obslog.L().Info("session_result",
				zap.String("session_id", rec.SessionID),
				zap.String("result", rec.Result),
				zap.String("reason", string(rec.Reason)),
				zap.Int("move_count", rec.MoveCount),
			)
		},
	})

	var policy matchmaking.WideningPolicy = matchmaking.FixedWindow
	if cfg.WideningPolicy == "linear" {
		policy = matchmaking.LinearWidening(50, 10*time.Second)
	}
	s.queue = matchmaking.NewQueue(matchmaking.Config{
		Tick:          cfg.MatchmakingTick,
		BaseTolerance: cfg.RatingWindow,
		FallbackAfter: cfg.QueueFallback,
		Policy:        policy,
	}, matchmaking.Hooks{
		OnMatch:    s.handleMatch,
		OnStatus:   s.handleQueueStatus,
		OnFallback: s.handleQueueFallback,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run starts the matchmaking queue and serves websocket traffic until the
// listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.queue.Start()
	obslog.L().Info("server_listen", zap.String("addr", s.cfg.ListenAddr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener and the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.queue.Stop()
	s.conns.Stop()
	return err
}

// Push implements session.Sender.
func (s *Server) Push(clientID string, env *protocol.Envelope) {
	if err := s.conns.Send(context.Background(), clientID, env); err != nil {
		obslog.L().Warn("push_error",
			zap.String("client_id", clientID),
			zap.String("type", string(env.Type)),
			zap.Error(err),
		)
	}
}

// handleWS upgrades the socket and runs the read loop. Identity issuance
// is external: the handshake carries the client id, display name and
// rating, and the server trusts them.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = uuid.NewString()
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "guest-" + clientID[:minInt(8, len(clientID))]
	}
	rating := defaultRating
	if v := r.URL.Query().Get("rating"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rating = n
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.players[clientID] = domain.Player{ID: clientID, Name: name, Rating: rating, Presence: domain.PresenceOnline}
	s.mu.Unlock()

	transport := &wsTransport{c: c}
	s.conns.Register(clientID, transport)
	s.readLoop(clientID, c, transport)
}

func (s *Server) readLoop(clientID string, c *websocket.Conn, transport connmgr.Transport) {
	ctx := context.Background()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c, &raw); err != nil {
			s.conns.HandleClose(clientID, transport)
			s.registry.HandleDropped(clientID)
			return
		}
		env, err := protocol.DecodeClient(raw)
		if err != nil {
			s.pushError(clientID, protocol.ReasonMalformed, 0)
			if s.conns.HandleMalformed(clientID) {
				return
			}
			continue
		}
		s.dispatch(clientID, env)
	}
}

func (s *Server) dispatch(clientID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypePong:
		s.conns.HandlePong(clientID)
	case protocol.TypeJoinQueue:
		s.handleJoinQueue(clientID, env)
	case protocol.TypeCancelQueue:
		s.queue.Cancel(clientID)
		s.setPresence(clientID, domain.PresenceOnline)
	case protocol.TypeCreateRoom:
		s.handleCreateRoom(clientID, env)
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(clientID, env)
	case protocol.TypeSubmitMove:
		s.handleSubmitMove(clientID, env)
	case protocol.TypeResign:
		s.withSession(clientID, func(sess *session.Session) error {
			return sess.Resign(clientID)
		})
	case protocol.TypeOfferDraw:
		s.withSession(clientID, func(sess *session.Session) error {
			return sess.OfferDraw(clientID)
		})
	case protocol.TypeAcceptDraw:
		s.withSession(clientID, func(sess *session.Session) error {
			return sess.AcceptDraw(clientID)
		})
	case protocol.TypeSyncCheck:
		s.handleSyncCheck(clientID, env)
	default:
		s.pushError(clientID, protocol.ReasonMalformed, 0)
	}
}

func (s *Server) handleJoinQueue(clientID string, env *protocol.Envelope) {
	var req protocol.JoinQueue
	if err := env.Payload(&req); err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	tc, err := domain.ParseTimeControl(req.TimeControl)
	if err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	if _, ok := s.registry.SessionByPlayer(clientID); ok {
		s.pushError(clientID, protocol.ReasonAlreadyInSession, 0)
		return
	}
	p := s.playerOf(clientID)
	if _, err := s.queue.Enqueue(p, mode, tc); err != nil {
		s.pushError(clientID, protocol.ReasonAlreadyQueued, 0)
		return
	}
	s.setPresence(clientID, domain.PresenceInQueue)
}

func (s *Server) handleCreateRoom(clientID string, env *protocol.Envelope) {
	var req protocol.CreateRoom
	if err := env.Payload(&req); err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	tc, err := domain.ParseTimeControl(req.TimeControl)
	if err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	mode, ok := parseMode(req.Mode)
	if !ok {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	sess, err := s.registry.CreateRoom(s.playerOf(clientID), mode, tc, req.Private)
	if err != nil {
		s.pushError(clientID, reasonOf(err), 0)
		return
	}
	s.Push(clientID, protocol.New(protocol.TypeRoomCreated, &protocol.RoomCreated{
		SessionID: sess.ID,
		Code:      sess.Code,
		Private:   sess.Private,
	}))
}

func (s *Server) handleJoinRoom(clientID string, env *protocol.Envelope) {
	var req protocol.JoinRoom
	if err := env.Payload(&req); err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	sess, err := s.registry.JoinRoom(req.Code, s.playerOf(clientID))
	if err != nil {
		s.pushError(clientID, reasonOf(err), 0)
		return
	}
	for _, p := range sess.Players() {
		s.setPresence(p.ID, domain.PresenceInGame)
		s.pushMatchFound(sess, p.ID)
	}
}

func (s *Server) handleSubmitMove(clientID string, env *protocol.Envelope) {
	var req protocol.SubmitMove
	if err := env.Payload(&req); err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	sess, ok := s.registry.SessionByPlayer(clientID)
	if !ok || (req.SessionID != "" && req.SessionID != sess.ID) {
		s.pushError(clientID, protocol.ReasonNotInSession, req.Seq)
		return
	}
	s.conns.RecordAck(clientID, req.Seq)
	if _, err := sess.SubmitMove(clientID, req.Move, req.Seq, req.ClientChecksum); err != nil {
		// Per-move errors go to the originating client only; desync
		// corrections were already pushed by the session.
		s.pushError(clientID, reasonOf(err), req.Seq)
	}
}

func (s *Server) handleSyncCheck(clientID string, env *protocol.Envelope) {
	var req protocol.SyncCheck
	if err := env.Payload(&req); err != nil {
		s.pushError(clientID, protocol.ReasonMalformed, 0)
		return
	}
	sess, ok := s.registry.SessionByPlayer(clientID)
	if !ok {
		s.pushError(clientID, protocol.ReasonNotInSession, 0)
		return
	}
	if _, err := sess.SyncCheck(clientID, req.MoveCount, req.Checksum); err != nil {
		s.pushError(clientID, reasonOf(err), 0)
	}
}

func (s *Server) withSession(clientID string, fn func(*session.Session) error) {
	sess, ok := s.registry.SessionByPlayer(clientID)
	if !ok {
		s.pushError(clientID, protocol.ReasonNotInSession, 0)
		return
	}
	if err := fn(sess); err != nil {
		s.pushError(clientID, reasonOf(err), 0)
	}
}

// handleMatch is the matchmaking OnMatch hook.
func (s *Server) handleMatch(a, b *matchmaking.Ticket) {
	host := domain.Player{ID: a.PlayerID, Name: a.PlayerName, Rating: a.Rating}
	guest := domain.Player{ID: b.PlayerID, Name: b.PlayerName, Rating: b.Rating}
	sess, err := s.registry.CreateSession(host, guest, a.Mode, a.Control)
	if err != nil {
		obslog.L().Warn("match_session_error",
			zap.String("player_a", a.PlayerID),
			zap.String("player_b", b.PlayerID),
			zap.Error(err),
		)
		s.pushError(a.PlayerID, reasonOf(err), 0)
		s.pushError(b.PlayerID, reasonOf(err), 0)
		return
	}
	for _, pid := range []string{a.PlayerID, b.PlayerID} {
		s.setPresence(pid, domain.PresenceInGame)
		s.pushMatchFound(sess, pid)
	}
}

func (s *Server) pushMatchFound(sess *session.Session, playerID string) {
	color, ok := sess.ColorOf(playerID)
	if !ok {
		return
	}
	opp, _ := sess.Opponent(playerID)
	s.Push(playerID, protocol.New(protocol.TypeMatchFound, &protocol.MatchFound{
		SessionID:   sess.ID,
		Color:       color,
		Opponent:    protocol.Opponent{ID: opp.ID, Name: opp.Name, Rating: opp.Rating},
		TimeControl: sess.Control.Key(),
		ClockMillis: sess.Control.Initial.Milliseconds(),
		Mode:        sess.Mode,
	}))
}

func (s *Server) handleQueueStatus(playerID string, st matchmaking.QueueStatus) {
	s.Push(playerID, protocol.New(protocol.TypeQueueStatus, &protocol.QueueStatus{
		Position:             st.Position,
		EstimatedWaitSeconds: int(st.EstimatedWait.Seconds()),
	}))
}

func (s *Server) handleQueueFallback(playerID string) {
	msg, err := s.cat.Render("queue.fallback", nil)
	if err != nil {
		msg = ""
	}
	s.Push(playerID, protocol.New(protocol.TypeQueueFallback, map[string]string{"message": msg}))
}

func (s *Server) handleAbandoned(clientID string) {
	s.queue.Cancel(clientID)
	s.registry.HandleAbandoned(clientID)
	s.mu.Lock()
	delete(s.players, clientID)
	s.mu.Unlock()
}

func (s *Server) handleResumed(clientID string) {
	s.registry.HandleResumed(clientID)
}

func (s *Server) handlePresence(clientID string, online bool) {
	if !online {
		s.setPresence(clientID, domain.PresenceAway)
	}
	s.mu.RLock()
	n := len(s.players)
	s.mu.RUnlock()
	s.broadcast(protocol.New(protocol.TypePlayersUpdated, &protocol.PlayersUpdated{Online: n}))
}

func (s *Server) setPresence(clientID string, p domain.Presence) {
	s.mu.Lock()
	if pl, ok := s.players[clientID]; ok {
		pl.Presence = p
		s.players[clientID] = pl
	}
	s.mu.Unlock()
}

func (s *Server) playerOf(clientID string) domain.Player {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.players[clientID]; ok {
		return p
	}
	return domain.Player{ID: clientID, Name: clientID, Rating: defaultRating}
}

func (s *Server) broadcast(env *protocol.Envelope) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Push(id, env)
	}
}

func (s *Server) pushError(clientID string, code protocol.Reason, seq uint64) {
	msg, err := s.cat.Render("error."+string(code), nil)
	if err != nil {
		msg = string(code)
	}
	s.Push(clientID, protocol.New(protocol.TypeError, &protocol.Error{Code: code, Message: msg, Seq: seq}))
}

func reasonOf(err error) protocol.Reason {
	switch {
	case errors.Is(err, session.ErrOutOfTurn):
		return protocol.ReasonOutOfTurn
	case errors.Is(err, session.ErrIllegalMove):
		return protocol.ReasonIllegalMove
	case errors.Is(err, session.ErrAlreadyInSession):
		return protocol.ReasonAlreadyInSession
	case errors.Is(err, session.ErrDesync):
		return protocol.ReasonDesync
	case errors.Is(err, session.ErrClockExpired), errors.Is(err, session.ErrFinished), errors.Is(err, session.ErrNotActive):
		return protocol.ReasonSessionFinished
	case errors.Is(err, session.ErrRoomNotFound):
		return protocol.ReasonRoomNotFound
	case errors.Is(err, session.ErrRoomFull):
		return protocol.ReasonRoomFull
	case errors.Is(err, session.ErrNotParticipant):
		return protocol.ReasonNotInSession
	case errors.Is(err, session.ErrNoDrawOffer):
		return protocol.ReasonNoDrawOffer
	case errors.Is(err, matchmaking.ErrAlreadyQueued):
		return protocol.ReasonAlreadyQueued
	default:
		return protocol.ReasonInternal
	}
}

// parseMode validates the requested game mode, defaulting to casual.
func parseMode(m domain.GameMode) (domain.GameMode, bool) {
	if m == "" {
		return domain.ModeCasual, true
	}
	return domain.ParseGameMode(string(m))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// wsTransport adapts a websocket connection to connmgr.Transport.
type wsTransport struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, env *protocol.Envelope) error {
	// wsjson.Write is not safe for concurrent writers.
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsjson.Write(ctx, t.c, env)
}

func (t *wsTransport) Close(reason string) error {
	return t.c.Close(websocket.StatusNormalClosure, reason)
}
