package session

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/gamestate"
	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/protocol"
	"github.com/park285/cheese-arena/internal/rules"
)

// Sender pushes a server message to one client. Implementations must not
// block indefinitely; delivery to a dropped client is best effort.
type Sender interface {
	Push(clientID string, env *protocol.Envelope)
}

// MessageRenderer renders user-facing catalog texts. Satisfied by
// msgcat.Catalog.
type MessageRenderer interface {
	Render(key string, data any) (string, error)
}

// Config carries per-session policy.
type Config struct {
	// GracePeriod is how long a disconnected player may stay away after
	// exhausting its reconnect budget before the opponent wins by
	// abandonment.
	GracePeriod time.Duration

	// Messages supplies the end-of-game summary texts. Optional; pushes
	// carry an empty message without it.
	Messages MessageRenderer
}

// Session is one two-player game. All mutable state is owned by the
// session's goroutine; every external call is serialized through the
// command channel, so near-simultaneous submissions from both players are
// applied in a strict order and the loser of the race gets OutOfTurn or
// IllegalMove depending on whose turn it actually was.
type Session struct {
	ID        string
	Code      string
	Mode      domain.GameMode
	Control   domain.TimeControl
	Private   bool
	CreatedAt time.Time

	slots map[domain.Color]*Slot

	status Status
	phase  Phase

	canonical gamestate.Canonical
	log       *gamestate.Log

	clocks        map[domain.Color]time.Duration
	turnStartedAt time.Time

	pendingDrawFrom string
	suspended       map[string]bool
	result          *Result
	endedAt         time.Time

	clockTimer *time.Timer
	graceTimer *time.Timer
	graceFor   string

	cmds   chan func()
	closed chan struct{}
	now    func() time.Time

	validator rules.Validator
	sender    Sender
	store     *Store
	cfg       Config
	onEnd     func(s *Session, rec ResultRecord, snap *Snapshot)
}

func (s *Session) run() {
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.cmds:
			// closed can also be ready in the same select; never run a
			// command after the session closed.
			select {
			case <-s.closed:
				return
			default:
			}
			fn()
		}
	}
}

// do runs fn on the session goroutine and waits for it. It reports false
// when the session was already closed and fn never ran. The command
// channel is buffered, so a send can succeed after the loop exited; the
// wait below must therefore also watch closed.
func (s *Session) do(fn func()) bool {
	done := make(chan struct{})
	var started atomic.Bool
	select {
	case s.cmds <- func() { started.Store(true); fn(); close(done) }:
	case <-s.closed:
		return false
	}
	select {
	case <-done:
		return true
	case <-s.closed:
		// fn itself may be the command that closed the session; once the
		// loop picked it up it runs to completion.
		if started.Load() {
			<-done
			return true
		}
		return false
	}
}

// async schedules fn on the session goroutine without waiting. Used by
// timers.
func (s *Session) async(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.closed:
	}
}

// close stops the session goroutine. Called by the registry after the
// terminal result is archived.
func (s *Session) close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func (s *Session) slotOf(playerID string) *Slot {
	for _, sl := range s.slots {
		if sl != nil && sl.Player.ID == playerID {
			return sl
		}
	}
	return nil
}

func (s *Session) opponentOf(playerID string) *Slot {
	for _, sl := range s.slots {
		if sl != nil && sl.Player.ID != playerID {
			return sl
		}
	}
	return nil
}

// Status reports the lifecycle state.
func (s *Session) Status() Status {
	var st Status
	s.do(func() { st = s.status })
	return st
}

// Players returns the occupied slots.
func (s *Session) Players() []domain.Player {
	var out []domain.Player
	s.do(func() {
		for _, c := range []domain.Color{domain.White, domain.Black} {
			if sl := s.slots[c]; sl != nil {
				out = append(out, sl.Player)
			}
		}
	})
	return out
}

// ColorOf returns the color assigned to playerID.
func (s *Session) ColorOf(playerID string) (domain.Color, bool) {
	var (
		color domain.Color
		ok    bool
	)
	s.do(func() {
		if sl := s.slotOf(playerID); sl != nil {
			color = sl.Color
			ok = true
		}
	})
	return color, ok
}

// Opponent returns the other seat's player.
func (s *Session) Opponent(playerID string) (domain.Player, bool) {
	var (
		p  domain.Player
		ok bool
	)
	s.do(func() {
		if sl := s.opponentOf(playerID); sl != nil {
			p = sl.Player
			ok = true
		}
	})
	return p, ok
}

// Result returns the terminal result once finished.
func (s *Session) Result() (Result, bool) {
	var (
		res Result
		ok  bool
	)
	s.do(func() {
		if s.result != nil {
			res = *s.result
			ok = true
		}
	})
	return res, ok
}

// activate seats the second player and flips the session to active. The
// registry reserves the seat under its own lock first, so two joiners
// cannot both reach this point.
func (s *Session) activate(guest domain.Player) (domain.Color, error) {
	var (
		color domain.Color
		err   error
	)
	ran := s.do(func() {
		if s.status != StatusWaiting {
			err = ErrRoomFull
			return
		}
		free := domain.White
		if s.slots[free] != nil {
			free = domain.Black
		}
		s.slots[free] = &Slot{Player: guest, Color: free, Connected: true}
		s.status = StatusActive
		s.phase = PhaseWaitingForMove
		s.turnStartedAt = s.now()
		s.scheduleClockExpiry()
		s.persistSnapshot()
		color = free
	})
	if !ran {
		return "", ErrFinished
	}
	return color, err
}

// SubmitMove validates and applies one move for playerID. On success the
// move is broadcast to both participants before the call returns. A seq
// already present in the move log is a no-op that re-returns (and
// re-pushes) the original result.
func (s *Session) SubmitMove(playerID, move string, seq uint64, clientChecksum string) (*protocol.MoveApplied, error) {
	var (
		applied *protocol.MoveApplied
		err     error
	)
	if !s.do(func() { applied, err = s.submitMove(playerID, move, seq, clientChecksum) }) {
		return nil, ErrFinished
	}
	return applied, err
}

func (s *Session) submitMove(playerID, move string, seq uint64, clientChecksum string) (*protocol.MoveApplied, error) {
	if s.status == StatusFinished {
		return nil, ErrFinished
	}
	sl := s.slotOf(playerID)
	if sl == nil {
		return nil, ErrNotParticipant
	}
	if s.status != StatusActive {
		return nil, ErrNotActive
	}

	if s.suspended[playerID] {
		// Echoing the canonical checksum proves the client adopted the
		// pushed state; anything else repeats the correction.
		if clientChecksum == "" || clientChecksum != s.canonical.Checksum() {
			s.pushFullState(playerID)
			return nil, ErrDesync
		}
		delete(s.suspended, playerID)
	}

	if prev, ok := s.log.Lookup(playerID, seq); ok {
		applied := s.appliedFromEntry(prev)
		s.sender.Push(playerID, protocol.New(protocol.TypeMoveApplied, applied))
		return applied, nil
	}

	if sl.Color != s.canonical.ActiveColor {
		return nil, ErrOutOfTurn
	}

	now := s.now()
	elapsed := now.Sub(s.turnStartedAt)
	remaining := s.clocks[sl.Color] - elapsed
	if remaining <= 0 {
		// The authoritative timer wins even when the move raced it in.
		s.finishTimeout(sl.Color)
		return nil, ErrClockExpired
	}

	// The client's checksum describes its state before this move, i.e.
	// our current canonical state at the same move count.
	if clientChecksum != "" && clientChecksum != s.canonical.Checksum() {
		s.flagDesync(playerID)
		return nil, ErrDesync
	}

	s.phase = PhaseValidating
	verdict, err := s.validator.Validate(s.log.UCIs(), move)
	if err != nil {
		s.phase = PhaseWaitingForMove
		obslog.L().Error("session_validate_error",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		return nil, err
	}
	if !verdict.Accepted {
		s.phase = PhaseWaitingForMove
		return nil, ErrIllegalMove
	}

	s.phase = PhaseApplying

	// Compute the tentative next state fully before swapping canonical
	// state, so a fault on this path leaves the session untouched.
	next := gamestate.Canonical{
		FEN:         verdict.FEN,
		MoveCount:   s.canonical.MoveCount + 1,
		ActiveColor: sl.Color.Other(),
	}
	sum := next.Checksum()

	s.clocks[sl.Color] = remaining + s.Control.Increment

	entry := gamestate.Entry{
		Seq:          seq,
		PlayerID:     playerID,
		Color:        sl.Color,
		UCI:          verdict.UCI,
		SAN:          verdict.SAN,
		MoveCount:    next.MoveCount,
		Checksum:     sum,
		PlayedAt:     now,
		WhiteClockMs: s.clocks[domain.White].Milliseconds(),
		BlackClockMs: s.clocks[domain.Black].Milliseconds(),
	}
	s.log.Append(entry)
	s.canonical = next
	s.persistSnapshot()

	applied := s.appliedFromEntry(entry)
	s.broadcast(protocol.New(protocol.TypeMoveApplied, applied))

	obslog.L().Info("session_move",
		zap.String("session_id", s.ID),
		zap.String("player_id", playerID),
		zap.String("uci", verdict.UCI),
		zap.Int("move_count", next.MoveCount),
	)

	if verdict.Outcome != rules.OutcomeOngoing {
		s.finishFromVerdict(verdict)
		return applied, nil
	}

	s.turnStartedAt = now
	s.phase = PhaseWaitingForMove
	s.scheduleClockExpiry()
	return applied, nil
}

func (s *Session) appliedFromEntry(e gamestate.Entry) *protocol.MoveApplied {
	return &protocol.MoveApplied{
		SessionID:    s.ID,
		Move:         e.UCI,
		SAN:          e.SAN,
		Checksum:     e.Checksum,
		MoveCount:    e.MoveCount,
		WhiteClockMs: e.WhiteClockMs,
		BlackClockMs: e.BlackClockMs,
	}
}

// Resign ends the session in the opponent's favor.
func (s *Session) Resign(playerID string) error {
	err := ErrFinished
	s.do(func() {
		err = nil
		if s.status == StatusFinished {
			err = ErrFinished
			return
		}
		sl := s.slotOf(playerID)
		if sl == nil {
			err = ErrNotParticipant
			return
		}
		winner := sl.Color.Other()
		s.finish(ReasonResignation, &winner)
	})
	return err
}

// OfferDraw records a draw offer from playerID.
func (s *Session) OfferDraw(playerID string) error {
	err := ErrFinished
	s.do(func() {
		err = nil
		if s.status != StatusActive {
			err = ErrNotActive
			return
		}
		if s.slotOf(playerID) == nil {
			err = ErrNotParticipant
			return
		}
		s.pendingDrawFrom = playerID
	})
	return err
}

// AcceptDraw ends the session as a draw if the opponent offered one.
func (s *Session) AcceptDraw(playerID string) error {
	err := ErrFinished
	s.do(func() {
		err = nil
		if s.status != StatusActive {
			err = ErrNotActive
			return
		}
		if s.slotOf(playerID) == nil {
			err = ErrNotParticipant
			return
		}
		if s.pendingDrawFrom == "" || s.pendingDrawFrom == playerID {
			err = ErrNoDrawOffer
			return
		}
		s.finish(ReasonDrawAgreement, nil)
	})
	return err
}

// SyncCheck compares a client-computed checksum against canonical state.
// A mismatch suspends the client and pushes a correction.
func (s *Session) SyncCheck(playerID string, moveCount int, checksum string) (bool, error) {
	var ok bool
	err := ErrFinished
	s.do(func() {
		err = nil
		if s.slotOf(playerID) == nil {
			err = ErrNotParticipant
			return
		}
		if moveCount == s.canonical.MoveCount && checksum == s.canonical.Checksum() {
			delete(s.suspended, playerID)
			ok = true
			return
		}
		s.flagDesync(playerID)
	})
	return ok, err
}

// PlayerDropped marks a seat disconnected. The turn clock keeps running.
func (s *Session) PlayerDropped(playerID string) {
	s.do(func() {
		if sl := s.slotOf(playerID); sl != nil {
			sl.Connected = false
		}
	})
}

// BeginGrace starts the abandonment countdown after playerID exhausted its
// reconnect budget. The session stays active: moves from the present
// player are still accepted and clocked.
func (s *Session) BeginGrace(playerID string) {
	s.do(func() {
		if s.status != StatusActive {
			return
		}
		sl := s.slotOf(playerID)
		if sl == nil {
			return
		}
		sl.Connected = false
		s.graceFor = playerID
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		obslog.L().Info("session_grace_start",
			zap.String("session_id", s.ID),
			zap.String("player_id", playerID),
			zap.Duration("grace", s.cfg.GracePeriod),
		)
		s.graceTimer = time.AfterFunc(s.cfg.GracePeriod, func() {
			s.async(func() { s.expireGrace(playerID) })
		})
	})
}

// PlayerResumed cancels a pending grace countdown and pushes a full
// resync; the returning client's local state is never trusted.
func (s *Session) PlayerResumed(playerID string) {
	s.do(func() {
		sl := s.slotOf(playerID)
		if sl == nil {
			return
		}
		sl.Connected = true
		if s.graceFor == playerID && s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
			s.graceFor = ""
			obslog.L().Info("session_grace_cancel",
				zap.String("session_id", s.ID),
				zap.String("player_id", playerID),
			)
		}
		delete(s.suspended, playerID)
		s.pushFullState(playerID)
	})
}

func (s *Session) expireGrace(playerID string) {
	if s.status != StatusActive || s.graceFor != playerID {
		return
	}
	sl := s.slotOf(playerID)
	if sl == nil || sl.Connected {
		return
	}
	winner := sl.Color.Other()
	s.finish(ReasonAbandonment, &winner)
}

// Terminate force-ends the session with the given reason and no winner.
func (s *Session) Terminate(reason Reason) {
	s.do(func() {
		if s.status == StatusFinished {
			return
		}
		s.finish(reason, nil)
	})
}

// FullState renders the complete canonical view, with the running clock
// projected to the present.
func (s *Session) FullState() *protocol.FullState {
	var fs *protocol.FullState
	s.do(func() { fs = s.fullStateLocked() })
	return fs
}

func (s *Session) fullStateLocked() *protocol.FullState {
	white := s.clocks[domain.White]
	black := s.clocks[domain.Black]
	if s.status == StatusActive {
		elapsed := s.now().Sub(s.turnStartedAt)
		switch s.canonical.ActiveColor {
		case domain.White:
			white -= elapsed
		case domain.Black:
			black -= elapsed
		}
		if white < 0 {
			white = 0
		}
		if black < 0 {
			black = 0
		}
	}
	return &protocol.FullState{
		SessionID:    s.ID,
		FEN:          s.canonical.FEN,
		MovesUCI:     s.log.UCIs(),
		MoveCount:    s.canonical.MoveCount,
		ActiveColor:  s.canonical.ActiveColor,
		Checksum:     s.canonical.Checksum(),
		WhiteClockMs: white.Milliseconds(),
		BlackClockMs: black.Milliseconds(),
		Status:       string(s.status),
	}
}

func (s *Session) pushFullState(playerID string) {
	s.sender.Push(playerID, protocol.New(protocol.TypeDesyncCorrection, s.fullStateLocked()))
}

func (s *Session) flagDesync(playerID string) {
	s.suspended[playerID] = true
	obslog.L().Warn("session_desync",
		zap.String("session_id", s.ID),
		zap.String("player_id", playerID),
		zap.Int("move_count", s.canonical.MoveCount),
	)
	// Correction, not negotiation: the server state is pushed and wins.
	s.pushFullState(playerID)
}

func (s *Session) scheduleClockExpiry() {
	if s.clockTimer != nil {
		s.clockTimer.Stop()
		s.clockTimer = nil
	}
	if s.status != StatusActive {
		return
	}
	remaining := s.clocks[s.canonical.ActiveColor]
	s.clockTimer = time.AfterFunc(remaining, func() {
		s.async(s.checkClockExpiry)
	})
}

func (s *Session) checkClockExpiry() {
	if s.status != StatusActive {
		return
	}
	color := s.canonical.ActiveColor
	elapsed := s.now().Sub(s.turnStartedAt)
	if s.clocks[color]-elapsed > 0 {
		s.scheduleClockExpiry()
		return
	}
	s.finishTimeout(color)
}

func (s *Session) finishTimeout(color domain.Color) {
	s.clocks[color] = 0
	winner := color.Other()
	s.finish(ReasonTimeout, &winner)
}

func (s *Session) finishFromVerdict(v rules.Verdict) {
	switch v.Outcome {
	case rules.OutcomeWhite:
		w := domain.White
		s.finish(reasonFromMethod(v.Method), &w)
	case rules.OutcomeBlack:
		b := domain.Black
		s.finish(reasonFromMethod(v.Method), &b)
	case rules.OutcomeDraw:
		s.finish(reasonFromMethod(v.Method), nil)
	}
}

func reasonFromMethod(method string) Reason {
	switch method {
	case "checkmate":
		return ReasonCheckmate
	case "stalemate":
		return ReasonStalemate
	default:
		return ReasonDraw
	}
}

func (s *Session) finish(reason Reason, winner *domain.Color) {
	if s.status == StatusFinished {
		return
	}
	s.status = StatusFinished
	s.phase = PhaseFinished
	s.endedAt = s.now()
	if s.clockTimer != nil {
		s.clockTimer.Stop()
		s.clockTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	res := Result{Reason: reason, Outcome: "draw"}
	if reason == ReasonAborted {
		res.Outcome = "aborted"
	}
	if winner != nil {
		res.Outcome = string(*winner)
		if sl := s.slots[*winner]; sl != nil {
			res.WinnerID = sl.Player.ID
		}
	}
	s.result = &res

	obslog.L().Info("session_end",
		zap.String("session_id", s.ID),
		zap.String("reason", string(reason)),
		zap.String("outcome", res.Outcome),
		zap.Int("move_count", s.canonical.MoveCount),
	)

	s.persistSnapshot()
	s.broadcast(protocol.New(protocol.TypeSessionEnded, &protocol.SessionEnded{
		SessionID: s.ID,
		Reason:    string(reason),
		Winner:    res.WinnerID,
		Outcome:   res.Outcome,
		Message:   s.endedMessage(reason, winner),
	}))

	if s.onEnd != nil {
		s.onEnd(s, s.resultRecordLocked(res), s.snapshotLocked())
	}
}

// endedMessage renders the catalog summary for a terminal reason. A
// missing key or renderer degrades to an empty message.
func (s *Session) endedMessage(reason Reason, winner *domain.Color) string {
	if s.cfg.Messages == nil {
		return ""
	}
	data := map[string]string{}
	if winner != nil {
		if sl := s.slots[*winner]; sl != nil {
			data["Winner"] = sl.Player.Name
		}
		if sl := s.slots[winner.Other()]; sl != nil {
			data["Loser"] = sl.Player.Name
		}
	}
	msg, err := s.cfg.Messages.Render("session.ended."+string(reason), data)
	if err != nil {
		return ""
	}
	return msg
}

func (s *Session) resultRecordLocked(res Result) ResultRecord {
	rec := ResultRecord{
		SessionID:   s.ID,
		Result:      res.Outcome,
		Reason:      res.Reason,
		Mode:        s.Mode,
		TimeControl: s.Control.Key(),
		MoveCount:   s.canonical.MoveCount,
		StartedAt:   s.CreatedAt,
		EndedAt:     s.endedAt,
	}
	if sl := s.slots[domain.White]; sl != nil {
		rec.White = sl.Player
	}
	if sl := s.slots[domain.Black]; sl != nil {
		rec.Black = sl.Player
	}
	return rec
}

// Snapshot renders the session's current write-through copy.
func (s *Session) Snapshot() *Snapshot {
	var snap *Snapshot
	s.do(func() { snap = s.snapshotLocked() })
	return snap
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ID:           s.ID,
		Code:         s.Code,
		Mode:         s.Mode,
		Control:      s.Control.Key(),
		Private:      s.Private,
		Status:       s.status,
		FEN:          s.canonical.FEN,
		MovesUCI:     s.log.UCIs(),
		MovesSAN:     s.log.SANs(),
		MoveCount:    s.canonical.MoveCount,
		ActiveColor:  s.canonical.ActiveColor,
		Checksum:     s.canonical.Checksum(),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.now(),
		EndedAt:      s.endedAt,
		WhiteClockMs: s.clocks[domain.White].Milliseconds(),
		BlackClockMs: s.clocks[domain.Black].Milliseconds(),
	}
	if sl := s.slots[domain.White]; sl != nil {
		snap.White = sl.Player
	}
	if sl := s.slots[domain.Black]; sl != nil {
		snap.Black = sl.Player
	}
	if s.result != nil {
		snap.Winner = s.result.WinnerID
		snap.Reason = s.result.Reason
		snap.Outcome = s.result.Outcome
	}
	return snap
}

func (s *Session) broadcast(env *protocol.Envelope) {
	for _, c := range []domain.Color{domain.White, domain.Black} {
		if sl := s.slots[c]; sl != nil {
			s.sender.Push(sl.Player.ID, env)
		}
	}
}

func (s *Session) persistSnapshot() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveSnapshot(s.snapshotLocked()); err != nil {
		obslog.L().Warn("session_snapshot_error",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}

// randomColor returns white or black with equal probability, falling back
// to white when the entropy source fails.
func randomColor() domain.Color {
	if n, err := rand.Int(rand.Reader, big.NewInt(2)); err == nil && n.Int64() == 1 {
		return domain.Black
	}
	return domain.White
}
