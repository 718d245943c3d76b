// Package matchmaking pairs waiting players by time control and rating.
// The queue is an actor: one goroutine owns the ticket list, and enqueue,
// cancel and the pairing tick are all serialized through it, so a
// cancellation is atomic with respect to pairing by construction.
package matchmaking

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/domain"
	"github.com/park285/cheese-arena/internal/obslog"
)

var ErrAlreadyQueued = errors.New("player already queued")

// maxLatencySamples bounds the per-control rolling window used for wait
// estimates.
const maxLatencySamples = 32

// DefaultEstimatedWait is reported before any pairing has been observed
// for a time control.
const DefaultEstimatedWait = 30 * time.Second

// Ticket is one waiting player.
type Ticket struct {
	ID         string
	PlayerID   string
	PlayerName string
	Rating     int
	Mode       domain.GameMode
	Control    domain.TimeControl
	Tolerance  int
	EnqueuedAt time.Time

	fallbackSent bool
}

// QueueStatus is pushed to a waiting player each tick.
type QueueStatus struct {
	Position      int
	EstimatedWait time.Duration
}

// WideningPolicy computes the effective rating tolerance for a ticket
// given how long it has waited. Whether the window should widen at all is
// an open policy question, so it is pluggable rather than hard-coded.
type WideningPolicy func(base int, waited time.Duration) int

// FixedWindow keeps the base tolerance regardless of wait time.
func FixedWindow(base int, _ time.Duration) int { return base }

// LinearWidening grows the window by step for every elapsed interval.
func LinearWidening(step int, every time.Duration) WideningPolicy {
	return func(base int, waited time.Duration) int {
		if every <= 0 {
			return base
		}
		return base + step*int(waited/every)
	}
}

type Hooks struct {
	// OnMatch fires with both tickets already removed from the queue.
	OnMatch func(a, b *Ticket)
	// OnStatus reports queue position and estimated wait.
	OnStatus func(playerID string, st QueueStatus)
	// OnFallback fires once per ticket after the fallback delay; what to
	// offer the player is the caller's decision.
	OnFallback func(playerID string)
}

type Config struct {
	Tick          time.Duration
	BaseTolerance int
	FallbackAfter time.Duration
	Policy        WideningPolicy
}

type Queue struct {
	cfg   Config
	hooks Hooks

	cmds    chan func()
	tickets []*Ticket
	latency map[string][]time.Duration // time-control key → recent waits

	now func() time.Time

	stopCh chan struct{}
	done   chan struct{}
}

func NewQueue(cfg Config, hooks Hooks) *Queue {
	if cfg.Policy == nil {
		cfg.Policy = FixedWindow
	}
	if cfg.BaseTolerance <= 0 {
		cfg.BaseTolerance = 200
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Queue{
		cfg:     cfg,
		hooks:   hooks,
		cmds:    make(chan func(), 16),
		latency: make(map[string][]time.Duration),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the queue goroutine.
func (q *Queue) Start() {
	go q.run()
}

// Stop terminates the queue goroutine and waits for it.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	t := time.NewTicker(q.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case fn := <-q.cmds:
			fn()
		case <-t.C:
			q.tick()
		}
	}
}

func (q *Queue) do(fn func()) {
	done := make(chan struct{})
	select {
	case q.cmds <- func() { fn(); close(done) }:
		<-done
	case <-q.stopCh:
	}
}

// Enqueue adds a player to the queue.
func (q *Queue) Enqueue(p domain.Player, mode domain.GameMode, tc domain.TimeControl) (*Ticket, error) {
	var (
		ticket *Ticket
		err    error
	)
	q.do(func() {
		for _, t := range q.tickets {
			if t.PlayerID == p.ID {
				err = ErrAlreadyQueued
				return
			}
		}
		ticket = &Ticket{
			ID:         uuid.NewString(),
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Rating:     p.Rating,
			Mode:       mode,
			Control:    tc,
			Tolerance:  q.cfg.BaseTolerance,
			EnqueuedAt: q.now(),
		}
		q.tickets = append(q.tickets, ticket)
		obslog.L().Info("queue_enqueue",
			zap.String("player_id", p.ID),
			zap.String("control", tc.Key()),
			zap.Int("rating", p.Rating),
		)
	})
	if err != nil {
		return nil, err
	}
	if ticket == nil {
		return nil, errors.New("queue stopped")
	}
	return ticket, nil
}

// Cancel removes a player's ticket. Returns false when no ticket existed,
// which includes the case where the pairing tick got there first.
func (q *Queue) Cancel(playerID string) bool {
	var ok bool
	q.do(func() {
		for i, t := range q.tickets {
			if t.PlayerID == playerID {
				q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
				ok = true
				obslog.L().Info("queue_cancel", zap.String("player_id", playerID))
				return
			}
		}
	})
	return ok
}

// Status returns the current queue status for a waiting player.
func (q *Queue) Status(playerID string) (QueueStatus, bool) {
	var (
		st QueueStatus
		ok bool
	)
	q.do(func() {
		for _, t := range q.tickets {
			if t.PlayerID == playerID {
				st = q.statusFor(t)
				ok = true
				return
			}
		}
	})
	return st, ok
}

// Len reports the number of waiting tickets.
func (q *Queue) Len() int {
	var n int
	q.do(func() { n = len(q.tickets) })
	return n
}

// TickNow forces a pairing pass outside the timer, serialized like any
// other command.
func (q *Queue) TickNow() {
	q.do(q.tick)
}

// tick runs one pairing pass: oldest-first scan, first compatible ticket
// wins, then status and fallback updates for whoever is left.
func (q *Queue) tick() {
	now := q.now()
	for i := 0; i < len(q.tickets); i++ {
		a := q.tickets[i]
		j := q.findCompatible(i, now)
		if j < 0 {
			continue
		}
		b := q.tickets[j]
		// Remove higher index first so the lower one stays valid.
		q.tickets = append(q.tickets[:j], q.tickets[j+1:]...)
		q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
		q.recordLatency(a.Control.Key(), now.Sub(a.EnqueuedAt))
		q.recordLatency(b.Control.Key(), now.Sub(b.EnqueuedAt))
		obslog.L().Info("queue_match",
			zap.String("player_a", a.PlayerID),
			zap.String("player_b", b.PlayerID),
			zap.String("control", a.Control.Key()),
			zap.Duration("waited_a", now.Sub(a.EnqueuedAt)),
			zap.Duration("waited_b", now.Sub(b.EnqueuedAt)),
		)
		if q.hooks.OnMatch != nil {
			q.hooks.OnMatch(a, b)
		}
		i-- // re-scan current index after removal
	}

	for _, t := range q.tickets {
		if q.hooks.OnStatus != nil {
			q.hooks.OnStatus(t.PlayerID, q.statusFor(t))
		}
		if !t.fallbackSent && q.cfg.FallbackAfter > 0 && now.Sub(t.EnqueuedAt) >= q.cfg.FallbackAfter {
			t.fallbackSent = true
			if q.hooks.OnFallback != nil {
				q.hooks.OnFallback(t.PlayerID)
			}
		}
	}
}

func (q *Queue) findCompatible(i int, now time.Time) int {
	a := q.tickets[i]
	tolA := q.cfg.Policy(a.Tolerance, now.Sub(a.EnqueuedAt))
	for j := i + 1; j < len(q.tickets); j++ {
		b := q.tickets[j]
		if b.Mode != a.Mode || b.Control.Key() != a.Control.Key() {
			continue
		}
		tolB := q.cfg.Policy(b.Tolerance, now.Sub(b.EnqueuedAt))
		diff := a.Rating - b.Rating
		if diff < 0 {
			diff = -diff
		}
		// Both tolerance windows must admit the other player.
		if diff <= tolA && diff <= tolB {
			return j
		}
	}
	return -1
}

func (q *Queue) statusFor(t *Ticket) QueueStatus {
	pos := 0
	for _, o := range q.tickets {
		if o.Control.Key() != t.Control.Key() {
			continue
		}
		pos++
		if o == t {
			break
		}
	}
	return QueueStatus{Position: pos, EstimatedWait: q.estimate(t.Control.Key())}
}

func (q *Queue) estimate(key string) time.Duration {
	samples := q.latency[key]
	if len(samples) == 0 {
		return DefaultEstimatedWait
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

func (q *Queue) recordLatency(key string, d time.Duration) {
	s := append(q.latency[key], d)
	if len(s) > maxLatencySamples {
		s = s[len(s)-maxLatencySamples:]
	}
	q.latency[key] = s
}
