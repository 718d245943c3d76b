// Package connmgr owns the per-client connection lifecycle: heartbeat,
// the reconnect-wait schedule after a drop, and the malformed-payload
// abuse counter. It never touches session state directly; escalations go
// through hooks.
package connmgr

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-arena/internal/obslog"
	"github.com/park285/cheese-arena/internal/protocol"
)

// State is the lifecycle of one client connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Transport is the write side of a client socket.
type Transport interface {
	Send(ctx context.Context, env *protocol.Envelope) error
	Close(reason string) error
}

// Config tunes heartbeat and reconnect behavior.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance time.Duration

	ReconnectInitial     time.Duration
	ReconnectMultiplier  float64
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int

	MalformedThreshold int
}

// Delay returns the reconnect-wait delay for the given 1-based attempt:
// min(cap, initial * multiplier^(attempt-1)).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(c.ReconnectInitial) * math.Pow(c.ReconnectMultiplier, float64(attempt-1)))
	if d > c.ReconnectCap {
		return c.ReconnectCap
	}
	return d
}

// Hooks are the manager's outbound edges.
type Hooks struct {
	// OnAbandoned fires when a client exhausts its reconnect budget or is
	// force-disconnected for abuse.
	OnAbandoned func(clientID string)
	// OnResumed fires after a successful reconnect; the receiver must push
	// a full resync before accepting moves from this client.
	OnResumed func(clientID string)
	// OnPresence fires on online/offline edges for lobby broadcasts.
	OnPresence func(clientID string, online bool)
}

// Conn is the tracked state of one client.
type Conn struct {
	ClientID string

	mu            sync.Mutex
	state         State
	transport     Transport
	retryCount    int
	lastHeartbeat time.Time
	lastAckSeq    uint64
	malformed     int
	resumed       chan struct{} // closed by Resume while reconnecting
	gone          chan struct{} // closed when the conn is removed
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastAckSeq returns the last client sequence number acknowledged.
func (c *Conn) LastAckSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckSeq
}

type Manager struct {
	cfg   Config
	hooks Hooks

	mu    sync.RWMutex
	conns map[string]*Conn

	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg Config, hooks Hooks) *Manager {
	if cfg.MalformedThreshold <= 0 {
		cfg.MalformedThreshold = 5
	}
	return &Manager{
		cfg:    cfg,
		hooks:  hooks,
		conns:  make(map[string]*Conn),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Register tracks a fresh client connection and starts its heartbeat loop.
// If the client is currently in its reconnect window, the call is treated
// as a resume instead.
func (m *Manager) Register(clientID string, transport Transport) (*Conn, bool) {
	if c, resumed := m.Resume(clientID, transport); resumed {
		return c, true
	}

	c := &Conn{
		ClientID:      clientID,
		state:         StateConnected,
		transport:     transport,
		lastHeartbeat: m.now(),
		gone:          make(chan struct{}),
	}
	m.mu.Lock()
	if old, ok := m.conns[clientID]; ok {
		// Same identity connected twice: the new socket wins.
		old.mu.Lock()
		if old.transport != nil {
			_ = old.transport.Close("superseded")
			old.transport = nil
		}
		old.state = StateDisconnected
		old.mu.Unlock()
		close(old.gone)
	}
	m.conns[clientID] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(c)

	obslog.L().Info("conn_register", zap.String("client_id", clientID))
	if m.hooks.OnPresence != nil {
		m.hooks.OnPresence(clientID, true)
	}
	return c, false
}

// Resume binds a new transport to a client inside its reconnect window.
func (m *Manager) Resume(clientID string, transport Transport) (*Conn, bool) {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return nil, false
	}
	c.state = StateConnected
	c.transport = transport
	c.retryCount = 0
	c.malformed = 0
	c.lastHeartbeat = m.now()
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
	c.mu.Unlock()

	obslog.L().Info("conn_resume", zap.String("client_id", clientID))
	if m.hooks.OnPresence != nil {
		m.hooks.OnPresence(clientID, true)
	}
	// The resumed client's local state cannot be trusted; the hook owner
	// pushes a full resync before any move is accepted.
	if m.hooks.OnResumed != nil {
		m.hooks.OnResumed(clientID)
	}
	return c, true
}

// Get returns the tracked connection, if any.
func (m *Manager) Get(clientID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[clientID]
	return c, ok
}

// Send delivers an envelope to a connected client. Sends to clients in a
// reconnect window are dropped; a full resync follows resume anyway.
func (m *Manager) Send(ctx context.Context, clientID string, env *protocol.Envelope) error {
	m.mu.RLock()
	c, ok := m.conns[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	t := c.transport
	st := c.state
	c.mu.Unlock()
	if st != StateConnected || t == nil {
		return nil
	}
	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return t.Send(dctx, env)
}

// HandlePong records a heartbeat response.
func (m *Manager) HandlePong(clientID string) {
	if c, ok := m.Get(clientID); ok {
		c.mu.Lock()
		c.lastHeartbeat = m.now()
		c.mu.Unlock()
	}
}

// RecordAck notes the highest client sequence number processed.
func (m *Manager) RecordAck(clientID string, seq uint64) {
	if c, ok := m.Get(clientID); ok {
		c.mu.Lock()
		if seq > c.lastAckSeq {
			c.lastAckSeq = seq
		}
		c.mu.Unlock()
	}
}

// HandleMalformed counts a dropped payload and force-disconnects above the
// abuse threshold. Returns true when the client was dropped.
func (m *Manager) HandleMalformed(clientID string) bool {
	c, ok := m.Get(clientID)
	if !ok {
		return false
	}
	c.mu.Lock()
	c.malformed++
	n := c.malformed
	c.mu.Unlock()
	obslog.L().Warn("conn_malformed",
		zap.String("client_id", clientID),
		zap.Int("count", n),
	)
	if n < m.cfg.MalformedThreshold {
		return false
	}
	obslog.L().Warn("conn_force_disconnect",
		zap.String("client_id", clientID),
		zap.Int("malformed", n),
	)
	m.remove(c, "abuse")
	return true
}

// HandleClose reacts to an unexpected transport closure: the client keeps
// its slot for the duration of the reconnect-wait schedule. The closing
// transport is passed so a socket superseded by a newer one is ignored.
func (m *Manager) HandleClose(clientID string, transport Transport) {
	c, ok := m.Get(clientID)
	if !ok {
		return
	}
	c.mu.Lock()
	stale := transport != nil && c.transport != transport
	c.mu.Unlock()
	if stale {
		return
	}
	m.beginReconnectWait(c)
}

// Stop tears down all loops. Used on shutdown.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) heartbeatLoop(c *Conn) {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-c.gone:
			return
		case <-t.C:
			c.mu.Lock()
			st := c.state
			last := c.lastHeartbeat
			tr := c.transport
			c.mu.Unlock()
			if st != StateConnected {
				continue
			}
			if m.now().Sub(last) > m.cfg.HeartbeatInterval+m.cfg.HeartbeatTolerance {
				obslog.L().Warn("conn_heartbeat_lost", zap.String("client_id", c.ClientID))
				m.beginReconnectWait(c)
				continue
			}
			if tr != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := tr.Send(ctx, protocol.New(protocol.TypePing, nil)); err != nil {
					cancel()
					m.beginReconnectWait(c)
					continue
				}
				cancel()
			}
		}
	}
}

// beginReconnectWait marks the connection reconnecting and waits out the
// backoff schedule for the client to come back. The delays mirror the
// client's own retry timing, so the budget covers its full attempt run.
func (m *Manager) beginReconnectWait(c *Conn) {
	c.mu.Lock()
	if c.state == StateReconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateReconnecting
	if c.transport != nil {
		_ = c.transport.Close("reconnect")
		c.transport = nil
	}
	resumed := make(chan struct{})
	c.resumed = resumed
	c.mu.Unlock()

	if m.hooks.OnPresence != nil {
		m.hooks.OnPresence(c.ClientID, false)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for attempt := 1; attempt <= m.cfg.ReconnectMaxAttempts; attempt++ {
			delay := m.cfg.Delay(attempt)
			obslog.L().Info("conn_reconnect_wait",
				zap.String("client_id", c.ClientID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			c.mu.Lock()
			c.retryCount = attempt
			c.mu.Unlock()
			select {
			case <-m.stopCh:
				return
			case <-resumed:
				return
			case <-time.After(delay):
			}
			c.mu.Lock()
			st := c.state
			c.mu.Unlock()
			if st == StateConnected {
				return
			}
		}
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		obslog.L().Info("conn_retry_budget_exhausted", zap.String("client_id", c.ClientID))
		m.remove(c, "retry budget exhausted")
	}()
}

func (m *Manager) remove(c *Conn, reason string) {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	if c.transport != nil {
		_ = c.transport.Close(reason)
		c.transport = nil
	}
	c.mu.Unlock()

	m.mu.Lock()
	if cur, ok := m.conns[c.ClientID]; ok && cur == c {
		delete(m.conns, c.ClientID)
	}
	m.mu.Unlock()
	close(c.gone)

	if m.hooks.OnPresence != nil {
		m.hooks.OnPresence(c.ClientID, false)
	}
	if m.hooks.OnAbandoned != nil {
		m.hooks.OnAbandoned(c.ClientID)
	}
}
