package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-arena/internal/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
	reason string
}

func (f *fakeTransport) Send(_ context.Context, env *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func quietConfig() Config {
	return Config{
		HeartbeatInterval:    time.Hour,
		HeartbeatTolerance:   time.Minute,
		ReconnectInitial:     time.Hour,
		ReconnectMultiplier:  1.5,
		ReconnectCap:         time.Hour,
		ReconnectMaxAttempts: 10,
		MalformedThreshold:   5,
	}
}

func TestDelaySchedule(t *testing.T) {
	cfg := Config{
		ReconnectInitial:     time.Second,
		ReconnectMultiplier:  1.5,
		ReconnectCap:         30 * time.Second,
		ReconnectMaxAttempts: 10,
	}
	exact := map[int]time.Duration{
		1: 1000 * time.Millisecond,
		2: 1500 * time.Millisecond,
		3: 2250 * time.Millisecond,
		4: 3375 * time.Millisecond,
	}
	for attempt, want := range exact {
		if got := cfg.Delay(attempt); got != want {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
	// Strictly growing until the cap kicks in.
	for attempt := 2; attempt <= 9; attempt++ {
		if cfg.Delay(attempt) <= cfg.Delay(attempt-1) {
			t.Fatalf("Delay(%d)=%v not greater than Delay(%d)=%v",
				attempt, cfg.Delay(attempt), attempt-1, cfg.Delay(attempt-1))
		}
	}
	if cfg.Delay(9) >= 30*time.Second {
		t.Fatalf("Delay(9) = %v, should still be under the cap", cfg.Delay(9))
	}
	if got := cfg.Delay(10); got != 30*time.Second {
		t.Fatalf("Delay(10) = %v, want 30s cap", got)
	}
	if got := cfg.Delay(0); got != time.Second {
		t.Fatalf("Delay(0) = %v, want clamp to first attempt", got)
	}
}

func TestMalformedThresholdDrops(t *testing.T) {
	cfg := quietConfig()
	cfg.MalformedThreshold = 3
	var (
		mu        sync.Mutex
		abandoned []string
	)
	m := NewManager(cfg, Hooks{
		OnAbandoned: func(id string) {
			mu.Lock()
			abandoned = append(abandoned, id)
			mu.Unlock()
		},
	})
	defer m.Stop()

	tr := &fakeTransport{}
	m.Register("c1", tr)

	if m.HandleMalformed("c1") {
		t.Fatalf("dropped after 1 malformed payload")
	}
	if m.HandleMalformed("c1") {
		t.Fatalf("dropped after 2 malformed payloads")
	}
	if !m.HandleMalformed("c1") {
		t.Fatalf("not dropped at threshold")
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatalf("client still tracked after force disconnect")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(abandoned) != 1 || abandoned[0] != "c1" {
		t.Fatalf("abandoned = %v", abandoned)
	}
}

func TestResumeWithinReconnectWindow(t *testing.T) {
	var (
		mu      sync.Mutex
		resumed []string
	)
	m := NewManager(quietConfig(), Hooks{
		OnResumed: func(id string) {
			mu.Lock()
			resumed = append(resumed, id)
			mu.Unlock()
		},
	})
	defer m.Stop()

	trA := &fakeTransport{}
	c, wasResume := m.Register("c1", trA)
	if wasResume {
		t.Fatalf("fresh registration reported as resume")
	}

	m.HandleClose("c1", trA)
	if st := c.State(); st != StateReconnecting {
		t.Fatalf("state after close = %q, want reconnecting", st)
	}
	if !trA.closed {
		t.Fatalf("old transport not closed")
	}

	trB := &fakeTransport{}
	c2, wasResume := m.Register("c1", trB)
	if !wasResume {
		t.Fatalf("registration inside reconnect window should resume")
	}
	if c2 != c {
		t.Fatalf("resume returned a different conn")
	}
	if st := c.State(); st != StateConnected {
		t.Fatalf("state after resume = %q, want connected", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(resumed) != 1 || resumed[0] != "c1" {
		t.Fatalf("resumed = %v", resumed)
	}
}

func TestStaleCloseIgnored(t *testing.T) {
	m := NewManager(quietConfig(), Hooks{})
	defer m.Stop()

	trA := &fakeTransport{}
	m.Register("c1", trA)
	trB := &fakeTransport{}
	c, _ := m.Register("c1", trB) // supersedes trA

	// The old socket's close must not disturb the new connection.
	m.HandleClose("c1", trA)
	if st := c.State(); st != StateConnected {
		t.Fatalf("state = %q after stale close, want connected", st)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	cfg := quietConfig()
	cfg.ReconnectInitial = time.Millisecond
	cfg.ReconnectMultiplier = 1.0
	cfg.ReconnectCap = time.Millisecond
	cfg.ReconnectMaxAttempts = 2

	abandoned := make(chan string, 1)
	m := NewManager(cfg, Hooks{
		OnAbandoned: func(id string) { abandoned <- id },
	})
	defer m.Stop()

	tr := &fakeTransport{}
	m.Register("c1", tr)
	m.HandleClose("c1", tr)

	select {
	case id := <-abandoned:
		if id != "c1" {
			t.Fatalf("abandoned id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("abandonment never fired")
	}
	if _, ok := m.Get("c1"); ok {
		t.Fatalf("client still tracked after budget exhaustion")
	}
}

func TestSendStates(t *testing.T) {
	m := NewManager(quietConfig(), Hooks{})
	defer m.Stop()

	if err := m.Send(context.Background(), "nobody", protocol.New(protocol.TypePing, nil)); err != nil {
		t.Fatalf("send to unknown client: %v", err)
	}

	tr := &fakeTransport{}
	m.Register("c1", tr)
	if err := m.Send(context.Background(), "c1", protocol.New(protocol.TypePing, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if tr.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", tr.sentCount())
	}

	// Sends during the reconnect window are dropped silently.
	m.HandleClose("c1", tr)
	if err := m.Send(context.Background(), "c1", protocol.New(protocol.TypePing, nil)); err != nil {
		t.Fatalf("send while reconnecting: %v", err)
	}
	if tr.sentCount() != 1 {
		t.Fatalf("reconnecting client still received a frame")
	}
}

func TestRecordAckMonotonic(t *testing.T) {
	m := NewManager(quietConfig(), Hooks{})
	defer m.Stop()

	tr := &fakeTransport{}
	c, _ := m.Register("c1", tr)
	m.RecordAck("c1", 5)
	m.RecordAck("c1", 3) // stale ack must not regress
	if got := c.LastAckSeq(); got != 5 {
		t.Fatalf("LastAckSeq = %d, want 5", got)
	}
}

func TestHeartbeatLossStartsReconnectWait(t *testing.T) {
	cfg := quietConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTolerance = 5 * time.Millisecond

	m := NewManager(cfg, Hooks{})
	defer m.Stop()

	tr := &fakeTransport{}
	c, _ := m.Register("c1", tr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateReconnecting {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("heartbeat loss never triggered reconnect wait, state = %q", c.State())
}
