package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bbsfleet/internal/config"
	"bbsfleet/internal/llm"
	"bbsfleet/internal/persona"
	"bbsfleet/internal/schedule"
	"bbsfleet/internal/session"
	"bbsfleet/internal/simclock"
)

type fakeStream struct {
	mu        sync.Mutex
	connected bool
}

func (f *fakeStream) Send([]byte) error   { return nil }
func (f *fakeStream) SendKey(string) error { return nil }
func (f *fakeStream) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}
func (f *fakeStream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// fakeDialer simulates a board: every session sees a command prompt shortly
// after connecting.
func fakeDialer() Dialer {
	return func(_ context.Context, _ string, _ int,
		onData func([]byte), _ func()) (session.Stream, error) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			onData([]byte("Command: "))
		}()
		return &fakeStream{connected: true}, nil
	}
}

func testConfig(maxConcurrent int) config.Config {
	cfg := config.Default()
	cfg.MemoryDir = ""
	cfg.Session.MaxTurns = 1
	cfg.Session.IdleTimeoutMS = 40
	cfg.Session.KeystrokeMinMS = 0
	cfg.Session.KeystrokeMaxMS = 1
	cfg.Orchestrator.MaxConcurrent = maxConcurrent
	return cfg
}

func scheduled(handle string) schedule.ScheduledSession {
	return schedule.ScheduledSession{
		Handle:  handle,
		Persona: &persona.Persona{Name: handle, Handle: handle},
		At:      time.Now(),
	}
}

func newTestPool(t *testing.T, maxConcurrent int, dialer Dialer) *Pool {
	t.Helper()
	cfg := testConfig(maxConcurrent)
	cfg.MemoryDir = t.TempDir()
	return New(Options{
		Host:   "test.board",
		Port:   23,
		Config: cfg,
		Client: &llm.MockClient{Respond: func([]llm.Message) (string, error) {
			return "WAIT: 150", nil
		}},
		Clock:  simclock.New(time.Now(), 0, nil),
		Dialer: dialer,
	})
}

func waitForDrain(t *testing.T, p *Pool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.ActiveCount() == 0 && p.PendingConnections() == 0 && p.QueueDepth() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool did not drain: active=%d pending=%d queued=%d",
		p.ActiveCount(), p.PendingConnections(), p.QueueDepth())
}

func TestBoundedConcurrencyAndFIFO(t *testing.T) {
	p := newTestPool(t, 2, fakeDialer())

	var mu sync.Mutex
	startOrder := make([]string, 0, 4)
	doneCount := 0
	go func() {
		for update := range p.Updates() {
			mu.Lock()
			if update.Info.Status == StatusActive && update.Event == nil {
				startOrder = append(startOrder, update.Info.Handle)
			}
			if update.Info.Status == StatusDone {
				doneCount++
			}
			mu.Unlock()
		}
	}()

	for _, handle := range []string{"a", "b", "c", "d"} {
		p.Enqueue(scheduled(handle))
	}

	// Sample the invariant while the pool works through the queue.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		total := p.ActiveCount() + p.PendingConnections()
		assert.LessOrEqual(t, total, 2, "bounded concurrency violated")

		mu.Lock()
		finished := doneCount
		mu.Unlock()
		if finished == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 4, doneCount, "all sessions must complete")
	require.Len(t, startOrder, 4)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, startOrder)
	// FIFO: a and b occupy the two slots first; c and d follow.
	assert.Contains(t, []string{"a", "b"}, startOrder[0])
	assert.Contains(t, []string{"a", "b"}, startOrder[1])
	assert.Contains(t, []string{"c", "d"}, startOrder[2])
	assert.Contains(t, []string{"c", "d"}, startOrder[3])
}

func TestConnectFailureFreesSlot(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	dialer := func(ctx context.Context, host string, port int,
		onData func([]byte), onClose func()) (session.Stream, error) {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			return nil, errors.New("connection refused")
		}
		return fakeDialer()(ctx, host, port, onData, onClose)
	}

	p := newTestPool(t, 1, dialer)

	statuses := make(chan Status, 32)
	go func() {
		for update := range p.Updates() {
			statuses <- update.Info.Status
		}
	}()

	p.Enqueue(scheduled("unlucky"))
	p.Enqueue(scheduled("lucky"))

	waitForDrain(t, p, 10*time.Second)
	time.Sleep(100 * time.Millisecond) // let the final status publish land

	var sawError, sawDone bool
	for {
		select {
		case status := <-statuses:
			switch status {
			case StatusError:
				sawError = true
			case StatusDone:
				sawDone = true
			}
			continue
		default:
		}
		break
	}
	assert.True(t, sawError, "failed connect should surface as error status")
	assert.True(t, sawDone, "queued session should run after the failure freed the slot")
}

func TestClockNotifiedOfSessions(t *testing.T) {
	clock := simclock.New(time.Now(), 0, nil)
	cfg := testConfig(1)
	cfg.MemoryDir = t.TempDir()
	p := New(Options{
		Host:   "test.board",
		Port:   23,
		Config: cfg,
		Client: &llm.MockClient{},
		Clock:  clock,
		Dialer: fakeDialer(),
	})

	p.Enqueue(scheduled("vkane"))

	// While the session runs, effective speed must be forced to 1.
	sawRealtime := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if clock.ActiveSessions() == 1 {
			sawRealtime = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, sawRealtime, "clock never saw the session start")

	waitForDrain(t, p, 10*time.Second)
	assert.Equal(t, 0, clock.ActiveSessions())
}

func TestShutdownDrains(t *testing.T) {
	p := newTestPool(t, 2, fakeDialer())
	for _, handle := range []string{"a", "b", "c", "d", "e"} {
		p.Enqueue(scheduled(handle))
	}
	time.Sleep(50 * time.Millisecond)

	p.Shutdown(5 * time.Second)

	assert.Zero(t, p.ActiveCount())
	assert.Zero(t, p.QueueDepth(), "queue cleared on shutdown")

	// Enqueue after shutdown is a no-op.
	p.Enqueue(scheduled("late"))
	assert.Zero(t, p.QueueDepth())
}

func TestSnapshotTracksTurns(t *testing.T) {
	p := newTestPool(t, 1, fakeDialer())

	sawTurn := make(chan struct{}, 1)
	go func() {
		for update := range p.Updates() {
			if update.Info.TurnCount >= 1 && update.Info.CurrentScreen != "" {
				select {
				case sawTurn <- struct{}{}:
				default:
				}
			}
		}
	}()

	p.Enqueue(scheduled("vkane"))
	select {
	case <-sawTurn:
	case <-time.After(5 * time.Second):
		t.Fatal("no turn update observed")
	}
	waitForDrain(t, p, 10*time.Second)
}
