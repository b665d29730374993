// Package pool runs due sessions with bounded concurrency. Sessions beyond
// the limit wait in a FIFO queue; a finished or failed session frees its
// slot and pulls the next one in.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"bbsfleet/internal/config"
	"bbsfleet/internal/llm"
	"bbsfleet/internal/logging"
	"bbsfleet/internal/memory"
	"bbsfleet/internal/observability"
	"bbsfleet/internal/ratelimit"
	"bbsfleet/internal/schedule"
	"bbsfleet/internal/session"
	"bbsfleet/internal/simclock"
	"bbsfleet/internal/telnet"
	"bbsfleet/internal/term"
)

// Status is a session's lifecycle state as tracked by the pool.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusExtracting Status = "extracting"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// SessionInfo is the pool's view of one session, safe to copy out to
// consumers.
type SessionInfo struct {
	ID            string
	Handle        string
	Status        Status
	ScheduledAt   time.Time
	StartedAt     time.Time
	EndedAt       time.Time
	TurnCount     int
	CurrentScreen string
	LastAction    string
	EndReason     string
	Error         string
}

// Update pairs a session snapshot with the loop event (if any) that caused
// it.
type Update struct {
	Info  SessionInfo
	Event *session.Event
}

// Dialer opens a stream for one session, wiring incoming data into onData
// and stream closure into onClose. The default dials telnet.
type Dialer func(ctx context.Context, host string, port int,
	onData func([]byte), onClose func()) (session.Stream, error)

// TelnetDialer is the production Dialer.
func TelnetDialer(logger logging.Logger) Dialer {
	return func(ctx context.Context, host string, port int,
		onData func([]byte), onClose func()) (session.Stream, error) {
		conn := telnet.New(host, port, telnet.Handlers{
			OnData:  onData,
			OnClose: onClose,
		}, logger)
		if err := conn.Connect(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type runningSession struct {
	info   SessionInfo
	loop   *session.Loop
	stream session.Stream
	buffer *term.Buffer
}

// Pool is the bounded-concurrency session runner.
type Pool struct {
	host      string
	port      int
	cfg       config.Config
	client    llm.Client
	limiter   *ratelimit.Limiter
	clock     *simclock.Clock
	extractor *memory.Extractor
	dialer    Dialer
	metrics   *observability.Metrics
	logger    logging.Logger

	mu                 sync.Mutex
	queue              []schedule.ScheduledSession
	active             map[string]*runningSession
	pendingConnections int
	maxConcurrent      int
	shuttingDown       bool

	subMu       sync.Mutex
	subscribers []chan Update
}

// Options carries the pool's collaborators. Dialer and Metrics are optional.
type Options struct {
	Host      string
	Port      int
	Config    config.Config
	Client    llm.Client
	Limiter   *ratelimit.Limiter
	Clock     *simclock.Clock
	Extractor *memory.Extractor
	Dialer    Dialer
	Metrics   *observability.Metrics
	Logger    logging.Logger
}

// New creates a pool. MaxConcurrent comes from the orchestrator config.
func New(opts Options) *Pool {
	logger := logging.OrNop(opts.Logger)
	dialer := opts.Dialer
	if dialer == nil {
		dialer = TelnetDialer(logger)
	}
	maxConcurrent := opts.Config.Orchestrator.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{
		host:          opts.Host,
		port:          opts.Port,
		cfg:           opts.Config,
		client:        opts.Client,
		limiter:       opts.Limiter,
		clock:         opts.Clock,
		extractor:     opts.Extractor,
		dialer:        dialer,
		metrics:       opts.Metrics,
		logger:        logger,
		active:        make(map[string]*runningSession),
		maxConcurrent: maxConcurrent,
	}
}

// Updates registers a new subscriber and returns its stream of session
// snapshots. Channels are bounded; a consumer that falls behind has updates
// dropped rather than blocking the pool.
func (p *Pool) Updates() <-chan Update {
	ch := make(chan Update, 256)
	p.subMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subMu.Unlock()
	return ch
}

func (p *Pool) publish(info SessionInfo, event *session.Event) {
	update := Update{Info: info, Event: event}
	p.subMu.Lock()
	subscribers := p.subscribers
	p.subMu.Unlock()
	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

// Enqueue appends a due session and starts it if a slot is free.
func (p *Pool) Enqueue(s schedule.ScheduledSession) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, s)
	queued := len(p.queue)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.SessionsQueued.Set(float64(queued))
	}
	p.tryStartNext()
}

// ActiveCount reports sessions currently registered as active.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// PendingConnections reports in-flight connects.
func (p *Pool) PendingConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingConnections
}

// QueueDepth reports sessions waiting for a slot.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Snapshot returns the current view of active sessions.
func (p *Pool) Snapshot() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SessionInfo, 0, len(p.active))
	for _, rs := range p.active {
		infos = append(infos, rs.info)
	}
	return infos
}

// tryStartNext starts queued sessions while capacity remains. Occupancy
// counts both active sessions and in-flight connects.
func (p *Pool) tryStartNext() {
	for {
		p.mu.Lock()
		if p.shuttingDown || len(p.queue) == 0 ||
			len(p.active)+p.pendingConnections >= p.maxConcurrent {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.pendingConnections++
		queued := len(p.queue)
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.SessionsQueued.Set(float64(queued))
			p.metrics.SessionsActive.Inc()
		}

		go func(s schedule.ScheduledSession) {
			// startSession hands its pending slot over to the active map
			// atomically (or releases it on failure), so active+pending
			// never exceeds maxConcurrent at any observation.
			started := p.startSession(context.Background(), s)
			if !started {
				if p.metrics != nil {
					p.metrics.SessionsActive.Dec()
				}
				p.tryStartNext()
			}
		}(next)
	}
}

// startSession connects and launches the loop goroutine. It returns false if
// the session never made it into the active map.
func (p *Pool) startSession(ctx context.Context, s schedule.ScheduledSession) bool {
	id := ksuid.New().String()
	info := SessionInfo{
		ID:          id,
		Handle:      s.Handle,
		Status:      StatusConnecting,
		ScheduledAt: s.At,
		StartedAt:   time.Now(),
	}
	p.publish(info, nil)
	p.logger.Info("connecting %s to %s:%d", s.Handle, p.host, p.port)

	buffer := term.NewBuffer(p.cfg.Session.IdleTimeout(), p.logger)
	store := memory.NewStore(p.cfg.MemoryDir, p.host, s.Handle, p.logger)
	mem, err := store.Load()
	if err != nil {
		p.logger.Warn("%s: memory load failed, starting fresh: %v", s.Handle, err)
		mem = &memory.Memory{}
	}

	stream, err := p.dialer(ctx, p.host, p.port, buffer.Feed, buffer.Close)
	if err != nil {
		p.mu.Lock()
		p.pendingConnections--
		p.mu.Unlock()

		info.Status = StatusError
		info.Error = err.Error()
		info.EndedAt = time.Now()
		p.publish(info, nil)
		if p.metrics != nil {
			p.metrics.ConnectFailures.Inc()
			p.metrics.SessionsTotal.WithLabelValues(string(StatusError)).Inc()
		}
		p.logger.Warn("%s: connect failed: %v", s.Handle, err)
		return false
	}

	loop := session.New(stream, buffer, store, mem, s.Persona, p.cfg.Session,
		p.limiter, p.client, p.extractor, p.eventSink(id), p.logger)

	rs := &runningSession{info: info, loop: loop, stream: stream, buffer: buffer}
	rs.info.Status = StatusActive

	p.mu.Lock()
	p.pendingConnections--
	if p.shuttingDown {
		p.mu.Unlock()
		stream.Disconnect()
		buffer.Close()
		return false
	}
	p.active[id] = rs
	p.mu.Unlock()

	if p.clock != nil {
		p.clock.SessionStarted()
	}
	p.publish(rs.info, nil)

	go func() {
		// Whatever ended the loop, extraction already ran; the session
		// counts as done. Only a failed connect reports error status.
		reason := loop.Run(ctx)
		p.finishSession(id, StatusDone, reason)
	}()
	return true
}

// eventSink forwards loop events into pool updates, folding the interesting
// fields into the session snapshot.
func (p *Pool) eventSink(id string) session.EventSink {
	return func(event session.Event) {
		p.mu.Lock()
		rs, ok := p.active[id]
		if !ok {
			p.mu.Unlock()
			return
		}
		rs.info.TurnCount = event.Turn
		switch event.Type {
		case session.EventTurnScreen:
			rs.info.CurrentScreen = event.Text
		case session.EventTurnAction:
			if event.Action != nil {
				rs.info.LastAction = string(event.Action.Kind)
			}
			if p.metrics != nil {
				p.metrics.TurnsTotal.Inc()
			}
		case session.EventTurnResponse:
			if p.metrics != nil {
				p.metrics.LLMCallsTotal.Inc()
			}
		case session.EventMemoryExtracting:
			rs.info.Status = StatusExtracting
		}
		snapshot := rs.info
		p.mu.Unlock()

		p.publish(snapshot, &event)
	}
}

// finishSession tears a session down, frees its slot, and pulls the next
// queued session in.
func (p *Pool) finishSession(id string, status Status, reason string) {
	p.mu.Lock()
	rs, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, id)
	rs.info.Status = status
	rs.info.EndReason = reason
	rs.info.EndedAt = time.Now()
	snapshot := rs.info
	p.mu.Unlock()

	rs.stream.Disconnect()
	rs.buffer.Close()
	if p.clock != nil {
		p.clock.SessionEnded()
	}
	if p.metrics != nil {
		p.metrics.SessionsActive.Dec()
		p.metrics.SessionsTotal.WithLabelValues(string(status)).Inc()
	}
	p.publish(snapshot, nil)
	p.logger.Info("session %s (%s) finished: %s", id, snapshot.Handle, reason)

	p.tryStartNext()
}

// Shutdown asks every active loop to stop, waits for the pool to drain until
// the timeout, then force-disconnects stragglers. The queue is discarded.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	p.shuttingDown = true
	p.queue = nil
	loops := make([]*session.Loop, 0, len(p.active))
	for _, rs := range p.active {
		loops = append(loops, rs.loop)
	}
	p.mu.Unlock()

	for _, loop := range loops {
		loop.Stop()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.ActiveCount() == 0 && p.PendingConnections() == 0 {
			p.logger.Info("pool drained cleanly")
			return
		}
		time.Sleep(500 * time.Millisecond)
	}

	p.mu.Lock()
	stragglers := make([]*runningSession, 0, len(p.active))
	for _, rs := range p.active {
		stragglers = append(stragglers, rs)
	}
	p.mu.Unlock()

	for _, rs := range stragglers {
		p.logger.Warn("force-disconnecting %s after shutdown timeout", rs.info.Handle)
		rs.stream.Disconnect()
		rs.buffer.Close()
	}
}
