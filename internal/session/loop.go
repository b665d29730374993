// Package session drives one persona through one connect-to-disconnect run
// against a board: read the settled screen, ask the model what a person
// would do, execute the resulting keystrokes, and distill the transcript
// into memory at the end.
package session

import (
	"context"
	"hash/fnv"
	"math/rand"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"bbsfleet/internal/config"
	"bbsfleet/internal/llm"
	"bbsfleet/internal/logging"
	"bbsfleet/internal/memory"
	"bbsfleet/internal/persona"
	"bbsfleet/internal/ratelimit"
	"bbsfleet/internal/term"
)

// Stream is the connection surface the loop drives. telnet.Conn implements
// it; tests substitute a script.
type Stream interface {
	Send(data []byte) error
	SendKey(name string) error
	Disconnect()
	IsConnected() bool
}

// TokenBucket is the limiter surface. A nil bucket means unlimited.
type TokenBucket interface {
	Acquire(ctx context.Context) error
}

const (
	// conversationWindow bounds the rolling chat history (system message
	// excluded).
	conversationWindow = 16

	// earlyTurns get prior screens as extra context while the agent is
	// still orienting.
	earlyTurns = 3

	// stuckThreshold is matches-in-a-row before the escape nudge: the
	// third identical screen triggers it.
	stuckThreshold = 2

	interActionPause = 200 * time.Millisecond
	lineEnterPause   = 100 * time.Millisecond
	stuckNudgePause  = 500 * time.Millisecond
	llmFailurePause  = 2 * time.Second
)

// morePromptPattern short-circuits pager prompts without burning an LLM call.
var morePromptPattern = regexp.MustCompile(
	`(?i)\[more:?\]|continue\s*\[y/n\]|press (enter|return|any key) to continue|pause`)

// Loop is the read/think/act cycle for one agent in one session.
type Loop struct {
	stream    Stream
	buffer    *term.Buffer
	store     *memory.Store
	mem       *memory.Memory
	persona   *persona.Persona
	cfg       config.SessionConfig
	limiter   TokenBucket
	client    llm.Client
	extractor *memory.Extractor
	logger    logging.Logger
	sink      EventSink

	running      atomic.Bool
	turn         int
	prevHash     uint64
	stuckCount   int
	system       string
	conversation []llm.Message
	priorScreens []string
	notes        []string
	transcript   []memory.TranscriptRecord
	startedAt    time.Time
	rng          *rand.Rand
}

// New builds a session loop over a connected stream. extractor may be nil to
// skip end-of-session distillation; limiter may be nil for unlimited.
func New(stream Stream, buffer *term.Buffer, store *memory.Store, mem *memory.Memory,
	p *persona.Persona, cfg config.SessionConfig, limiter *ratelimit.Limiter,
	client llm.Client, extractor *memory.Extractor, sink EventSink, logger logging.Logger) *Loop {

	loop := &Loop{
		stream:    stream,
		buffer:    buffer,
		store:     store,
		mem:       mem,
		persona:   p,
		cfg:       cfg,
		client:    client,
		extractor: extractor,
		logger:    logging.OrNop(logger),
		sink:      sink,
		system:    BuildSystemPrompt(p, mem),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if limiter != nil {
		loop.limiter = limiter
	}
	if OverBudget(loop.system) {
		loop.logger.Warn("%s system prompt is %d tokens, over budget", p.Handle, PromptTokens(loop.system))
	}
	return loop
}

// Stop asks the loop to exit after the current tick.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Turn reports the current turn number.
func (l *Loop) Turn() int {
	return l.turn
}

// Transcript returns the records accumulated so far.
func (l *Loop) Transcript() []memory.TranscriptRecord {
	return l.transcript
}

func (l *Loop) emit(event Event) {
	if l.sink == nil {
		return
	}
	event.Handle = l.persona.Handle
	event.Turn = l.turn
	event.Timestamp = time.Now()
	l.sink(event)
}

// Run executes the session until a stop condition, then extracts memory.
// It returns the end reason.
func (l *Loop) Run(ctx context.Context) string {
	l.running.Store(true)
	l.startedAt = time.Now()
	l.emit(Event{Type: EventSessionStart})

	reason := l.runTicks(ctx)

	l.emit(Event{Type: EventSessionEnd, Reason: reason})
	l.extract(ctx)
	return reason
}

func (l *Loop) runTicks(ctx context.Context) string {
	budget := l.cfg.SessionBudget()
	for {
		switch {
		case ctx.Err() != nil:
			return "cancelled"
		case !l.running.Load():
			return "stopped"
		case !l.stream.IsConnected():
			return "connection lost"
		case l.cfg.MaxTurns > 0 && l.turn >= l.cfg.MaxTurns:
			return "max turns reached"
		case budget > 0 && time.Since(l.startedAt) >= budget:
			return "session time up"
		}
		l.tick(ctx)
	}
}

func (l *Loop) tick(ctx context.Context) {
	screen := l.buffer.WaitForIdle()
	if screen == "" {
		return
	}

	l.turn++
	l.record("screen", screen)
	l.emit(Event{Type: EventTurnScreen, Text: screen})

	if l.isMorePrompt(screen) {
		l.emit(Event{Type: EventTurnMore})
		_ = l.stream.SendKey("enter")
		return
	}

	if l.isStuck(screen) {
		l.emit(Event{Type: EventTurnStuck})
		_ = l.stream.SendKey("esc")
		l.sleep(ctx, stuckNudgePause)
		_ = l.stream.SendKey("enter")
		l.stuckCount = 0
		return
	}

	userMsg := l.buildTurnMessage(screen)
	l.priorScreens = append(l.priorScreens, screen)

	l.conversation = append(l.conversation, llm.User(userMsg))
	l.trimConversation()

	if l.limiter != nil {
		if err := l.limiter.Acquire(ctx); err != nil {
			l.logger.Debug("%s: limiter released without token: %v", l.persona.Handle, err)
			l.running.Store(false)
			return
		}
	}

	messages := make([]llm.Message, 0, len(l.conversation)+1)
	messages = append(messages, llm.System(l.system))
	messages = append(messages, l.conversation...)

	response, err := l.client.Complete(ctx, messages)
	if err != nil {
		l.emit(Event{Type: EventError, Err: err, Reason: "llm"})
		l.logger.Warn("%s turn %d: llm failed: %v", l.persona.Handle, l.turn, err)
		l.sleep(ctx, llmFailurePause)
		return
	}

	l.conversation = append(l.conversation, llm.Assistant(response))
	l.record("response", response)
	l.emit(Event{Type: EventTurnResponse, Text: response})

	l.executeActions(ctx, ParseActions(response, l.logger))
}

func (l *Loop) record(kind, text string) {
	l.transcript = append(l.transcript, memory.TranscriptRecord{
		Turn:      l.turn,
		Type:      kind,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// isMorePrompt checks the screen tail for pager prompts that only ever need
// an enter.
func (l *Loop) isMorePrompt(screen string) bool {
	tail := screen
	if len(tail) > 100 {
		tail = tail[len(tail)-100:]
	}
	return morePromptPattern.MatchString(tail)
}

// isStuck hashes the trimmed screen and counts consecutive repeats.
func (l *Loop) isStuck(screen string) bool {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(screen)))
	hash := h.Sum64()

	if hash == l.prevHash {
		l.stuckCount++
	} else {
		l.stuckCount = 0
	}
	l.prevHash = hash
	return l.stuckCount >= stuckThreshold
}

// buildTurnMessage includes the two prior screens while the agent is still
// orienting; afterwards, just the numbered current screen.
func (l *Loop) buildTurnMessage(screen string) string {
	var prior []string
	if l.turn <= earlyTurns && len(l.priorScreens) > 0 {
		start := len(l.priorScreens) - 2
		if start < 0 {
			start = 0
		}
		prior = l.priorScreens[start:]
	}
	return BuildUserMessage(l.turn, prior, screen)
}

// trimConversation keeps only the newest messages; the system message lives
// outside the window.
func (l *Loop) trimConversation() {
	if len(l.conversation) > conversationWindow {
		l.conversation = l.conversation[len(l.conversation)-conversationWindow:]
	}
}

func (l *Loop) executeActions(ctx context.Context, actions []Action) {
	prevPaced := false
	for i := range actions {
		action := actions[i]
		if !l.running.Load() || !l.stream.IsConnected() || ctx.Err() != nil {
			return
		}

		paced := action.Kind != ActionThinking && action.Kind != ActionWait
		if paced && prevPaced {
			l.sleep(ctx, interActionPause)
		}

		l.emit(Event{Type: EventTurnAction, Action: &action})
		switch action.Kind {
		case ActionThinking:
			l.emit(Event{Type: EventTurnThinking, Text: action.Text})
		case ActionLine:
			l.typeText(ctx, action.Text)
			l.sleep(ctx, lineEnterPause)
			_ = l.stream.SendKey("enter")
		case ActionType:
			l.typeText(ctx, action.Text)
		case ActionKey:
			_ = l.stream.SendKey(action.Text)
		case ActionWait:
			l.sleep(ctx, time.Duration(action.WaitMS)*time.Millisecond)
		case ActionMemory:
			l.notes = append(l.notes, action.Text)
			l.emit(Event{Type: EventMemoryNote, Text: action.Text})
		case ActionDisconnect:
			l.logger.Info("%s disconnecting: %s", l.persona.Handle, action.Text)
			l.running.Store(false)
			l.stream.Disconnect()
			return
		}
		prevPaced = paced
	}
}

// typeText sends the text one keystroke at a time with human-ish delays.
func (l *Loop) typeText(ctx context.Context, text string) {
	minMS := l.cfg.KeystrokeMinMS
	maxMS := l.cfg.KeystrokeMaxMS
	if maxMS < minMS {
		maxMS = minMS
	}
	for _, r := range text {
		if !l.stream.IsConnected() || ctx.Err() != nil {
			return
		}
		if err := l.stream.Send([]byte(string(r))); err != nil {
			return
		}
		delay := minMS
		if maxMS > minMS {
			delay += l.rng.Intn(maxMS - minMS + 1)
		}
		l.sleep(ctx, time.Duration(delay)*time.Millisecond)
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// extract distills the transcript into memory. Failures are logged and
// swallowed; a bad extraction never poisons the pool.
func (l *Loop) extract(ctx context.Context) {
	if l.extractor == nil || l.store == nil {
		return
	}
	l.emit(Event{Type: EventMemoryExtracting})

	if l.limiter != nil {
		if err := l.limiter.Acquire(ctx); err != nil {
			l.logger.Warn("%s: skipping extraction, limiter: %v", l.persona.Handle, err)
			return
		}
	}

	// Shutdown may have cancelled ctx; extraction still deserves a bounded
	// attempt so the session's history is not lost.
	extractCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		extractCtx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	err := l.extractor.Extract(extractCtx, l.store, l.mem, l.persona,
		l.startedAt, l.transcript, l.notes)
	if err != nil {
		l.emit(Event{Type: EventError, Err: err, Reason: "extraction"})
		l.logger.Warn("%s: memory extraction failed: %v", l.persona.Handle, err)
		return
	}
	l.emit(Event{Type: EventMemoryExtracted})
}
