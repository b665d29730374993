package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bbsfleet/internal/config"
	"bbsfleet/internal/llm"
	"bbsfleet/internal/logging"
	"bbsfleet/internal/memory"
	"bbsfleet/internal/persona"
	"bbsfleet/internal/session"
	"bbsfleet/internal/telnet"
	"bbsfleet/internal/term"
)

var (
	singleConsole      bool
	singlePersona      string
	singlePort         int
	singleMaxTurns     int
	singleMinutes      int
	singleIdleTimeout  int
	singleKeystrokeMin int
	singleKeystrokeMax int
	singleModel        string
)

var singleCmd = &cobra.Command{
	Use:   "single <host>",
	Short: "Run one persona through one session right now",
	Args:  cobra.ExactArgs(1),
	RunE:  runSingle,
}

func init() {
	singleCmd.Flags().BoolVar(&singleConsole, "console", false, "stream session events to stdout")
	singleCmd.Flags().StringVar(&singlePersona, "persona", "", "persona name or handle (default: first in persona dir)")
	singleCmd.Flags().IntVar(&singlePort, "port", 0, "board port (default from config)")
	singleCmd.Flags().IntVar(&singleMaxTurns, "max-turns", 0, "turn ceiling for the session")
	singleCmd.Flags().IntVar(&singleMinutes, "session-minutes", 0, "wall-clock ceiling in minutes")
	singleCmd.Flags().IntVar(&singleIdleTimeout, "idle-timeout", 0, "idle timeout in ms")
	singleCmd.Flags().IntVar(&singleKeystrokeMin, "keystroke-min", 0, "minimum keystroke delay in ms")
	singleCmd.Flags().IntVar(&singleKeystrokeMax, "keystroke-max", 0, "maximum keystroke delay in ms")
	singleCmd.Flags().StringVar(&singleModel, "model", "", "model name override")
}

func runSingle(cmd *cobra.Command, args []string) error {
	host := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return fatalf("config: %v", err)
	}
	applySingleFlags(&cfg.Session)
	if singlePort != 0 {
		cfg.Port = singlePort
	}
	if singleModel != "" {
		cfg.LLM.Model = singleModel
	}
	if err := cfg.Validate(true); err != nil {
		return fatalf("%v", err)
	}

	p, err := pickPersona(cfg.PersonaDir, singlePersona)
	if err != nil {
		return fatalf("%v", err)
	}

	logger := logging.NewComponentLogger("single")
	client, err := llm.NewOpenAIClient(cfg.LLM)
	if err != nil {
		return fatalf("%v", err)
	}
	client = llm.WrapWithRetry(client)

	buffer := term.NewBuffer(cfg.Session.IdleTimeout(), logger)
	conn := telnet.New(host, cfg.Port, telnet.Handlers{
		OnData:  buffer.Feed,
		OnClose: buffer.Close,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := conn.Connect(ctx); err != nil {
		return fatalf("connect: %v", err)
	}
	defer conn.Disconnect()

	store := memory.NewStore(cfg.MemoryDir, host, p.Handle, logger)
	mem, err := store.Load()
	if err != nil {
		logger.Warn("memory load failed, starting fresh: %v", err)
		mem = &memory.Memory{}
	}

	var sink session.EventSink
	if singleConsole || isTTY() {
		sink = consoleSink
	}

	extractor := memory.NewExtractor(client, logger)
	loop := session.New(conn, buffer, store, mem, p, cfg.Session, nil, client,
		extractor, sink, logger)

	go func() {
		<-ctx.Done()
		loop.Stop()
	}()

	reason := loop.Run(ctx)
	logger.Info("session finished: %s (%d turns)", reason, loop.Turn())
	return nil
}

func applySingleFlags(s *config.SessionConfig) {
	if singleMaxTurns > 0 {
		s.MaxTurns = singleMaxTurns
	}
	if singleMinutes > 0 {
		s.SessionMinutes = singleMinutes
	}
	if singleIdleTimeout > 0 {
		s.IdleTimeoutMS = singleIdleTimeout
	}
	if singleKeystrokeMin > 0 {
		s.KeystrokeMinMS = singleKeystrokeMin
	}
	if singleKeystrokeMax > 0 {
		s.KeystrokeMaxMS = singleKeystrokeMax
	}
}

// pickPersona loads the named persona, or the first one when name is empty.
func pickPersona(dir, name string) (*persona.Persona, error) {
	personas, err := persona.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("no personas found in %s", dir)
	}
	if name == "" {
		return personas[0], nil
	}
	for _, p := range personas {
		if p.Handle == name || p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("persona %q not found in %s", name, dir)
}
