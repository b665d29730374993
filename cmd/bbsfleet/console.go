package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"

	"bbsfleet/internal/session"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is an interactive terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// consoleSink prints session events in a readable stream for --console mode.
func consoleSink(event session.Event) {
	stamp := gray(event.Timestamp.Format("15:04:05"))
	switch event.Type {
	case session.EventSessionStart:
		fmt.Printf("%s %s %s connected\n", stamp, bold(event.Handle), green("●"))
	case session.EventSessionEnd:
		fmt.Printf("%s %s %s session ended: %s\n", stamp, bold(event.Handle), red("●"), event.Reason)
	case session.EventTurnScreen:
		fmt.Printf("%s %s turn %d\n%s\n", stamp, bold(event.Handle), event.Turn,
			gray(indent(event.Text)))
	case session.EventTurnThinking:
		fmt.Printf("%s   %s %s\n", stamp, yellow("think"), event.Text)
	case session.EventTurnAction:
		if event.Action != nil && event.Action.Kind != session.ActionThinking {
			fmt.Printf("%s   %s %s %s\n", stamp, cyan("act"), event.Action.Kind, event.Action.Text)
		}
	case session.EventTurnMore:
		fmt.Printf("%s   %s pager prompt, pressing enter\n", stamp, cyan("act"))
	case session.EventTurnStuck:
		fmt.Printf("%s   %s screen stuck, sending escape\n", stamp, yellow("warn"))
	case session.EventMemoryNote:
		fmt.Printf("%s   %s %s\n", stamp, green("note"), event.Text)
	case session.EventMemoryExtracting:
		fmt.Printf("%s %s distilling session into memory...\n", stamp, bold(event.Handle))
	case session.EventMemoryExtracted:
		fmt.Printf("%s %s memory updated\n", stamp, bold(event.Handle))
	case session.EventError:
		fmt.Printf("%s   %s %v\n", stamp, red("error"), event.Err)
	}
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = "    " + line
	}
	return strings.Join(lines, "\n")
}
