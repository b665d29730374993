package session

import (
	"regexp"
	"strconv"
	"strings"

	"bbsfleet/internal/logging"
)

// ActionKind tags the variants an agent can emit.
type ActionKind string

const (
	ActionThinking   ActionKind = "thinking"
	ActionLine       ActionKind = "line"
	ActionType       ActionKind = "type"
	ActionKey        ActionKind = "key"
	ActionWait       ActionKind = "wait"
	ActionMemory     ActionKind = "memory"
	ActionDisconnect ActionKind = "disconnect"
)

// Action is one unit of agent intent parsed from the model's response.
type Action struct {
	Kind   ActionKind
	Text   string
	WaitMS int
}

const (
	maxWaitMS     = 30000
	defaultWaitMS = 1000
)

// wellKnownKeys is the named-key set; anything else must be one character.
var wellKnownKeys = map[string]bool{
	"enter": true, "esc": true, "space": true, "backspace": true,
	"tab": true, "y": true, "n": true,
}

var actionLinePattern = regexp.MustCompile(`(?i)^(THINKING|LINE|TYPE|KEY|WAIT|MEMORY|DISCONNECT):\s*(.*)$`)

// ParseActions turns the model's free-form response into a validated action
// list. It is total: no input can make it panic or error, and a non-empty
// response that yields nothing becomes a safe think-and-wait.
func ParseActions(response string, logger logging.Logger) []Action {
	logger = logging.OrNop(logger)

	var actions []Action
	for _, raw := range strings.Split(response, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		match := actionLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		verb := strings.ToUpper(match[1])
		value := match[2]

		switch verb {
		case "THINKING":
			actions = append(actions, Action{Kind: ActionThinking, Text: value})
		case "LINE":
			actions = append(actions, Action{Kind: ActionLine, Text: value})
		case "TYPE":
			actions = append(actions, Action{Kind: ActionType, Text: value})
		case "KEY":
			key := strings.ToLower(strings.TrimSpace(value))
			// Byte length, not rune count: a key outside the named set must
			// be a single ASCII character, so multi-byte runes like ⌘ are
			// dropped.
			if !wellKnownKeys[key] && len(key) != 1 {
				logger.Warn("dropping invalid key %q", key)
				continue
			}
			actions = append(actions, Action{Kind: ActionKey, Text: key})
		case "WAIT":
			actions = append(actions, Action{Kind: ActionWait, WaitMS: parseWaitMS(value)})
		case "MEMORY":
			actions = append(actions, Action{Kind: ActionMemory, Text: value})
		case "DISCONNECT":
			actions = append(actions, Action{Kind: ActionDisconnect, Text: value})
		}
	}

	if len(actions) == 0 && strings.TrimSpace(response) != "" {
		logger.Warn("no actions parsed from response, substituting a wait")
		actions = []Action{
			{Kind: ActionThinking, Text: "Could not determine what to do"},
			{Kind: ActionWait, WaitMS: 2000},
		}
	}
	return actions
}

func parseWaitMS(value string) int {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return defaultWaitMS
	}
	if ms < 0 {
		return 0
	}
	if ms > maxWaitMS {
		return maxWaitMS
	}
	return ms
}
