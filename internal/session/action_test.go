package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionsFull(t *testing.T) {
	response := `THINKING: looking at a menu
LINE: Hello world
KEY: enter
WAIT: 500
WAIT: 99999
KEY: ⌘
MEMORY: noted`

	actions := ParseActions(response, nil)
	require.Len(t, actions, 6, "the multi-byte key must be dropped")

	assert.Equal(t, Action{Kind: ActionThinking, Text: "looking at a menu"}, actions[0])
	assert.Equal(t, Action{Kind: ActionLine, Text: "Hello world"}, actions[1])
	assert.Equal(t, Action{Kind: ActionKey, Text: "enter"}, actions[2])
	assert.Equal(t, Action{Kind: ActionWait, WaitMS: 500}, actions[3])
	assert.Equal(t, Action{Kind: ActionWait, WaitMS: 30000}, actions[4], "wait clamped to 30s")
	assert.Equal(t, Action{Kind: ActionMemory, Text: "noted"}, actions[5])
}

func TestParseActionsSingleCharKeyAllowed(t *testing.T) {
	actions := ParseActions("KEY: Q", nil)
	require.Len(t, actions, 1)
	assert.Equal(t, "q", actions[0].Text, "keys are lowercased")
}

func TestParseActionsMultiByteKeyDropped(t *testing.T) {
	// One rune but three UTF-8 bytes: not a typeable single character.
	actions := ParseActions("KEY: ⌘\nKEY: x", nil)
	require.Len(t, actions, 1)
	assert.Equal(t, "x", actions[0].Text)

	// When the dropped key was the only line, the safe no-op kicks in.
	actions = ParseActions("KEY: ⌘", nil)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionThinking, actions[0].Kind)
	assert.Equal(t, ActionWait, actions[1].Kind)
}

func TestParseActionsCaseInsensitivePrefixes(t *testing.T) {
	actions := ParseActions("thinking: hmm\nline: hello", nil)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionThinking, actions[0].Kind)
	assert.Equal(t, ActionLine, actions[1].Kind)
}

func TestParseActionsIgnoresProse(t *testing.T) {
	response := `I think I should log in now.
LINE: vkane
Some trailing commentary.`
	actions := ParseActions(response, nil)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionLine, actions[0].Kind)
}

func TestParseActionsUnparseableWaitDefaults(t *testing.T) {
	actions := ParseActions("WAIT: a while", nil)
	require.Len(t, actions, 1)
	assert.Equal(t, 1000, actions[0].WaitMS)
}

func TestParseActionsNegativeWaitClampsToZero(t *testing.T) {
	actions := ParseActions("WAIT: -50", nil)
	require.Len(t, actions, 1)
	assert.Equal(t, 0, actions[0].WaitMS)
}

func TestParseActionsSyntheticFallback(t *testing.T) {
	actions := ParseActions("just rambling with no actions at all", nil)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionThinking, actions[0].Kind)
	assert.Equal(t, Action{Kind: ActionWait, WaitMS: 2000}, actions[1])
}

func TestParseActionsEmptyResponse(t *testing.T) {
	assert.Empty(t, ParseActions("", nil))
	assert.Empty(t, ParseActions("   \n\n  ", nil))
}

func TestParseActionsDisconnect(t *testing.T) {
	actions := ParseActions("DISCONNECT: dinner time", nil)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionDisconnect, actions[0].Kind)
	assert.Equal(t, "dinner time", actions[0].Text)
}

func TestParseActionsNeverPanicsOnGarbage(t *testing.T) {
	inputs := []string{
		"KEY:",
		"WAIT:",
		"LINE:",
		"KEY: \x00\x1b",
		"THINKING:" + string(rune(0xFFFD)),
		"::::::",
	}
	for _, input := range inputs {
		assert.NotPanics(t, func() { ParseActions(input, nil) }, "input %q", input)
	}
}
