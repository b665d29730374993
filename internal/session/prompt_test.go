package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"bbsfleet/internal/memory"
	"bbsfleet/internal/persona"
)

func promptPersona() *persona.Persona {
	return &persona.Persona{
		Name: "Victor Kane", Handle: "vkane", Age: 34,
		Location: "Portland, OR", Occupation: "repair tech", Archetype: "tinkerer",
		Personality: persona.Personality{
			Traits:       []string{"curious", "blunt"},
			WritingStyle: "short sentences, all lowercase",
		},
		Behavior: persona.Behavior{
			Goals: []string{"find the file areas"},
			Avoid: []string{"politics threads"},
		},
		Registration: persona.Registration{
			Email: "vkane@example.net", RealName: "Victor Kane",
			VoicePhone: "555-0162", BirthDate: "1992-03-14",
		},
	}
}

func TestSystemPromptNewUser(t *testing.T) {
	prompt := BuildSystemPrompt(promptPersona(), &memory.Memory{})

	assert.Contains(t, prompt, "Victor Kane")
	assert.Contains(t, prompt, `"vkane"`)
	assert.Contains(t, prompt, "short sentences, all lowercase")
	assert.Contains(t, prompt, "find the file areas")
	assert.Contains(t, prompt, "politics threads")
	assert.Contains(t, prompt, "Register as a new user")
	assert.Contains(t, prompt, "THINKING:")
	assert.Contains(t, prompt, "DISCONNECT:")
	assert.NotContains(t, prompt, "PEOPLE YOU KNOW", "no relationships yet")
}

func TestSystemPromptReturningUser(t *testing.T) {
	mem := &memory.Memory{
		Credentials: memory.Credentials{Username: "vkane", Password: "s3cret", Registered: true},
		Knowledge:   memory.BoardKnowledge{BoardName: "The Wastelands", Software: "Renegade"},
		Relationships: map[string]memory.Relationship{
			"zelda": {Role: "ally", Trust: 7, Respect: 6, RecentInteractions: []string{"traded shareware"}},
			"angus": {Role: "rival", Trust: 2, Respect: 5},
		},
		Plots: memory.Plots{Active: []memory.Plot{
			{ID: "league", Description: "start a TW2002 league", NextSteps: "recruit players"},
		}},
		Summaries: []memory.SessionSummary{{Timestamp: "2026-03-01", Summary: "posted in General"}},
	}

	prompt := BuildSystemPrompt(promptPersona(), mem)

	assert.Contains(t, prompt, "Username: vkane Password: s3cret")
	assert.Contains(t, prompt, "do not register again")
	assert.Contains(t, prompt, "The Wastelands")
	assert.Contains(t, prompt, "Renegade")
	assert.Contains(t, prompt, "start a TW2002 league")
	assert.Contains(t, prompt, "posted in General")
	assert.Contains(t, prompt, "traded shareware")

	// Known users sorted by handle.
	assert.Less(t, strings.Index(prompt, "angus"), strings.Index(prompt, "zelda"))
}

func TestUserMessageShape(t *testing.T) {
	msg := BuildUserMessage(5, nil, "Main Menu\nCommand:")
	assert.True(t, strings.HasPrefix(msg, "[Turn 5]\n\n"))
	assert.Contains(t, msg, "--- Current screen ---\nMain Menu\nCommand:\n--- End screen ---")
	assert.True(t, strings.HasSuffix(msg, "What do you do?"))
}

func TestUserMessageWithPriorScreens(t *testing.T) {
	msg := BuildUserMessage(2, []string{"first screen"}, "second screen")
	assert.Less(t, strings.Index(msg, "first screen"), strings.Index(msg, "second screen"))
}

func TestPromptTokensPositive(t *testing.T) {
	assert.Greater(t, PromptTokens("hello there, general kenobi"), 0)
	assert.False(t, OverBudget("short prompt"))
}
