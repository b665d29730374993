package session

import (
	"fmt"
	"sort"
	"strings"

	"bbsfleet/internal/memory"
	"bbsfleet/internal/persona"
	"bbsfleet/internal/token"
)

// actionFormatSpec tells the model exactly how to answer. One action per
// line; anything else is ignored by the parser.
const actionFormatSpec = `RESPONSE FORMAT: emit one action per line, using only these prefixes:
THINKING: <your private reasoning, never sent to the board>
LINE: <text to type, followed by pressing enter>
TYPE: <text to type without pressing enter>
KEY: <enter|esc|space|backspace|tab|y|n|any single character>
WAIT: <milliseconds to pause, 0-30000>
MEMORY: <a fact worth remembering after this session>
DISCONNECT: <reason for hanging up>

Type like a person at a real terminal: one menu choice at a time, read the
screen before acting, and keep messages in your own voice.`

// systemPromptBudget is a soft ceiling; going over just logs a warning since
// board screens are small compared to modern context windows.
const systemPromptBudget = 8000

// BuildSystemPrompt assembles the once-per-session system message from the
// persona and the memory snapshot.
func BuildSystemPrompt(p *persona.Persona, mem *memory.Memory) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, known on bulletin boards as %q.\n", p.Name, p.Handle)
	fmt.Fprintf(&b, "Age %d, from %s. Occupation: %s. Archetype: %s.\n\n",
		p.Age, p.Location, p.Occupation, p.Archetype)

	writePersonality(&b, p)
	writeBehavior(&b, p)
	writeCredentials(&b, p, mem)
	writeKnowledge(&b, &mem.Knowledge)
	writeRelationships(&b, mem)
	writePlots(&b, &mem.Plots)
	writeSummaries(&b, mem.Summaries)

	b.WriteString(actionFormatSpec)
	return b.String()
}

func writePersonality(b *strings.Builder, p *persona.Persona) {
	b.WriteString("PERSONALITY\n")
	if len(p.Personality.Traits) > 0 {
		fmt.Fprintf(b, "Traits: %s\n", strings.Join(p.Personality.Traits, ", "))
	}
	if len(p.Personality.Interests) > 0 {
		fmt.Fprintf(b, "Interests: %s\n", strings.Join(p.Personality.Interests, ", "))
	}
	if p.Personality.WritingStyle != "" {
		fmt.Fprintf(b, "Writing style: %s\n", p.Personality.WritingStyle)
	}
	if p.Personality.HotButtons != "" {
		fmt.Fprintf(b, "Hot buttons: %s\n", p.Personality.HotButtons)
	}
	if p.Personality.SocialTendencies != "" {
		fmt.Fprintf(b, "Social tendencies: %s\n", p.Personality.SocialTendencies)
	}
	b.WriteString("\n")
}

func writeBehavior(b *strings.Builder, p *persona.Persona) {
	if len(p.Behavior.Goals) > 0 {
		b.WriteString("THIS SESSION, WORK TOWARD\n")
		for _, goal := range p.Behavior.Goals {
			fmt.Fprintf(b, "- %s\n", goal)
		}
		b.WriteString("\n")
	}
	if len(p.Behavior.Avoid) > 0 {
		b.WriteString("AVOID\n")
		for _, avoid := range p.Behavior.Avoid {
			fmt.Fprintf(b, "- %s\n", avoid)
		}
		b.WriteString("\n")
	}
}

func writeCredentials(b *strings.Builder, p *persona.Persona, mem *memory.Memory) {
	creds := mem.Credentials
	if creds.Registered && creds.Username != "" {
		fmt.Fprintf(b, "ACCOUNT\nYou already have an account here. Username: %s Password: %s\n",
			creds.Username, creds.Password)
		if creds.LastLogin != "" {
			fmt.Fprintf(b, "Last login: %s\n", creds.LastLogin)
		}
		b.WriteString("Log in with these credentials; do not register again.\n\n")
		return
	}
	b.WriteString("ACCOUNT\nYou have no account on this board yet. ")
	b.WriteString("Register as a new user when the board offers it, using:\n")
	fmt.Fprintf(b, "Handle: %s, Real name: %s, Email: %s, Voice phone: %s, Birth date: %s\n",
		p.Handle, p.Registration.RealName, p.Registration.Email,
		p.Registration.VoicePhone, p.Registration.BirthDate)
	b.WriteString("Pick a password you can remember and note it with MEMORY.\n\n")
}

func writeKnowledge(b *strings.Builder, k *memory.BoardKnowledge) {
	if k.BoardName == "" && k.Notes == "" && len(k.MessageBases) == 0 &&
		len(k.FileAreas) == 0 && len(k.DoorGames) == 0 {
		return
	}
	b.WriteString("WHAT YOU KNOW ABOUT THIS BOARD\n")
	if k.BoardName != "" {
		fmt.Fprintf(b, "Name: %s", k.BoardName)
		if k.Software != "" {
			fmt.Fprintf(b, " (running %s)", k.Software)
		}
		b.WriteString("\n")
	}
	if k.Menus != "" {
		fmt.Fprintf(b, "Menus: %s\n", k.Menus)
	}
	if len(k.MessageBases) > 0 {
		fmt.Fprintf(b, "Message bases: %s\n", strings.Join(k.MessageBases, ", "))
	}
	if len(k.FileAreas) > 0 {
		fmt.Fprintf(b, "File areas: %s\n", strings.Join(k.FileAreas, ", "))
	}
	if len(k.DoorGames) > 0 {
		fmt.Fprintf(b, "Door games: %s\n", strings.Join(k.DoorGames, ", "))
	}
	if k.Notes != "" {
		fmt.Fprintf(b, "Notes: %s\n", k.Notes)
	}
	b.WriteString("\n")
}

func writeRelationships(b *strings.Builder, mem *memory.Memory) {
	if len(mem.Relationships) == 0 {
		return
	}
	handles := make([]string, 0, len(mem.Relationships))
	for handle := range mem.Relationships {
		handles = append(handles, handle)
	}
	sort.Strings(handles)

	b.WriteString("PEOPLE YOU KNOW HERE\n")
	for _, handle := range handles {
		rel := mem.Relationships[handle]
		fmt.Fprintf(b, "- %s: %s (trust %d/10, respect %d/10)", handle, rel.Role, rel.Trust, rel.Respect)
		if rel.Notes != "" {
			fmt.Fprintf(b, " - %s", rel.Notes)
		}
		b.WriteString("\n")
		for _, interaction := range rel.RecentInteractions {
			fmt.Fprintf(b, "    recently: %s\n", interaction)
		}
	}
	b.WriteString("\n")
}

func writePlots(b *strings.Builder, plots *memory.Plots) {
	if len(plots.Active) == 0 {
		return
	}
	b.WriteString("ACTIVE PLOTS\n")
	for _, plot := range plots.Active {
		fmt.Fprintf(b, "- [%s] %s", plot.ID, plot.Description)
		if plot.NextSteps != "" {
			fmt.Fprintf(b, " Next: %s", plot.NextSteps)
		}
		if len(plot.Collaborators) > 0 {
			fmt.Fprintf(b, " (with %s)", strings.Join(plot.Collaborators, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeSummaries(b *strings.Builder, summaries []memory.SessionSummary) {
	if len(summaries) == 0 {
		return
	}
	b.WriteString("RECENT SESSIONS\n")
	for _, s := range summaries {
		fmt.Fprintf(b, "- %s: %s\n", s.Timestamp, s.Summary)
	}
	b.WriteString("\n")
}

// PromptTokens estimates the token cost of a prompt.
func PromptTokens(prompt string) int {
	return token.Count(prompt)
}

// OverBudget reports whether the system prompt exceeds its soft budget.
func OverBudget(prompt string) bool {
	return token.Count(prompt) > systemPromptBudget
}

// BuildUserMessage renders the per-turn user message. priorScreens, when
// non-empty, are included verbatim ahead of the current screen; callers pass
// them only for the first few turns.
func BuildUserMessage(turn int, priorScreens []string, screen string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Turn %d]\n\n", turn)
	for i, prior := range priorScreens {
		fmt.Fprintf(&b, "--- Screen %d turns ago ---\n%s\n\n", len(priorScreens)-i, prior)
	}
	fmt.Fprintf(&b, "--- Current screen ---\n%s\n--- End screen ---\n\nWhat do you do?", screen)
	return b.String()
}
