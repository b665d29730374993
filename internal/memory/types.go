// Package memory persists everything an agent knows about one board across
// sessions: credentials, relationships, running plots, board knowledge, and
// transcripts. Files live under memory/<host>/<handle>/ and are written
// atomically so a crash never leaves a half-written file behind.
package memory

import "time"

// maxRecentInteractions bounds the per-relationship interaction log kept
// after a merge.
const maxRecentInteractions = 4

// Credentials holds the agent's login state for one board.
type Credentials struct {
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Registered bool   `yaml:"registered"`
	LastLogin  string `yaml:"last_login,omitempty"`
}

// BoardKnowledge accumulates what the agent has learned about the board.
type BoardKnowledge struct {
	BoardName    string   `yaml:"board_name,omitempty"`
	Software     string   `yaml:"software,omitempty"`
	Menus        string   `yaml:"menus,omitempty"`
	MessageBases []string `yaml:"message_bases,omitempty"`
	FileAreas    []string `yaml:"file_areas,omitempty"`
	DoorGames    []string `yaml:"door_games,omitempty"`
	Notes        string   `yaml:"notes,omitempty"`
}

// Relationship tracks the agent's stance toward one other handle.
type Relationship struct {
	Role               string   `yaml:"role"` // ally, rival, neutral, enemy, mentor, annoyance
	Trust              int      `yaml:"trust"`
	Respect            int      `yaml:"respect"`
	Notes              string   `yaml:"notes,omitempty"`
	RecentInteractions []string `yaml:"recent_interactions,omitempty"`
}

// validRoles is the closed set a merged relationship role must come from.
var validRoles = map[string]bool{
	"ally": true, "rival": true, "neutral": true,
	"enemy": true, "mentor": true, "annoyance": true,
}

// Plot is one ongoing scheme the agent is running or participating in.
type Plot struct {
	ID            string   `yaml:"id"`
	Started       string   `yaml:"started"`
	Collaborators []string `yaml:"collaborators,omitempty"`
	Adversaries   []string `yaml:"adversaries,omitempty"`
	Description   string   `yaml:"description"`
	NextSteps     string   `yaml:"next_steps,omitempty"`
	Status        string   `yaml:"status"`
}

// Plots separates live schemes from finished ones.
type Plots struct {
	Active    []Plot `yaml:"active,omitempty"`
	Completed []Plot `yaml:"completed,omitempty"`
}

// SessionSummary is the distilled record of one past session.
type SessionSummary struct {
	Timestamp string `yaml:"timestamp"`
	Summary   string `yaml:"summary"`
}

// Memory is the full in-process view of one (host, handle) store.
type Memory struct {
	Credentials   Credentials
	Knowledge     BoardKnowledge
	Relationships map[string]Relationship
	Plots         Plots
	Summaries     []SessionSummary
}

// TranscriptRecord is one line of the session JSONL log.
type TranscriptRecord struct {
	Turn      int       `json:"turn"`
	Type      string    `json:"type"` // screen or response
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func clampScore(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// MergeRelationship folds an update into the existing relationship for
// handle, clamping trust and respect to 1..10 and keeping only the most
// recent interactions.
func (m *Memory) MergeRelationship(handle string, update Relationship) {
	if m.Relationships == nil {
		m.Relationships = make(map[string]Relationship)
	}
	existing, ok := m.Relationships[handle]
	if !ok {
		existing = Relationship{Role: "neutral", Trust: 5, Respect: 5}
	}

	if validRoles[update.Role] {
		existing.Role = update.Role
	}
	if update.Trust != 0 {
		existing.Trust = clampScore(update.Trust)
	} else {
		existing.Trust = clampScore(existing.Trust)
	}
	if update.Respect != 0 {
		existing.Respect = clampScore(update.Respect)
	} else {
		existing.Respect = clampScore(existing.Respect)
	}
	if update.Notes != "" {
		existing.Notes = update.Notes
	}
	existing.RecentInteractions = append(existing.RecentInteractions, update.RecentInteractions...)
	if n := len(existing.RecentInteractions); n > maxRecentInteractions {
		existing.RecentInteractions = existing.RecentInteractions[n-maxRecentInteractions:]
	}

	m.Relationships[handle] = existing
}

// MergePlot inserts or updates a plot by ID, moving it to completed when its
// status says so.
func (m *Memory) MergePlot(update Plot) {
	if update.ID == "" {
		return
	}
	done := update.Status == "completed" || update.Status == "abandoned"

	for i, p := range m.Plots.Active {
		if p.ID != update.ID {
			continue
		}
		merged := mergePlotFields(p, update)
		if done {
			m.Plots.Active = append(m.Plots.Active[:i], m.Plots.Active[i+1:]...)
			m.Plots.Completed = append(m.Plots.Completed, merged)
		} else {
			m.Plots.Active[i] = merged
		}
		return
	}
	if done {
		m.Plots.Completed = append(m.Plots.Completed, update)
		return
	}
	m.Plots.Active = append(m.Plots.Active, update)
}

func mergePlotFields(base, update Plot) Plot {
	if update.Description != "" {
		base.Description = update.Description
	}
	if update.NextSteps != "" {
		base.NextSteps = update.NextSteps
	}
	if update.Status != "" {
		base.Status = update.Status
	}
	if len(update.Collaborators) > 0 {
		base.Collaborators = update.Collaborators
	}
	if len(update.Adversaries) > 0 {
		base.Adversaries = update.Adversaries
	}
	return base
}
