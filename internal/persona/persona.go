// Package persona loads the YAML identity files that define each agent's
// stable personality, behavior goals, and connection schedule.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Personality is the prose material the prompt builder renders verbatim.
type Personality struct {
	Traits           []string `yaml:"traits"`
	Interests        []string `yaml:"interests"`
	WritingStyle     string   `yaml:"writing_style"`
	HotButtons       string   `yaml:"hot_buttons"`
	SocialTendencies string   `yaml:"social_tendencies"`
}

// Behavior directs what the agent pursues and avoids during a session.
type Behavior struct {
	Goals                []string `yaml:"goals"`
	Avoid                []string `yaml:"avoid"`
	SessionLengthMinutes int      `yaml:"session_length_minutes"`
}

// Registration holds the facts the agent uses when a board asks it to sign up.
type Registration struct {
	Email      string `yaml:"email"`
	RealName   string `yaml:"real_name"`
	VoicePhone string `yaml:"voice_phone"`
	BirthDate  string `yaml:"birth_date"`
}

// ActiveWindow is one daily availability window. End may be <= Start for
// windows that wrap past midnight.
type ActiveWindow struct {
	Start  int     `yaml:"start"`
	End    int     `yaml:"end"`
	Weight float64 `yaml:"weight"`
}

// Schedule controls when the scheduler plans sessions for this persona.
type Schedule struct {
	ActiveHours    []ActiveWindow `yaml:"active_hours"`
	SessionsPerDay int            `yaml:"sessions_per_day"`
	MinGapMinutes  int            `yaml:"min_gap_minutes"`
	JitterMinutes  int            `yaml:"jitter_minutes"`
	ActiveDays     []int          `yaml:"active_days,omitempty"`
}

// ActiveOn reports whether the schedule permits sessions on the given
// weekday (0 = Sunday). An empty ActiveDays list means every day.
func (s *Schedule) ActiveOn(weekday int) bool {
	if len(s.ActiveDays) == 0 {
		return true
	}
	for _, d := range s.ActiveDays {
		if d == weekday {
			return true
		}
	}
	return false
}

// Persona is one agent identity. Loaded once at startup and never mutated.
type Persona struct {
	Name         string       `yaml:"name"`
	Handle       string       `yaml:"handle"`
	Age          int          `yaml:"age"`
	Location     string       `yaml:"location"`
	Occupation   string       `yaml:"occupation"`
	Archetype    string       `yaml:"archetype"`
	Personality  Personality  `yaml:"personality"`
	Behavior     Behavior     `yaml:"behavior"`
	Registration Registration `yaml:"registration"`
	Schedule     *Schedule    `yaml:"schedule,omitempty"`
}

// Load reads and validates a single persona file.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("persona %s: %w", path, err)
	}
	if p.Behavior.SessionLengthMinutes == 0 {
		p.Behavior.SessionLengthMinutes = 20
	}
	return &p, nil
}

// LoadDir loads every *.yaml/*.yml persona in dir, sorted by handle.
func LoadDir(dir string) ([]*Persona, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read persona dir %s: %w", dir, err)
	}

	var personas []*Persona
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		p, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Handle]; dup {
			return nil, fmt.Errorf("duplicate handle %q in %s and %s", p.Handle, prev, name)
		}
		seen[p.Handle] = name
		personas = append(personas, p)
	}

	sort.Slice(personas, func(i, j int) bool { return personas[i].Handle < personas[j].Handle })
	return personas, nil
}

// Validate enforces the schema constraints the scheduler and prompt builder
// rely on.
func (p *Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.Handle == "" {
		return fmt.Errorf("handle is required")
	}
	if p.Schedule == nil {
		return nil
	}

	s := p.Schedule
	if len(s.ActiveHours) == 0 {
		return fmt.Errorf("schedule requires at least one active_hours window")
	}
	for i, w := range s.ActiveHours {
		if w.Start < 0 || w.Start > 23 {
			return fmt.Errorf("active_hours[%d].start %d out of range 0..23", i, w.Start)
		}
		if w.End < 0 || w.End > 23 {
			return fmt.Errorf("active_hours[%d].end %d out of range 0..23", i, w.End)
		}
		if w.Weight < 0 {
			return fmt.Errorf("active_hours[%d].weight must be >= 0", i)
		}
	}
	if s.SessionsPerDay < 1 || s.SessionsPerDay > 10 {
		return fmt.Errorf("sessions_per_day %d out of range 1..10", s.SessionsPerDay)
	}
	if s.MinGapMinutes < 5 {
		return fmt.Errorf("min_gap_minutes %d must be >= 5", s.MinGapMinutes)
	}
	if s.JitterMinutes < 0 {
		return fmt.Errorf("jitter_minutes must be >= 0")
	}
	for _, d := range s.ActiveDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("active_days entry %d out of range 0..6", d)
		}
	}
	return nil
}
