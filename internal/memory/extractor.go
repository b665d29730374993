package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"bbsfleet/internal/llm"
	"bbsfleet/internal/logging"
	"bbsfleet/internal/persona"
)

// extractionSystemPrompt instructs the model to distill a transcript into
// structured memory updates.
const extractionSystemPrompt = `You are a memory compiler for a BBS user. Given the transcript of one
session, produce a JSON object describing what should be remembered. Output
ONLY the JSON object, no prose. Schema:

{
  "summary": "2-4 sentence account of what happened this session",
  "credentials": {"username": "", "password": "", "registered": false},
  "knowledge": {
    "board_name": "", "software": "", "menus": "",
    "message_bases": [], "file_areas": [], "door_games": [], "notes": ""
  },
  "relationships": {
    "<handle>": {"role": "ally|rival|neutral|enemy|mentor|annoyance",
                 "trust": 1, "respect": 1, "notes": "",
                 "recent_interactions": ["..."]}
  },
  "plots": [
    {"id": "", "started": "", "collaborators": [], "adversaries": [],
     "description": "", "next_steps": "", "status": "active|completed|abandoned"}
  ]
}

Omit any field you have nothing new for. Only report what the transcript
supports; never invent handles or credentials.`

// extractionUpdate is the JSON shape the model returns.
type extractionUpdate struct {
	Summary       string                  `json:"summary"`
	Credentials   *Credentials            `json:"credentials,omitempty"`
	Knowledge     *BoardKnowledge         `json:"knowledge,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Plots         []Plot                  `json:"plots,omitempty"`
}

// Extractor distills a finished session into updated memory files.
type Extractor struct {
	client llm.Client
	logger logging.Logger
}

// NewExtractor builds an extractor around the given LLM client.
func NewExtractor(client llm.Client, logger logging.Logger) *Extractor {
	return &Extractor{client: client, logger: logging.OrNop(logger)}
}

// Extract runs the extraction call and merges the result into mem, then
// persists everything through the store. Errors are returned for logging but
// callers are expected to swallow them; a failed extraction must never take
// down a session or the pool.
func (e *Extractor) Extract(ctx context.Context, store *Store, mem *Memory, p *persona.Persona,
	startedAt time.Time, records []TranscriptRecord, notes []string) error {

	if _, err := store.WriteTranscript(startedAt, records); err != nil {
		e.logger.Warn("transcript write failed for %s: %v", p.Handle, err)
	}

	userPrompt := e.buildUserPrompt(p, records, notes)
	response, err := e.client.Complete(ctx, []llm.Message{
		llm.System(extractionSystemPrompt),
		llm.User(userPrompt),
	})
	if err != nil {
		return fmt.Errorf("extraction call: %w", err)
	}

	update, err := parseExtraction(response)
	if err != nil {
		return fmt.Errorf("extraction parse: %w", err)
	}

	e.merge(mem, update)

	if err := store.Save(mem); err != nil {
		return fmt.Errorf("memory save: %w", err)
	}
	if update.Summary != "" {
		if _, err := store.WriteSummary(startedAt, update.Summary); err != nil {
			return fmt.Errorf("summary write: %w", err)
		}
	}
	return nil
}

func (e *Extractor) buildUserPrompt(p *persona.Persona, records []TranscriptRecord, notes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Persona: %s (handle %s)\n\n", p.Name, p.Handle)

	b.WriteString("--- Transcript ---\n")
	for _, rec := range records {
		fmt.Fprintf(&b, "[turn %d %s]\n%s\n\n", rec.Turn, rec.Type, rec.Text)
	}
	b.WriteString("--- End transcript ---\n")

	if len(notes) > 0 {
		b.WriteString("\nNotes the persona flagged during the session:\n")
		for _, note := range notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}
	return b.String()
}

// parseExtraction tolerates the usual model sins: code fences, leading prose,
// trailing commas. jsonrepair handles the malformed cases.
func parseExtraction(response string) (*extractionUpdate, error) {
	raw := strings.TrimSpace(response)
	if start := strings.Index(raw, "{"); start > 0 {
		raw = raw[start:]
	}
	if end := strings.LastIndex(raw, "}"); end >= 0 {
		raw = raw[:end+1]
	}

	var update extractionUpdate
	if err := json.Unmarshal([]byte(raw), &update); err == nil {
		return &update, nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("repair: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &update); err != nil {
		return nil, fmt.Errorf("unmarshal repaired: %w", err)
	}
	return &update, nil
}

func (e *Extractor) merge(mem *Memory, update *extractionUpdate) {
	if update.Credentials != nil {
		if update.Credentials.Username != "" {
			mem.Credentials.Username = update.Credentials.Username
		}
		if update.Credentials.Password != "" {
			mem.Credentials.Password = update.Credentials.Password
		}
		if update.Credentials.Registered {
			mem.Credentials.Registered = true
		}
	}
	mem.Credentials.LastLogin = time.Now().UTC().Format(time.RFC3339)

	if update.Knowledge != nil {
		mergeKnowledge(&mem.Knowledge, update.Knowledge)
	}
	for handle, rel := range update.Relationships {
		mem.MergeRelationship(handle, rel)
	}
	for _, plot := range update.Plots {
		mem.MergePlot(plot)
	}
}

func mergeKnowledge(base, update *BoardKnowledge) {
	if update.BoardName != "" {
		base.BoardName = update.BoardName
	}
	if update.Software != "" {
		base.Software = update.Software
	}
	if update.Menus != "" {
		base.Menus = update.Menus
	}
	if update.Notes != "" {
		base.Notes = update.Notes
	}
	base.MessageBases = mergeUnique(base.MessageBases, update.MessageBases)
	base.FileAreas = mergeUnique(base.FileAreas, update.FileAreas)
	base.DoorGames = mergeUnique(base.DoorGames, update.DoorGames)
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	for _, v := range extra {
		if v != "" && !seen[v] {
			base = append(base, v)
			seen[v] = true
		}
	}
	return base
}
