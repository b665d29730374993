package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"bbsfleet/internal/logging"
)

const (
	credentialsFile   = "credentials.yaml"
	relationshipsFile = "relationships.yaml"
	plotsFile         = "plots.yaml"
	knowledgeFile     = "knowledge.yaml"
	sessionsDirName   = "sessions"

	// summaryLookback is how many past session summaries feed the prompt.
	summaryLookback = 3
)

// Store is the on-disk memory for one (host, handle) pair. Only the owning
// session touches it: read once at session start, written once at session
// end.
type Store struct {
	root   string
	logger logging.Logger
	mu     sync.Mutex
}

// NewStore roots a store at <baseDir>/<host>/<handle>.
func NewStore(baseDir, host, handle string, logger logging.Logger) *Store {
	return &Store{
		root:   filepath.Join(baseDir, sanitizePathComponent(host), sanitizePathComponent(handle)),
		logger: logging.OrNop(logger),
	}
}

// Root returns the store's directory.
func (s *Store) Root() string {
	return s.root
}

func sanitizePathComponent(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return replacer.Replace(name)
}

// Load reads the memory files, tolerating absence: a fresh persona simply
// gets zero-valued memory.
func (s *Store) Load() (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mem := &Memory{Relationships: make(map[string]Relationship)}

	if err := s.readYAML(credentialsFile, &mem.Credentials); err != nil {
		return nil, err
	}
	if err := s.readYAML(knowledgeFile, &mem.Knowledge); err != nil {
		return nil, err
	}
	if err := s.readYAML(relationshipsFile, &mem.Relationships); err != nil {
		return nil, err
	}
	if err := s.readYAML(plotsFile, &mem.Plots); err != nil {
		return nil, err
	}

	summaries, err := s.loadSummaries()
	if err != nil {
		return nil, err
	}
	mem.Summaries = summaries
	return mem, nil
}

func (s *Store) readYAML(name string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// Save writes all four memory files atomically. A failed file is skipped
// rather than partially written; the previous version stays intact.
func (s *Store) Save(mem *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}

	var firstErr error
	for _, part := range []struct {
		name string
		data any
	}{
		{credentialsFile, mem.Credentials},
		{knowledgeFile, mem.Knowledge},
		{relationshipsFile, mem.Relationships},
		{plotsFile, mem.Plots},
	} {
		if err := s.writeYAMLAtomic(part.name, part.data); err != nil {
			s.logger.Warn("memory save skipped %s: %v", part.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// writeYAMLAtomic writes to a temp file in the same directory and renames it
// over the target, so readers never see a torn file.
func (s *Store) writeYAMLAtomic(name string, data any) error {
	encoded, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	target := filepath.Join(s.root, name)
	tmp, err := os.CreateTemp(s.root, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp for %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// WriteTranscript appends nothing: it writes the full session transcript as
// one JSONL file named by the session's start time.
func (s *Store) WriteTranscript(startedAt time.Time, records []TranscriptRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, sessionsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}

	path := filepath.Join(dir, startedAt.UTC().Format("2006-01-02T15-04-05Z")+".jsonl")
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create transcript: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode transcript record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush transcript: %w", err)
	}
	return path, nil
}

// WriteSummary stores the distilled session summary next to its transcript.
func (s *Store) WriteSummary(startedAt time.Time, summary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, sessionsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	path := filepath.Join(dir, startedAt.UTC().Format("2006-01-02T15-04-05Z")+".summary.md")
	if err := os.WriteFile(path, []byte(summary), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	return path, nil
}

// loadSummaries returns the most recent session summaries, oldest first,
// capped at summaryLookback.
func (s *Store) loadSummaries() ([]SessionSummary, error) {
	dir := filepath.Join(s.root, sessionsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".summary.md") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names) // timestamp-named, so lexical order is chronological
	if len(names) > summaryLookback {
		names = names[len(names)-summaryLookback:]
	}

	var summaries []SessionSummary
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("skip unreadable summary %s: %v", name, err)
			continue
		}
		summaries = append(summaries, SessionSummary{
			Timestamp: strings.TrimSuffix(name, ".summary.md"),
			Summary:   strings.TrimSpace(string(data)),
		})
	}
	return summaries, nil
}
