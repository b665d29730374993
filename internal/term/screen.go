// Package term turns the byte stream from a board into a stable 80x24 text
// snapshot an agent can read. It decodes CP437, interprets the cursor and
// erase escape sequences boards emit, and detects when the stream has gone
// quiet enough that input is expected.
package term

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Screen geometry. Boards render for 80x24 and we report the same via NAWS.
const (
	Rows = 24
	Cols = 80
)

// Screen is the virtual terminal: a fixed 80x24 glyph grid plus cursor.
// Color and attribute sequences are consumed and discarded; only glyph
// placement survives into snapshots.
type Screen struct {
	mu           sync.Mutex
	grid         [Rows][Cols]rune
	row, col     int
	savedRow     int
	savedCol     int
	pending      []byte
	lastMutation time.Time
}

// NewScreen returns a cleared screen with the cursor at home.
func NewScreen() *Screen {
	s := &Screen{}
	s.clearLocked()
	return s
}

func (s *Screen) clearLocked() {
	for r := 0; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			s.grid[r][c] = ' '
		}
	}
	s.row, s.col = 0, 0
}

// Reset clears the grid, homes the cursor, and drops any partial escape
// sequence held across writes.
func (s *Screen) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.pending = nil
	s.lastMutation = time.Now()
}

// Cursor returns the current cursor position.
func (s *Screen) Cursor() (row, col int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row, s.col
}

// LastMutation returns when the grid last changed.
func (s *Screen) LastMutation() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMutation
}

// Write applies text (already CP437-decoded) to the grid, interpreting
// escape sequences. A sequence split across writes is held until its
// remainder arrives.
func (s *Screen) Write(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input := append(s.pending, []byte(text)...)
	s.pending = nil

	var state byte
	for len(input) > 0 {
		seq, _, n, newState := ansi.DecodeSequence(input, state, nil)
		if n == 0 {
			break
		}
		if incompleteSequence(seq) && n == len(input) {
			// Tail of this chunk is a partial escape; wait for the rest.
			s.pending = append([]byte(nil), input...)
			break
		}
		s.apply(seq)
		input = input[n:]
		state = newState
	}
	s.lastMutation = time.Now()
}

// incompleteSequence reports whether seq is a truncated escape sequence
// (lone ESC, or a CSI/OSC body with no terminator yet).
func incompleteSequence(seq []byte) bool {
	if len(seq) == 0 || seq[0] != 0x1B {
		return false
	}
	if len(seq) == 1 {
		return true
	}
	last := seq[len(seq)-1]
	switch seq[1] {
	case '[':
		return last < 0x40 || last > 0x7E
	case ']':
		terminated := last == 0x07 || (len(seq) >= 3 && seq[len(seq)-2] == 0x1B && last == '\\')
		return !terminated
	default:
		return false
	}
}

func (s *Screen) apply(seq []byte) {
	if len(seq) == 0 {
		return
	}
	if seq[0] == 0x1B {
		if len(seq) >= 2 && seq[1] == '[' {
			s.applyCSI(seq)
		}
		// Other ESC sequences (charset selection, OSC titles) carry no
		// glyphs; drop them.
		return
	}
	for _, r := range string(seq) {
		s.put(r)
	}
}

func (s *Screen) put(r rune) {
	switch r {
	case '\r':
		s.col = 0
	case '\n':
		s.lineFeed()
	case '\b':
		if s.col > 0 {
			s.col--
		}
	case '\t':
		next := (s.col/8 + 1) * 8
		if next >= Cols {
			next = Cols - 1
		}
		s.col = next
	case 0x07, 0x00: // bell, NUL
	case 0x0C: // form feed clears, like ANSI.SYS
		s.clearLocked()
	default:
		if r < 0x20 {
			return
		}
		if s.col >= Cols {
			s.col = 0
			s.lineFeed()
		}
		s.grid[s.row][s.col] = r
		s.col++
	}
}

func (s *Screen) lineFeed() {
	if s.row < Rows-1 {
		s.row++
		return
	}
	s.scrollUp(1)
}

func (s *Screen) scrollUp(n int) {
	if n <= 0 {
		return
	}
	if n > Rows {
		n = Rows
	}
	copy(s.grid[:], s.grid[n:])
	for r := Rows - n; r < Rows; r++ {
		for c := 0; c < Cols; c++ {
			s.grid[r][c] = ' '
		}
	}
}

func (s *Screen) scrollDown(n int) {
	if n <= 0 {
		return
	}
	if n > Rows {
		n = Rows
	}
	copy(s.grid[n:], s.grid[:Rows-n])
	for r := 0; r < n; r++ {
		for c := 0; c < Cols; c++ {
			s.grid[r][c] = ' '
		}
	}
}

// csiParams parses the numeric parameters of a CSI sequence body.
func csiParams(seq []byte) (params []int, final byte) {
	body := seq[2:] // strip ESC [
	if len(body) == 0 {
		return nil, 0
	}
	final = body[len(body)-1]
	body = body[:len(body)-1]
	// Private-mode prefixes like ? are irrelevant to glyph placement.
	trimmed := strings.TrimLeft(string(body), "?<=>")
	if trimmed == "" {
		return nil, final
	}
	for _, part := range strings.Split(trimmed, ";") {
		v, err := strconv.Atoi(part)
		if err != nil {
			v = 0
		}
		params = append(params, v)
	}
	return params, final
}

func param(params []int, i, def int) int {
	if i >= len(params) || params[i] == 0 {
		return def
	}
	return params[i]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Screen) applyCSI(seq []byte) {
	params, final := csiParams(seq)
	switch final {
	case 'A':
		s.row = clamp(s.row-param(params, 0, 1), 0, Rows-1)
	case 'B':
		s.row = clamp(s.row+param(params, 0, 1), 0, Rows-1)
	case 'C':
		s.col = clamp(s.col+param(params, 0, 1), 0, Cols-1)
	case 'D':
		s.col = clamp(s.col-param(params, 0, 1), 0, Cols-1)
	case 'H', 'f':
		s.row = clamp(param(params, 0, 1)-1, 0, Rows-1)
		s.col = clamp(param(params, 1, 1)-1, 0, Cols-1)
	case 'G':
		s.col = clamp(param(params, 0, 1)-1, 0, Cols-1)
	case 'd':
		s.row = clamp(param(params, 0, 1)-1, 0, Rows-1)
	case 'J':
		s.eraseDisplay(paramRaw(params, 0))
	case 'K':
		s.eraseLine(paramRaw(params, 0))
	case 'S':
		s.scrollUp(param(params, 0, 1))
	case 'T':
		s.scrollDown(param(params, 0, 1))
	case 's':
		s.savedRow, s.savedCol = s.row, s.col
	case 'u':
		s.row, s.col = s.savedRow, s.savedCol
	case 'm':
		// Colors and attributes are accepted and discarded.
	}
}

// paramRaw is like param but treats an explicit 0 as 0 (J/K modes).
func paramRaw(params []int, i int) int {
	if i >= len(params) {
		return 0
	}
	return params[i]
}

func (s *Screen) eraseDisplay(mode int) {
	switch mode {
	case 0: // cursor to end
		s.eraseLine(0)
		for r := s.row + 1; r < Rows; r++ {
			for c := 0; c < Cols; c++ {
				s.grid[r][c] = ' '
			}
		}
	case 1: // start to cursor
		s.eraseLine(1)
		for r := 0; r < s.row; r++ {
			for c := 0; c < Cols; c++ {
				s.grid[r][c] = ' '
			}
		}
	case 2: // whole display; ANSI.SYS homes the cursor too
		s.clearLocked()
	}
}

func (s *Screen) eraseLine(mode int) {
	switch mode {
	case 0:
		for c := s.col; c < Cols; c++ {
			s.grid[s.row][c] = ' '
		}
	case 1:
		for c := 0; c <= s.col && c < Cols; c++ {
			s.grid[s.row][c] = ' '
		}
	case 2:
		for c := 0; c < Cols; c++ {
			s.grid[s.row][c] = ' '
		}
	}
}

// Snapshot renders the grid as newline-joined lines with trailing spaces
// trimmed and trailing blank lines removed. It reads but never mutates grid
// state, so back-to-back calls return equal strings.
func (s *Screen) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := make([]string, Rows)
	for r := 0; r < Rows; r++ {
		lines[r] = strings.TrimRight(string(s.grid[r][:]), " ")
	}
	end := Rows
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Tail returns the last n non-blank lines of the current snapshot.
func (s *Screen) Tail(n int) string {
	snapshot := s.Snapshot()
	if n <= 0 || snapshot == "" {
		return ""
	}
	var nonBlank []string
	for _, line := range strings.Split(snapshot, "\n") {
		if strings.TrimSpace(line) != "" {
			nonBlank = append(nonBlank, line)
		}
	}
	if len(nonBlank) > n {
		nonBlank = nonBlank[len(nonBlank)-n:]
	}
	return strings.Join(nonBlank, "\n")
}
