// Package logbuf keeps the recent console output of a runtime process.
package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultMaxLine caps a single buffered line. Output without newlines is split
// at this length so the partial buffer never grows without bound.
const DefaultMaxLine = 16 * 1024

// Ring is a thread-safe io.Writer that retains the last N lines written to it.
// Writes never block on readers and never fail, so a process draining into a
// Ring cannot stall on a full pipe.
type Ring struct {
	mu      sync.Mutex
	lines   []string
	size    int
	pos     int
	full    bool
	total   int64
	maxLine int
	partial bytes.Buffer
}

// New creates a ring that stores the last n lines.
func New(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{
		lines:   make([]string, n),
		size:    n,
		maxLine: DefaultMaxLine,
	}
}

// Write splits p on newlines and stores each complete line.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	r.total += int64(n)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			r.partial.Write(p)
			for r.partial.Len() >= r.maxLine {
				r.addLine(string(r.partial.Next(r.maxLine)))
			}
			break
		}
		r.partial.Write(p[:i])
		r.addLine(strings.TrimRight(r.partial.String(), "\r"))
		r.partial.Reset()
		p = p[i+1:]
	}
	return n, nil
}

func (r *Ring) addLine(line string) {
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Written returns the total number of bytes accepted since creation.
func (r *Ring) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Lines returns the stored lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.pos)
		copy(out, r.lines[:r.pos])
		return out
	}
	out := make([]string, r.size)
	copy(out, r.lines[r.pos:])
	copy(out[r.size-r.pos:], r.lines[:r.pos])
	return out
}

// Last returns up to n of the most recent lines.
func (r *Ring) Last(n int) []string {
	all := r.Lines()
	if n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// String joins the stored lines.
func (r *Ring) String() string {
	return strings.Join(r.Lines(), "\n")
}
