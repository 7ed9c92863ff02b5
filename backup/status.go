package backup

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Snapshot is the progress of a run at one moment.
type Snapshot struct {
	Files  int64
	Dirs   int64
	Queued int64
	Failed int64
	Bytes  int64
	Path   string
}

// Status keeps a single, constantly rewritten progress line on a
// terminal and prints errors above it.
type Status struct {
	w        io.Writer
	interval time.Duration

	mu   sync.Mutex
	last time.Time
	open bool

	ok   lipgloss.Style
	warn lipgloss.Style
	bad  lipgloss.Style
}

// NewStatus returns a status line writing to w.
func NewStatus(w io.Writer) *Status {
	return &Status{
		w:        w,
		interval: 100 * time.Millisecond,
		ok:       lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		warn:     lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		bad:      lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// Line formats a snapshot the way the status line shows it.
func (p Snapshot) Line() string {
	total := p.Files + p.Dirs + p.Queued
	pct := int64(100)
	if total > 0 {
		pct = (p.Files + p.Dirs) * 100 / total
	}
	return fmt.Sprintf("%d files %d dirs | %d queued | %s | %d%% %s",
		p.Files, p.Dirs, p.Queued, humanize.Bytes(uint64(p.Bytes)), pct, p.Path)
}

// Update redraws the line, at most once per interval unless force is
// set.
func (st *Status) Update(p Snapshot, force bool) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	if !force && now.Sub(st.last) < st.interval {
		return
	}
	st.last = now
	style := st.ok
	if p.Failed > 0 {
		style = st.warn
	}
	fmt.Fprintf(st.w, "\r%s\x1b[K", style.Render(p.Line()))
	st.open = true
}

// Error prints msg on its own line in the error style.
func (st *Status) Error(msg string) {
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	fmt.Fprintf(st.w, "\r\x1b[K%s\n", st.bad.Render(msg))
	st.open = false
}

// Done ends the status line.
func (st *Status) Done(p Snapshot) {
	if st == nil {
		return
	}
	st.Update(p, true)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.open {
		fmt.Fprintln(st.w)
		st.open = false
	}
}
