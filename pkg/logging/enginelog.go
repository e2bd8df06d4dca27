package logging

import "sync"

// DefaultEngineLogRetain is how many raw engine output lines are kept for
// the logs API when no explicit retain count is configured.
const DefaultEngineLogRetain = 1000

// EngineLog collects raw output lines from the proxy engine. It is a
// bounded ring: once retain lines are held, the oldest line is dropped
// for each new one. Safe for concurrent use; the engine output drain
// writes while API readers fetch.
type EngineLog struct {
	mu     sync.Mutex
	lines  []string
	start  int
	count  int
	retain int
}

// NewEngineLog creates a collector retaining the last retain lines.
func NewEngineLog(retain int) *EngineLog {
	if retain <= 0 {
		retain = DefaultEngineLogRetain
	}
	return &EngineLog{
		lines:  make([]string, retain),
		retain: retain,
	}
}

// AppendLine records one output line, evicting the oldest if full.
func (e *EngineLog) AppendLine(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.count < e.retain {
		e.lines[(e.start+e.count)%e.retain] = line
		e.count++
		return
	}
	e.lines[e.start] = line
	e.start = (e.start + 1) % e.retain
}

// Clear drops all retained lines. Called when switching engine variants
// so stale output from the previous engine does not show up.
func (e *EngineLog) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.start = 0
	e.count = 0
}

// Lines returns up to n retained lines, oldest first. n <= 0 returns all.
func (e *EngineLog) Lines(n int) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > e.count {
		n = e.count
	}
	out := make([]string, n)
	offset := e.count - n
	for i := 0; i < n; i++ {
		out[i] = e.lines[(e.start+offset+i)%e.retain]
	}
	return out
}

// Len returns the number of retained lines.
func (e *EngineLog) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}
