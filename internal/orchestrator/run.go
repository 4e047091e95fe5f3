package orchestrator

import (
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/opentask/internal/store"
)

// run is the mutable state of one executing task. The agent's emit callback
// and the asynchronous identification passes share it.
type run struct {
	task      store.Task
	started   time.Time
	threshold int

	mu         sync.Mutex
	transcript strings.Builder
	segment    strings.Builder
	count      int
	lines      int
	claimed    map[string]struct{}
	files      []string

	pending sync.WaitGroup
}

func newRun(task store.Task, threshold int, now time.Time) *run {
	return &run{
		task:      task,
		started:   now,
		threshold: threshold,
		claimed:   make(map[string]struct{}),
	}
}

// append adds a cleaned line to the transcript and the current segment. When
// the segment reaches the threshold it is returned and a new one begins.
func (r *run) append(line string) (full string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcript.WriteString(line)
	r.transcript.WriteByte('\n')
	r.segment.WriteString(line)
	r.segment.WriteByte('\n')
	r.count += len(line) + 1
	r.lines++
	if r.count >= r.threshold {
		full = r.segment.String()
		r.segment.Reset()
		r.count = 0
	}
	return full
}

// note appends a service-authored line to the transcript only.
func (r *run) note(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcript.WriteString(line)
	r.transcript.WriteByte('\n')
}

func (r *run) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

func (r *run) emitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lines
}

// claim reserves path for archiving. It reports false when another pass
// already holds or archived it.
func (r *run) claim(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[path]; ok {
		return false
	}
	r.claimed[path] = struct{}{}
	return true
}

// release gives up a claim after a failed upload so a later pass may retry.
func (r *run) release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, path)
}

func (r *run) archived(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, name)
}

func (r *run) archivedFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}
