package server

import (
	"strings"
	"sync"
	"time"

	"github.com/DominicWuest/versisect/pkg/versisect"
)

type taskState string

const (
	stateQueued  taskState = "queued"
	stateRunning taskState = "running"
	stateDone    taskState = "done"
)

// A taskRecord collects the state and output of a submitted task
type taskRecord struct {
	id   string
	kind string

	mu       sync.Mutex
	state    taskState
	exitCode versisect.ExitCode
	output   []outputLine
	changed  chan struct{} // Closed and replaced whenever the record changes
}

type outputLine struct {
	Text      string    `json:"text"`
	Stderr    bool      `json:"stderr,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newTaskRecord(id, kind string) *taskRecord {
	return &taskRecord{
		id:      id,
		kind:    kind,
		state:   stateQueued,
		changed: make(chan struct{}),
	}
}

// notify wakes up everyone waiting for changes. Must be called with mu held.
func (t *taskRecord) notify() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *taskRecord) setState(state taskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.notify()
}

func (t *taskRecord) finish(code versisect.ExitCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitCode = code
	t.state = stateDone
	t.notify()
}

func (t *taskRecord) appendOutput(text string, stderr bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		t.output = append(t.output, outputLine{Text: line, Stderr: stderr, Timestamp: time.Now()})
	}
	t.notify()
}

// since returns the output lines starting at index from, whether the task is done,
// and a channel which gets closed on the next change
func (t *taskRecord) since(from int) ([]outputLine, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lines []outputLine
	if from < len(t.output) {
		lines = append(lines, t.output[from:]...)
	}
	return lines, t.state == stateDone, t.changed
}

func (t *taskRecord) response() taskResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp := taskResponse{
		TaskID: t.id,
		Kind:   t.kind,
		State:  string(t.state),
		Output: append([]outputLine{}, t.output...),
	}
	if t.state == stateDone {
		code := int(t.exitCode)
		resp.ExitCode = &code
	}
	return resp
}

// recordWriter writes whatever the orchestrator prints into a task record
type recordWriter struct {
	record *taskRecord
	stderr bool
}

func (w recordWriter) Write(p []byte) (int, error) {
	w.record.appendOutput(string(p), w.stderr)
	return len(p), nil
}
