package versisect

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// RunResult is the terminal classification of one run
type RunResult int

const (
	ResultSuccess RunResult = iota + 1 // The fiddle ran and did not exhibit the change
	ResultFailure                      // The fiddle ran and exhibited the change
	ResultInvalid                      // The run produced no meaningful signal, e.g. the fiddle does not work with this version
)

func (r RunResult) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultInvalid:
		return "invalid"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

func (r RunResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ExitCode is the exit code a task concludes with
type ExitCode int

const (
	ExitSuccess ExitCode = 0 // The run succeeded or the bisection found a bracket
	ExitFailure ExitCode = 1 // The run failed. Only used by test tasks
	ExitInvalid ExitCode = 2 // Invalid input, an ambiguous run, an inconclusive bisection or a broken executor
)

// ExitCode maps the result of a single run to the exit code of a test task
func (r RunResult) ExitCode() ExitCode {
	switch r {
	case ResultSuccess:
		return ExitSuccess
	case ResultFailure:
		return ExitFailure
	}
	return ExitInvalid
}

// An OutputEntry is a single line of output streamed by a run
type OutputEntry struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// A RunRequest asks an executor to run a fiddle against a version
type RunRequest struct {
	RunID   string
	Version RunnableVersion
	Fiddle  *Fiddle
}

// An Event is sent by an executor while executing a run.
// It is either an [OutputEvent] or a [ResultEvent].
type Event interface {
	EventRunID() string
}

// An OutputEvent carries one line of a run's output
type OutputEvent struct {
	RunID string
	Entry OutputEntry
}

// A ResultEvent carries the terminal result of a run. It is the last event of a run.
type ResultEvent struct {
	RunID  string
	Result RunResult
}

func (e OutputEvent) EventRunID() string { return e.RunID }
func (e ResultEvent) EventRunID() string { return e.RunID }

// An Executor runs fiddles.
//
// Execute runs req and publishes zero or more [OutputEvent]-s followed by exactly one [ResultEvent] to events,
// all carrying req.RunID. Events should be published using [Emit].
// A non-nil error means the run broke down without a result and is treated as a transport failure.
// When ctx is cancelled, the executor has to tear down all resources of the run.
type Executor interface {
	Execute(ctx context.Context, req RunRequest, events chan<- Event) error
}

// ExecutorFunc adapts a function to the [Executor] interface
type ExecutorFunc func(ctx context.Context, req RunRequest, events chan<- Event) error

func (f ExecutorFunc) Execute(ctx context.Context, req RunRequest, events chan<- Event) error {
	return f(ctx, req, events)
}

// Emit publishes an event, giving up if ctx is done first. It returns whether the event was published.
func Emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// lineEmitter is an io.Writer splitting everything written to it into lines and emitting each as an OutputEvent
type lineEmitter struct {
	ctx    context.Context
	runID  string
	events chan<- Event

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineEmitter(ctx context.Context, runID string, events chan<- Event) *lineEmitter {
	return &lineEmitter{ctx: ctx, runID: runID, events: events}
}

func (l *lineEmitter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(l.buf.Next(i + 1))
		l.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits a trailing line which was not terminated by a newline
func (l *lineEmitter) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buf.Len() > 0 {
		l.emit(strings.TrimRight(l.buf.String(), "\r"))
		l.buf.Reset()
	}
}

func (l *lineEmitter) emit(text string) {
	Emit(l.ctx, l.events, OutputEvent{
		RunID: l.runID,
		Entry: OutputEntry{Text: text, Timestamp: time.Now()},
	})
}
