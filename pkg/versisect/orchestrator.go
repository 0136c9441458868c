package versisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/dchest/uniuri"
	"github.com/sirupsen/logrus"
)

// TimeFormat is the format of the timestamp every line of run output is prefixed with
const TimeFormat = "15:04:05"

// An Orchestrator executes tasks. It resolves a task's fiddle, picks the versions to run,
// dispatches one run at a time to its executor and turns the results into an exit code and a report.
//
// An Orchestrator holds no state of its own between tasks, so it may run several tasks concurrently.
type Orchestrator struct {
	Catalog *Catalog // The known versions
	// Loads the catalog for every task once its fiddle was resolved, if Catalog is nil
	CatalogLoader func(ctx context.Context) (*Catalog, error)

	Resolver Resolver // Resolves fiddle sources. Defaults to a [FileResolver] in the current directory
	Executor Executor // Executes runs

	Stdout io.Writer // Receives run output and reports. Defaults to os.Stdout
	Stderr io.Writer // Receives diagnostics of failed tasks. Defaults to os.Stderr

	RunTimeout time.Duration // How long to wait for the result of a single run. Zero waits indefinitely

	CompareURL string            // Link to the changes between two versions, {good} and {bad} get replaced with the bracket
	Settings   map[string]string // Additional settings printed for tasks with LogConfig set

	Metrics *Metrics

	Log *logrus.Logger
}

// session is the scope of one task. Its event channel only lives as long as the task.
type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	events  chan Event
	catalog *Catalog
}

func newSession(ctx context.Context, catalog *Catalog) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event),
		catalog: catalog,
	}
}

// Run executes the task and returns its exit code.
// Every failure is reported with a single line on Stderr.
func (o *Orchestrator) Run(ctx context.Context, task Task) ExitCode {
	code, err := o.run(ctx, task)
	if err != nil {
		fmt.Fprintln(o.stderr(), strings.ReplaceAll(err.Error(), "\n", " - "))
	}
	o.Metrics.observeTask(taskKind(task), code)
	return code
}

func (o *Orchestrator) run(ctx context.Context, task Task) (ExitCode, error) {
	if err := ValidateTask(task); err != nil {
		return ExitInvalid, err
	}

	fiddle, err := o.resolver().Resolve(ctx, task.fiddleSource())
	if err != nil {
		return ExitInvalid, err
	}
	defer func() {
		if err := fiddle.Cleanup(); err != nil {
			o.log().Warnf("Failed to remove fiddle snapshot %s - %v", fiddle.Dir, err)
		}
	}()

	catalog, err := o.catalog(ctx)
	if err != nil {
		return ExitInvalid, err
	}
	if task.logConfig() {
		o.printConfig(catalog)
	}

	s := newSession(ctx, catalog)
	defer s.cancel()

	switch t := task.(type) {
	case TestTask:
		return o.runTest(s, t, fiddle)
	case BisectTask:
		return o.runBisect(s, t, fiddle)
	}
	return ExitInvalid, &UsageError{Msg: fmt.Sprintf("unknown task type %T", task)}
}

func (o *Orchestrator) runTest(s *session, task TestTask, fiddle *Fiddle) (ExitCode, error) {
	var version RunnableVersion
	if task.Version != "" {
		var err error
		if version, err = s.catalog.Lookup(task.Version); err != nil {
			return ExitInvalid, &UsageError{Msg: err.Error()}
		}
	} else {
		var ok bool
		if version, ok = s.catalog.Latest(task.Filter); !ok {
			return ExitInvalid, &UsageError{Msg: "no known version passes the channel filter"}
		}
	}

	result, err := o.dispatch(s, version, fiddle)
	if err != nil {
		return ExitInvalid, err
	}
	fmt.Fprintf(o.stdout(), "Run at version %s: %s\n", version, result)
	return result.ExitCode(), nil
}

func (o *Orchestrator) runBisect(s *session, task BisectTask, fiddle *Fiddle) (ExitCode, error) {
	good, err := s.catalog.Lookup(task.GoodVersion)
	if err != nil {
		return ExitInvalid, &UsageError{Msg: err.Error()}
	}
	bad, err := s.catalog.Lookup(task.BadVersion)
	if err != nil {
		return ExitInvalid, &UsageError{Msg: err.Error()}
	}

	between := s.catalog.Between(task.Filter, good.Version, bad.Version)
	bisection := NewBisection(good, bad, between)
	o.log().Infof("Bisecting %d versions between good version %s and bad version %s", len(between), good, bad)

	for {
		switch next := bisection.Next().(type) {
		case Continue:
			o.log().Infof("Testing version %s. Expected amount of runs left: ~%.1f", next.Version, math.Log2(float64(bisection.Remaining()+1)))
			result, err := o.dispatch(s, next.Version, fiddle)
			if err != nil {
				return ExitInvalid, err
			}
			if _, err := bisection.Step(result); err != nil {
				return ExitInvalid, err
			}
		case Done:
			o.reportDone(bisection, next)
			return ExitSuccess, nil
		case Inconclusive:
			o.reportInconclusive(bisection, next)
			return ExitInvalid, nil
		default:
			return ExitInvalid, fmt.Errorf("unknown bisection decision %T", next)
		}
	}
}

// dispatch hands one run to the executor and waits for its result, printing its output as it arrives.
// Events of any other run are discarded.
func (o *Orchestrator) dispatch(s *session, version RunnableVersion, fiddle *Fiddle) (RunResult, error) {
	if o.Executor == nil {
		return 0, &TransportError{Version: version.Version, Err: errors.New("no executor configured")}
	}

	runID := uniuri.New()
	log := o.log().WithFields(logrus.Fields{"run-id": runID, "version": version.Version})

	var runCtx context.Context
	var cancel context.CancelFunc
	if o.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, o.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	// Tears down whatever the executor still holds once the result is in
	defer cancel()

	req := RunRequest{RunID: runID, Version: version, Fiddle: fiddle}
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		done <- o.Executor.Execute(runCtx, req, s.events)
	}()
	log.Debugf("Dispatched run")

	for {
		select {
		case ev := <-s.events:
			if ev.EventRunID() != runID {
				log.Debugf("Discarding %T of superseded run %s", ev, ev.EventRunID())
				continue
			}
			switch e := ev.(type) {
			case OutputEvent:
				o.printOutput(e.Entry)
			case ResultEvent:
				if e.Result < ResultSuccess || e.Result > ResultInvalid {
					return 0, &TransportError{RunID: runID, Version: version.Version, Err: fmt.Errorf("executor sent unknown result %d", e.Result)}
				}
				log.Infof("Run finished: %s", e.Result)
				o.Metrics.observeRun(e.Result.String(), time.Since(start))
				return e.Result, nil
			default:
				log.Warnf("Ignoring unknown event %T", ev)
			}
		case err := <-done:
			if s.ctx.Err() != nil {
				return 0, taskCancelled(s.ctx)
			}
			// Events are sent unbuffered, so everything the executor sent before returning was received already
			if err == nil {
				err = errors.New("executor returned without a result")
			}
			o.Metrics.observeRun("transport_error", time.Since(start))
			return 0, &TransportError{RunID: runID, Version: version.Version, Err: err}
		case <-runCtx.Done():
			if s.ctx.Err() != nil {
				return 0, taskCancelled(s.ctx)
			}
			o.Metrics.observeRun("transport_error", time.Since(start))
			return 0, &TransportError{RunID: runID, Version: version.Version, Err: fmt.Errorf("no result within %s", o.RunTimeout)}
		}
	}
}

func taskCancelled(ctx context.Context) error {
	return errors.Join(errors.New("task cancelled"), ctx.Err())
}

func (o *Orchestrator) printOutput(entry OutputEntry) {
	fmt.Fprintf(o.stdout(), "[%s] %s\n", entry.Timestamp.Local().Format(TimeFormat), entry.Text)
}

func (o *Orchestrator) reportDone(b *Bisection, done Done) {
	w := o.stdout()
	fmt.Fprintf(w, "Bisection done after %d runs: the change was introduced between %s and %s\n", b.Runs(), done.Good, done.Bad)
	if link := o.compareLink(done.Good, done.Bad); link != "" {
		fmt.Fprintf(w, "Changes between versions: %s\n", link)
	}
	if len(done.Untested) > 0 {
		fmt.Fprintf(w, "Versions in between which could not be tested: %s\n", joinVersions(done.Untested))
	}
}

func (o *Orchestrator) reportInconclusive(b *Bisection, inconclusive Inconclusive) {
	fmt.Fprintf(o.stdout(), "Bisection inconclusive after %d runs: every version between %s and %s produced an invalid run: %s\n",
		b.Runs(), inconclusive.Good, inconclusive.Bad, joinVersions(inconclusive.Untested))
}

func (o *Orchestrator) compareLink(good, bad RunnableVersion) string {
	if o.CompareURL == "" || good.Source == Local || bad.Source == Local {
		return ""
	}
	return strings.NewReplacer("{good}", good.Version, "{bad}", bad.Version).Replace(o.CompareURL)
}

func joinVersions(versions []RunnableVersion) string {
	names := make([]string, len(versions))
	for i, v := range versions {
		names[i] = v.String()
	}
	return strings.Join(names, ", ")
}

// printConfig prints diagnostics about the environment the task runs in
func (o *Orchestrator) printConfig(catalog *Catalog) {
	w := o.stdout()
	fmt.Fprintln(w, "versisect started")
	fmt.Fprintf(w, "platform: %s\n", runtime.GOOS)
	fmt.Fprintf(w, "arch: %s\n", runtime.GOARCH)
	fmt.Fprintf(w, "go: %s\n", runtime.Version())
	fmt.Fprintf(w, "executor: %T\n", o.Executor)
	fmt.Fprintf(w, "versions: %d known\n", catalog.Len())

	keys := make([]string, 0, len(o.Settings))
	for k := range o.Settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, o.Settings[k])
	}
}

func taskKind(task Task) string {
	switch task.(type) {
	case TestTask:
		return "test"
	case BisectTask:
		return "bisect"
	}
	return "unknown"
}

func (o *Orchestrator) catalog(ctx context.Context) (*Catalog, error) {
	if o.Catalog != nil {
		return o.Catalog, nil
	}
	if o.CatalogLoader == nil {
		return &Catalog{}, nil
	}
	catalog, err := o.CatalogLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't load version catalog - %w", err)
	}
	return catalog, nil
}

func (o *Orchestrator) resolver() Resolver {
	if o.Resolver == nil {
		return &FileResolver{Log: o.Log}
	}
	return o.Resolver
}

func (o *Orchestrator) stdout() io.Writer {
	if o.Stdout == nil {
		return os.Stdout
	}
	return o.Stdout
}

func (o *Orchestrator) stderr() io.Writer {
	if o.Stderr == nil {
		return os.Stderr
	}
	return o.Stderr
}

func (o *Orchestrator) log() *logrus.Logger {
	return orMuted(o.Log)
}

var muted = mutedLogger()

func mutedLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// orMuted returns log, or a logger discarding everything if log is nil
func orMuted(log *logrus.Logger) *logrus.Logger {
	if log == nil {
		return muted
	}
	return log
}
