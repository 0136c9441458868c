package versisect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/otiai10/copy"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// SkipExitCode is the exit code with which a fiddle marks a run as invalid, following the git bisect convention
const SkipExitCode = 125

// killWaitDelay bounds how long output is still read after a cancelled run was killed
const killWaitDelay = 2 * time.Second

// A ProcessExecutor runs fiddles by launching a version's runtime binary with the fiddle's directory as last argument.
// Exit code 0 is a success, [SkipExitCode] or death by a signal an invalid run and any other exit code a failure.
type ProcessExecutor struct {
	// The path to the binary of remote versions. Occurrences of {version} get replaced with the version to run
	BinaryPath string
	// The name of the binary inside the directory of local builds
	LocalBinary string

	Args []string // Arguments passed before the fiddle directory
	Env  []string // Additional environment variables of the run, in the form KEY=value

	Log *logrus.Logger
}

// Execute runs req in a fresh copy of the fiddle's snapshot
func (p *ProcessExecutor) Execute(ctx context.Context, req RunRequest, events chan<- Event) error {
	log := orMuted(p.Log).WithField("run-id", req.RunID)

	binary, err := p.binaryOf(req.Version)
	if err != nil {
		return err
	}

	// Runs may write to their directory, so every run gets its own copy
	workDir, err := os.MkdirTemp("", "versisect-run-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)
	if err := copy.Copy(req.Fiddle.Dir, workDir); err != nil {
		return errors.Join(fmt.Errorf("failed to copy fiddle into %s", workDir), err)
	}

	port, err := freeport.GetFreePort()
	if err != nil {
		return errors.Join(fmt.Errorf("failed to get a free port for run %s", req.RunID), err)
	}

	cmd := exec.CommandContext(ctx, binary, append(slices.Clone(p.Args), workDir)...)
	cmd.Dir = workDir
	// Runtimes spawn helper processes, so the whole process group gets killed on cancellation
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killWaitDelay
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("PORT=%d", port),
		fmt.Sprintf("VERSISECT_VERSION=%s", req.Version.Version),
		fmt.Sprintf("VERSISECT_RUN_ID=%s", req.RunID),
	)

	output := newLineEmitter(ctx, req.RunID, events)
	cmd.Stdout = output
	cmd.Stderr = output

	log.Infof("Running %s %s for version %s", binary, strings.Join(cmd.Args[1:], " "), req.Version)
	runErr := cmd.Run()
	output.Flush()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	result, err := classifyExit(runErr)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to run %s", binary), err)
	}
	log.Infof("Run at version %s finished: %s", req.Version, result)

	if !Emit(ctx, events, ResultEvent{RunID: req.RunID, Result: result}) {
		return ctx.Err()
	}
	return nil
}

// binaryOf returns the path to the runtime binary of a version
func (p *ProcessExecutor) binaryOf(v RunnableVersion) (string, error) {
	var binary string
	if v.Source == Local {
		name := p.LocalBinary
		if name == "" {
			name = "electron"
		}
		binary = filepath.Join(v.LocalPath, name)
	} else {
		if p.BinaryPath == "" {
			return "", errors.New("no binary path configured for remote versions")
		}
		binary = strings.ReplaceAll(p.BinaryPath, "{version}", v.Version)
	}

	// Bare names are looked up in PATH, just like exec.Command would
	if !strings.ContainsRune(binary, filepath.Separator) {
		return exec.LookPath(binary)
	}
	if _, err := os.Stat(binary); err != nil {
		return "", errors.Join(fmt.Errorf("binary of version %s is not available", v), err)
	}
	return binary, nil
}

// classifyExit maps the error returned by running a process to a run result.
// Errors which don't stem from the process exiting are returned as is.
func classifyExit(err error) (RunResult, error) {
	if err == nil {
		return ResultSuccess, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, err
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return ResultInvalid, nil
	}
	return exitCodeResult(int64(exitErr.ExitCode())), nil
}

func exitCodeResult(code int64) RunResult {
	switch {
	case code == 0:
		return ResultSuccess
	case code == SkipExitCode, code < 0:
		return ResultInvalid
	}
	return ResultFailure
}
