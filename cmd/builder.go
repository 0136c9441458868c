package cmd

import (
	"context"
	"io"
	"os"
	"slices"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/spf13/cobra"
)

// builder collects what a command line asks for while cobra parses it.
// A new builder and command tree are created for every command line, so no flag state outlives it.
type builder struct {
	cwd string // The default fiddle location, computed once

	task     versisect.Task                  // The task to dispatch, if any
	launchUI bool                            // Whether the task server should be started
	action   func(ctx context.Context) error // Work of commands which aren't tasks, like versions

	configPath string
	verbosity  int
	quiet      bool

	port      int
	websocket bool
}

func newBuilder() *builder {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &builder{cwd: cwd}
}

// BuildTask parses a command line into a task without performing any I/O besides reading the working directory.
// It returns a nil task if the command line asks for the task server instead, e.g. if no command was given.
// Malformed command lines result in an error.
func BuildTask(args []string) (versisect.Task, error) {
	b, err := parse(args, io.Discard, io.Discard)
	if err != nil {
		return nil, err
	}
	return b.task, nil
}

// parse runs a command line through a new command tree.
// Commands only record what has to be done in the returned builder, nothing is executed yet.
func parse(args []string, stdout, stderr io.Writer) (*builder, error) {
	b := newBuilder()
	root := newRootCmd(b)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return nil, &versisect.UsageError{Msg: err.Error()}
	}
	return b, nil
}

// taskFlags are the flags shared by the test and bisect commands
type taskFlags struct {
	fiddle string

	full        bool
	betas       bool
	noBetas     bool
	nightlies   bool
	noNightlies bool
	obsolete    bool
	noObsolete  bool

	logConfig bool
}

func (f *taskFlags) register(cmd *cobra.Command, withFull bool) {
	flags := cmd.Flags()
	flags.StringVar(&f.fiddle, "fiddle", "", "The fiddle to run: a directory, a gist id or a gist URL. Defaults to the working directory")
	flags.BoolVar(&f.logConfig, "log-config", false, "Print diagnostics about the environment before running")
	f.registerFilter(cmd, withFull)
}

// registerFilter registers only the flags making up the channel filter
func (f *taskFlags) registerFilter(cmd *cobra.Command, withFull bool) {
	flags := cmd.Flags()
	if withFull {
		flags.BoolVar(&f.full, "full", false, "Use versions of all channels, including obsolete ones")
	}
	flags.BoolVar(&f.betas, "betas", false, "Include beta versions")
	flags.BoolVar(&f.noBetas, "no-betas", false, "Exclude beta versions")
	flags.BoolVar(&f.nightlies, "nightlies", false, "Include nightly versions")
	flags.BoolVar(&f.noNightlies, "no-nightlies", false, "Exclude nightly versions")
	flags.BoolVar(&f.obsolete, "obsolete", false, "Include obsolete versions")
	flags.BoolVar(&f.noObsolete, "no-obsolete", false, "Exclude obsolete versions")
}

// filter composes the channel flags into a channel filter
func (f *taskFlags) filter(cmd *cobra.Command) (versisect.ChannelFilter, error) {
	var filter versisect.ChannelFilter

	show := func(c versisect.Channel) {
		if !slices.Contains(filter.Show, c) {
			filter.Show = append(filter.Show, c)
		}
	}
	hide := func(c versisect.Channel) {
		if !slices.Contains(filter.Hide, c) {
			filter.Hide = append(filter.Hide, c)
		}
	}

	if f.full {
		show(versisect.Beta)
		show(versisect.Nightly)
		show(versisect.Stable)
		useObsolete := true
		filter.IncludeObsolete = &useObsolete
	}
	if f.betas {
		show(versisect.Beta)
	}
	if f.noBetas {
		hide(versisect.Beta)
	}
	if f.nightlies {
		show(versisect.Nightly)
	}
	if f.noNightlies {
		hide(versisect.Nightly)
	}

	// Explicitly set obsolete flags take precedence over --full
	changed := cmd.Flags().Changed
	switch {
	case changed("obsolete") && changed("no-obsolete"):
		return filter, &versisect.UsageError{Msg: "--obsolete and --no-obsolete cannot be combined"}
	case changed("obsolete"):
		useObsolete := f.obsolete
		filter.IncludeObsolete = &useObsolete
	case changed("no-obsolete"):
		useObsolete := !f.noObsolete
		filter.IncludeObsolete = &useObsolete
	}

	return filter, filter.Validate()
}

func (f *taskFlags) fiddleSource(b *builder) (versisect.FiddleSource, error) {
	return versisect.ParseFiddleSource(f.fiddle, b.cwd)
}
