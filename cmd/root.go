package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/DominicWuest/versisect/internal/config"
	"github.com/DominicWuest/versisect/internal/server"
	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

func newRootCmd(b *builder) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "versisect",
		Short: "Find the version of a runtime which introduced a change, by running a fiddle against many versions",
		Long: `Find the version of a runtime which introduced a change, by running a fiddle against many versions.

Without a command, versisect starts the task server, just like the start command.
Flags meant for the runtime binary are ignored in that case.`,
		Args: cobra.NoArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{
			UnknownFlags: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			b.launchUI = true
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&b.configPath, "config", "", "The config file to use. Defaults to versisect.yaml in the working directory or $HOME/.config/versisect")
	rootCmd.PersistentFlags().CountVarP(&b.verbosity, "verbose", "v", "Log more, can be repeated up to three times")
	rootCmd.PersistentFlags().BoolVarP(&b.quiet, "quiet", "q", false, "Don't log anything")

	rootCmd.AddCommand(newTestCmd(b), newBisectCmd(b), newStartCmd(b), newVersionsCmd(b), newCleanCmd(b))

	return rootCmd
}

// Execute runs versisect with the process' arguments and exits with the resulting exit code
func Execute() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	b, err := parse(args, stdout, stderr)
	if err != nil {
		// cobra already printed the error along with the usage
		return int(versisect.ExitInvalid)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if b.action != nil {
		if err := b.action(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return int(versisect.ExitInvalid)
		}
		return int(versisect.ExitSuccess)
	}
	if b.task == nil && !b.launchUI {
		// Help was requested
		return int(versisect.ExitSuccess)
	}

	log := b.logger(stderr)
	cfg, err := config.Load(b.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return int(versisect.ExitInvalid)
	}

	orchestrator := newOrchestrator(cfg, b.cwd, log)
	orchestrator.Stdout = stdout
	orchestrator.Stderr = stderr

	if b.launchUI {
		// The server lists versions right away, so there is nothing to gain from loading lazily
		if orchestrator.Catalog, err = loadCatalog(ctx, cfg); err != nil {
			fmt.Fprintln(stderr, err)
			return int(versisect.ExitInvalid)
		}

		serverType := server.HTTP
		if b.websocket {
			serverType = server.Websocket
		}
		port := cfg.Port
		if b.port != 0 {
			port = b.port
		}
		if err := server.Run(ctx, serverType, port, orchestrator, cfg.MaxConcurrentTasks, log); err != nil {
			fmt.Fprintf(stderr, "Task server failed - %v\n", err)
			return int(versisect.ExitInvalid)
		}
		return int(versisect.ExitSuccess)
	}

	return int(orchestrator.Run(ctx, b.task))
}

// logger creates the logger for a command line, based on its verbosity flags
func (b *builder) logger(out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	// Set logger verbosity
	if b.quiet {
		log.SetOutput(io.Discard)
	} else if b.verbosity == 0 {
		log.SetLevel(logrus.WarnLevel)
	} else if b.verbosity == 1 {
		log.SetLevel(logrus.InfoLevel)
	} else if b.verbosity == 2 {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.TraceLevel)
	}
	return log
}
