package cmd

import (
	"github.com/spf13/cobra"
)

func newStartCmd(b *builder) *cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a server for running tests and bisections over HTTP",
		Long: `Start a server for running tests and bisections over HTTP.

Calling this command results in a RESTful HTTP server being created, with whose API tasks can be submitted and their output followed.
With --websocket, the output of tasks can additionally be streamed over a websocket.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			b.launchUI = true
		},
	}

	startCmd.Flags().IntVarP(&b.port, "port", "p", 0, "The port on which to start the server. Defaults to the configured port")
	startCmd.Flags().BoolVar(&b.websocket, "websocket", false, "Serve task output over websockets as well")

	return startCmd
}
