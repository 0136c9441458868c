package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/DominicWuest/versisect/internal/config"
	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/spf13/cobra"
)

func newVersionsCmd(b *builder) *cobra.Command {
	var flags taskFlags

	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "List the known versions passing the channel flags",
		Long: `List the known versions passing the channel flags, oldest first.
These are the versions a bisection with the same flags may run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(cmd)
			if err != nil {
				return err
			}
			b.action = func(ctx context.Context) error {
				return listVersions(ctx, cmd.OutOrStdout(), b.configPath, filter)
			}
			return nil
		},
	}

	flags.registerFilter(versionsCmd, true)

	return versionsCmd
}

// listVersions prints the versions of the configured catalog passing filter
func listVersions(ctx context.Context, out io.Writer, configPath string, filter versisect.ChannelFilter) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(ctx, cfg)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCHANNEL\tOBSOLETE\tSOURCE")
	for _, v := range catalog.Filter(filter) {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", v.Version, v.Channel, v.Obsolete, v.Source)
	}
	return w.Flush()
}
