package cmd

import (
	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/spf13/cobra"
)

func newBisectCmd(b *builder) *cobra.Command {
	var flags taskFlags

	bisectCmd := &cobra.Command{
		Use:   "bisect good bad",
		Short: "Find the versions between which a fiddle's behavior changed",
		Long: `Find the versions between which a fiddle's behavior changed.
This command takes in a good version, on which the fiddle succeeds, and a bad version, on which it fails, in that order.
The versions in between are binary searched by running the fiddle, until the adjacent pair of versions where the change happened is found.
Runs which are invalid, e.g. because the fiddle doesn't work with a version, are skipped.

The exit code is 0 whenever the search found such a pair, even though the fiddle of course failed on the bad version of it.
If the search could not decide because versions in between had invalid runs, the exit code is 2.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(cmd)
			if err != nil {
				return err
			}
			fiddle, err := flags.fiddleSource(b)
			if err != nil {
				return err
			}

			task := versisect.BisectTask{
				Fiddle:      fiddle,
				GoodVersion: args[0],
				BadVersion:  args[1],
				Filter:      filter,
				LogConfig:   flags.logConfig,
			}
			if err := versisect.ValidateTask(task); err != nil {
				return err
			}
			b.task = task
			return nil
		},
	}

	flags.register(bisectCmd, true)

	return bisectCmd
}
