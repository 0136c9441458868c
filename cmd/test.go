package cmd

import (
	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/spf13/cobra"
)

func newTestCmd(b *builder) *cobra.Command {
	var flags taskFlags
	var version string

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Run a fiddle once against a single version",
		Long: `Run a fiddle once against a single version.
If no version is given, the newest version passing the channel flags is used.

The exit code is 0 if the run succeeded, 1 if it failed and 2 if the run was invalid, e.g. because the fiddle doesn't work with the version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := flags.filter(cmd)
			if err != nil {
				return err
			}
			fiddle, err := flags.fiddleSource(b)
			if err != nil {
				return err
			}

			task := versisect.TestTask{
				Fiddle:    fiddle,
				Version:   version,
				Filter:    filter,
				LogConfig: flags.logConfig,
			}
			if err := versisect.ValidateTask(task); err != nil {
				return err
			}
			b.task = task
			return nil
		},
	}

	flags.register(testCmd, false)
	testCmd.Flags().StringVar(&version, "version", "", "The version to run the fiddle against")

	return testCmd
}
