package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCleanCmd(b *builder) *cobra.Command {
	var onlyContainers bool
	var agree bool

	cleanCmd := &cobra.Command{
		Use:     "clean",
		Aliases: []string{"prune", "cleanup"},
		Short:   "Clean all docker artifacts created by the docker executor",
		Long: `This command cleans all docker artifacts created by the docker executor.
This includes containers, both running and stopped, as well as all docker images built for versions.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			b.action = func(ctx context.Context) error {
				return clean(ctx, cmd.OutOrStdout(), b.logger(cmd.ErrOrStderr()), onlyContainers, agree)
			}
		},
	}

	cleanCmd.Flags().BoolVarP(&onlyContainers, "containers", "c", false, "Only delete containers, no images.")
	cleanCmd.Flags().BoolVarP(&agree, "assume-yes", "y", false, `Bypass "Are you sure?" message.`)

	return cleanCmd
}

// clean removes the labelled containers and, unless onlyContainers is set, the labelled images
func clean(ctx context.Context, out io.Writer, log *logrus.Logger, onlyContainers, agree bool) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("couldn't create docker client - %w", err)
	}
	defer cli.Close()

	labelFilter := filters.NewArgs(filters.KeyValuePair{
		Key:   "label",
		Value: versisect.DockerLabel + "=1",
	})

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilter})
	if err != nil {
		return fmt.Errorf("couldn't list docker containers - %w", err)
	}

	var images []image.Summary
	if !onlyContainers {
		images, err = cli.ImageList(ctx, image.ListOptions{All: true, Filters: labelFilter})
		if err != nil {
			return fmt.Errorf("couldn't list docker images - %w", err)
		}
	}

	if len(containers)+len(images) == 0 {
		imageString := " or images"
		if onlyContainers {
			imageString = ""
		}
		fmt.Fprintf(out, "No containers%s to remove.\n", imageString)
		return nil
	}

	confirmationMessage := fmt.Sprintf("About to delete %d containers", len(containers))
	if !onlyContainers {
		confirmationMessage += fmt.Sprintf(" and %d images", len(images))
	}
	fmt.Fprintln(out, confirmationMessage+".")

	if !agree {
		prompt := promptui.Prompt{
			Label:     "Proceed",
			IsConfirm: true,
		}
		if _, err := prompt.Run(); err != nil {
			log.Info("Exiting...")
			return nil
		}
	}

	for _, c := range containers {
		log.Infof("Deleting container %s (ID: %s)", containerName(c), c.ID)
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("failed to remove container with ID %s - %w", c.ID, err)
		}
	}

	for _, i := range images {
		log.Infof("Deleting image %s (ID: %s)", imageName(i), i.ID)
		if _, err := cli.ImageRemove(ctx, i.ID, image.RemoveOptions{
			PruneChildren: true,
			Force:         true,
		}); err != nil {
			return fmt.Errorf("failed to remove image with ID %s - %w", i.ID, err)
		}
	}

	log.Info("Done cleaning up.")
	return nil
}

func containerName(c types.Container) string {
	if len(c.Names) == 0 {
		return c.ID
	}
	return c.Names[0][1:]
}

func imageName(i image.Summary) string {
	if len(i.RepoTags) == 0 {
		return "<untagged>"
	}
	return i.RepoTags[0]
}
