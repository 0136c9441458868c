//go:build integration

package versisect_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DominicWuest/versisect/pkg/versisect"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The "runtime" of this dockerfile fails for every version from 3.0.0 on and can't be built for 2.1.0
const testDockerfile = `
FROM alpine:3.19
ARG VERSION
RUN test "$VERSION" != "2.1.0"
RUN printf '#!/bin/sh\necho "version %s running $(cat /fiddle/main.txt)"\ncase "%s" in 1.*|2.*) exit 0;; *) exit 1;; esac\n' "$VERSION" "$VERSION" > /usr/local/bin/runtime && chmod +x /usr/local/bin/runtime
CMD ["runtime"]
`

func TestDockerExecutorBisection(t *testing.T) {
	var versions []versisect.RunnableVersion
	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0", "2.1.0", "3.0.0", "3.1.0"} {
		version, err := versisect.ParseVersion(v)
		require.Nil(t, err)
		versions = append(versions, version)
	}
	catalog, err := versisect.NewCatalog(versions)
	require.Nil(t, err)

	var stdout, stderr bytes.Buffer
	orchestrator := versisect.Orchestrator{
		Catalog:  catalog,
		Resolver: &versisect.FileResolver{},
		Executor: &versisect.DockerExecutor{
			Dockerfile: testDockerfile,
			Readiness:  versisect.BackoffConfig{Retries: 30, Backoff: 2 * time.Second, MaxBackoff: 2 * time.Second},
			Log:        logrus.StandardLogger(),
		},
		Stdout:     &stdout,
		Stderr:     &stderr,
		RunTimeout: 5 * time.Minute,
		Log:        logrus.StandardLogger(),
	}

	code := orchestrator.Run(context.Background(), versisect.BisectTask{
		Fiddle:      versisect.InlineFiddle{Files: map[string]string{"main.txt": "the fiddle"}},
		GoodVersion: "1.0.0",
		BadVersion:  "3.1.0",
	})

	assert.Equal(t, versisect.ExitSuccess, code, "Bisection failed, stderr: %s", stderr.String())
	assert.Contains(t, stdout.String(), "the change was introduced between 2.0.0 and 3.0.0")
	assert.Contains(t, stdout.String(), "running the fiddle", "Container output should be streamed")

	// All containers are removed after their runs
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.Nil(t, err)
	defer cli.Close()
	containers, err := cli.ContainerList(context.Background(), container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.KeyValuePair{Key: "label", Value: versisect.DockerLabel + "=1"}),
	})
	require.Nil(t, err)
	for _, c := range containers {
		assert.False(t, strings.HasPrefix(c.Image, "versisect-"), "Container %s was not removed", c.ID)
	}
}
