package versisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/dchest/uniuri"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/opencontainers/go-digest"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// DockerLabel is set on all images and containers created by the docker executor
const DockerLabel = "versisect"

// A DockerExecutor runs fiddles inside docker containers.
// For every version, an image is built from the dockerfile with the build argument VERSION set to the version.
// The fiddle's snapshot is mounted read-only at /fiddle, which is also the working directory of the container.
// The container's exit code is classified like the one of a [ProcessExecutor].
type DockerExecutor struct {
	Dockerfile     string // The contents of the dockerfile
	DockerfilePath string // The path to the dockerfile. Only gets used if Dockerfile is empty

	Cmd   []string // The command of the container. Uses the image's command if empty
	Ports []int    // Container ports which get published on free host ports

	Readiness BackoffConfig // How patiently to wait for the docker daemon

	Log *logrus.Logger

	initOnce sync.Once
	initErr  error

	dockerfileString string // The parsed dockerfile
	dockerfileHash   string // The hash of the dockerfile string, for differentiating images built from different dockerfiles

	builtMu     sync.Mutex
	builtImages map[string]bool // If an image exists as a key, it was already built before. The value is whether the build succeeded

	imagesBuilding sync.Map // Locks per image, to ensure every image is only built once at a time
}

// Execute builds the version's image if needed and runs the fiddle in a new container
func (d *DockerExecutor) Execute(ctx context.Context, req RunRequest, events chan<- Event) error {
	log := orMuted(d.Log).WithField("run-id", req.RunID)

	d.initOnce.Do(func() { d.initErr = d.init(ctx, log) })
	if d.initErr != nil {
		return d.initErr
	}

	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Join(fmt.Errorf("docker client creation failed for run %s", req.RunID), err)
	}
	defer apiClient.Close()

	output := newLineEmitter(ctx, req.RunID, events)

	imageName := d.imageOf(req.Version)
	built, err := d.ensureImage(ctx, apiClient, imageName, req.Version, output, log)
	if err != nil {
		return err
	}
	if !built {
		// The version can't be built, so the run can't tell anything about it
		output.Flush()
		if !Emit(ctx, events, ResultEvent{RunID: req.RunID, Result: ResultInvalid}) {
			return ctx.Err()
		}
		return nil
	}

	// Setup the ports
	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	env := []string{"VERSION=" + req.Version.Version, "VERSISECT_RUN_ID=" + req.RunID}
	for _, port := range d.Ports {
		natPort := nat.Port(fmt.Sprint(port))

		freePort, err := freeport.GetFreePort()
		if err != nil {
			return err
		}

		exposedPorts[natPort] = struct{}{}
		portBindings[natPort] = []nat.PortBinding{{HostPort: fmt.Sprint(freePort)}}
		env = append(env, fmt.Sprintf("HOST_PORT_%d=%d", port, freePort))
	}

	containerConfig := &container.Config{
		Image:        imageName,
		Cmd:          d.Cmd,
		Env:          env,
		WorkingDir:   "/fiddle",
		ExposedPorts: exposedPorts,
		Labels:       map[string]string{DockerLabel: "1", DockerLabel + ".fiddle": req.Fiddle.Digest.Encoded()},
	}
	hostConfig := &container.HostConfig{
		Binds:        []string{req.Fiddle.Dir + ":/fiddle:ro"},
		PortBindings: portBindings,
	}

	containerName := "versisect-" + strings.ToLower(uniuri.New())

	log.Debugf("Exposed ports: %+v, Port bindings: %+v", exposedPorts, portBindings)

	resp, err := apiClient.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return errors.Join(fmt.Errorf("container creation with name %s of image %s failed for run %s", containerName, imageName, req.RunID), err)
	}
	// Always clean up, even if ctx is cancelled
	defer func() {
		if err := apiClient.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); err != nil {
			log.Warnf("Failed to remove container %s - %v", containerName, err)
		}
	}()

	waitChan, waitErrChan := apiClient.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := apiClient.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return errors.Join(fmt.Errorf("container start with name %s and id %s of image %s failed for run %s", containerName, resp.ID, imageName, req.RunID), err)
	}
	log.Infof("Started container %s running version %s", containerName, req.Version)

	logs, err := apiClient.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to attach to logs of container %s", containerName), err)
	}
	defer logs.Close()
	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if _, err := stdcopy.StdCopy(output, output, logs); err != nil && ctx.Err() == nil {
			log.Warnf("Failed to read logs of container %s - %v", containerName, err)
		}
	}()

	var result RunResult
	select {
	case status := <-waitChan:
		if status.Error != nil {
			log.Warnf("Waiting for container %s failed - %s", containerName, status.Error.Message)
			result = ResultInvalid
		} else {
			result = exitCodeResult(status.StatusCode)
		}
	case err := <-waitErrChan:
		return errors.Join(fmt.Errorf("failed to wait for container %s", containerName), err)
	case <-ctx.Done():
		return ctx.Err()
	}

	// The log stream ends once the container exited
	select {
	case <-logsDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	output.Flush()

	log.Infof("Container %s running version %s finished: %s", containerName, req.Version, result)

	if !Emit(ctx, events, ResultEvent{RunID: req.RunID, Result: result}) {
		return ctx.Err()
	}
	return nil
}

// init parses the dockerfile, waits for the docker daemon and collects all images built before
func (d *DockerExecutor) init(ctx context.Context, log *logrus.Entry) error {
	if err := d.parseDockerfile(); err != nil {
		return err
	}

	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create new docker client"), err)
	}
	defer apiClient.Close()

	if err := d.Readiness.withDefaults().retry(ctx, log, func() error {
		_, err := apiClient.Ping(ctx)
		return err
	}); err != nil {
		return errors.Join(fmt.Errorf("docker daemon is not reachable"), err)
	}

	images, err := apiClient.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return errors.Join(fmt.Errorf("failed to list all docker images"), err)
	}
	d.builtMu.Lock()
	defer d.builtMu.Unlock()
	d.builtImages = make(map[string]bool)
	for _, img := range images {
		for _, tag := range img.RepoTags {
			d.builtImages[tag] = true
		}
	}
	return nil
}

// parseDockerfile sets d.dockerfileString based on the fields set.
// It prioritizes Dockerfile but uses DockerfilePath if it is empty.
// In addition, it sets dockerfileHash
func (d *DockerExecutor) parseDockerfile() error {
	d.dockerfileString = d.Dockerfile
	if d.dockerfileString == "" {
		if d.DockerfilePath == "" {
			return errors.New("no dockerfile configured for the docker executor")
		}
		file, err := os.ReadFile(d.DockerfilePath)
		if err != nil {
			return err
		}
		d.dockerfileString = string(file)
	}
	d.dockerfileHash = digest.FromString(d.dockerfileString).Encoded()
	return nil
}

var invalidImageChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// imageOf returns the name with the tag of the docker image built for the passed version
func (d *DockerExecutor) imageOf(v RunnableVersion) string {
	name := invalidImageChars.ReplaceAllString(strings.ToLower(v.Version), "-")
	if v.Source == Local {
		name += "-local-" + digest.FromString(v.LocalPath).Encoded()[:12]
	}
	return fmt.Sprintf("versisect-%s:%s", name, d.dockerfileHash)
}

// ensureImage builds the image of a version if it was not built yet.
// It returns false if the image can't be built for this version.
func (d *DockerExecutor) ensureImage(ctx context.Context, apiClient *client.Client, imageName string, v RunnableVersion, output io.Writer, log *logrus.Entry) (bool, error) {
	l, _ := d.imagesBuilding.LoadOrStore(imageName, &sync.Mutex{})
	lock := l.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	d.builtMu.Lock()
	ok, built := d.builtImages[imageName]
	d.builtMu.Unlock()
	if built {
		if !ok {
			log.Warnf("Image %s of version %s reported to be broken before", imageName, v)
		} else {
			log.Infof("Image %s of version %s already built, reusing image", imageName, v)
		}
		return ok, nil
	}

	log.Infof("Building image %s of version %s", imageName, v)
	buildDir, err := os.MkdirTemp("", "versisect-build-")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(buildDir)
	if err := os.WriteFile(path.Join(buildDir, "Dockerfile"), []byte(d.dockerfileString), 0644); err != nil {
		return false, err
	}
	buildCtx, err := archive.TarWithOptions(buildDir, &archive.TarOptions{})
	if err != nil {
		return false, errors.Join(fmt.Errorf("tar creation of dockerfile for version %s failed", v), err)
	}

	version := v.Version
	buildRes, err := apiClient.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageName},
		ForceRemove: true,
		Labels:      map[string]string{DockerLabel: "1"},
		BuildArgs:   map[string]*string{"VERSION": &version},
	})
	if err != nil {
		return false, errors.Join(fmt.Errorf("image build of %s could not be started", imageName), err)
	}
	defer buildRes.Body.Close()

	// Wait for build to be done
	out, err := io.ReadAll(buildRes.Body)
	if err != nil {
		return false, err
	}
	log.Tracef("Image build output:\n%s", string(out))

	// Check if last stream message is an error-detail, meaning the build failed
	strOut := strings.Split(strings.TrimSpace(string(out)), "\n")
	if strings.HasPrefix(strOut[len(strOut)-1], `{"errorDetail"`) {
		log.Warnf("Image build of %s for version %s failed, treating its runs as invalid. Build output: %s", imageName, v, out)
		fmt.Fprintf(output, "Image for version %s failed to build\n", v)
		d.markBuilt(imageName, false)
		return false, nil
	}
	d.markBuilt(imageName, true)
	return true, nil
}

func (d *DockerExecutor) markBuilt(imageName string, ok bool) {
	d.builtMu.Lock()
	defer d.builtMu.Unlock()
	d.builtImages[imageName] = ok
}
