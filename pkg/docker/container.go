package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

type ContainerStatus int

const (
	// Container struct instance has just been created
	INIT ContainerStatus = iota

	// Container image has been pulled, container created and started
	UP

	// Container is DOWN (intentionally closed)
	DOWN
)

func (e ContainerStatus) String() string {
	return []string{"INIT", "UP", "DOWN"}[e]
}

type DockerContainer interface {
	// Start pulls the required image and attempts to create and start a
	// container via the Docker SDK, blocking until the container is
	// reported as running.
	Start(context.Context, client.APIClient) error

	// Close shuts down this container by stopping it (if running) and
	// removing it from the docker daemon.
	Close(context.Context, client.APIClient, time.Duration) error

	Label() string
	ID() string
	Status() ContainerStatus
}

type dockerContainer struct {
	label             string
	imageID           string
	containerID       string
	status            ContainerStatus
	containerConf     *container.Config
	containerHostConf *container.HostConfig
}

// NewDockerContainer creates a new DockerContainer instance, ready to
// be started manually or via a DockerManager.
func NewDockerContainer(label string, imageRef string, conf *container.Config, hostConf *container.HostConfig) DockerContainer {
	return &dockerContainer{
		label:             label,
		imageID:           imageRef,
		containerConf:     conf,
		containerHostConf: hostConf,
		status:            INIT,
	}
}

func (c *dockerContainer) Start(ctx context.Context, cli client.APIClient) error {
	if c.status != INIT {
		return fmt.Errorf("cannot start container %s based on image %v as status is invalid", c, c.imageID)
	}

	out, err := cli.ImagePull(ctx, c.imageID, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %v for container %s: %w", c.imageID, c, err)
	}
	// Pull output must be drained for the pull to complete.
	_, _ = io.Copy(io.Discard, out)
	out.Close()

	created, err := cli.ContainerCreate(ctx, c.containerConf, c.containerHostConf, nil, nil, c.label)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", c, err)
	}
	c.containerID = created.ID

	if err := cli.ContainerStart(ctx, c.containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", c, err)
	}

	// Wait for the daemon to report the container as running.
	deadline := time.Now().Add(time.Second * 30)
	for {
		inspect, err := cli.ContainerInspect(ctx, c.containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", c, err)
		}
		if inspect.State != nil && inspect.State.Running {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s failed to come online", c)
		}
		time.Sleep(time.Millisecond * 500)
	}

	c.status = UP
	dockerLogger.Emit(logger.NEW, "Container %s started (id %.12s)\n", c, c.containerID)
	return nil
}

func (c *dockerContainer) Close(ctx context.Context, cli client.APIClient, timeout time.Duration) error {
	if c.containerID == "" {
		return nil
	}

	seconds := int(timeout.Seconds())
	if err := cli.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		dockerLogger.Emit(logger.WARNING, "Failed to stop container %s: %v\n", c, err)
	}
	if err := cli.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", c, err)
	}

	c.status = DOWN
	return nil
}

func (c *dockerContainer) Label() string {
	return c.label
}

func (c *dockerContainer) ID() string {
	return c.containerID
}

func (c *dockerContainer) Status() ContainerStatus {
	return c.status
}

func (c *dockerContainer) String() string {
	return c.label
}
