// Package docker provides utilities for creating, fetching and spawning
// docker containers locally. The service uses this to optionally self-host
// its PostgreSQL tracking database, avoiding the need for an external
// database installation during development.
package docker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/Cellular-Imaging-Amsterdam-UMC/OMERO-Automated-Data-Import/pkg/logger"
)

var dockerLogger = logger.Get("Docker")

const DOCKER_NETWORK = "omeroadi_network"

type DockerManager interface {
	SpawnContainer(DockerContainer) error
	CloseContainer(label string, timeout time.Duration)
	Shutdown(timeout time.Duration)
}

type docker struct {
	mu         sync.Mutex
	containers map[string]DockerContainer
	cli        *client.Client
	ctx        context.Context
	ctxCancel  context.CancelFunc
}

// NewDockerManager constructs a manager connected to the local docker
// daemon (configured from the environment). A dedicated bridge network
// is created for the containers this manager spawns.
func NewDockerManager() (DockerManager, error) {
	ctx, ctxCancel := context.WithCancel(context.Background())
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		ctxCancel()
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if _, err := cli.NetworkCreate(ctx, DOCKER_NETWORK, network.CreateOptions{Driver: "bridge"}); err != nil {
		dockerLogger.Emit(logger.DEBUG, "Network %s not created (may already exist): %v\n", DOCKER_NETWORK, err)
	}

	return &docker{
		containers: make(map[string]DockerContainer),
		cli:        cli,
		ctx:        ctx,
		ctxCancel:  ctxCancel,
	}, nil
}

// SpawnContainer pulls, creates and starts the container provided,
// blocking until the container reports as running.
func (docker *docker) SpawnContainer(container DockerContainer) error {
	docker.mu.Lock()
	if _, ok := docker.containers[container.Label()]; ok {
		docker.mu.Unlock()
		return fmt.Errorf("cannot spawn container %s as label is already in use", container)
	}
	docker.containers[container.Label()] = container
	docker.mu.Unlock()

	if err := container.Start(docker.ctx, docker.cli); err != nil {
		container.Close(docker.ctx, docker.cli, time.Second*10)
		return err
	}

	if err := docker.cli.NetworkConnect(docker.ctx, DOCKER_NETWORK, container.ID(), nil); err != nil {
		dockerLogger.Emit(logger.ERROR, "Failed to connect container %s to network: %s\n", container, err.Error())
	}

	dockerLogger.Emit(logger.SUCCESS, "Container %s is UP!\n", container)
	return nil
}

// CloseContainer stops and removes the container with the label
// provided, if this manager spawned it.
func (docker *docker) CloseContainer(label string, timeout time.Duration) {
	docker.mu.Lock()
	container, ok := docker.containers[label]
	if ok {
		delete(docker.containers, label)
	}
	docker.mu.Unlock()

	if !ok {
		return
	}

	if err := container.Close(docker.ctx, docker.cli, timeout); err != nil {
		dockerLogger.Emit(logger.ERROR, "Failed to close container %s: %v\n", container, err)
	}
}

// Shutdown closes every container this manager spawned, then removes
// the dedicated network.
func (docker *docker) Shutdown(timeout time.Duration) {
	docker.mu.Lock()
	labels := make([]string, 0, len(docker.containers))
	for label := range docker.containers {
		labels = append(labels, label)
	}
	docker.mu.Unlock()

	for _, label := range labels {
		docker.CloseContainer(label, timeout)
	}

	if err := docker.cli.NetworkRemove(docker.ctx, DOCKER_NETWORK); err != nil {
		dockerLogger.Emit(logger.DEBUG, "Network %s not removed: %v\n", DOCKER_NETWORK, err)
	}
	docker.ctxCancel()
}
