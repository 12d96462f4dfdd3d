package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime launches browser engines as Docker containers running
// the browserless/chrome image.
type DockerRuntime struct {
	client             *client.Client
	image              string
	contextsPerProcess int
}

// NewDockerRuntime creates a Docker-backed browser runtime.
func NewDockerRuntime(img string, contextsPerProcess int) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRuntime{
		client:             cli,
		image:              img,
		contextsPerProcess: contextsPerProcess,
	}, nil
}

// Launch creates and starts a browser container and waits for its CDP
// endpoint to accept connections.
func (r *DockerRuntime) Launch(ctx context.Context, processID string) (*Instance, error) {
	containerConfig := &container.Config{
		Image: r.image,
		Labels: map[string]string{
			"process-id": processID,
			"managed-by": "browserpool",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			fmt.Sprintf("MAX_CONCURRENT_SESSIONS=%d", r.contextsPerProcess),
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			"3000/tcp": struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"3000/tcp": []nat.PortBinding{
				{
					HostIP:   "0.0.0.0",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	resp, err := r.client.ContainerCreate(
		ctx,
		containerConfig,
		hostConfig,
		nil,
		nil,
		fmt.Sprintf("browserpool-%s", processID[:8]),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := r.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports["3000/tcp"]
	if len(bindings) == 0 {
		return nil, fmt.Errorf("container %s has no published CDP port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	if err := r.waitForBrowserReady(ctx, port); err != nil {
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	return &Instance{
		ContainerID: resp.ID,
		ConnectURL:  fmt.Sprintf("ws://localhost:%s", port),
	}, nil
}

// Stop stops and removes a browser container.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	stopOptions := container.StopOptions{
		Timeout: &timeout,
	}

	if err := r.client.ContainerStop(ctx, containerID, stopOptions); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// Probe reports whether the container is still running.
func (r *DockerRuntime) Probe(ctx context.Context, containerID string) bool {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State.Running
}

// EnsureImage pulls the browser image if it is not present locally.
func (r *DockerRuntime) EnsureImage(ctx context.Context) error {
	images, err := r.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == r.image {
				return nil
			}
		}
	}

	reader, err := r.client.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until the CDP
// listener responds.
func (r *DockerRuntime) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	maxRetries := 20 // 10 seconds total (20 * 500ms)

	for i := 0; i < maxRetries; i++ {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				// Give the WebSocket listener a moment to come up.
				time.Sleep(500 * time.Millisecond)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}
