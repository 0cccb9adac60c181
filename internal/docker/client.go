// Package docker wraps the Docker Engine API client with the container
// lifecycle operations shiplog needs.
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/shiplog/shiplog/internal/log"
)

// Client wraps the Docker client.
type Client struct {
	cli *client.Client
}

// NewClient creates a new Docker client from the environment.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// WrapCommand wraps a shell command line for execution inside the container.
func WrapCommand(bashCommand string) []string {
	return []string{"bash", "-c", bashCommand}
}

// CreateContainer pulls the image if needed and creates a container that
// runs bashCommand under bash -c. TTY is left off so stdout and stderr
// stay separable in the log stream.
func (c *Client) CreateContainer(ctx context.Context, imageName, bashCommand string) (string, error) {
	if err := c.ensureImage(ctx, imageName); err != nil {
		return "", err
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image: imageName,
			Cmd:   WrapCommand(bashCommand),
		},
		&container.HostConfig{
			NetworkMode: "bridge",
		},
		nil, // network config
		nil, // platform
		"",  // let Docker name it
	)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	return resp.ID, nil
}

// StartContainer starts an existing container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return nil
}

// StopContainer stops a running container, giving it up to timeout to
// exit before it is killed. Stopping an already-exited container is not
// an error.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: true,
	}); err != nil {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// WaitContainer blocks until the container exits and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}

// FollowLogs returns the container's combined output stream, following
// until the container exits. The stream is multiplexed in Docker's wire
// format; demultiplex it with stdcopy.StdCopy.
func (c *Client) FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	reader, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching to container logs: %w", err)
	}
	return reader, nil
}

// ensureImage pulls an image if it doesn't exist locally.
func (c *Client) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := c.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil // Image exists
	}

	log.Info("pulling image", "image", imageName)
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	return nil
}
