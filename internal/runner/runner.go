// Package runner wires the pipeline together: one container, one log
// stream, one CloudWatch group/stream.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/errgroup"

	"github.com/shiplog/shiplog/internal/log"
	"github.com/shiplog/shiplog/internal/relay"
)

// ContainerRuntime is the slice of the Docker client the runner uses.
type ContainerRuntime interface {
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, image, bashCommand string) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error)
}

// LogSink receives the relayed events. *cloudwatch.Client satisfies it.
type LogSink interface {
	relay.Sender
	EnsureGroupStream(ctx context.Context) error
}

// Options configures a run.
type Options struct {
	Image   string
	Command string

	FlushInterval  time.Duration
	MaxBatchEvents int
	StopTimeout    time.Duration
}

// Runner executes one container run with log forwarding.
type Runner struct {
	runtime ContainerRuntime
	sink    LogSink
	opts    Options
}

// New creates a Runner.
func New(runtime ContainerRuntime, sink LogSink, opts Options) *Runner {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return &Runner{runtime: runtime, sink: sink, opts: opts}
}

// Run starts the container, relays its output until it exits, and returns
// the container's exit code. The container is stopped and removed on every
// exit path, including cancellation. Buffered log events are flushed even
// when ctx is canceled mid-run.
func (r *Runner) Run(ctx context.Context) (int64, error) {
	if err := r.runtime.Ping(ctx); err != nil {
		return -1, err
	}

	if err := r.sink.EnsureGroupStream(ctx); err != nil {
		return -1, err
	}

	containerID, err := r.runtime.CreateContainer(ctx, r.opts.Image, r.opts.Command)
	if err != nil {
		return -1, err
	}
	log.Info("created container", "id", containerID, "image", r.opts.Image)
	defer r.cleanup(ctx, containerID)

	if err := r.runtime.StartContainer(ctx, containerID); err != nil {
		return -1, err
	}
	log.Info("container started", "id", containerID)

	logs, err := r.runtime.FollowLogs(ctx, containerID)
	if err != nil {
		return -1, err
	}
	defer logs.Close()

	rel := relay.New(r.sink, relay.Options{
		FlushInterval:  r.opts.FlushInterval,
		MaxBatchEvents: r.opts.MaxBatchEvents,
	})

	g, gctx := errgroup.WithContext(ctx)

	// Unblock the copier if the relay fails or ctx is canceled. Closing
	// an already-closed stream is harmless; the deferred Close above
	// covers the happy path.
	copyDone := make(chan struct{})
	go func() {
		select {
		case <-gctx.Done():
			logs.Close()
		case <-copyDone:
		}
	}()

	g.Go(func() error {
		defer close(copyDone)
		defer rel.Close()
		// The follow stream is multiplexed; both halves feed the same
		// relay, matching the container's combined output order.
		_, err := stdcopy.StdCopy(rel, rel, logs)
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return fmt.Errorf("reading container logs: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// The relay drains on Close rather than on cancellation so that
		// buffered events still reach CloudWatch when the run is
		// interrupted.
		return rel.Run(context.WithoutCancel(gctx))
	})

	if err := g.Wait(); err != nil {
		return -1, err
	}

	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	code, err := r.runtime.WaitContainer(ctx, containerID)
	if err != nil {
		return -1, err
	}
	log.Info("container exited", "id", containerID, "status", code)
	return code, nil
}

// cleanup stops and removes the container. It runs on a context that
// survives cancellation of the run itself.
func (r *Runner) cleanup(ctx context.Context, containerID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StopTimeout+30*time.Second)
	defer cancel()

	log.Info("stopping and removing container", "id", containerID)
	if err := r.runtime.StopContainer(cctx, containerID, r.opts.StopTimeout); err != nil {
		log.Error("failed to stop container", "id", containerID, "error", err)
	}
	if err := r.runtime.RemoveContainer(cctx, containerID); err != nil {
		log.Error("failed to remove container", "id", containerID, "error", err)
	}
}
