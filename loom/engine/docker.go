package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/loomci/core/loom/models"
)

const workspaceDir = "/loom/workspace"

// DockerRunner executes `run` steps in throwaway containers sharing a
// per-job workspace volume. `uses` steps still go through the action
// registry in-process.
type DockerRunner struct {
	docker  client.APIClient
	l       *slog.Logger
	image   string
	actions *ActionRegistry
}

func NewDockerRunner(l *slog.Logger, image string, actions *ActionRegistry) (*DockerRunner, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	if image == "" {
		image = "alpine:latest"
	}

	return &DockerRunner{docker: dcli, l: l, image: image, actions: actions}, nil
}

// SetupJob creates the job's workspace volume and pulls the base
// image. Call before the first step of a job.
func (r *DockerRunner) SetupJob(ctx context.Context, runID models.RunId, jobID string) error {
	_, err := r.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(runID, jobID),
		Driver: "local",
	})
	if err != nil {
		return fmt.Errorf("creating workspace volume: %w", err)
	}

	reader, err := r.docker.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image: %w", err)
	}
	defer reader.Close()

	// the pull only completes once the response is drained
	_, err = io.Copy(io.Discard, reader)
	return err
}

// TeardownJob removes the job's workspace volume. Isolation invariant:
// nothing of a job's execution context survives the job.
func (r *DockerRunner) TeardownJob(ctx context.Context, runID models.RunId, jobID string) error {
	return r.docker.VolumeRemove(ctx, workspaceVolume(runID, jobID), true)
}

func (r *DockerRunner) RunStep(ctx context.Context, req StepRequest) (StepOutcome, error) {
	if req.Step.IsUses() {
		local := LocalRunner{Actions: r.actions}
		return local.runAction(ctx, req)
	}

	resp, err := r.docker.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", req.Step.Run},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
		Env:        append(req.Env.Slice(), "HOME="+workspaceDir),
	}, hostConfig(req.RunID, req.JobID), nil, nil, "")
	if err != nil {
		return StepOutcome{ExitCode: -1}, fmt.Errorf("creating container: %w", err)
	}

	defer r.removeContainer(resp.ID)

	err = r.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return StepOutcome{ExitCode: -1}, err
	}
	r.l.Info("started container", "name", resp.ID, "step", req.Step.DisplayName())

	if err := r.tailStep(ctx, resp.ID, req); err != nil {
		r.l.Error("failed to tail container", "container", resp.ID, "err", err)
	}

	state, err := r.waitStep(ctx, resp.ID)
	if err != nil {
		return StepOutcome{ExitCode: -1}, err
	}

	return StepOutcome{ExitCode: state.ExitCode}, nil
}

func (r *DockerRunner) waitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := r.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := r.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (r *DockerRunner) tailStep(ctx context.Context, containerID string, req StepRequest) error {
	logs, err := r.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return err
	}
	defer logs.Close()

	_, err = stdcopy.StdCopy(req.Stdout, req.Stderr, logs)
	return err
}

// removeContainer cleans up a finished step container. Uses a fresh
// context so a cancelled step still gets its container removed.
func (r *DockerRunner) removeContainer(containerID string) {
	err := r.docker.ContainerRemove(context.Background(), containerID, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		r.l.Error("failed to remove container", "container", containerID, "err", err)
	}
}

func workspaceVolume(runID models.RunId, jobID string) string {
	return fmt.Sprintf("workspace-%s-%s", runID, jobID)
}

func hostConfig(runID models.RunId, jobID string) *container.HostConfig {
	return &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(runID, jobID),
				Target: workspaceDir,
			},
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}
}
