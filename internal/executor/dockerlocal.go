package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// DockerLocalConfig configures the local single-machine Docker backend
// supplementing the two cloud-API providers.
type DockerLocalConfig struct {
	Image     string
	WorkDir   string
	LLMAPIKey string
	SCMToken  string
}

// DockerLocalProvider spawns one container per task on the local Docker
// daemon. Adapted from the same dispatch pattern the cloud providers use,
// scoped down to a single host with no remote API involved.
type DockerLocalProvider struct {
	cfg  DockerLocalConfig
	cli  *client.Client
	mu   sync.Mutex
	jobs map[string]*dockerJob
}

type dockerJob struct {
	containerID string
	taskID      string
	agentID     string
	startTime   time.Time
}

// NewDockerLocalProvider constructs a provider against the local Docker
// daemon found via the standard environment variables.
func NewDockerLocalProvider(cfg DockerLocalConfig) (*DockerLocalProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "initialize docker client", err)
	}
	if cfg.Image == "" {
		cfg.Image = "swarmcore-worker:latest"
	}
	return &DockerLocalProvider{cfg: cfg, cli: cli, jobs: make(map[string]*dockerJob)}, nil
}

func (p *DockerLocalProvider) Name() string { return "docker-local" }

func (p *DockerLocalProvider) ExecuteTask(ctx context.Context, t *task.Task) (Handle, error) {
	agentID := task.DeriveAgentID("docker", t.ID)
	env, err := BuildEnv(t, agentID, p.cfg.LLMAPIKey, p.cfg.SCMToken, queueBindingVars)
	if err != nil {
		return Handle{}, err
	}
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	name := fmt.Sprintf("swarmcore-agent-%s-%d", agentID, time.Now().UnixNano())
	workDir, err := resolveWorkDir(p.cfg.WorkDir, name)
	if err != nil {
		return Handle{}, err
	}

	tier := ResourceTier(t).Spec()
	resources := container.Resources{
		NanoCPUs: int64(tier.CPU * 1e9),
		Memory:   int64(tier.MemoryGB * 1024 * 1024 * 1024),
	}

	resp, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      p.cfg.Image,
			Env:        envList,
			WorkingDir: "/workspace",
			Tty:        false,
		},
		&container.HostConfig{
			Mounts:    []mount.Mount{{Type: mount.TypeBind, Source: workDir, Target: "/workspace"}},
			Resources: resources,
		}, nil, nil, name)
	if err != nil {
		return Handle{}, errkind.Wrap(errkind.KindTransient, "create container", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Handle{}, errkind.Wrap(errkind.KindTransient, "start container", err)
	}

	p.mu.Lock()
	p.jobs[resp.ID] = &dockerJob{containerID: resp.ID, taskID: t.ID, agentID: agentID, startTime: time.Now()}
	p.mu.Unlock()

	return Handle{ExecutionID: resp.ID, AgentID: agentID}, nil
}

func resolveWorkDir(base, name string) (string, error) {
	if base == "" {
		base = filepath.Join(os.TempDir(), "swarmcore-workspaces")
	}
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errkind.Wrap(errkind.KindFatal, "create workdir", err)
	}
	return dir, nil
}

func (p *DockerLocalProvider) GetExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error) {
	inspect, err := p.cli.ContainerInspect(ctx, executionID)
	if client.IsErrNotFound(err) {
		return StatusCompleted, nil
	}
	if err != nil {
		return "", errkind.Wrap(errkind.KindTransient, "inspect container", err)
	}
	switch {
	case inspect.State.Running:
		return StatusRunning, nil
	case inspect.State.ExitCode == 0:
		return StatusCompleted, nil
	default:
		return StatusFailed, nil
	}
}

func (p *DockerLocalProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := p.cli.ContainerWait(waitCtx, executionID, container.WaitConditionNotRunning)
	select {
	case <-waitCtx.Done():
		return WaitResult{Status: StatusTimeout}, nil
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return WaitResult{Status: StatusCompleted}, nil
		}
		return WaitResult{Status: StatusFailed}, errkind.Wrap(errkind.KindTransient, "wait for container", err)
	case result := <-statusCh:
		if result.StatusCode == 0 {
			return WaitResult{Status: StatusCompleted}, nil
		}
		return WaitResult{Status: StatusFailed}, nil
	}
}

func (p *DockerLocalProvider) CancelExecution(ctx context.Context, executionID string) error {
	err := p.cli.ContainerRemove(ctx, executionID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return errkind.Wrap(errkind.KindTransient, "remove container", err)
	}
	p.mu.Lock()
	delete(p.jobs, executionID)
	p.mu.Unlock()
	return nil
}

func (p *DockerLocalProvider) GetActiveJobs(_ context.Context) ([]ActiveJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ActiveJob, 0, len(p.jobs))
	for id, j := range p.jobs {
		out = append(out, ActiveJob{ExecutionID: id, TaskID: j.taskID, StartTime: j.startTime})
	}
	return out, nil
}

func (p *DockerLocalProvider) GetActiveJobCount(ctx context.Context) (int, error) {
	jobs, err := p.GetActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}
