package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// CloudMachinesConfig configures the remote machine-lifecycle REST API.
type CloudMachinesConfig struct {
	BaseURL   string
	APIToken  string
	LLMAPIKey string
	SCMToken  string
	// RequestsPerSecond paces outbound calls against the provider's rate
	// limit; zero disables pacing.
	RequestsPerSecond float64
}

// CloudMachinesProvider drives a remote machine-lifecycle API: POST to
// create, GET for status, GET with a blocking wait query for completion,
// POST to stop.
type CloudMachinesProvider struct {
	cfg     CloudMachinesConfig
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
}

// NewCloudMachinesProvider constructs a provider bound to cfg.
func NewCloudMachinesProvider(cfg CloudMachinesConfig) *CloudMachinesProvider {
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &CloudMachinesProvider{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		retry:   DefaultRetryPolicy,
	}
}

func (p *CloudMachinesProvider) Name() string { return "cloud-machines" }

func (p *CloudMachinesProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

type createMachineRequest struct {
	Tier string            `json:"tier"`
	Env  map[string]string `json:"env"`
}

type createMachineResponse struct {
	ExecutionID string `json:"executionId"`
	AgentID     string `json:"agentId"`
}

func (p *CloudMachinesProvider) ExecuteTask(ctx context.Context, t *task.Task) (Handle, error) {
	agentID := task.DeriveAgentID("cm", t.ID)
	env, err := BuildEnv(t, agentID, p.cfg.LLMAPIKey, p.cfg.SCMToken, queueBindingVars)
	if err != nil {
		return Handle{}, err
	}

	body, err := json.Marshal(createMachineRequest{Tier: string(ResourceTier(t)), Env: env})
	if err != nil {
		return Handle{}, errkind.Wrap(errkind.KindFatal, "marshal create-machine request", err)
	}

	var resp createMachineResponse
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		return p.doJSON(ctx, http.MethodPost, "/machines", body, &resp)
	})
	if err != nil {
		return Handle{}, err
	}
	if resp.AgentID == "" {
		resp.AgentID = agentID
	}
	return Handle{ExecutionID: resp.ExecutionID, AgentID: resp.AgentID}, nil
}

type machineStatusResponse struct {
	Status string `json:"status"`
}

// GetExecutionStatus reports a gone resource as completed and any other
// non-transient API error as failed, so a persistently erroring execution
// still reaches a terminal status the poll loop can retire instead of
// lingering unresolved.
func (p *CloudMachinesProvider) GetExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error) {
	var resp machineStatusResponse
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		return p.doJSON(ctx, http.MethodGet, "/machines/"+executionID, nil, &resp)
	})
	if err != nil {
		switch {
		case errkind.KindOf(err) == errkind.KindNotFound:
			return StatusCompleted, nil
		case errkind.Retryable(err):
			return "", err // transient: the next poll tries again
		default:
			return StatusFailed, nil
		}
	}
	return ExecutionStatus(resp.Status), nil
}

func (p *CloudMachinesProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp machineStatusResponse
	err := p.retry.Do(waitCtx, func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		return p.doJSON(ctx, http.MethodGet, "/machines/"+executionID+"?wait=true", nil, &resp)
	})
	if errkind.KindOf(err) == errkind.KindNotFound {
		return WaitResult{Status: StatusCompleted}, nil
	}
	if waitCtx.Err() != nil {
		return WaitResult{Status: StatusTimeout}, nil
	}
	if err != nil {
		return WaitResult{Status: StatusFailed}, err
	}
	return WaitResult{Status: ExecutionStatus(resp.Status)}, nil
}

func (p *CloudMachinesProvider) CancelExecution(ctx context.Context, executionID string) error {
	err := p.doJSON(ctx, http.MethodPost, "/machines/"+executionID+"/stop", nil, nil)
	if errkind.KindOf(err) == errkind.KindNotFound {
		return nil // best-effort; 404 is non-fatal
	}
	return err
}

type activeJobsResponse struct {
	Jobs []struct {
		ExecutionID string    `json:"executionId"`
		TaskID      string    `json:"taskId"`
		StartTime   time.Time `json:"startTime"`
	} `json:"jobs"`
}

func (p *CloudMachinesProvider) GetActiveJobs(ctx context.Context) ([]ActiveJob, error) {
	var resp activeJobsResponse
	if err := p.doJSON(ctx, http.MethodGet, "/machines?status=running", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ActiveJob, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		out = append(out, ActiveJob{ExecutionID: j.ExecutionID, TaskID: j.TaskID, StartTime: j.StartTime})
	}
	return out, nil
}

func (p *CloudMachinesProvider) GetActiveJobCount(ctx context.Context) (int, error) {
	jobs, err := p.GetActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// doJSON issues an HTTP request against the configured base URL, decoding a
// JSON response into out (if non-nil) and classifying the result per
// the shared error taxonomy.
func (p *CloudMachinesProvider) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return errkind.Wrap(errkind.KindFatal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindTransient, "cloud-machines request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errkind.New(errkind.KindNotFound, "machine not found")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errkind.New(errkind.KindTransient, fmt.Sprintf("cloud-machines upstream status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return errkind.New(errkind.KindFatal, fmt.Sprintf("cloud-machines request rejected with status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.KindFatal, "decode cloud-machines response", err)
	}
	return nil
}

// queueBindingVars are zeroed on every spawn so the worker runs in stdout
// mode rather than attempting to consume from an external queue.
var queueBindingVars = []string{"QUEUE_URL", "QUEUE_NAME", "QUEUE_TOKEN"}
