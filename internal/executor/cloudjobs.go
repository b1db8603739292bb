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

// CloudJobsConfig configures the pre-defined job-template management API.
type CloudJobsConfig struct {
	BaseURL           string
	APIToken          string
	JobTemplateID     string
	LLMAPIKey         string
	SCMToken          string
	PollInterval      time.Duration
	RequestsPerSecond float64
}

// CloudJobsProvider starts a pre-defined job template and polls status,
// since the job-template API has no blocking wait endpoint.
type CloudJobsProvider struct {
	cfg     CloudJobsConfig
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryPolicy
}

// NewCloudJobsProvider constructs a provider bound to cfg, defaulting the
// poll interval to 5s when unset.
func NewCloudJobsProvider(cfg CloudJobsConfig) *CloudJobsProvider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &CloudJobsProvider{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
		retry:   DefaultRetryPolicy,
	}
}

func (p *CloudJobsProvider) Name() string { return "cloud-jobs" }

func (p *CloudJobsProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}

type invokeJobRequest struct {
	TemplateID string            `json:"templateId"`
	Tier       string            `json:"tier"`
	Env        map[string]string `json:"env"`
}

type invokeJobResponse struct {
	ExecutionID string `json:"executionId"`
	AgentID     string `json:"agentId"`
}

func (p *CloudJobsProvider) ExecuteTask(ctx context.Context, t *task.Task) (Handle, error) {
	agentID := task.DeriveAgentID("cj", t.ID)
	env, err := BuildEnv(t, agentID, p.cfg.LLMAPIKey, p.cfg.SCMToken, queueBindingVars)
	if err != nil {
		return Handle{}, err
	}

	body, err := json.Marshal(invokeJobRequest{TemplateID: p.cfg.JobTemplateID, Tier: string(ResourceTier(t)), Env: env})
	if err != nil {
		return Handle{}, errkind.Wrap(errkind.KindFatal, "marshal invoke-job request", err)
	}

	var resp invokeJobResponse
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		return p.doJSON(ctx, http.MethodPost, "/jobs", body, &resp)
	})
	if err != nil {
		return Handle{}, err
	}
	if resp.AgentID == "" {
		resp.AgentID = agentID
	}
	return Handle{ExecutionID: resp.ExecutionID, AgentID: resp.AgentID}, nil
}

type jobStatusResponse struct {
	Status string `json:"status"`
}

// GetExecutionStatus reports a gone resource as completed and any other
// non-transient API error as failed, so a persistently erroring execution
// still reaches a terminal status the poll loop can retire instead of
// lingering unresolved.
func (p *CloudJobsProvider) GetExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error) {
	var resp jobStatusResponse
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		return p.doJSON(ctx, http.MethodGet, "/jobs/"+executionID, nil, &resp)
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

// WaitForCompletion short-sleeps between status polls since the job API
// offers no blocking wait endpoint.
func (p *CloudJobsProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := p.GetExecutionStatus(ctx, executionID)
		if err != nil {
			return WaitResult{Status: StatusFailed}, err
		}
		if status == StatusCompleted || status == StatusFailed {
			return WaitResult{Status: status}, nil
		}
		if time.Now().After(deadline) {
			return WaitResult{Status: StatusTimeout}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *CloudJobsProvider) CancelExecution(ctx context.Context, executionID string) error {
	err := p.doJSON(ctx, http.MethodPost, "/jobs/"+executionID+"/cancel", nil, nil)
	if errkind.KindOf(err) == errkind.KindNotFound {
		return nil
	}
	return err
}

type activeJobsListResponse struct {
	Jobs []struct {
		ExecutionID string    `json:"executionId"`
		TaskID      string    `json:"taskId"`
		StartTime   time.Time `json:"startTime"`
	} `json:"jobs"`
}

func (p *CloudJobsProvider) GetActiveJobs(ctx context.Context) ([]ActiveJob, error) {
	var resp activeJobsListResponse
	if err := p.doJSON(ctx, http.MethodGet, "/jobs?status=running", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]ActiveJob, 0, len(resp.Jobs))
	for _, j := range resp.Jobs {
		out = append(out, ActiveJob{ExecutionID: j.ExecutionID, TaskID: j.TaskID, StartTime: j.StartTime})
	}
	return out, nil
}

func (p *CloudJobsProvider) GetActiveJobCount(ctx context.Context) (int, error) {
	jobs, err := p.GetActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (p *CloudJobsProvider) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
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
		return errkind.Wrap(errkind.KindTransient, "cloud-jobs request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errkind.New(errkind.KindNotFound, "job not found")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errkind.New(errkind.KindTransient, fmt.Sprintf("cloud-jobs upstream status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return errkind.New(errkind.KindFatal, fmt.Sprintf("cloud-jobs request rejected with status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.KindFatal, "decode cloud-jobs response", err)
	}
	return nil
}
