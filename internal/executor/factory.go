package executor

import (
	"fmt"
	"os"
)

// ProviderConfig is the tagged-variant input to New: exactly one concrete
// kind is selected once at process start, never re-decided per request.
type ProviderConfig struct {
	Kind          string // "cloud_machines", "cloud_jobs", "docker_local", "mock"
	Endpoint      string
	APIKeyEnv     string
	LLMAPIKeyEnv  string
	SCMTokenEnv   string
	JobTemplateID string
	RateLimitRPS  float64
	DockerImage   string
	WorkDir       string
}

// New constructs the single execution provider a deployment runs from its
// configuration, reading API tokens out of the environment variables the
// config names rather than carrying secrets in the config tree itself.
func New(cfg ProviderConfig) (Provider, error) {
	llmAPIKey := os.Getenv(cfg.LLMAPIKeyEnv)
	scmToken := os.Getenv(cfg.SCMTokenEnv)

	switch cfg.Kind {
	case "", "mock":
		return NewMockProvider(), nil
	case "cloud_machines":
		apiToken := os.Getenv(cfg.APIKeyEnv)
		return NewCloudMachinesProvider(CloudMachinesConfig{
			BaseURL:           cfg.Endpoint,
			APIToken:          apiToken,
			LLMAPIKey:         llmAPIKey,
			SCMToken:          scmToken,
			RequestsPerSecond: cfg.RateLimitRPS,
		}), nil
	case "cloud_jobs":
		apiToken := os.Getenv(cfg.APIKeyEnv)
		return NewCloudJobsProvider(CloudJobsConfig{
			BaseURL:           cfg.Endpoint,
			APIToken:          apiToken,
			JobTemplateID:     cfg.JobTemplateID,
			LLMAPIKey:         llmAPIKey,
			SCMToken:          scmToken,
			RequestsPerSecond: cfg.RateLimitRPS,
		}), nil
	case "docker_local":
		return NewDockerLocalProvider(DockerLocalConfig{
			Image:     cfg.DockerImage,
			WorkDir:   cfg.WorkDir,
			LLMAPIKey: llmAPIKey,
			SCMToken:  scmToken,
		})
	default:
		return nil, fmt.Errorf("executor: unknown provider kind %q", cfg.Kind)
	}
}
