// Package runpod manages the GPU pods the LLM backend runs on, through
// the RunPod GraphQL API. Pods are discovered by the geister-{type}-*
// naming convention rather than stored ids.
package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"geister/internal/logging"
)

const defaultEndpoint = "https://api.runpod.io/graphql"

// Pod states reported by the API.
const (
	StatusRunning  = "RUNNING"
	StatusExited   = "EXITED"
	StatusStopped  = "STOPPED"
	StatusNotFound = "NOT_FOUND"
)

// Pod is the slice of the RunPod pod record the manager uses.
type Pod struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
}

// ProxyURL is the public host the pod's HTTP port is exposed on.
func (p Pod) ProxyURL() string {
	return fmt.Sprintf("https://%s-5000.proxy.runpod.net", p.ID)
}

// Manager talks to the RunPod API for one account.
type Manager struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     logging.Logger

	// pollInterval between status checks while waiting on a transition.
	pollInterval time.Duration
}

// Config for the pod manager. Endpoint and PollInterval default to the
// production API and a 5s poll.
type Config struct {
	APIKey       string
	Endpoint     string
	PollInterval time.Duration
	Logger       logging.Logger
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("runpod api key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Manager{
		apiKey:       cfg.APIKey,
		endpoint:     cfg.Endpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logging.OrNop(cfg.Logger),
		pollInterval: cfg.PollInterval,
	}, nil
}

type graphqlRequest struct {
	Query string `json:"query"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (m *Manager) query(ctx context.Context, query string, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query})
	if err != nil {
		return err
	}

	endpoint := m.endpoint + "?api_key=" + url.QueryEscape(m.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runpod api request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runpod api returned HTTP %d", resp.StatusCode)
	}

	var decoded graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode runpod response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return fmt.Errorf("runpod api error: %s", decoded.Errors[0].Message)
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Data, out); err != nil {
			return fmt.Errorf("decode runpod data: %w", err)
		}
	}
	return nil
}

// ListPods returns every pod on the account.
func (m *Manager) ListPods(ctx context.Context) ([]Pod, error) {
	var data struct {
		Myself struct {
			Pods []Pod `json:"pods"`
		} `json:"myself"`
	}
	err := m.query(ctx, `query Pods { myself { pods { id name desiredStatus } } }`, &data)
	if err != nil {
		return nil, err
	}
	return data.Myself.Pods, nil
}

// FindPodByType locates the pod named geister-{podType}-*. Returns
// ErrPodNotFound when no pod matches.
func (m *Manager) FindPodByType(ctx context.Context, podType string) (*Pod, error) {
	pods, err := m.ListPods(ctx)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("geister-%s-", podType)
	for i := range pods {
		if strings.HasPrefix(pods[i].Name, prefix) {
			m.logger.Debug("Found %s pod: %s (ID: %s)", podType, pods[i].Name, pods[i].ID)
			return &pods[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no pod with prefix %q", ErrPodNotFound, prefix)
}

// ErrPodNotFound signals that no pod matched the requested type.
var ErrPodNotFound = fmt.Errorf("pod not found")

// Status returns the pod's current desired status, or NOT_FOUND.
func (m *Manager) Status(ctx context.Context, podID string) (string, error) {
	pods, err := m.ListPods(ctx)
	if err != nil {
		return "", err
	}
	for _, pod := range pods {
		if pod.ID == podID {
			return pod.DesiredStatus, nil
		}
	}
	return StatusNotFound, nil
}

// Start resumes a stopped pod and waits for it to report RUNNING. A pod
// already running is a no-op success.
func (m *Manager) Start(ctx context.Context, podID string, gpuCount int) error {
	status, err := m.Status(ctx, podID)
	if err != nil {
		return err
	}
	if status == StatusRunning {
		m.logger.Info("Pod %s already running", podID)
		return nil
	}
	if status == StatusNotFound {
		return fmt.Errorf("%w: %s", ErrPodNotFound, podID)
	}
	if gpuCount <= 0 {
		gpuCount = 1
	}

	m.logger.Info("Starting pod %s...", podID)
	mutation := fmt.Sprintf(
		`mutation { podResume(input: {podId: %q, gpuCount: %d}) { id desiredStatus } }`,
		podID, gpuCount)
	if err := m.query(ctx, mutation, nil); err != nil {
		return err
	}
	return m.WaitForStatus(ctx, podID, []string{StatusRunning}, 5*time.Minute)
}

// Stop halts a running pod and waits for it to exit. An already stopped
// pod is a no-op success.
func (m *Manager) Stop(ctx context.Context, podID string) error {
	status, err := m.Status(ctx, podID)
	if err != nil {
		return err
	}
	if status == StatusExited || status == StatusStopped {
		m.logger.Info("Pod %s already stopped", podID)
		return nil
	}
	if status == StatusNotFound {
		return fmt.Errorf("%w: %s", ErrPodNotFound, podID)
	}

	m.logger.Info("Stopping pod %s...", podID)
	mutation := fmt.Sprintf(
		`mutation { podStop(input: {podId: %q}) { id desiredStatus } }`, podID)
	if err := m.query(ctx, mutation, nil); err != nil {
		return err
	}
	return m.WaitForStatus(ctx, podID, []string{StatusExited, StatusStopped}, 5*time.Minute)
}

// Terminate destroys the pod entirely.
func (m *Manager) Terminate(ctx context.Context, podID string) error {
	m.logger.Info("Terminating pod %s...", podID)
	mutation := fmt.Sprintf(`mutation { podTerminate(input: {podId: %q}) }`, podID)
	return m.query(ctx, mutation, nil)
}

// WaitForStatus polls until the pod reaches one of the target statuses.
func (m *Manager) WaitForStatus(ctx context.Context, podID string, targets []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		status, err := m.Status(ctx, podID)
		if err != nil {
			return err
		}
		for _, target := range targets {
			if status == target {
				return nil
			}
		}
		if status == StatusNotFound {
			return fmt.Errorf("%w: %s", ErrPodNotFound, podID)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pod %s did not reach %v within %s (last status %s)", podID, targets, timeout, status)
		}

		m.logger.Debug("Waiting for pod %s... current status %s", podID, status)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}
