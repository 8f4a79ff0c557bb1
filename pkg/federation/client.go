package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/resilience"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// Client delegates stage work to peers. It satisfies the coordinator's
// Delegator contract: a delegation that outlives the horizon comes back as
// a TIMEOUT, so the coordinator's retry path handles it like any local
// stage failure.
type Client struct {
	cfg       config.FederationConfig
	directory *PeerDirectory
	http      *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// NewClient builds a delegation client over the peer directory.
func NewClient(cfg config.FederationConfig, directory *PeerDirectory, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:       cfg,
		directory: directory,
		http:      httpClient,
		logger:    telemetry.ComponentLogger("federation"),
		breakers:  make(map[string]*resilience.CircuitBreaker),
	}
}

// Delegate submits the capability to a supporting peer and polls until a
// terminal status or the delegation horizon elapses.
func (c *Client) Delegate(ctx context.Context, capability, version string, input map[string]any) (map[string]any, error) {
	peers := c.directory.Supporting(capability, version)
	if len(peers) == 0 {
		return nil, errors.New(errors.CodeFederationRejected,
			fmt.Sprintf("no peer advertises %s@%s", capability, version), nil)
	}

	var lastErr error
	for _, peer := range peers {
		output, err := c.delegateTo(ctx, peer, capability, version, input)
		if err == nil {
			return output, nil
		}
		lastErr = err
		// A rejection or a timeout is the exchange's answer, not a
		// reason to shop the work to the next peer.
		if errors.IsCode(err, errors.CodeFederationRejected) || errors.IsCode(err, errors.CodeTimeout) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) delegateTo(ctx context.Context, peer AgentCard, capability, version string, input map[string]any) (map[string]any, error) {
	breaker := c.breakerFor(peer.BaseURL)

	var task Task
	err := breaker.Call(ctx, func() error {
		submitted, serr := c.submitTask(ctx, peer.BaseURL, capability, version, input)
		if serr != nil {
			return serr
		}
		task = submitted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if task.Status == TaskRejected {
		return nil, errors.New(errors.CodeFederationRejected,
			fmt.Sprintf("peer %s rejected %s: %s", peer.Name, capability, task.Reason), nil).
			WithContext("reason", task.Reason)
	}

	return c.poll(ctx, peer, task)
}

func (c *Client) submitTask(ctx context.Context, baseURL, capability, version string, input map[string]any) (Task, error) {
	body, err := json.Marshal(taskRequest{
		CorrelationID: uuid.NewString(),
		Capability:    capability,
		Version:       version,
		Payload:       input,
	})
	if err != nil {
		return Task{}, errors.New(errors.CodeExecution, "encode task request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return Task{}, errors.New(errors.CodeExecution, "build task request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Task{}, errors.New(errors.CodeExecution,
			fmt.Sprintf("submit task to %s", baseURL), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Task{}, errors.New(errors.CodeExecution,
			fmt.Sprintf("peer %s returned %d for task submission", baseURL, resp.StatusCode), nil)
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return Task{}, errors.New(errors.CodeExecution, "decode task response", err)
	}
	return task, nil
}

// poll watches the remote task until it terminates or the horizon expires.
// Horizon expiry does not cancel the remote work; like a sandbox timeout,
// the underlying state is unknown to the caller.
func (c *Client) poll(ctx context.Context, peer AgentCard, task Task) (map[string]any, error) {
	horizon := c.cfg.DelegationHorizon
	if horizon <= 0 {
		horizon = 2 * time.Minute
	}
	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(horizon)

	for {
		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeExecution, "delegation cancelled", ctx.Err()).
				WithRecoverable(false)
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, errors.New(errors.CodeTimeout,
				fmt.Sprintf("delegation of %s to %s exceeded horizon", task.Capability, peer.Name), nil).
				WithContext("task_id", task.ID)
		}

		current, err := c.fetchTask(ctx, peer.BaseURL, task.ID)
		if err != nil {
			c.logger.Warn("federation.poll_failed", "peer", peer.Name, "task_id", task.ID, "error", err)
			continue
		}
		switch current.Status {
		case TaskCompleted:
			return current.Result, nil
		case TaskFailed:
			return nil, errors.New(errors.CodeExecution,
				fmt.Sprintf("peer %s failed task: %s", peer.Name, current.Error), nil)
		case TaskCancelled:
			return nil, errors.New(errors.CodeExecution,
				fmt.Sprintf("peer %s cancelled task", peer.Name), nil).WithRecoverable(false)
		case TaskRejected:
			return nil, errors.New(errors.CodeFederationRejected,
				fmt.Sprintf("peer %s rejected task: %s", peer.Name, current.Reason), nil)
		}
	}
}

func (c *Client) fetchTask(ctx context.Context, baseURL, id string) (Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		baseURL+"/v1/tasks/"+id, nil)
	if err != nil {
		return Task{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Task{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Task{}, fmt.Errorf("peer returned %d", resp.StatusCode)
	}
	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func (c *Client) breakerFor(peer string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	breaker, ok := c.breakers[peer]
	if !ok {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "federation:" + peer,
		})
		c.breakers[peer] = breaker
	}
	return breaker
}
