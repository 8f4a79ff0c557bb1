package federation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chimera-agents/chimera/pkg/config"
	"github.com/chimera-agents/chimera/pkg/errors"
	"github.com/chimera-agents/chimera/pkg/orchestrator"
	"github.com/chimera-agents/chimera/pkg/skill"
	"github.com/chimera-agents/chimera/pkg/telemetry"
)

// Runner is the slice of the coordinator the gateway needs. Inbound tasks
// never touch run internals directly; they go through the control surface
// like any operator.
type Runner interface {
	Submit(ctx context.Context, order orchestrator.WorkOrder) (string, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (orchestrator.Snapshot, error)
}

// Server exposes the agent card and the task resource over HTTP+JSON.
type Server struct {
	cfg      config.FederationConfig
	runner   Runner
	registry *skill.Registry
	tasks    TaskStore
	sla      time.Duration
	logger   *slog.Logger
}

// NewServer wires the gateway. The per-skill SLA advertised on the card is
// the orchestrator's default stage timeout.
func NewServer(cfg config.FederationConfig, runner Runner, registry *skill.Registry,
	tasks TaskStore, sla time.Duration) *Server {
	return &Server{
		cfg:      cfg,
		runner:   runner,
		registry: registry,
		tasks:    tasks,
		sla:      sla,
		logger:   telemetry.ComponentLogger("federation"),
	}
}

// ServeHTTP routes gateway requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == WellKnownCardPath:
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		s.handleCard(w, r)
	case path == "/v1/tasks":
		switch r.Method {
		case http.MethodPost:
			s.handleSubmitTask(w, r)
		case http.MethodGet:
			s.handleListTasks(w, r)
		default:
			http.NotFound(w, r)
		}
	case strings.HasPrefix(path, "/v1/tasks/"):
		id := strings.TrimPrefix(path, "/v1/tasks/")
		if cancelled := strings.TrimSuffix(id, ":cancel"); cancelled != id {
			if r.Method != http.MethodPost {
				http.NotFound(w, r)
				return
			}
			s.handleCancelTask(w, r, cancelled)
			return
		}
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		s.handleGetTask(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCard(w http.ResponseWriter, _ *http.Request) {
	card := BuildCard(s.cfg, s.registry, s.sla)
	writeJSON(w, http.StatusOK, card)
}

// taskRequest is the inbound submission document.
type taskRequest struct {
	CorrelationID string         `json:"correlation_id"`
	Capability    string         `json:"capability"`
	Version       string         `json:"version"`
	Payload       map[string]any `json:"payload"`
}

// handleSubmitTask walks the task state machine: received, validated, then
// accepted or rejected. A rejected task ends the exchange with its reason
// and creates no run.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, status.Error(codes.InvalidArgument, "malformed task document"))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	now := time.Now().UTC()
	task := Task{
		ID:            uuid.NewString(),
		CorrelationID: req.CorrelationID,
		Capability:    req.Capability,
		Version:       req.Version,
		Payload:       req.Payload,
		Status:        TaskReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if reason, ok := s.validateTask(r.Context(), &task); !ok {
		s.reject(r.Context(), w, task, reason)
		return
	}
	task.Status = TaskValidated

	runID, err := s.runner.Submit(r.Context(), orchestrator.WorkOrder{
		CorrelationID: task.CorrelationID,
		Payload:       task.Payload,
	})
	if err != nil {
		s.reject(r.Context(), w, task, "admission_refused")
		return
	}

	task.Status = TaskAccepted
	task.RunID = runID
	task.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Save(r.Context(), task); err != nil {
		writeProblem(w, err)
		return
	}
	s.logger.Info("federation.task_accepted",
		"task_id", task.ID, "capability", task.Capability, "run_id", runID)
	writeJSON(w, http.StatusOK, task)
}

// validateTask checks the capability and payload against the local
// registry. Reason codes are stable strings peers can branch on.
func (s *Server) validateTask(_ context.Context, task *Task) (string, bool) {
	if task.Capability == "" {
		return "missing_capability", false
	}
	if !s.registry.Supports(task.Capability) {
		return "unsupported_capability", false
	}
	version := task.Version
	if version == "" {
		// Accept the peer's versionless ask against any registered
		// version; the exact contract is pinned per invocation.
		for _, contract := range s.registry.Contracts() {
			if contract.Name == task.Capability {
				version = contract.Version
				break
			}
		}
		task.Version = version
	}
	reg, err := s.registry.Resolve(task.Capability, version)
	if err != nil {
		return "unsupported_version", false
	}
	if err := reg.Contract.Validate(skill.DirectionInput, task.Payload); err != nil {
		return "invalid_payload", false
	}
	return "", true
}

func (s *Server) reject(ctx context.Context, w http.ResponseWriter, task Task, reason string) {
	task.Status = TaskRejected
	task.Reason = reason
	task.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Save(ctx, task); err != nil {
		writeProblem(w, err)
		return
	}
	s.logger.Info("federation.task_rejected",
		"task_id", task.ID, "capability", task.Capability, "reason", reason)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.loadProjected(r.Context(), id)
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		writeProblem(w, err)
		return
	}
	for i := range tasks {
		if projected, err := s.loadProjected(r.Context(), tasks[i].ID); err == nil {
			tasks[i] = projected
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, err)
		return
	}
	if task.RunID == "" {
		writeProblem(w, status.Error(codes.FailedPrecondition, "task has no run to cancel"))
		return
	}
	if err := s.runner.Cancel(r.Context(), task.RunID); err != nil {
		writeProblem(w, err)
		return
	}
	task, err = s.loadProjected(r.Context(), id)
	if err != nil {
		writeProblem(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// loadProjected refreshes a task with its run's current status and, for a
// completed run, the final stage output as the result.
func (s *Server) loadProjected(ctx context.Context, id string) (Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if task.Status.Terminal() || task.RunID == "" {
		return task, nil
	}
	snap, err := s.runner.Status(ctx, task.RunID)
	if err != nil {
		return task, nil
	}
	projected := projectRunStatus(snap)
	if projected == task.Status {
		return task, nil
	}
	task.Status = projected
	task.UpdatedAt = time.Now().UTC()
	if projected == TaskFailed {
		task.Error = snap.LastError
	}
	if projected == TaskCompleted && len(snap.Invocations) > 0 {
		task.Result = snap.Invocations[len(snap.Invocations)-1].Output
	}
	if err := s.tasks.Save(ctx, task); err != nil {
		return Task{}, err
	}
	return task, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem renders an error as application/problem+json, mapping
// typed errors through gRPC codes to HTTP status.
func writeProblem(w http.ResponseWriter, err error) {
	st := grpcStatus(err)
	body := map[string]any{
		"type":   "about:blank",
		"title":  st.Code().String(),
		"detail": st.Message(),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(httpStatusFromCode(st.Code()))
	_ = json.NewEncoder(w).Encode(body)
}

func grpcStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	ce := errors.AsChimeraError(err)
	switch ce.Code {
	case errors.CodeValidation:
		return status.New(codes.InvalidArgument, ce.Error())
	case errors.CodeNotFound:
		return status.New(codes.NotFound, ce.Error())
	case errors.CodeTimeout:
		return status.New(codes.DeadlineExceeded, ce.Error())
	case errors.CodeConflict, errors.CodeInvalidTransition:
		return status.New(codes.FailedPrecondition, ce.Error())
	case errors.CodeFederationRejected:
		return status.New(codes.PermissionDenied, ce.Error())
	default:
		return status.New(codes.Internal, ce.Error())
	}
}

func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusRequestTimeout
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
