// Package api serves the admin HTTP endpoints for tasks, the cluster, NiFi and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/pgflo/pg_ingest/pkg/cluster"
	"github.com/pgflo/pg_ingest/pkg/metadata"
	"github.com/pgflo/pg_ingest/pkg/metrics"
	"github.com/pgflo/pg_ingest/pkg/task"
	"github.com/pgflo/pg_ingest/pkg/utils"
)

const defaultLogLimit = 20

// TaskManager runs tasks on this node
type TaskManager interface {
	Tasks() []task.Task
	Task(id string) (task.Task, error)
	Status(id string) (task.Status, error)
	Stats(ctx context.Context, id string) (*metadata.TaskStats, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, limit int) ([]metadata.IngestLog, error)
}

// ProcessorChecker reports the run status of a NiFi processor
type ProcessorChecker interface {
	ProcessorStatus(ctx context.Context, processorID string) string
}

// TableLister returns the ODS tables registered for a task
type TableLister interface {
	ListTables(ctx context.Context, taskID string) ([]metadata.TableRegistration, error)
}

// Server routes admin requests
type Server struct {
	manager     TaskManager
	coordinator cluster.Coordinator
	nifi        ProcessorChecker
	tables      TableLister
	metrics     *metrics.Metrics
	router      *mux.Router
	logger      utils.Logger
}

// Option configures a Server
type Option func(*Server)

// WithCoordinator enables the /cluster endpoints
func WithCoordinator(c cluster.Coordinator) Option {
	return func(s *Server) {
		s.coordinator = c
	}
}

// WithNiFi enables the processor status endpoint
func WithNiFi(n ProcessorChecker) Option {
	return func(s *Server) {
		s.nifi = n
	}
}

// WithTables enables the registered tables endpoint
func WithTables(t TableLister) Option {
	return func(s *Server) {
		s.tables = t
	}
}

// WithMetrics serves the collectors on /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func NewServer(manager TaskManager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		router:  mux.NewRouter(),
		logger:  utils.NewComponentLogger("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/status", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/tables", s.handleTables).Methods(http.MethodGet)

	cl := r.PathPrefix("/cluster").Subrouter()
	cl.Use(s.requireCoordinator)
	cl.HandleFunc("/tasks", s.handleClusterTasks).Methods(http.MethodGet)
	cl.HandleFunc("/nodes", s.handleClusterNodes).Methods(http.MethodGet)
	cl.HandleFunc("/tasks/{id}/start", s.handleClusterStart).Methods(http.MethodPost)
	cl.HandleFunc("/tasks/{id}/stop", s.handleClusterStop).Methods(http.MethodPost)

	r.HandleFunc("/nifi/processors/{id}/status", s.handleProcessorStatus).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down within timeout
func (s *Server) Run(ctx context.Context, addr string, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Admin server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down admin server: %w", err)
	}
	return nil
}

type taskView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	SourceKind string `json:"sourceKind,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	Status     int    `json:"status"`
	State      string `json:"state"`
}

type statusView struct {
	TaskID string              `json:"taskId"`
	Status int                 `json:"status"`
	State  string              `json:"state"`
	Stats  *metadata.TaskStats `json:"stats,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.manager.Tasks()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		st, _ := s.manager.Status(t.ID)
		out = append(out, taskView{
			ID:         t.ID,
			Name:       t.Name,
			Type:       string(t.Type),
			SourceKind: string(t.SourceKind),
			Schedule:   t.Schedule,
			Status:     int(st),
			State:      st.String(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.manager.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stats, err := s.manager.Stats(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusView{TaskID: id, Status: int(st), State: st.String(), Stats: stats})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Start(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info().Str("task_id", id).Msg("Task execution requested")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id, "state": task.StatusRunning.String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.manager.Stop(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	st, _ := s.manager.Status(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"taskId": id, "state": st.String()})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	logs, err := s.manager.Logs(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []metadata.IngestLog{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.manager.Task(id); err != nil {
		s.writeError(w, err)
		return
	}
	if s.tables == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "table registry is not enabled"})
		return
	}
	tables, err := s.tables.ListTables(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tables == nil {
		tables = []metadata.TableRegistration{}
	}
	s.writeJSON(w, http.StatusOK, tables)
}

func (s *Server) requireCoordinator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.coordinator == nil {
			s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "cluster coordination is not enabled"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleClusterTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.coordinator.ListTasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []cluster.TaskInfo{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.coordinator.Nodes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []cluster.Heartbeat{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"currentNode": s.coordinator.NodeID(),
		"nodes":       nodes,
	})
}

func (s *Server) handleClusterStart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.manager.Task(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	config, err := json.Marshal(t)
	if err != nil {
		s.writeError(w, fmt.Errorf("failed to encode task %s: %w", id, err))
		return
	}
	if err := s.coordinator.StartTask(r.Context(), id, config); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.coordinator.TaskInfo(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleClusterStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.coordinator.StopTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"taskId": id, "status": cluster.StateStopped})
}

func (s *Server) handleProcessorStatus(w http.ResponseWriter, r *http.Request) {
	if s.nifi == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "NiFi is not enabled"})
		return
	}
	id := mux.Vars(r)["id"]
	s.writeJSON(w, http.StatusOK, map[string]string{
		"processorId": id,
		"status":      s.nifi.ProcessorStatus(r.Context(), id),
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrTaskRunning), errors.Is(err, cluster.ErrLockNotAcquired):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, code, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
