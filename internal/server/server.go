package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/copyleftdev/rsopt/internal/config"
	"github.com/copyleftdev/rsopt/internal/configuration"
	"github.com/copyleftdev/rsopt/internal/ensemble"
	"github.com/copyleftdev/rsopt/internal/errors"
	"github.com/copyleftdev/rsopt/internal/executor"
	"github.com/copyleftdev/rsopt/internal/logging"
	"github.com/copyleftdev/rsopt/internal/optimization"
	"github.com/copyleftdev/rsopt/internal/registry"
	"github.com/copyleftdev/rsopt/internal/runner"
	"github.com/copyleftdev/rsopt/internal/setup"
)

// maxDocumentSize caps a job description posted to the API.
const maxDocumentSize = 1 << 20

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Run states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunState tracks one submitted job description from parse to finish.
type RunState struct {
	ID          string
	Status      string
	Codes       []string
	RunDir      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Flag        string
	Info        *ensemble.PersisInfo
	History     *ensemble.History
	Error       string
	CancelFunc  context.CancelFunc
}

// RunFunc executes a parsed configuration.
type RunFunc func(ctx context.Context, cfg *configuration.Configuration, opts runner.Options) (*runner.Result, error)

// Server implements the HTTP and JSON-RPC API that starts, monitors and
// cancels runs.
type Server struct {
	cfg        *config.Config
	logger     Logger
	registry   *registry.Registry
	registerer prometheus.Registerer
	executors  *executor.Registry
	run        RunFunc

	runs   map[string]*RunState
	runsMu sync.RWMutex
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry sets the registry job functions and objectives resolve from.
func WithRegistry(r *registry.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithRegisterer sets where run metrics are registered.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Server) { s.registerer = r }
}

// WithExecutors sets the executors runs launch codes with.
func WithExecutors(r *executor.Registry) Option {
	return func(s *Server) { s.executors = r }
}

// WithRunFunc replaces the function that executes runs.
func WithRunFunc(fn RunFunc) Option {
	return func(s *Server) { s.run = fn }
}

// NewServer creates a new server instance with the given config and logger
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		registry:   registry.Default,
		registerer: prometheus.DefaultRegisterer,
		run:        runner.Run,
		runs:       make(map[string]*RunState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.executors == nil {
		s.executors = executor.NewRegistry(executor.Config{
			MPILauncher:   cfg.Executor.MPILauncher,
			RSMPILauncher: cfg.Executor.RSMPILauncher,
			RSMPIHost:     cfg.Executor.RSMPIHost,
			Logger:        s.zapLogger("executor"),
		})
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/history", s.handleGetHistory)
		r.Delete("/runs/{id}", s.handleCancelRun)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

func (s *Server) zapLogger(component string) *zap.Logger {
	return logging.NewZapLogger(s.logger.WithFields(map[string]interface{}{"component": component}))
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcParams struct {
	Document string `json:"document"`
	RunID    string `json:"run_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDocumentSize)).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID)
		return
	}

	params, err := decodeParams(request.Params)
	if err != nil {
		s.respondWithError(w, -32602, "Invalid params", request.ID)
		return
	}

	var result interface{}
	switch request.Method {
	case "run.start":
		result, err = s.startRun([]byte(params.Document))
	case "run.status":
		result, err = s.runStatus(params.RunID)
	case "run.cancel":
		err = s.cancelRun(params.RunID)
		result = map[string]string{"run_id": params.RunID, "status": StatusCancelled}
	case "run.list":
		result = s.listRuns()
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		s.respondWithError(w, -32000, err.Error(), request.ID)
		return
	}

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// decodeParams accepts params as an object or as a one-element array
// holding the object.
func decodeParams(raw json.RawMessage) (rpcParams, error) {
	var p rpcParams
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err == nil {
		return p, nil
	}
	var list []rpcParams
	if err := json.Unmarshal(raw, &list); err != nil {
		return p, err
	}
	if len(list) > 0 {
		p = list[0]
	}
	return p, nil
}

// startRun parses a job description and starts it in the background.
// Parse errors are returned before anything runs.
func (s *Server) startRun(document []byte) (map[string]interface{}, error) {
	if len(document) == 0 {
		return nil, errors.New(errors.KindConfig, "job description is required").WithComponent("server")
	}

	id := uuid.NewString()
	runDir := filepath.Join(s.cfg.Ensemble.RunDir, id)
	log := s.logger.WithFields(map[string]interface{}{"run_id": id})
	zl := logging.NewZapLogger(log)

	cfg, err := configuration.Parse(document,
		configuration.WithRegistry(s.registry),
		configuration.WithExecutors(s.executors),
		configuration.WithLogger(zl),
		configuration.WithSetupOptions(
			setup.WithShifter(s.cfg.Shifter.Image, s.cfg.Shifter.Wrapper),
			setup.WithModelImport(s.cfg.Shifter.ModelImport),
		),
	)
	if err != nil {
		return nil, err
	}
	cfg.Options.RunDir = runDir

	runCtx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	state := &RunState{
		ID:          id,
		Status:      StatusPending,
		Codes:       cfg.Codes(),
		RunDir:      runDir,
		StartTime:   now,
		LastUpdated: now,
		CancelFunc:  cancel,
	}

	s.runsMu.Lock()
	s.runs[id] = state
	s.runsMu.Unlock()

	log.Info("Run accepted", map[string]interface{}{"codes": state.Codes, "run_dir": runDir})
	go s.execute(runCtx, state, cfg, zl)

	return map[string]interface{}{
		"run_id": id,
		"status": StatusPending,
	}, nil
}

// execute runs the configuration and records the outcome.
func (s *Server) execute(ctx context.Context, state *RunState, cfg *configuration.Configuration, zl *zap.Logger) {
	s.runsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.runsMu.Unlock()

	result, err := s.run(ctx, cfg, runner.Options{
		Workers:         s.cfg.Ensemble.Workers,
		CheckpointEvery: s.cfg.Ensemble.CheckpointEvery,
		Registerer:      s.registerer,
		Logger:          zl,
	})

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	if result != nil {
		info := result.Info
		state.Info = &info
		state.History = result.History
		state.Flag = result.Flag.String()
	}
	now := time.Now()
	state.LastUpdated = now
	if state.Status == StatusCancelled {
		return
	}
	state.EndTime = &now
	if err != nil {
		s.logger.Error("Run failed", map[string]interface{}{
			"run_id": state.ID,
			"error":  err.Error(),
		})
		state.Status = StatusFailed
		state.Error = err.Error()
		return
	}
	state.Status = StatusCompleted
	s.logger.Info("Run completed", map[string]interface{}{"run_id": state.ID, "flag": state.Flag})
}

func solutionJSON(sol *optimization.Solution) map[string]interface{} {
	return map[string]interface{}{
		"parameters": sol.Parameters,
		"value":      sol.Value,
	}
}

// runStatus returns the current status and results of a run.
func (s *Server) runStatus(id string) (map[string]interface{}, error) {
	if id == "" {
		return nil, errors.New(errors.KindConfig, "run_id is required").WithComponent("server")
	}

	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	state, exists := s.runs[id]
	if !exists {
		return nil, errors.Errorf(errors.KindValue, "run %s not found", id).WithComponent("server")
	}

	response := map[string]interface{}{
		"run_id":      state.ID,
		"status":      state.Status,
		"codes":       state.Codes,
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Flag != "" {
		response["flag"] = state.Flag
	}
	if state.Error != "" {
		response["error"] = state.Error
	}
	if state.Info != nil {
		response["simulations"] = state.Info.Simulations
		response["failures"] = state.Info.Failures
		response["reused"] = state.Info.Reused
		response["converged"] = state.Info.Converged
		if state.Info.Best != nil {
			response["best_solution"] = solutionJSON(state.Info.Best)
		}
	}
	return response, nil
}

// cancelRun cancels a pending or running run.
func (s *Server) cancelRun(id string) error {
	if id == "" {
		return errors.New(errors.KindConfig, "run_id is required").WithComponent("server")
	}

	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	state, exists := s.runs[id]
	if !exists {
		return errors.Errorf(errors.KindValue, "run %s not found", id).WithComponent("server")
	}

	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return errors.Errorf(errors.KindConfig, "cannot cancel run with status: %s", state.Status).
			WithComponent("server")
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Run cancelled", map[string]interface{}{"run_id": id})
	return nil
}

func (s *Server) listRuns() []map[string]interface{} {
	s.runsMu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.runsMu.RUnlock()
	sort.Strings(ids)

	out := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		if st, err := s.runStatus(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  code,
		"message": message,
	})

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// Close cancels every run still in progress.
func (s *Server) Close() error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	for _, run := range s.runs {
		if run.CancelFunc != nil {
			run.CancelFunc()
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), map[string]interface{}{
		"error": err.Error(),
		"kind":  errors.KindOf(err).String(),
	})
}

// handleCreateRun handles POST /runs. The body is the job description.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocumentSize+1))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindConfig, "read request body"))
		return
	}
	if len(body) > maxDocumentSize {
		writeError(w, errors.Errorf(errors.KindConfig, "job description larger than %d bytes", maxDocumentSize))
		return
	}

	result, err := s.startRun(body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleListRuns handles GET /runs.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listRuns())
}

// handleGetRun handles GET /runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.runStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleGetHistory handles GET /runs/{id}/history once the run finished.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.runsMu.RLock()
	state, ok := s.runs[id]
	var h *ensemble.History
	if ok {
		h = state.History
	}
	s.runsMu.RUnlock()

	switch {
	case !ok:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": fmt.Sprintf("run %s not found", id)})
	case h == nil:
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "history is available once the run finished"})
	default:
		writeJSON(w, http.StatusOK, h.Entries())
	}
}

// handleCancelRun handles DELETE /runs/{id}.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cancelRun(id); err != nil {
		status := http.StatusBadRequest
		if errors.IsKind(err, errors.KindValue) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancellation requested"})
}
