package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/blackboard"
	"github.com/agentmesh/agentmesh/collab"
	"github.com/agentmesh/agentmesh/queue"
	"github.com/agentmesh/agentmesh/types"
)

// routes builds the HTTP handler tree. The API is read-only: agents talk to
// the engine in-process, the HTTP surface exists for dashboards and probes.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/resources", s.handleListResources)
	mux.HandleFunc("GET /api/v1/resources/{id}", s.handleGetResource)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("GET /api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/v1/queue/stats", s.handleQueueStats)
	mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	mux.HandleFunc("GET /api/v1/workload", s.handleWorkload)
	mux.HandleFunc("GET /api/v1/reputation/{agent}", s.handleReputation)
	mux.HandleFunc("GET /api/v1/reputation/{agent}/history", s.handleReputationHistory)
	mux.HandleFunc("GET /api/v1/messages/{id}", s.handleGetMessage)
	mux.HandleFunc("GET /api/v1/messages/{id}/receipts", s.handleMessageReceipts)
	mux.HandleFunc("GET /api/v1/inbox/{agent}", s.handleInbox)
	mux.HandleFunc("GET /api/v1/blackboard/{session}", s.handleBlackboard)
	mux.HandleFunc("POST /api/v1/collaborate", s.handleCollaborate)

	return chain(mux,
		recoveryMiddleware(s.logger),
		requestLogMiddleware(s.logger),
		s.metricsMiddleware(),
	)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// Stats hits the task store, which exercises the redis connection when
	// that backend is configured.
	if _, err := s.manager.Stats(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("tag"); tag != "" {
		resources, err := s.registry.FindByTag(r.Context(), tag)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, resources)
		return
	}
	resources, err := s.registry.ListResources(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.registry.GetResource(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.TaskFilter{
		SessionID: q.Get("session_id"),
		AgentID:   q.Get("agent_id"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Status = append(filter.Status, queue.TaskStatus(strings.TrimSpace(part)))
		}
	}
	tasks, err := s.manager.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleWorkload(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.tracker.Snapshots(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshots)
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"score":    s.tracker.Reputation(r.Context(), agentID),
	})
}

func (s *Server) handleReputationHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	entries, err := s.tracker.History(r.Context(), r.PathValue("agent"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messenger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMessageReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.messenger.Receipts(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipts)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	messages, err := s.messenger.Inbox(r.Context(), r.PathValue("agent"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleBlackboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := blackboard.Filter{
		AgentID: q.Get("agent_id"),
		Limit:   queryInt(r, "limit", 0),
	}
	if raw := q.Get("tags"); raw != "" {
		filter.Tags = strings.Split(raw, ",")
	}
	entries, err := s.board.Read(r.Context(), r.PathValue("session"), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type collaborateRequest struct {
	Query       string   `json:"query"`
	Strategy    string   `json:"strategy"`
	ResourceIDs []string `json:"resource_ids"`
}

func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	var req collaborateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.NewError(types.ErrCodeValidation, "malformed request body"))
		return
	}

	start := time.Now()
	result, err := s.orch.Collaborate(r.Context(), req.Query, collab.Strategy(req.Strategy), req.ResourceIDs)
	s.collector.RecordCollabSession(req.Strategy, err != nil, time.Since(start))
	if err != nil {
		// A total failure still carries the attempted results.
		s.writeJSON(w, httpStatusFor(types.CodeOf(err)), map[string]any{
			"error":  err.Error(),
			"code":   string(types.CodeOf(err)),
			"result": result,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	s.writeJSON(w, httpStatusFor(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

func httpStatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrCodeNotFound:
		return http.StatusNotFound
	case types.ErrCodeValidation:
		return http.StatusBadRequest
	case types.ErrCodeClaimConflict, types.ErrCodeStaleWrite:
		return http.StatusConflict
	case types.ErrCodeResourceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrCodePartialFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// middleware is a standard http.Handler wrapper.
type middleware func(http.Handler) http.Handler

func chain(h http.Handler, middlewares ...middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
		sr.ResponseWriter.WriteHeader(code)
	}
}

func recoveryMiddleware(logger *zap.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogMiddleware(logger *zap.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func (s *Server) metricsMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			s.collector.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}
