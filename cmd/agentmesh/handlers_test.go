package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/blackboard"
	"github.com/agentmesh/agentmesh/collab"
	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/event"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/messaging"
	"github.com/agentmesh/agentmesh/queue"
	"github.com/agentmesh/agentmesh/registry"
	"github.com/agentmesh/agentmesh/routing"
	"github.com/agentmesh/agentmesh/workload"
)

// Collectors register against the default prometheus registry, so every
// test server needs its own namespace.
var testServerSeq atomic.Int64

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	logger := zap.NewNop()
	bus := event.NewBus(logger)
	reg := registry.New(logger)
	tracker := workload.NewTracker(workload.NewMemoryStore(), bus, cfg.Workload, logger)

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		registry:  reg,
		tracker:   tracker,
		engine:    routing.NewEngine(reg, tracker, logger),
		manager:   queue.NewManager(queue.NewMemoryTaskStore(), bus, cfg.Queue, logger),
		board:     blackboard.NewBoard(blackboard.NewMemoryStore(), logger),
		messenger: messaging.NewMessenger(messaging.NewMemoryStore(), cfg.Messaging, logger),
		collector: metrics.NewCollector(fmt.Sprintf("cmdtest_%d", testServerSeq.Add(1)), logger),
	}
	s.orch = collab.NewOrchestrator(collab.NewHTTPProvider(reg, nil, logger), reg, bus, cfg.Collab, logger)
	return s
}

func doRequest(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestRoutes_HealthAndVersion(t *testing.T) {
	s := newTestServer(t)
	handler := s.routes()

	w := doRequest(t, handler, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	w = doRequest(t, handler, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, w.Code)
	var version map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &version))
	assert.Contains(t, version, "version")
}

func TestRoutes_ResourcesAndAgents(t *testing.T) {
	s := newTestServer(t)
	ctx := t.Context()

	require.NoError(t, s.registry.RegisterResource(ctx, &registry.Resource{
		ID:          "model-a",
		Name:        "Model A",
		Kind:        registry.ResourceKindModel,
		Tags:        []string{"summarize"},
		CostPerCall: 1.0,
		Enabled:     true,
	}))
	require.NoError(t, s.registry.RegisterAgent(ctx, &registry.AgentInfo{
		ID:   "agent-1",
		Name: "Agent One",
		Tags: []string{"worker"},
	}))

	handler := s.routes()

	w := doRequest(t, handler, http.MethodGet, "/api/v1/resources")
	require.Equal(t, http.StatusOK, w.Code)
	var resources []registry.Resource
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resources))
	require.Len(t, resources, 1)
	assert.Equal(t, "model-a", resources[0].ID)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/resources?tag=summarize")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/resources/model-a")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/agents/agent-1")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/resources/no-such")
	assert.Equal(t, http.StatusNotFound, w.Code)
	var errBody map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "NOT_FOUND", errBody["code"])
}

func TestRoutes_TasksAndQueueStats(t *testing.T) {
	s := newTestServer(t)
	ctx := t.Context()

	id, err := s.manager.Enqueue(ctx, &queue.Task{ID: "task-1", SessionID: "sess-1"})
	require.NoError(t, err)

	handler := s.routes()

	w := doRequest(t, handler, http.MethodGet, "/api/v1/tasks?status=pending")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/tasks?status=completed")
	require.Equal(t, http.StatusOK, w.Code)
	tasks = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	assert.Empty(t, tasks)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/tasks/"+id)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/queue/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalTasks)
}

func TestRoutes_MessagingAndInbox(t *testing.T) {
	s := newTestServer(t)
	ctx := t.Context()

	msgID, err := s.messenger.Send(ctx, &messaging.Message{
		Type:     messaging.MessageTypeStatus,
		From:     "agent-a",
		To:       "agent-b",
		Priority: messaging.PriorityNormal,
		Payload:  "hello",
	})
	require.NoError(t, err)

	handler := s.routes()

	w := doRequest(t, handler, http.MethodGet, "/api/v1/messages/"+msgID)
	require.Equal(t, http.StatusOK, w.Code)
	var msg messaging.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, messaging.StatePending, msg.State)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/inbox/agent-b")
	require.Equal(t, http.StatusOK, w.Code)
	var inbox []messaging.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox, 1)
	assert.Equal(t, msgID, inbox[0].ID)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/inbox/agent-a")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_WorkloadAndReputation(t *testing.T) {
	s := newTestServer(t)
	ctx := t.Context()

	_, err := s.tracker.UpdateWorkload(ctx, "agent-1", 2, 3, 10)
	require.NoError(t, err)

	handler := s.routes()

	w := doRequest(t, handler, http.MethodGet, "/api/v1/workload")
	require.Equal(t, http.StatusOK, w.Code)
	var snapshots []workload.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshots))
	require.Len(t, snapshots, 1)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/reputation/agent-1")
	require.Equal(t, http.StatusOK, w.Code)
	var rep map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, "agent-1", rep["agent_id"])

	w = doRequest(t, handler, http.MethodGet, "/api/v1/reputation/agent-1/history?limit=5")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutes_Blackboard(t *testing.T) {
	s := newTestServer(t)
	ctx := t.Context()

	_, err := s.board.Write(ctx, "sess-1", "agent-1", "finding", []string{"analysis"}, 5, time.Minute)
	require.NoError(t, err)

	handler := s.routes()

	w := doRequest(t, handler, http.MethodGet, "/api/v1/blackboard/sess-1?tags=analysis")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []blackboard.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "agent-1", entries[0].AgentID)

	w = doRequest(t, handler, http.MethodGet, "/api/v1/blackboard/sess-1?tags=missing")
	require.Equal(t, http.StatusOK, w.Code)
	entries = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Empty(t, entries)
}

func TestRoutes_Rules(t *testing.T) {
	s := newTestServer(t)

	_, err := s.engine.AddRule(&routing.Rule{
		Tags:       []string{"summarize"},
		ResourceID: "model-a",
	})
	require.NoError(t, err)

	w := doRequest(t, s.routes(), http.MethodGet, "/api/v1/rules")
	require.Equal(t, http.StatusOK, w.Code)
	var rules []routing.RuleStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestChainOrdering(t *testing.T) {
	var order []string
	mw := func(name string) middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), mw("outer"), mw("inner"))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestQueryInt(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x&neg=-3", nil)
	assert.Equal(t, 25, queryInt(r, "limit", 10))
	assert.Equal(t, 10, queryInt(r, "bad", 10))
	assert.Equal(t, 10, queryInt(r, "neg", 10))
	assert.Equal(t, 10, queryInt(r, "absent", 10))
}

func TestRoutes_Collaborate(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"the answer","confidence":0.9}`)
	}))
	defer backend.Close()

	s := newTestServer(t)
	ctx := t.Context()
	require.NoError(t, s.registry.RegisterResource(ctx, &registry.Resource{
		ID:       "model-a",
		Enabled:  true,
		Metadata: map[string]string{"endpoint": backend.URL},
	}))

	handler := s.routes()

	body := strings.NewReader(`{"query":"q","strategy":"parallel","resource_ids":["model-a"]}`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/collaborate", body))
	require.Equal(t, http.StatusOK, w.Code)

	var result collab.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "the answer", result.Output)
	assert.Equal(t, "model-a", result.SelectedResource)

	// Unknown strategy is rejected before any provider call.
	body = strings.NewReader(`{"query":"q","strategy":"bogus","resource_ids":["model-a"]}`)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/collaborate", body))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/collaborate", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
