package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// Registry is an in-memory capability registry with a tag index and event
// notifications. Resource and agent metadata is low-churn; reads vastly
// outnumber writes, so a single RWMutex over both maps is sufficient.
type Registry struct {
	mu sync.RWMutex

	// resources stores registered resources by ID.
	resources map[string]*Resource

	// tagIndex indexes resource IDs by capability tag for fast lookup.
	tagIndex map[string]map[string]struct{}

	// agents stores registered agents by ID.
	agents map[string]*AgentInfo

	// eventHandlers stores event handlers by subscription ID.
	eventHandlers map[string]EventHandler
	handlerMu     sync.RWMutex

	logger *zap.Logger
	closed bool
}

// New creates a new capability registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		resources:     make(map[string]*Resource),
		tagIndex:      make(map[string]map[string]struct{}),
		agents:        make(map[string]*AgentInfo),
		eventHandlers: make(map[string]EventHandler),
		logger:        logger.With(zap.String("component", "registry")),
	}
}

// RegisterResource registers a resource with its capability tags.
func (r *Registry) RegisterResource(ctx context.Context, res *Resource) error {
	if res == nil || res.ID == "" {
		return types.ErrInvalidInput
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.ErrStoreClosed
	}

	now := time.Now().UTC()
	if res.RegisteredAt.IsZero() {
		res.RegisteredAt = now
	}
	res.UpdatedAt = now

	// Re-registration replaces tags; drop stale index entries first.
	if old, ok := r.resources[res.ID]; ok {
		r.removeFromTagIndex(old)
	}
	r.resources[res.ID] = res
	for _, tag := range res.Tags {
		key := normalizeTag(tag)
		if r.tagIndex[key] == nil {
			r.tagIndex[key] = make(map[string]struct{})
		}
		r.tagIndex[key][res.ID] = struct{}{}
	}
	r.mu.Unlock()

	r.logger.Info("resource registered",
		zap.String("resource_id", res.ID),
		zap.String("kind", string(res.Kind)),
		zap.Strings("tags", res.Tags),
	)
	r.emit(&Event{Type: EventResourceRegistered, ResourceID: res.ID, Timestamp: now})
	return nil
}

// UnregisterResource removes a resource from the registry.
func (r *Registry) UnregisterResource(ctx context.Context, resourceID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.ErrStoreClosed
	}
	res, ok := r.resources[resourceID]
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	r.removeFromTagIndex(res)
	delete(r.resources, resourceID)
	r.mu.Unlock()

	r.emit(&Event{Type: EventResourceUnregistered, ResourceID: resourceID, Timestamp: time.Now().UTC()})
	return nil
}

// SetEnabled flips a resource's enablement flag.
func (r *Registry) SetEnabled(ctx context.Context, resourceID string, enabled bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.ErrStoreClosed
	}
	res, ok := r.resources[resourceID]
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	res.Enabled = enabled
	res.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	evType := EventResourceDisabled
	if enabled {
		evType = EventResourceEnabled
	}
	r.emit(&Event{Type: evType, ResourceID: resourceID, Timestamp: time.Now().UTC()})
	return nil
}

// GetResource retrieves a resource by ID.
func (r *Registry) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, types.ErrStoreClosed
	}
	res, ok := r.resources[resourceID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

// ListResources lists all registered resources ordered by ID.
func (r *Registry) ListResources(ctx context.Context) ([]*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, types.ErrStoreClosed
	}
	out := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		cp := *res
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByTag returns resources declaring the given capability tag,
// ordered by ID for deterministic iteration.
func (r *Registry) FindByTag(ctx context.Context, tag string) ([]*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, types.ErrStoreClosed
	}
	ids := r.tagIndex[normalizeTag(tag)]
	out := make([]*Resource, 0, len(ids))
	for id := range ids {
		if res, ok := r.resources[id]; ok {
			cp := *res
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RegisterAgent registers a worker agent.
func (r *Registry) RegisterAgent(ctx context.Context, info *AgentInfo) error {
	if info == nil || info.ID == "" {
		return types.ErrInvalidInput
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.ErrStoreClosed
	}
	now := time.Now().UTC()
	if info.RegisteredAt.IsZero() {
		info.RegisteredAt = now
	}
	if info.State == "" {
		info.State = AgentStateOnline
	}
	info.LastHeartbeat = now
	r.agents[info.ID] = info
	r.mu.Unlock()

	r.logger.Info("agent registered", zap.String("agent_id", info.ID))
	r.emit(&Event{Type: EventAgentRegistered, AgentID: info.ID, Timestamp: now})
	return nil
}

// UnregisterAgent removes an agent.
func (r *Registry) UnregisterAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return types.ErrStoreClosed
	}
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.emit(&Event{Type: EventAgentUnregistered, AgentID: agentID, Timestamp: time.Now().UTC()})
	return nil
}

// GetAgent retrieves an agent by ID.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, types.ErrStoreClosed
	}
	info, ok := r.agents[agentID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *info
	return &cp, nil
}

// ListAgents lists all registered agents ordered by ID.
func (r *Registry) ListAgents(ctx context.Context) ([]*AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, types.ErrStoreClosed
	}
	out := make([]*AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		cp := *info
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ActiveAgentIDs returns the IDs of all online agents. Used by messaging
// broadcast fan-out.
func (r *Registry) ActiveAgentIDs(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, types.ErrStoreClosed
	}
	out := make([]string, 0, len(r.agents))
	for id, info := range r.agents {
		if info.State == AgentStateOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// HeartbeatAgent records an agent heartbeat and restores an offline agent
// to online.
func (r *Registry) HeartbeatAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return types.ErrStoreClosed
	}
	info, ok := r.agents[agentID]
	if !ok {
		return types.ErrNotFound
	}
	info.LastHeartbeat = time.Now().UTC()
	if info.State == AgentStateOffline {
		info.State = AgentStateOnline
	}
	return nil
}

// SetAgentState updates an agent's liveness state.
func (r *Registry) SetAgentState(ctx context.Context, agentID string, state AgentState) error {
	r.mu.Lock()
	info, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return types.ErrNotFound
	}
	changed := info.State != state
	info.State = state
	r.mu.Unlock()

	if changed {
		r.emit(&Event{Type: EventAgentStateChanged, AgentID: agentID, Timestamp: time.Now().UTC()})
	}
	return nil
}

// Subscribe subscribes to registry events and returns a subscription ID.
func (r *Registry) Subscribe(handler EventHandler) string {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	id := uuid.New().String()
	r.eventHandlers[id] = handler
	return id
}

// Unsubscribe removes an event subscription.
func (r *Registry) Unsubscribe(subscriptionID string) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	delete(r.eventHandlers, subscriptionID)
}

// Close closes the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// emit invokes all subscribed handlers synchronously.
func (r *Registry) emit(event *Event) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	for _, handler := range r.eventHandlers {
		handler(event)
	}
}

// removeFromTagIndex drops a resource's entries from the tag index.
// Caller must hold r.mu.
func (r *Registry) removeFromTagIndex(res *Resource) {
	for _, tag := range res.Tags {
		key := normalizeTag(tag)
		if set, ok := r.tagIndex[key]; ok {
			delete(set, res.ID)
			if len(set) == 0 {
				delete(r.tagIndex, key)
			}
		}
	}
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
