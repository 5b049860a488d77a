package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(zap.NewNop())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistry_ResourceLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterResource(ctx, &Resource{
		ID:      "model-a",
		Name:    "Model A",
		Kind:    ResourceKindModel,
		Tags:    []string{"summarize", "translate"},
		Enabled: true,
	}))

	got, err := r.GetResource(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, "Model A", got.Name)
	assert.False(t, got.RegisteredAt.IsZero())

	// The returned resource is a copy; mutating it must not leak back.
	got.Name = "mutated"
	again, err := r.GetResource(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, "Model A", again.Name)

	require.NoError(t, r.UnregisterResource(ctx, "model-a"))
	_, err = r.GetResource(ctx, "model-a")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, r.UnregisterResource(ctx, "model-a"), types.ErrNotFound)
}

func TestRegistry_RejectsInvalidInput(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	assert.ErrorIs(t, r.RegisterResource(ctx, nil), types.ErrInvalidInput)
	assert.ErrorIs(t, r.RegisterResource(ctx, &Resource{}), types.ErrInvalidInput)
	assert.ErrorIs(t, r.RegisterAgent(ctx, &AgentInfo{}), types.ErrInvalidInput)
}

func TestRegistry_FindByTag(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterResource(ctx, &Resource{ID: "b", Tags: []string{"Summarize"}}))
	require.NoError(t, r.RegisterResource(ctx, &Resource{ID: "a", Tags: []string{"summarize", "code"}}))
	require.NoError(t, r.RegisterResource(ctx, &Resource{ID: "c", Tags: []string{"code"}}))

	found, err := r.FindByTag(ctx, "  SUMMARIZE ")
	require.NoError(t, err)
	require.Len(t, found, 2, "tag lookup is case and whitespace insensitive")
	assert.Equal(t, "a", found[0].ID)
	assert.Equal(t, "b", found[1].ID)

	found, err = r.FindByTag(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRegistry_ReRegistrationReplacesTags(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterResource(ctx, &Resource{ID: "m", Tags: []string{"old"}}))
	require.NoError(t, r.RegisterResource(ctx, &Resource{ID: "m", Tags: []string{"new"}}))

	stale, err := r.FindByTag(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, stale, "stale tag index entries must be dropped")

	fresh, err := r.FindByTag(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, fresh, 1)
}

func TestRegistry_AgentLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, &AgentInfo{ID: "agent-1", Name: "One"}))

	got, err := r.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AgentStateOnline, got.State, "state defaults to online")
	assert.False(t, got.LastHeartbeat.IsZero())

	require.NoError(t, r.SetAgentState(ctx, "agent-1", AgentStateDraining))
	got, err = r.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AgentStateDraining, got.State)

	require.NoError(t, r.UnregisterAgent(ctx, "agent-1"))
	_, err = r.GetAgent(ctx, "agent-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRegistry_ActiveAgentIDs(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, &AgentInfo{ID: "b"}))
	require.NoError(t, r.RegisterAgent(ctx, &AgentInfo{ID: "a"}))
	require.NoError(t, r.RegisterAgent(ctx, &AgentInfo{ID: "c"}))
	require.NoError(t, r.SetAgentState(ctx, "c", AgentStateOffline))

	ids, err := r.ActiveAgentIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestRegistry_HeartbeatRevivesOfflineAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.RegisterAgent(ctx, &AgentInfo{ID: "agent-1"}))
	require.NoError(t, r.SetAgentState(ctx, "agent-1", AgentStateOffline))
	require.NoError(t, r.HeartbeatAgent(ctx, "agent-1"))

	got, err := r.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, AgentStateOnline, got.State)

	assert.ErrorIs(t, r.HeartbeatAgent(ctx, "ghost"), types.ErrNotFound)
}

func TestRegistry_Events(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var events []EventType
	subID := r.Subscribe(func(ev *Event) {
		events = append(events, ev.Type)
	})

	require.NoError(t, r.RegisterResource(ctx, &Resource{ID: "m", Enabled: true}))
	require.NoError(t, r.SetEnabled(ctx, "m", false))
	require.NoError(t, r.SetEnabled(ctx, "m", true))
	require.NoError(t, r.RegisterAgent(ctx, &AgentInfo{ID: "agent-1"}))
	require.NoError(t, r.SetAgentState(ctx, "agent-1", AgentStateDraining))
	// A no-op state write must not emit.
	require.NoError(t, r.SetAgentState(ctx, "agent-1", AgentStateDraining))

	assert.Equal(t, []EventType{
		EventResourceRegistered,
		EventResourceDisabled,
		EventResourceEnabled,
		EventAgentRegistered,
		EventAgentStateChanged,
	}, events)

	r.Unsubscribe(subID)
	require.NoError(t, r.UnregisterResource(ctx, "m"))
	assert.Len(t, events, 5, "unsubscribed handler must not fire")
}

func TestRegistry_ClosedRejectsOperations(t *testing.T) {
	r := New(zap.NewNop())
	ctx := context.Background()
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.RegisterResource(ctx, &Resource{ID: "m"}), types.ErrStoreClosed)
	_, err := r.ListResources(ctx)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = r.ActiveAgentIDs(ctx)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}
