package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/vgate/internal/domain"
	"github.com/rakunlabs/vgate/internal/registry"
	"github.com/rakunlabs/vgate/internal/store/memory"
)

func TestMaxRetriesForEndpoint(t *testing.T) {
	assert.Equal(t, 5, maxRetriesForEndpoint("videos"))
	for _, endpoint := range []string{"chat", "embeddings", "images", "audio_speech", ""} {
		assert.Equal(t, 3, maxRetriesForEndpoint(endpoint), "endpoint %q", endpoint)
	}
}

func TestResolveCapabilityUnknownModel(t *testing.T) {
	s := &Server{registry: registry.New()}

	_, err := s.resolveCapability("no-such-model", registry.CapabilityChat)
	assert.ErrorIs(t, err, errModelNotFound)
}

func TestResolveCapabilityUnsupportedEndpoint(t *testing.T) {
	reg := registry.New()
	reg.Upsert(registry.ModelEntry{
		Model:        "gpt-4o",
		ProviderName: "openai",
		Capabilities: map[registry.Capability]bool{registry.CapabilityChat: true},
	})
	s := &Server{registry: reg}

	_, err := s.resolveCapability("gpt-4o", registry.CapabilityImages)
	assert.ErrorIs(t, err, errEndpointNotSupported)
}

func TestResolveCapabilitySuccess(t *testing.T) {
	reg := registry.New()
	reg.Upsert(registry.ModelEntry{
		Model:        "gpt-4o",
		ProviderName: "openai",
		Capabilities: map[registry.Capability]bool{registry.CapabilityChat: true},
	})
	s := &Server{registry: reg}

	entry, err := s.resolveCapability("gpt-4o", registry.CapabilityChat)
	require.NoError(t, err)
	assert.Equal(t, "openai", entry.ProviderName)
}

func newTestDispatchServer(t *testing.T) (*Server, *memory.Memory) {
	t.Helper()
	st := memory.New()
	return &Server{store: st, balancer: nil}, st
}

func seedProvider(t *testing.T, st *memory.Memory, name string, models []string, enabled bool, subNames ...string) *domain.Provider {
	t.Helper()
	ctx := context.Background()
	p := &domain.Provider{Name: name, Kind: "openai", Models: types.Slice[string](models), Enabled: enabled}
	require.NoError(t, st.CreateProvider(ctx, p))
	for _, subName := range subNames {
		sp := &domain.SubProvider{ProviderID: p.ID, Name: subName, Enabled: true}
		require.NoError(t, st.CreateSubProvider(ctx, sp))
	}
	return p
}

func TestProvidersForModelFansOutAcrossProviders(t *testing.T) {
	s, st := newTestDispatchServer(t)
	seedProvider(t, st, "openai", []string{"gpt-4o"}, true, "openai-primary")
	seedProvider(t, st, "azure", []string{"gpt-4o"}, true, "azure-primary", "azure-backup")
	seedProvider(t, st, "anthropic", []string{"claude-3"}, true, "anthropic-primary")

	subs, owners, err := s.providersForModel(context.Background(), "gpt-4o")
	require.NoError(t, err)
	assert.Len(t, subs, 3, "openai's one sub-provider plus azure's two")
	for _, sp := range subs {
		owner := owners[sp.ID]
		require.NotNil(t, owner)
		assert.Contains(t, []string{"openai", "azure"}, owner.Name)
	}
}

func TestProvidersForModelSkipsDisabledProviders(t *testing.T) {
	s, st := newTestDispatchServer(t)
	seedProvider(t, st, "openai", []string{"gpt-4o"}, false, "openai-primary")

	_, _, err := s.providersForModel(context.Background(), "gpt-4o")
	assert.ErrorIs(t, err, errModelNotFound)
}

func TestProvidersForModelNoCatalogMatch(t *testing.T) {
	s, st := newTestDispatchServer(t)
	seedProvider(t, st, "openai", []string{"gpt-4o"}, true, "openai-primary")

	_, _, err := s.providersForModel(context.Background(), "claude-3")
	assert.ErrorIs(t, err, errModelNotFound)
}

func TestScopeSubsFiltersByApiKeyProviderAllowList(t *testing.T) {
	s, st := newTestDispatchServer(t)
	seedProvider(t, st, "openai", []string{"gpt-4o"}, true, "openai-primary")
	seedProvider(t, st, "azure", []string{"gpt-4o"}, true, "azure-primary")

	subs, owners, err := s.providersForModel(context.Background(), "gpt-4o")
	require.NoError(t, err)

	rc := &RequestContext{ApiKey: &domain.ApiKey{AllowedProviders: []string{"azure"}}}
	allowed, err := scopeSubs(rc, subs, owners, "gpt-4o")
	require.NoError(t, err)
	require.Len(t, allowed, 1)
	assert.Equal(t, "azure", owners[allowed[0].ID].Name)
}

func TestScopeSubsAllDeniedReturnsError(t *testing.T) {
	s, st := newTestDispatchServer(t)
	seedProvider(t, st, "openai", []string{"gpt-4o"}, true, "openai-primary")

	subs, owners, err := s.providersForModel(context.Background(), "gpt-4o")
	require.NoError(t, err)

	rc := &RequestContext{ApiKey: &domain.ApiKey{AllowedProviders: []string{"azure"}}}
	_, err = scopeSubs(rc, subs, owners, "gpt-4o")
	assert.Error(t, err)
}

func TestPrepareDispatchCombinesBothStages(t *testing.T) {
	s, st := newTestDispatchServer(t)
	seedProvider(t, st, "openai", []string{"gpt-4o"}, true, "openai-primary")
	seedProvider(t, st, "azure", []string{"gpt-4o"}, true, "azure-primary")

	rc := &RequestContext{}
	subs, owners, err := s.prepareDispatch(context.Background(), rc, "gpt-4o")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Len(t, owners, 2)
}

func TestCheckPlanAccessAllowsMatchingPlan(t *testing.T) {
	s := &Server{}
	entry := registry.ModelEntry{Model: "gpt-4o", PlanRequirements: map[string]bool{domain.PlanPro: true}}
	rc := &RequestContext{User: &domain.User{PlanID: domain.PlanPro}}

	assert.NoError(t, s.checkPlanAccess(context.Background(), rc, entry))
}

func TestCheckPlanAccessDeniesWrongPlanWithoutDiscount(t *testing.T) {
	st := memory.New()
	s := &Server{store: st}
	entry := registry.ModelEntry{Model: "gpt-4o", PlanRequirements: map[string]bool{domain.PlanPro: true}}
	rc := &RequestContext{User: &domain.User{ID: "u1", PlanID: domain.PlanFree}}

	err := s.checkPlanAccess(context.Background(), rc, entry)
	assert.ErrorIs(t, err, errPlanAccessDenied)
}

func TestCheckPlanAccessMasterAdminBypasses(t *testing.T) {
	s := &Server{}
	entry := registry.ModelEntry{Model: "gpt-4o", PlanRequirements: map[string]bool{domain.PlanPro: true}}
	rc := &RequestContext{Master: true, User: &domain.User{PlanID: domain.PlanFree}}

	assert.NoError(t, s.checkPlanAccess(context.Background(), rc, entry))
}

func TestCheckPlanAccessEmptyRequirementsAllowsEveryPlan(t *testing.T) {
	s := &Server{}
	entry := registry.ModelEntry{Model: "gpt-4o"}
	rc := &RequestContext{User: &domain.User{PlanID: domain.PlanFree}}

	assert.NoError(t, s.checkPlanAccess(context.Background(), rc, entry))
}
