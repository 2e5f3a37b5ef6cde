package swarm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geister/internal/store"
)

// fakeDfx emulates the identity subcommands the provisioner issues.
type fakeDfx struct {
	created map[string]bool
	failAll bool
	calls   [][]string
}

func newFakeDfx() *fakeDfx {
	return &fakeDfx{created: map[string]bool{}}
}

func (f *fakeDfx) Run(_ context.Context, _ string, _ []string, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failAll {
		return "", "dfx unavailable", errors.New("exit status 1")
	}
	switch {
	case len(args) == 4 && args[0] == "identity" && args[1] == "get-principal":
		id := args[3]
		if f.created[id] {
			return "principal-" + id + "\n", "", nil
		}
		return "", "identity not found", errors.New("exit status 1")
	case len(args) >= 3 && args[0] == "identity" && args[1] == "new":
		f.created[args[2]] = true
		return "", "", nil
	}
	return "", "", fmt.Errorf("unexpected command: %s %v", name, args)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "geister.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedDefaultTemplate(t *testing.T, st *store.Store) *store.TelosTemplate {
	t.Helper()
	ctx := context.Background()
	tpl := &store.TelosTemplate{Name: "Onboarding", Steps: []string{"Join the community", "Vote yes on proposal P1"}}
	require.NoError(t, st.CreateTemplate(ctx, tpl))
	require.NoError(t, st.SetDefaultTemplate(ctx, tpl.ID))
	return tpl
}

func TestIdentityNameFormat(t *testing.T) {
	p := NewProvisioner(newTestStore(t), nil, newFakeDfx(), nil)
	assert.Equal(t, "swarm_agent_007", p.IdentityName(7))
	assert.Equal(t, "swarm_agent_123", p.IdentityName(123))
}

func TestProvisionCreatesAgents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	tpl := seedDefaultTemplate(t, st)
	p := NewProvisioner(st, nil, newFakeDfx(), nil)

	report := p.Provision(ctx, 3, 1, "compliant")
	assert.Equal(t, Report{
		Requested: 3,
		Created:   3,
		AgentIDs:  []string{"swarm_agent_001", "swarm_agent_002", "swarm_agent_003"},
	}, report)

	agent, err := st.GetAgent(ctx, "swarm_agent_002")
	require.NoError(t, err)
	assert.Equal(t, "Swarm Agent 002", agent.DisplayName)
	assert.Equal(t, "compliant", agent.Persona)
	assert.Equal(t, "principal-swarm_agent_002", agent.Principal)

	assignment, err := st.GetTelosAssignment(ctx, "swarm_agent_002")
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, assignment.TemplateID)
	assert.Equal(t, store.TelosStateIdle, assignment.State)
}

func TestProvisionSkipsExistingAgents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{
		ID:          "swarm_agent_001",
		DisplayName: "Swarm Agent 001",
		Persona:     "compliant",
		Principal:   "aaaaa-aa",
	}))
	p := NewProvisioner(st, nil, newFakeDfx(), nil)

	report := p.Provision(ctx, 2, 1, "compliant")
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, []string{"swarm_agent_002"}, report.AgentIDs)

	// The existing agent keeps its principal.
	agent, err := st.GetAgent(ctx, "swarm_agent_001")
	require.NoError(t, err)
	assert.Equal(t, "aaaaa-aa", agent.Principal)
}

func TestProvisionCountsIdentityFailures(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	dfx := newFakeDfx()
	dfx.failAll = true
	p := NewProvisioner(st, nil, dfx, nil)

	report := p.Provision(ctx, 2, 1, "compliant")
	assert.Equal(t, 2, report.Failed)
	assert.Zero(t, report.Created)

	agents, err := st.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestProvisionAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProvisioner(st, nil, newFakeDfx(), nil)

	report := p.Provision(ctx, 0, 0, "")
	assert.Equal(t, 5, report.Requested)
	assert.Equal(t, 5, report.Created)

	agent, err := st.GetAgent(ctx, "swarm_agent_001")
	require.NoError(t, err)
	assert.Equal(t, "compliant", agent.Persona)
}

func TestProvisionWithoutDefaultTemplate(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	p := NewProvisioner(st, nil, newFakeDfx(), nil)

	report := p.Provision(ctx, 1, 1, "compliant")
	require.Equal(t, 1, report.Created)

	_, err := st.GetTelosAssignment(ctx, "swarm_agent_001")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
