package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geister/internal/store"
)

func newFixture(t *testing.T) (*Service, *store.Store, *store.Agent) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "geister.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	agent := &store.Agent{ID: "citizen_1", DisplayName: "Ada", Persona: "compliant"}
	require.NoError(t, s.CreateAgent(context.Background(), agent))
	return NewService(s, nil), s, agent
}

func TestLifeStoryFirstSession(t *testing.T) {
	svc, _, agent := newFixture(t)
	story := svc.LifeStory(context.Background(), agent, 20)
	assert.Contains(t, story, "YOUR LIFE STORY:")
	assert.Contains(t, story, "This is your first session in this realm.")
}

func TestLifeStoryNarrativeOrder(t *testing.T) {
	svc, _, agent := newFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Remember(ctx, agent.ID, "telos_step", "joined the realm", nil, "membership confirmed"))
	require.NoError(t, svc.Remember(ctx, agent.ID, "telos_step", "voted on P1", nil, ""))

	story := svc.LifeStory(ctx, agent, 20)
	assert.Contains(t, story, "You have 2 memories from past sessions:")
	assert.Contains(t, story, "TELOS_STEP: joined the realm")
	assert.Contains(t, story, "Observation: membership confirmed")

	// Oldest memory must come before the newest in the narrative.
	assert.Less(t,
		indexOf(t, story, "joined the realm"),
		indexOf(t, story, "voted on P1"))
}

func TestSummarize(t *testing.T) {
	svc, _, agent := newFixture(t)
	ctx := context.Background()

	require.NoError(t, svc.Remember(ctx, agent.ID, "telos_step", "joined", nil, ""))
	require.NoError(t, svc.Remember(ctx, agent.ID, "telos_step", "voted", nil, ""))
	require.NoError(t, svc.Remember(ctx, agent.ID, "observe", "watched proposals", nil, ""))

	summary, err := svc.Summarize(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ActionTypes["telos_step"])
	assert.Equal(t, 1, summary.ActionTypes["observe"])
	assert.NotEmpty(t, summary.FirstMemory)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "expected %q in life story", needle)
	return idx
}
