package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rebelYAML = `name: Rebellious
emoji: "\U0001F525"
description: Questions every rule.
motivation: Change the system from within.
system_prompt: |
  You distrust authority and vote against concentrations of power.
traits:
  risk_tolerance: 0.9
  trust_authority: 0.1
strategies:
  voting: contrarian
`

const compliantYAML = `name: Compliant
description: Follows the rules.
system_prompt: You follow realm procedures exactly.
`

func writePersonas(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "citizen-rebellious.yaml"), []byte(rebelYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "citizen-compliant.yaml"), []byte(compliantYAML), 0o644))
	// Files not matching the citizen-*.yaml pattern are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte("name: Ignored"), 0o644))
	return dir
}

func TestCatalogueLoads(t *testing.T) {
	c := NewCatalogue(writePersonas(t), nil)
	assert.Equal(t, []string{"compliant", "rebellious"}, c.Names())

	rebel, ok := c.Get("Rebellious")
	require.True(t, ok)
	assert.Equal(t, 0.9, rebel.RiskTolerance())
	assert.Equal(t, 0.1, rebel.TrustAuthority())
	assert.Equal(t, 0.5, rebel.SelfInterest())
	assert.Equal(t, "contrarian", rebel.VotingStrategy())
	assert.Equal(t, "neutral", rebel.SocialStrategy())
}

func TestPromptFor(t *testing.T) {
	c := NewCatalogue(writePersonas(t), nil)
	assert.Contains(t, c.PromptFor("compliant"), "realm procedures")
	assert.Empty(t, c.PromptFor("unknown"))
}

func TestPromptForIncludesBehavioralProfile(t *testing.T) {
	c := NewCatalogue(writePersonas(t), nil)
	prompt := c.PromptFor("rebellious")
	assert.Contains(t, prompt, "distrust authority")
	assert.Contains(t, prompt, "risk tolerance 0.9")
	assert.Contains(t, prompt, "trust in authority 0.1")
	assert.Contains(t, prompt, "Voting strategy: contrarian")
	assert.Contains(t, prompt, "Social strategy: neutral")
}

func TestMissingDirectoryYieldsEmptyCatalogue(t *testing.T) {
	c := NewCatalogue(filepath.Join(t.TempDir(), "missing"), nil)
	assert.Empty(t, c.Names())
}

func TestMalformedFileSkipped(t *testing.T) {
	dir := writePersonas(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "citizen-broken.yaml"), []byte("{not yaml"), 0o644))

	c := NewCatalogue(dir, nil)
	assert.Equal(t, []string{"compliant", "rebellious"}, c.Names())
}
