// Package swarm provisions batches of numbered agents, each backed by
// its own dfx identity and assigned the default telos when one exists.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geister/internal/logging"
	"geister/internal/persona"
	"geister/internal/store"
	"geister/internal/tools"
)

// DefaultPrefix names swarm identities swarm_agent_001, swarm_agent_002, ...
const DefaultPrefix = "swarm_agent"

const principalTimeout = 30 * time.Second

// AgentStore is the slice of the store the provisioner writes through.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	CreateAgent(ctx context.Context, agent *store.Agent) error
	DefaultTemplate(ctx context.Context) (*store.TelosTemplate, error)
	AssignTelos(ctx context.Context, agentID, templateID, customSteps string) (*store.TelosAssignment, error)
}

// Provisioner generates numbered persona-backed agents.
type Provisioner struct {
	store    AgentStore
	personas *persona.Catalogue
	runner   tools.CommandRunner
	logger   logging.Logger
	prefix   string
}

func NewProvisioner(st AgentStore, personas *persona.Catalogue, runner tools.CommandRunner, logger logging.Logger) *Provisioner {
	return &Provisioner{
		store:    st,
		personas: personas,
		runner:   runner,
		logger:   logging.OrNop(logger),
		prefix:   DefaultPrefix,
	}
}

// Report summarises one provisioning run.
type Report struct {
	Requested int      `json:"requested"`
	Created   int      `json:"created"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	AgentIDs  []string `json:"agent_ids"`
}

// IdentityName returns the dfx identity name for an agent index.
func (p *Provisioner) IdentityName(index int) string {
	return fmt.Sprintf("%s_%03d", p.prefix, index)
}

// Provision creates count agents starting at startIndex. Agents that
// already exist are skipped; identity or registration failures are
// counted without aborting the rest of the run.
func (p *Provisioner) Provision(ctx context.Context, count, startIndex int, personaName string) Report {
	if count <= 0 {
		count = 5
	}
	if startIndex <= 0 {
		startIndex = 1
	}
	if personaName == "" {
		personaName = "compliant"
	}
	if p.personas != nil {
		if _, ok := p.personas.Get(personaName); !ok {
			p.logger.Warn("Persona %q is not in the catalogue, agents keep the bare tag", personaName)
		}
	}

	p.logger.Info("Generating %d agents starting from index %d with persona %q", count, startIndex, personaName)
	report := Report{Requested: count}
	for i := startIndex; i < startIndex+count; i++ {
		name := p.IdentityName(i)
		if _, err := p.store.GetAgent(ctx, name); err == nil {
			p.logger.Info("[%03d] %s already exists, skipping", i, name)
			report.Skipped++
			continue
		}

		if !tools.EnsureIdentity(ctx, p.runner, p.logger, name) {
			report.Failed++
			continue
		}
		principal, err := p.principalFor(ctx, name)
		if err != nil {
			p.logger.Warn("[%03d] Could not resolve principal for %s: %v", i, name, err)
			report.Failed++
			continue
		}

		agent := &store.Agent{
			ID:          name,
			DisplayName: fmt.Sprintf("Swarm Agent %03d", i),
			Persona:     personaName,
			Principal:   principal,
		}
		if err := p.store.CreateAgent(ctx, agent); err != nil {
			p.logger.Error("[%03d] Could not register %s: %v", i, name, err)
			report.Failed++
			continue
		}
		p.assignDefaultTelos(ctx, name)

		p.logger.Info("[%03d] Created %s -> %s", i, name, principal)
		report.Created++
		report.AgentIDs = append(report.AgentIDs, name)
	}

	p.logger.Info("Done. Created: %d, Skipped: %d, Failed: %d", report.Created, report.Skipped, report.Failed)
	return report
}

func (p *Provisioner) principalFor(ctx context.Context, name string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, principalTimeout)
	defer cancel()
	stdout, stderr, err := p.runner.Run(callCtx, "", nil, "dfx", "identity", "get-principal", "--identity", name)
	if err != nil {
		return "", fmt.Errorf("get-principal: %w (%s)", err, strings.TrimSpace(stderr))
	}
	principal := strings.TrimSpace(stdout)
	if principal == "" {
		return "", errors.New("get-principal returned no output")
	}
	return principal, nil
}

// assignDefaultTelos is best-effort: without a default template the new
// agent simply starts with no mission.
func (p *Provisioner) assignDefaultTelos(ctx context.Context, agentID string) {
	tpl, err := p.store.DefaultTemplate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn("Could not load default template: %v", err)
		return
	}
	if _, err := p.store.AssignTelos(ctx, agentID, tpl.ID, ""); err != nil {
		p.logger.Warn("Could not assign default telos to %s: %v", agentID, err)
	}
}
