// Package persona loads citizen persona definitions from YAML files.
// Each file under the personas directory named citizen-*.yaml describes
// one behavioral archetype injected into agent system prompts.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"geister/internal/logging"
)

// Persona is one citizen archetype with behavioral traits and strategies.
type Persona struct {
	Name         string             `yaml:"name"`
	Emoji        string             `yaml:"emoji"`
	Description  string             `yaml:"description"`
	Motivation   string             `yaml:"motivation"`
	SystemPrompt string             `yaml:"system_prompt"`
	Traits       map[string]float64 `yaml:"traits"`
	Strategies   map[string]string  `yaml:"strategies"`
}

// RiskTolerance is in [0,1]; 0.5 when the trait is unspecified.
func (p *Persona) RiskTolerance() float64 { return p.trait("risk_tolerance") }

// TrustAuthority is in [0,1]; 0.5 when the trait is unspecified.
func (p *Persona) TrustAuthority() float64 { return p.trait("trust_authority") }

// SelfInterest is in [0,1]; 0.5 when the trait is unspecified.
func (p *Persona) SelfInterest() float64 { return p.trait("self_interest") }

func (p *Persona) trait(name string) float64 {
	if v, ok := p.Traits[name]; ok {
		return v
	}
	return 0.5
}

// VotingStrategy defaults to "balanced".
func (p *Persona) VotingStrategy() string { return p.strategy("voting", "balanced") }

// SocialStrategy defaults to "neutral".
func (p *Persona) SocialStrategy() string { return p.strategy("social", "neutral") }

func (p *Persona) strategy(name, fallback string) string {
	if v, ok := p.Strategies[name]; ok && v != "" {
		return v
	}
	return fallback
}

// Catalogue holds the loaded personas keyed by lowercased name.
type Catalogue struct {
	dir      string
	logger   logging.Logger
	personas map[string]*Persona
	mu       sync.RWMutex
}

// NewCatalogue loads all citizen-*.yaml files from dir. A missing or empty
// directory yields an empty catalogue, not an error; agents then run with
// the bare persona tag.
func NewCatalogue(dir string, logger logging.Logger) *Catalogue {
	c := &Catalogue{dir: dir, logger: logging.OrNop(logger), personas: map[string]*Persona{}}
	if err := c.Reload(); err != nil {
		c.logger.Warn("Could not load personas from %s: %v", dir, err)
	}
	return c
}

// Reload re-reads all persona files from disk.
func (c *Catalogue) Reload() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "citizen-*.yaml"))
	if err != nil {
		return err
	}

	loaded := map[string]*Persona{}
	for _, path := range matches {
		persona, err := loadFile(path)
		if err != nil {
			c.logger.Warn("Skipping persona file %s: %v", path, err)
			continue
		}
		loaded[strings.ToLower(persona.Name)] = persona
	}

	c.mu.Lock()
	c.personas = loaded
	c.mu.Unlock()
	c.logger.Info("Loaded %d personas from %s", len(loaded), c.dir)
	return nil
}

func loadFile(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var persona Persona
	if err := yaml.Unmarshal(data, &persona); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if persona.Name == "" {
		return nil, fmt.Errorf("persona file %s has no name", filepath.Base(path))
	}
	return &persona, nil
}

// Get returns a persona by name, case-insensitive.
func (c *Catalogue) Get(name string) (*Persona, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	persona, ok := c.personas[strings.ToLower(name)]
	return persona, ok
}

// Names lists the available persona names in sorted order.
func (c *Catalogue) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.personas))
	for name := range c.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptFor returns the persona's system prompt section for an agent,
// followed by a one-line behavioral profile built from its traits and
// strategies. Unknown personas yield an empty string.
func (c *Catalogue) PromptFor(name string) string {
	persona, ok := c.Get(name)
	if !ok {
		return ""
	}
	var b strings.Builder
	if persona.SystemPrompt != "" {
		b.WriteString(strings.TrimSpace(persona.SystemPrompt))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b,
		"Behavioral profile: risk tolerance %.1f, trust in authority %.1f, self-interest %.1f. Voting strategy: %s. Social strategy: %s.",
		persona.RiskTolerance(), persona.TrustAuthority(), persona.SelfInterest(),
		persona.VotingStrategy(), persona.SocialStrategy())
	return b.String()
}
