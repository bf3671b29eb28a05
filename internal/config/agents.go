package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentPreset is one entry of the fallback chain: the agent to invoke and how
// to invoke it. Presets are tried in file order; the loop switches to the next
// one after repeated consecutive failures.
type AgentPreset struct {
	Name            string `yaml:"name"`
	Backend         string `yaml:"backend"`
	Model           string `yaml:"model,omitempty"`
	ReasoningEffort string `yaml:"reasoning_effort,omitempty"`
	PromptFile      string `yaml:"prompt_file,omitempty"`
	SkipPermissions bool   `yaml:"skip_permissions,omitempty"`
}

type agentsFile struct {
	Agents []AgentPreset `yaml:"agents"`
}

var knownBackends = map[string]struct{}{
	"claude":   {},
	"codex":    {},
	"gemini":   {},
	"opencode": {},
}

// LoadAgents reads the fallback chain from an agents.yaml file.
func LoadAgents(path string) ([]AgentPreset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	return ParseAgents(data)
}

// ParseAgents parses and validates an agents.yaml document.
func ParseAgents(data []byte) ([]AgentPreset, error) {
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("agents file defines no agents")
	}

	seen := make(map[string]struct{}, len(f.Agents))
	for i := range f.Agents {
		p := &f.Agents[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Backend = strings.ToLower(strings.TrimSpace(p.Backend))

		if err := ValidateAgentName(p.Name); err != nil {
			return nil, fmt.Errorf("agent #%d: %w", i+1, err)
		}
		if _, ok := knownBackends[p.Backend]; !ok {
			return nil, fmt.Errorf("agent %q: unknown backend %q", p.Name, p.Backend)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("agent %q defined twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}

	return f.Agents, nil
}

// DefaultChain is used when no agents file is configured: a single claude
// preset with no fallback.
func DefaultChain() []AgentPreset {
	return []AgentPreset{{Name: "claude", Backend: "claude", SkipPermissions: true}}
}
