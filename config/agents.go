package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/agentrelay/core"
	"gopkg.in/yaml.v3"
)

type agentFrontmatter struct {
	Name          string                        `yaml:"name"`
	Description   string                        `yaml:"description"`
	Servers       map[string]*agentServerPolicy `yaml:"servers"`
	AllowedAgents *[]string                     `yaml:"allowed_agents"`
}

type agentServerPolicy struct {
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// ParseAgent parses a markdown agent file: YAML frontmatter between "---"
// lines followed by the system prompt. fallbackName is used when the
// frontmatter does not set a name.
//
// An absent allowed_agents key leaves the callee list nil (no restriction);
// "allowed_agents: []" yields an empty list that permits no delegation.
func ParseAgent(data []byte, fallbackName string) (core.AgentDefinition, error) {
	front, body, ok := splitFrontmatter(string(data))

	var fm agentFrontmatter
	if ok && front != "" {
		if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
			return core.AgentDefinition{}, &core.ConfigurationError{Message: "parse agent " + fallbackName, Err: err}
		}
	}

	name := strings.TrimSpace(fm.Name)
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		return core.AgentDefinition{}, core.NewConfigurationError("agent without name")
	}

	def := core.AgentDefinition{
		Name:         name,
		Description:  strings.TrimSpace(fm.Description),
		SystemPrompt: body,
	}
	if len(fm.Servers) > 0 {
		def.ServerPolicies = make(map[string]core.ServerScopePolicy, len(fm.Servers))
		for server, p := range fm.Servers {
			var scope core.ServerScopePolicy
			if p != nil {
				scope.IncludeTools = nameSet(p.IncludeTools)
				scope.ExcludeTools = nameSet(p.ExcludeTools)
			}
			def.ServerPolicies[server] = scope
		}
	}
	if fm.AllowedAgents != nil {
		def.AllowedCallees = core.NewNameSet(*fm.AllowedAgents...)
	}
	return def, nil
}

// LoadAgents parses every *.md file in dir, in file name order. A missing
// directory yields no agents.
func LoadAgents(dir string) ([]core.AgentDefinition, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &core.ConfigurationError{Message: "read agents dir " + dir, Err: err}
	}

	var defs []core.AgentDefinition
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &core.ConfigurationError{Message: "read agent " + path, Err: err}
		}
		def, err := ParseAgent(data, strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// splitFrontmatter separates a leading "---" delimited block from the body.
func splitFrontmatter(raw string) (frontmatter string, body string, ok bool) {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	if !strings.HasPrefix(raw, "---\n") {
		return "", strings.TrimSpace(raw), false
	}
	lines := strings.Split(raw, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end <= 0 {
		return "", strings.TrimSpace(raw), false
	}
	front := strings.Join(lines[1:end], "\n")
	rest := ""
	if end+1 < len(lines) {
		rest = strings.Join(lines[end+1:], "\n")
	}
	return strings.TrimSpace(front), strings.TrimSpace(rest), true
}
