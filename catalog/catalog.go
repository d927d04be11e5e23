// Package catalog holds the immutable snapshot of agent definitions used for
// one top-level invocation. The snapshot is resolved once and shared
// read-only by every nested delegation frame.
package catalog

import (
	"fmt"
	"sort"

	"github.com/hupe1980/agentrelay/core"
)

// Catalog is a read-only name -> AgentDefinition index. It is safe for
// concurrent use because nothing mutates it after New returns.
type Catalog struct {
	agents map[string]*core.AgentDefinition
	names  []string
}

// New builds a catalog from defs. Definitions are deep-copied so later
// changes to the inputs do not leak into a running invocation. Empty and
// duplicate names are rejected with a ConfigurationError.
func New(defs ...core.AgentDefinition) (*Catalog, error) {
	c := &Catalog{agents: make(map[string]*core.AgentDefinition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, core.NewConfigurationError("agent definition without name")
		}
		if _, dup := c.agents[d.Name]; dup {
			return nil, &core.ConfigurationError{Message: fmt.Sprintf("duplicate agent %q", d.Name)}
		}
		cp := d.Clone()
		c.agents[d.Name] = &cp
		c.names = append(c.names, d.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Empty returns a catalog without agents.
func Empty() *Catalog {
	return &Catalog{agents: map[string]*core.AgentDefinition{}}
}

// Lookup returns the definition registered under name. The returned pointer
// must be treated as read-only.
func (c *Catalog) Lookup(name string) (*core.AgentDefinition, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.agents[name]
	return a, ok
}

// Has reports whether name is a known agent.
func (c *Catalog) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Names returns all agent names sorted alphabetically.
func (c *Catalog) Names() core.NameSet {
	if c == nil {
		return core.NameSet{}
	}
	return append(core.NameSet{}, c.names...)
}

// Len returns the number of agents.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.names)
}

// Agents returns the definitions in name order.
func (c *Catalog) Agents() []*core.AgentDefinition {
	if c == nil {
		return nil
	}
	out := make([]*core.AgentDefinition, 0, len(c.names))
	for _, n := range c.names {
		out = append(out, c.agents[n])
	}
	return out
}
