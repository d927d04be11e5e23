// Package agentrelay is the entry point for running delegating agents against
// tool servers. A Relay bundles a model, server configuration and a set of
// agent definitions; each call to Run executes one top-level invocation in
// which agents may hand sub-tasks to each other through the call_agent tool.
//
// Most applications build a Relay from a settings file:
//
//	settings, err := config.Load("agentrelay.yaml")
//	relay, err := agentrelay.FromSettings(ctx, settings)
//	out, err := relay.Run(ctx, "summarize the open issues", func(o *agentrelay.RunOptions) {
//		o.Agent = "triage"
//	})
package agentrelay

import (
	"context"
	"io"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/hupe1980/agentrelay/catalog"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/confirm"
	"github.com/hupe1980/agentrelay/connector"
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/engine"
	"github.com/hupe1980/agentrelay/flow"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/hupe1980/agentrelay/model"
	"github.com/hupe1980/agentrelay/model/anthropic"
	"github.com/hupe1980/agentrelay/model/gemini"
	"github.com/hupe1980/agentrelay/model/openai"
	"github.com/hupe1980/agentrelay/telemetry"
)

// Options configures a Relay.
type Options struct {
	Model     model.Model
	Connector connector.Connector

	Servers  map[string]connector.ServerConfig
	Policies map[string]core.GlobalServerPolicy
	Agents   []core.AgentDefinition

	// Confirmer answers confirmation-required tool calls. Nil declines them.
	Confirmer confirm.Confirmer

	SystemPrompt string
	Callbacks    []flow.Callback

	// Echo receives one line per tool call of the top-level agent.
	Echo io.Writer

	MaxTurns int
	Logger   logging.Logger
}

// RunOptions configures a single Run.
type RunOptions struct {
	// Agent selects the top-level agent. Empty runs unscoped.
	Agent string

	// AllowedAgents restricts delegation targets of agents without their own
	// allowed_agents list. Nil means no restriction.
	AllowedAgents []string

	SkipConfirmation bool
	Quiet            bool
}

// Relay runs top-level invocations. It is safe for concurrent use.
type Relay struct {
	opts    Options
	catalog *catalog.Catalog
	engine  *engine.Engine
}

// New creates a Relay. Duplicate agent names and a missing model are
// reported as *core.ConfigurationError.
func New(optFns ...func(o *Options)) (*Relay, error) {
	opts := Options{MaxTurns: core.MaxTurns}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)

	cat, err := catalog.New(opts.Agents...)
	if err != nil {
		return nil, err
	}

	e, err := engine.New(func(o *engine.Options) {
		o.Model = opts.Model
		o.Connector = opts.Connector
		o.Servers = opts.Servers
		o.Policies = opts.Policies
		o.Confirmer = opts.Confirmer
		o.SystemPrompt = opts.SystemPrompt
		o.Callbacks = opts.Callbacks
		o.Echo = opts.Echo
		o.MaxTurns = opts.MaxTurns
		o.Logger = opts.Logger
		o.Tracer = telemetry.Tracer()
	})
	if err != nil {
		return nil, err
	}

	return &Relay{opts: opts, catalog: cat, engine: e}, nil
}

// FromSettings builds a Relay from loaded settings: it creates the model,
// reads the agents directory and converts the server section. optFns run
// last and may override anything derived from settings.
func FromSettings(ctx context.Context, settings *config.Settings, optFns ...func(o *Options)) (*Relay, error) {
	m, err := NewModel(ctx, settings.Model)
	if err != nil {
		return nil, err
	}

	agents, err := config.LoadAgents(settings.AgentsDir)
	if err != nil {
		return nil, err
	}

	return New(append([]func(o *Options){func(o *Options) {
		o.Model = m
		o.Servers = settings.ServerConfigs()
		o.Policies = settings.GlobalPolicies()
		o.Agents = agents
		o.SystemPrompt = settings.SystemPrompt
	}}, optFns...)...)
}

// ToolsFromSettings lists the tools visible to agent under settings. Unlike
// FromSettings it creates no model, so no API key is needed. Of optFns only
// Connector and Logger are used.
func ToolsFromSettings(ctx context.Context, settings *config.Settings, agent string, optFns ...func(o *Options)) ([]core.ToolDescriptor, error) {
	agents, err := config.LoadAgents(settings.AgentsDir)
	if err != nil {
		return nil, err
	}

	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	return engine.ListTools(ctx, engine.RunRequest{Agent: agent, Agents: agents}, func(o *engine.Options) {
		o.Connector = opts.Connector
		o.Servers = settings.ServerConfigs()
		o.Policies = settings.GlobalPolicies()
		o.Logger = opts.Logger
		o.Tracer = telemetry.Tracer()
	})
}

var defaultAPIKeyEnv = map[string]string{
	config.ProviderOpenAI:    "OPENAI_API_KEY",
	config.ProviderAnthropic: "ANTHROPIC_API_KEY",
	config.ProviderGemini:    "GEMINI_API_KEY",
}

// NewModel creates the provider adapter selected by cfg. The API key is read
// from cfg.APIKeyEnv, or the provider's conventional variable; a missing key
// is a *core.ConfigurationError.
func NewModel(ctx context.Context, cfg config.ModelConfig) (model.Model, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderOpenAI
	}
	envName, ok := defaultAPIKeyEnv[provider]
	if !ok {
		return nil, core.NewConfigurationError("unknown model provider %q", provider)
	}
	if cfg.APIKeyEnv != "" {
		envName = cfg.APIKeyEnv
	}
	apiKey := os.Getenv(envName)
	if apiKey == "" {
		return nil, core.NewConfigurationError("no API key for provider %s: %s is not set", provider, envName)
	}

	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.APIKey = apiKey
			o.BaseURL = cfg.BaseURL
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.MaxTokens)
			}
		}), nil
	case config.ProviderGemini:
		m, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			o.APIKey = apiKey
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			if cfg.Temperature != nil {
				o.Temperature = float32(*cfg.Temperature)
			}
			if cfg.MaxTokens > 0 {
				o.MaxOutputTokens = int32(cfg.MaxTokens)
			}
		})
		if err != nil {
			return nil, &core.ConfigurationError{Message: "gemini model", Err: err}
		}
		return m, nil
	default:
		return openai.NewModel(func(o *openai.Options) {
			o.APIKey = apiKey
			o.BaseURL = cfg.BaseURL
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			if cfg.Temperature != nil {
				o.Temperature = *cfg.Temperature
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(cfg.MaxTokens)
			}
		}), nil
	}
}

// Run executes query as a top-level invocation and returns the final text.
func (r *Relay) Run(ctx context.Context, query string, optFns ...func(o *RunOptions)) (string, error) {
	req := r.request(query, optFns...)
	req.RunID = core.NewID()

	r.opts.Logger.Debug("relay.run", "run_id", req.RunID, "agent", req.Agent, "agents", r.catalog.Len())
	return r.engine.Run(ctx, req)
}

// Tools lists the tools visible to the selected agent, connecting to its
// servers once and closing them again.
func (r *Relay) Tools(ctx context.Context, optFns ...func(o *RunOptions)) ([]core.ToolDescriptor, error) {
	return r.engine.VisibleTools(ctx, r.request("", optFns...))
}

// Agents returns copies of the configured agent definitions in name order.
func (r *Relay) Agents() []core.AgentDefinition {
	defs := r.catalog.Agents()
	out := make([]core.AgentDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Clone())
	}
	return out
}

func (r *Relay) request(query string, optFns ...func(o *RunOptions)) engine.RunRequest {
	var opts RunOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	var allow core.NameSet
	if opts.AllowedAgents != nil {
		allow = core.NewNameSet(opts.AllowedAgents...)
	}

	return engine.RunRequest{
		Query:            query,
		Agent:            opts.Agent,
		Agents:           r.opts.Agents,
		CLIAllowlist:     allow,
		SkipConfirmation: opts.SkipConfirmation,
		Quiet:            opts.Quiet,
	}
}
