package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/hupe1980/agentrelay"
	"github.com/hupe1980/agentrelay/catalog"
	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/confirm"
	"github.com/hupe1980/agentrelay/telemetry"
	"github.com/spf13/cobra"
)

type runFlags struct {
	agent         string
	allowAgents   []string
	yes           bool
	quiet         bool
	allowAgentSet bool
}

func (f *runFlags) apply(o *agentrelay.RunOptions) {
	o.Agent = f.agent
	if f.allowAgentSet {
		o.AllowedAgents = append([]string{}, f.allowAgents...)
	}
	o.SkipConfirmation = f.yes
	o.Quiet = f.quiet
}

func newRunCmd(g *globalFlags, s streams) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [flags] <query>...",
		Short: "Run a query, optionally as a named agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.allowAgentSet = cmd.Flags().Changed("allow-agents")
			return runQuery(cmd.Context(), g, s, f, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "top-level agent (empty runs unscoped)")
	cmd.Flags().StringSliceVar(&f.allowAgents, "allow-agents", nil, "delegation targets for agents without their own allowed_agents")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "run confirmation-required tools without asking")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "do not echo tool calls")
	return cmd
}

func runQuery(ctx context.Context, g *globalFlags, s streams, f *runFlags, query string) error {
	settings, logger, err := g.load(s)
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Init(ctx, settings.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry.shutdown.failed", "error", err.Error())
		}
	}()

	relay, err := agentrelay.FromSettings(ctx, settings, func(o *agentrelay.Options) {
		o.Logger = logger
		o.Echo = s.errOut
		o.Confirmer = confirm.NewTerminalConfirmer(func(o *confirm.TerminalOptions) {
			o.In = s.in
			o.Out = s.errOut
		})
	})
	if err != nil {
		return err
	}

	out, err := relay.Run(ctx, query, f.apply)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(s.out, out)
	return err
}

func newAgentsCmd(g *globalFlags, s streams) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the configured agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			defs, err := config.LoadAgents(settings.AgentsDir)
			if err != nil {
				return err
			}
			cat, err := catalog.New(defs...)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVERS\tCALLEES\tDESCRIPTION")
			for _, def := range cat.Agents() {
				servers := make([]string, 0, len(def.ServerPolicies))
				for name := range def.ServerPolicies {
					servers = append(servers, name)
				}
				sort.Strings(servers)
				callees := "*"
				if def.HasCalleeRestriction() {
					callees = orDash(strings.Join(def.AllowedCallees, ","))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, orDash(strings.Join(servers, ",")), callees, def.Description)
			}
			return w.Flush()
		},
	}
}

func newToolsCmd(g *globalFlags, s streams) *cobra.Command {
	var agent string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools visible to an agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, logger, err := g.load(s)
			if err != nil {
				return err
			}
			tools, err := agentrelay.ToolsFromSettings(cmd.Context(), settings, agent, func(o *agentrelay.Options) {
				o.Logger = logger
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
			for _, t := range tools {
				desc, _, _ := strings.Cut(t.Description, "\n")
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Server, t.Name, desc)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&agent, "agent", "a", "", "agent whose tools to list (empty lists none)")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
