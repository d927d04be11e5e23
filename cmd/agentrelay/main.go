// Command agentrelay runs delegating agents against configured tool servers.
//
//	agentrelay run --agent triage "summarize the open issues"
//	agentrelay agents
//	agentrelay tools --agent triage
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hupe1980/agentrelay/config"
	"github.com/hupe1980/agentrelay/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(os.Stdin, os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agentrelay: %v\n", err)
		stop()
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

type streams struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	g := &globalFlags{}
	s := streams{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "agentrelay",
		Short:         "Run agents that delegate to each other over scoped tool servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "agentrelay.yaml", "settings file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides the settings file")

	root.AddCommand(
		newRunCmd(g, s),
		newAgentsCmd(g, s),
		newToolsCmd(g, s),
	)
	return root
}

// load reads the settings file and builds the logger described by it.
func (g *globalFlags) load(s streams) (*config.Settings, logging.Logger, error) {
	settings, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}

	level := settings.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	return settings, newLogger(s.errOut, level, settings.Logging.Format), nil
}

// newLogger builds the CLI logger. json and text go through zerolog; logfmt
// uses the slog text handler.
func newLogger(w io.Writer, level, format string) logging.Logger {
	var zl zerolog.Logger
	switch format {
	case "logfmt":
		return logging.NewLogger(&logging.LoggerConfig{
			Level:     logging.ParseLevel(level),
			Format:    "text",
			Output:    w,
			Component: "agentrelay",
		})
	case "json":
		zl = zerolog.New(w)
	default:
		zl = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	}
	zl = zl.Level(logging.ZerologLevel(logging.ParseLevel(level))).With().Timestamp().Logger()
	return logging.NewZerologAdapter(zl)
}
