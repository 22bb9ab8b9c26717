package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/suryatmodulus/microsandbox/internal/repl"
)

var yamlFlag bool

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "Check that the configured interpreters start",
	Long: `Start each enabled interpreter once, run the readiness handshake,
and report the result.

Examples:
  portal engines
  portal engines --yaml`,
	RunE: runEngines,
}

func init() {
	enginesCmd.Flags().BoolVar(&yamlFlag, "yaml", false, "Print the report as YAML")
	rootCmd.AddCommand(enginesCmd)
}

type engineReport struct {
	Language       string        `yaml:"language"`
	Executable     string        `yaml:"executable"`
	Required       bool          `yaml:"required"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	OK             bool          `yaml:"ok"`
	Startup        time.Duration `yaml:"startup"`
	Error          string        `yaml:"error,omitempty"`
}

func runEngines(cmd *cobra.Command, args []string) error {
	cfg, err := quietConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engines, err := cfg.EngineConfigs()
	if err != nil {
		return err
	}
	reports := probeEngines(context.Background(), engines, cfg.Limits(), logger)

	if yamlFlag {
		if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(reports); err != nil {
			return err
		}
	} else {
		printReports(cmd.OutOrStdout(), reports)
	}

	for _, r := range reports {
		if r.Required && !r.OK {
			return fmt.Errorf("required engine %s failed to start", r.Language)
		}
	}
	return nil
}

// probeEngines starts every engine's interpreter once, in parallel.
func probeEngines(ctx context.Context, engines []repl.EngineConfig, limits repl.Limits, logger *zap.Logger) []engineReport {
	reports := make([]engineReport, len(engines))
	var g errgroup.Group
	for i, ec := range engines {
		g.Go(func() error {
			r := engineReport{
				Language:       string(ec.Profile.Language),
				Executable:     ec.Profile.Executable,
				Required:       ec.Required,
				StartupTimeout: ec.Profile.StartupTimeout,
			}
			e := repl.NewEngine(ec.Profile, limits, logger)
			start := time.Now()
			err := e.Probe(ctx)
			r.Startup = time.Since(start).Round(time.Millisecond)
			if err != nil {
				r.Error = err.Error()
			} else {
				r.OK = true
			}
			reports[i] = r
			return nil
		})
	}
	g.Wait()
	return reports
}

func printReports(w io.Writer, reports []engineReport) {
	fmt.Fprintf(w, "%-8s %-10s %-8s %-10s %s\n", "LANGUAGE", "STATUS", "REQUIRED", "STARTUP", "EXECUTABLE")
	for _, r := range reports {
		status := "\033[32mok\033[0m    "
		if !r.OK {
			status = "\033[31mfailed\033[0m"
		}
		fmt.Fprintf(w, "%-8s %s     %-8v %-10s %s\n", r.Language, status, r.Required, r.Startup, r.Executable)
		if r.Error != "" {
			fmt.Fprintf(w, "  \033[90m%s\033[0m\n", r.Error)
		}
	}
}
