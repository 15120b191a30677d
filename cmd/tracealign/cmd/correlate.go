package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/telemetry/correlation"
	"github.com/lvonguyen/tracealign/internal/telemetry/ingestion"
)

func newCorrelateCmd(a *app) *cobra.Command {
	var (
		input  string
		root   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "correlate [folder]",
		Short: "Build the activity timeline of one sample",
		Long: `Load the combined sandbox/keylogger record of a sample, align every
activity series on the shared time axis and print the bucketed result.

The record is read from <root>/Results/<folder>/output.json, or from the
file given with --input.`,
		Example: `  tracealign correlate WannaCrypt
  tracealign correlate --input output.json --interval 5 --output yaml
  TRACEALIGN_CORRELATION_OFFSET=154 tracealign correlate Locky`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unsupported output format %q (use json or yaml)", output)
			}

			path := input
			switch {
			case path == "" && len(args) == 0:
				return fmt.Errorf("either a sample folder or --input is required")
			case path != "" && len(args) > 0:
				return fmt.Errorf("give a sample folder or --input, not both")
			case path == "":
				path = ingestion.ResultsPath(root, args[0])
			}

			var collector ingestion.Collector = ingestion.NewFileCollector(path)
			snap, err := collector.Collect(cmd.Context())
			if err != nil {
				return err
			}

			settings := a.cfg.Correlation
			if len(args) > 0 && !a.v.IsSet("correlation.title") && settings.Title == config.DefaultCorrelationConfig().Title {
				// untitled runs are named after the sample folder
				settings.Title = args[0]
			}

			engine, err := correlation.NewEngine(settings, a.logger)
			if err != nil {
				return err
			}
			result, err := engine.Assemble(cmd.Context(), snap)
			if err != nil {
				return err
			}

			a.logger.Debug("correlation complete",
				zap.String("collector", collector.Name()),
				zap.String("run_id", result.RunID),
			)
			return writeResult(cmd.OutOrStdout(), result, output)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&input, "input", "i", "", "combined record file")
	flags.StringVar(&root, "root", ".", "directory holding the Results/ tree")
	flags.StringVarP(&output, "output", "o", "json", "output format: json, yaml")
	flags.Float64("interval", 0, "bucket width in seconds")
	flags.Float64("offset", 0, "call trace clock offset in seconds")
	flags.Float64("threshold", 0, "first-sample value above which the offset is removed")
	flags.String("title", "", "chart title (default: the sample folder name)")

	_ = a.v.BindPFlag("correlation.time_interval", flags.Lookup("interval"))
	_ = a.v.BindPFlag("correlation.offset", flags.Lookup("offset"))
	_ = a.v.BindPFlag("correlation.threshold", flags.Lookup("threshold"))
	_ = a.v.BindPFlag("correlation.title", flags.Lookup("title"))

	return cmd
}

func writeResult(w io.Writer, result *correlation.Result, format string) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}
