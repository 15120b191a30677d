package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lvonguyen/tracealign/internal/config"
	"github.com/lvonguyen/tracealign/internal/observability"
)

// Version is injected at build time via ldflags.
var Version = "dev"

// app holds the state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
}

// NewRootCmd builds the tracealign command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "tracealign",
		Short: "Sandbox activity timeline correlation",
		Long: `tracealign lines up a sandbox report and a keylogger capture of the
same run on one time axis and buckets every activity series into
fixed-width intervals.

Settings come from the YAML config, then TRACEALIGN_* environment
variables, then command-line flags.`,
		Version:       Version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("tracealign version %s\n", Version))

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: built-in settings)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = a.v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newCorrelateCmd(a))

	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// init loads the config file and applies env and flag overrides on top.
func (a *app) init() error {
	cfg, err := config.LoadOrDefault(a.cfgFile)
	if err != nil {
		return err
	}

	a.v.SetEnvPrefix("TRACEALIGN")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()
	for _, key := range overrideKeys {
		_ = a.v.BindEnv(key)
	}

	applyOverrides(a.v, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger, err = observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

var overrideKeys = []string{
	"correlation.offset",
	"correlation.threshold",
	"correlation.time_interval",
	"correlation.class_tag",
	"correlation.title",
	"logging.level",
	"logging.format",
}

// applyOverrides copies every explicitly set viper key onto cfg.
func applyOverrides(v *viper.Viper, cfg *config.Config) {
	floats := map[string]*float64{
		"correlation.offset":        &cfg.Correlation.Offset,
		"correlation.threshold":     &cfg.Correlation.Threshold,
		"correlation.time_interval": &cfg.Correlation.TimeInterval,
	}
	for key, dst := range floats {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}

	strs := map[string]*string{
		"correlation.class_tag": &cfg.Correlation.ClassTag,
		"correlation.title":     &cfg.Correlation.Title,
		"logging.level":         &cfg.Logging.Level,
		"logging.format":        &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
}
