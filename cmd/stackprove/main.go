package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/stackprove/stackprove/internal/history"
	"github.com/stackprove/stackprove/internal/log"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/pipeline"
	"github.com/stackprove/stackprove/internal/report"

	"github.com/spf13/cobra"
)

const (
	runLogPath  = "stackprove.log"
	historyPath = "stackprove-history.db"
)

var (
	config model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagVersion        string // value of --runtime-version flag
	flagModules        string // value of --modules flag
	flagSkipHardening  bool   // value of --skip-hardening flag
)

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfigFilePath, "config", "", "config file to load, default is stackprove.yaml in the current directory")
	pf.BoolVar(&flagVerbose, "verbose", false, "verbose diagnostic logging")
	pf.StringVar(&flagVersion, "runtime-version", "", "runtime version to provision, e.g. 8.1")
	pf.StringVar(&flagModules, "modules", "", "comma-separated list of optional runtime modules")
	pf.BoolVar(&flagSkipHardening, "skip-hardening", false, "skip the database hardening chain")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initStackprove

	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("stackprove failed", "err", err)
		if errors.Is(err, model.ErrPreflight) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "stackprove",
	Short:        "Provision a web/database/runtime stack and prove it with synthetic traffic",
	SilenceUsage: true,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "run the full provisioning and verification pipeline",
	RunE:  doProvision,
}

var stepCmd = &cobra.Command{
	Use:       "step <name>",
	Short:     "run a single pipeline step in isolation, for troubleshooting",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: pipeline.KnownSteps(),
	RunE:      doStep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the stackprove version",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("stackprove: version info not available")
			return
		}
		fmt.Printf("stackprove: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			}
		}
	},
}

func doProvision(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := pipeline.Preflight(config); err != nil {
		return err
	}

	rep, err := report.New(os.Stdout, runLogPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = rep.Close()
	}()

	p := pipeline.New(config)
	if db, err := history.Open(ctx, historyPath); err != nil {
		slog.WarnContext(ctx, "run history not available", "err", err)
	} else {
		defer func() {
			_ = db.Close()
		}()
		p = p.WithHistory(db)
	}

	p.Provision(ctx, rep)

	// accumulated non-fatal conditions do not change the exit status, the
	// run log is where clean and needs-follow-up runs differ
	return nil
}

func doStep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := pipeline.Preflight(config); err != nil {
		return err
	}

	rep, err := report.New(os.Stdout, runLogPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = rep.Close()
	}()

	return pipeline.New(config).RunStep(ctx, rep, args[0])
}

func initStackprove(cmd *cobra.Command, _ []string) error {
	configPath := flagConfigFilePath
	if configPath == "" && exists("stackprove.yaml") {
		configPath = "stackprove.yaml"
	}

	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return err
		}
	}

	// flags have precedence over the config file
	if cmd.Flags().Changed("runtime-version") {
		config.Version = flagVersion
	}
	if cmd.Flags().Changed("modules") {
		config.Modules = splitModules(flagModules)
	}
	if flagSkipHardening {
		config.SkipHardening = true
	}
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))
	slog.Debug("stackprove init", "configPath", configPath, "config", config)
	return nil
}

func splitModules(s string) []string {
	var out []string
	for _, m := range strings.Split(s, ",") {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
