// Package cmd implements the rtvs command line.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/log"
)

func init() {
	// Query the terminal background before any output races the reply.
	_ = lipgloss.HasDarkBackground()
}

var (
	version     = "dev"
	cfgFile     string
	metricsAddr string
	debug       bool
	logFile     string
	logLevel    string

	cfgPath   string
	cfg       config.Config
	logCloser func()
)

var rootCmd = &cobra.Command{
	Use:   "rtvs",
	Short: "Run R code on local or remote R hosts",
	Long: `rtvs starts R hosts through a broker, either a local R installation or
a remote broker service, and talks to them over the host protocol.

Brokers are configured in the config file and remembered in a local
database. The active broker is used by every command.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCloser != nil {
			logCloser()
			logCloser = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .rtvs/config.yaml or ~/.config/rtvs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"write a debug log (also enabled by RTVS_DEBUG)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"debug log path (default: rtvs.log next to the config file)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "debug",
		"minimum level written to the debug log")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	cfgPath = config.Resolve(cfgFile)

	if debug || os.Getenv("RTVS_DEBUG") != "" {
		path := logFile
		if path == "" {
			path = filepath.Join(filepath.Dir(cfgPath), "rtvs.log")
		}
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		closer, err := log.InitWithTeaLog(path, "rtvs")
		if err != nil {
			return fmt.Errorf("opening debug log: %w", err)
		}
		logCloser = closer
		log.SetMinLevel(level)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) && cfgFile == "" {
		if err := config.WriteDefaultConfig(cfgPath); err != nil {
			log.Warn(log.CatConfig, "could not create default config", "path", cfgPath, "error", err)
		}
	}

	loaded, err := config.Load(viper.New(), cfgPath)
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		loaded.Metrics.Addr = metricsAddr
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration in %s: %w", cfgPath, err)
	}
	cfg = loaded
	log.Debug(log.CatCLI, "config loaded", "path", cfgPath, "command", cmd.Name())
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
