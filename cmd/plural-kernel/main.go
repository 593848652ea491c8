package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-kernel/config"
	"github.com/zhubert/plural-kernel/logger"
)

var configPath string
var logFile string
var debug bool

var rootCmd = &cobra.Command{
	Use:   "plural-kernel",
	Short: "Run and drive an interactive kernel over loop-back channels",
	Long: `plural-kernel runs an execution kernel that listens on three loop-back
channels (command, broadcast and input) and a console that launches a kernel
and talks to it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML or TOML, default from the config directory)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig loads the config named by --config.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// initLogging opens the log file chosen by --log-file, the config, or
// defaultPath, in that order.
func initLogging(cfg *config.Config, defaultPath func() (string, error)) error {
	path := logFile
	if path == "" {
		path = cfg.Log.Path
	}
	if path == "" {
		p, err := defaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := logger.Init(path); err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if debug {
		logger.SetDebug(true)
	}
	return nil
}

func run() int {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
