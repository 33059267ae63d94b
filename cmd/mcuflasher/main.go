package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcuflasher/internal/config"
	"mcuflasher/internal/logging"
)

var (
	configFlag   string
	logLevelFlag string
	logFileFlag  string

	logCloser io.Closer = io.NopCloser(nil)
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mcuflasher",
		Short:         "Flash ESP32 and STM32 boards on a production bench",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProfile()
			if err != nil {
				return err
			}
			level, file := p.LogLevel, p.LogFile
			if cmd.Flags().Changed("log-level") {
				level = logLevelFlag
			}
			if cmd.Flags().Changed("log-file") {
				file = logFileFlag
			}
			logCloser, err = logging.Setup(level, file)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logCloser.Close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Bench profile (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", config.DefaultLogLevel, "Log level")
	rootCmd.PersistentFlags().StringVar(&logFileFlag, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		newPortsCmd(),
		newFlashCmd(),
		newAutoCmd(),
		newEraseCmd(),
		newIdentifyCmd(),
		newBootCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// loadProfile reads --config, or returns defaults when no profile was given.
func loadProfile() (*config.Profile, error) {
	if configFlag == "" {
		return config.Default(), nil
	}
	return config.Load(configFlag)
}
