// Command flatvm runs a Flatpak application inside a virtual machine.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/flatvm/internal/brand"
	"grimm.is/flatvm/internal/config"
	"grimm.is/flatvm/internal/controller"
	"grimm.is/flatvm/internal/logging"
)

// exitError carries the application's exit code out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("application exited with code %d", e.code)
}

func main() {
	logging.SetPrefix(brand.Name)

	rootCmd := &cobra.Command{
		Use:           brand.Name,
		Short:         brand.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newRunCommand(), newVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCommand() *cobra.Command {
	var (
		configFile string
		noLaunch   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the VM, launch the configured application and wait for it to exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := setupLogging(cfg.Log)
			if err != nil {
				return err
			}

			c, err := controller.New(cfg, !noLaunch, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			code, err := c.Run(ctx)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: int(code)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", brand.ConfigPath(), "Configuration file")
	cmd.Flags().BoolVar(&noLaunch, "no-launch", false, "Connect to an already running VM instead of starting one")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), brand.VersionString(brand.Name))
		},
	}
}

func setupLogging(lc *config.LogConfig) (*logging.Logger, error) {
	lcfg := logging.DefaultConfig()
	if lc != nil {
		level, err := logging.ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		lcfg.Level = level
		lcfg.JSON = lc.JSON
	}
	logger := logging.New(lcfg)
	logging.SetDefault(logger)
	return logger, nil
}
