// Command flatvm-agent runs inside the VM and serves the host controller.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"grimm.is/flatvm/internal/agent"
	"grimm.is/flatvm/internal/brand"
	"grimm.is/flatvm/internal/logging"
)

func main() {
	logging.SetPrefix(brand.AgentName)

	var configFile string
	rootCmd := &cobra.Command{
		Use:           brand.AgentName,
		Short:         "Guest agent: mounts shares, launches the app, forwards clipboard and notifications",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, configFile)
		},
	}
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file (default "+brand.AgentConfigPath()+" when present)")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), brand.VersionString(brand.AgentName))
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	lcfg := logging.DefaultConfig()
	lcfg.Level = level
	lcfg.JSON = cfg.Log.JSON
	logger := logging.New(lcfg)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, brand.ProtocolVersion(), logger)
	if err := a.Run(ctx); err != nil {
		return err
	}
	// An app can outlive a dropped connection.
	a.Wait()
	return nil
}

// loadConfig reads the given file, or the default path when it exists.
func loadConfig(path string) (*agent.Config, error) {
	if path != "" {
		return agent.LoadConfig(path)
	}
	if _, err := os.Stat(brand.AgentConfigPath()); err == nil {
		return agent.LoadConfig(brand.AgentConfigPath())
	}
	return agent.DefaultConfig(), nil
}
