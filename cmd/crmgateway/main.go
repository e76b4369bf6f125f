// Command crmgateway serves the CRM gateway: the relay websocket, the CRM
// contact API, OAuth flows and vendor webhooks.
//
//	crmgateway serve --config config.yaml
//	crmgateway migrate up
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tennex/crmgateway/internal/config"
	"github.com/tennex/crmgateway/internal/logging"
)

var version = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "crmgateway",
		Short:        "CRM gateway for PBX click-to-call and contact lookups",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to setup logger: %w", err)
		}
		return cfg, logging.WithService(logger, "crmgateway", version), nil
	}

	rootCmd.AddCommand(
		buildServeCmd(load),
		buildMigrateCmd(load),
	)
	return rootCmd
}

type loader func() (*config.Config, *zap.Logger, error)
