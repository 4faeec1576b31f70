package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hyperraft/hyperraft/pkg/config"
)

// InitCmd writes a default configuration file under the root directory.
// An existing configuration is never overwritten.
func InitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the node configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := cmd.Flags().GetString(config.FlagRootDir)
			if err != nil {
				return fmt.Errorf("read home flag: %w", err)
			}

			cfg := config.DefaultConfig()
			if home != "" {
				cfg.RootDir = home
			}
			if nodeID, err := cmd.Flags().GetString(config.FlagNodeID); err == nil && nodeID != "" {
				cfg.Node.ID = nodeID
			}
			if bootstrap, err := cmd.Flags().GetBool(config.FlagBootstrap); err == nil {
				cfg.Node.Bootstrap = bootstrap
			}

			if _, err := os.Stat(cfg.ConfigPath()); err == nil {
				return fmt.Errorf("configuration already exists at %s", cfg.ConfigPath())
			}

			if err := cfg.SaveAsYaml(); err != nil {
				return fmt.Errorf("write configuration: %w", err)
			}
			cmd.Printf("Initialized node configuration at %s\n", cfg.ConfigPath())
			return nil
		},
	}

	cmd.Flags().String(config.FlagNodeID, "", "unique identifier for this node in the validator set")
	cmd.Flags().Bool(config.FlagBootstrap, false, "start this node as the initial leader of a new cluster")
	return cmd
}

// RunCmd starts a full node.
func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the hyperraft node",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeConfig, err := ParseConfig(cmd)
			if err != nil {
				return err
			}

			logger := SetupLogger(nodeConfig.Log)
			return StartNode(logger, cmd, nodeConfig)
		},
	}
	config.AddFlags(cmd)
	return cmd
}
