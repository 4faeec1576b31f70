package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	hyperraftcmd "github.com/hyperraft/hyperraft/pkg/cmd"
	"github.com/hyperraft/hyperraft/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hyperraft",
		Short: "hyperraft consensus and transaction ordering node",
	}
	config.AddGlobalFlags(rootCmd, config.ConfigFileName)

	rootCmd.AddCommand(
		hyperraftcmd.InitCmd(),
		hyperraftcmd.RunCmd(),
		hyperraftcmd.VersionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
