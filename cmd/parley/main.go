package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/parleychat/parley/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:           "parley",
	Short:         "Terminal client for parley group chat",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := godotenv.Load(); err != nil {
		// Missing .env is the normal case outside development.
		logger.Debugf("no .env file loaded: %v", err)
	}

	if err := rootCmd.Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
