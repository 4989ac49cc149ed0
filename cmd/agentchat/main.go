// Command agentchat talks to an app's agents from the terminal: it creates
// conversations, sends messages and follows a conversation in realtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/base44/go-sdk/client"
	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/logger"
)

var (
	configPath string
	appID      string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "Chat with an app's agents",
	Long: `agentchat drives agent conversations through the SDK.

  agentchat create --agent support-agent    # start a conversation
  agentchat send <conversation-id> "hello"  # add a user message
  agentchat watch <conversation-id>         # stream updates until interrupted`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&appID, "app", "", "app id (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log SDK activity to stderr")
}

// newClient loads the config and builds an SDK client from it.
func newClient() (*client.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if appID != "" {
		cfg.AppID = appID
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true, Output: os.Stderr})
	return client.New(cfg, client.WithLogger(log))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
